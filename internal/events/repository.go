package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one row of the evolution log. Before and After hold JSON
// snapshots of the affected strategy's parameters or metrics; either may
// be empty (creation has no Before, elimination no After).
type LogEntry struct {
	ID         int64  `json:"id"`
	Ts         int64  `json:"ts"`
	Actor      string `json:"actor"`
	StrategyID string `json:"strategy_id,omitempty"`
	Kind       string `json:"kind"`
	Before     string `json:"before,omitempty"`
	After      string `json:"after,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Repository persists evolution log entries in events.db.
// The log is append-only; the only mutation is retention compaction.
type Repository struct {
	db  *sql.DB // events.db - evolution_log table
	log zerolog.Logger
}

// NewRepository creates a new evolution log repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "evolution_log").Logger(),
	}
}

// Append writes one log entry. Ts defaults to now when zero.
func (r *Repository) Append(entry *LogEntry) error {
	if entry.Ts == 0 {
		entry.Ts = time.Now().Unix()
	}
	result, err := r.db.Exec(`
		INSERT INTO evolution_log (ts, actor, strategy_id, kind, before, after, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Ts, entry.Actor, nullIfEmpty(entry.StrategyID), entry.Kind,
		nullIfEmpty(entry.Before), nullIfEmpty(entry.After), nullIfEmpty(entry.Reason))
	if err != nil {
		return fmt.Errorf("failed to append evolution log entry: %w", err)
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// AppendTransition is a convenience wrapper that JSON-encodes the before
// and after snapshots.
func (r *Repository) AppendTransition(actor, strategyID, kind string, before, after interface{}, reason string) error {
	entry := &LogEntry{
		Actor:      actor,
		StrategyID: strategyID,
		Kind:       kind,
		Reason:     reason,
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("failed to marshal before snapshot: %w", err)
		}
		entry.Before = string(b)
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("failed to marshal after snapshot: %w", err)
		}
		entry.After = string(b)
	}
	return r.Append(entry)
}

// Recent returns the newest entries, newest first.
func (r *Repository) Recent(limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, ts, actor, COALESCE(strategy_id, ''), kind,
		       COALESCE(before, ''), COALESCE(after, ''), COALESCE(reason, '')
		FROM evolution_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query evolution log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByStrategy returns the log entries for one strategy, newest first.
func (r *Repository) ByStrategy(strategyID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT id, ts, actor, COALESCE(strategy_id, ''), kind,
		       COALESCE(before, ''), COALESCE(after, ''), COALESCE(reason, '')
		FROM evolution_log
		WHERE strategy_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query evolution log for strategy %s: %w", strategyID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the total number of log entries.
func (r *Repository) Count() (int, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM evolution_log").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count evolution log: %w", err)
	}
	return count, nil
}

// Compact enforces the retention bounds: entries older than maxAge are
// deleted, then the oldest rows beyond maxRows. Returns rows removed.
func (r *Repository) Compact(maxRows int, maxAge time.Duration) (int64, error) {
	var removed int64

	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge).Unix()
		result, err := r.db.Exec("DELETE FROM evolution_log WHERE ts < ?", cutoff)
		if err != nil {
			return removed, fmt.Errorf("failed to compact evolution log by age: %w", err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}

	if maxRows > 0 {
		result, err := r.db.Exec(`
			DELETE FROM evolution_log
			WHERE id NOT IN (
				SELECT id FROM evolution_log ORDER BY id DESC LIMIT ?
			)
		`, maxRows)
		if err != nil {
			return removed, fmt.Errorf("failed to compact evolution log by rows: %w", err)
		}
		n, _ := result.RowsAffected()
		removed += n
	}

	if removed > 0 {
		r.log.Info().Int64("removed", removed).Msg("Compacted evolution log")
	}
	return removed, nil
}

func scanEntries(rows *sql.Rows) ([]LogEntry, error) {
	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Ts, &e.Actor, &e.StrategyID, &e.Kind, &e.Before, &e.After, &e.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan evolution log row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evolution log: %w", err)
	}
	return entries, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
