// Package marketdata implements the market data gateway: the single entry
// point for prices, order book depth and candles. It caches the latest quote
// per symbol, serves candle windows from a hot in-memory cache backed by
// history.db, and reports staleness and outages as typed errors so signal
// evaluation can skip a cycle instead of acting on dead data.
package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
)

// CandleRepository persists OHLCV bars in history.db.
type CandleRepository struct {
	db  *sql.DB // history.db - candles table
	log zerolog.Logger
}

// NewCandleRepository creates a new candle repository
func NewCandleRepository(db *sql.DB, log zerolog.Logger) *CandleRepository {
	return &CandleRepository{
		db:  db,
		log: log.With().Str("repository", "candles").Logger(),
	}
}

// Upsert writes candles, replacing any existing bar at the same timestamp.
// Backfill overlaps are expected; last write wins.
func (r *CandleRepository) Upsert(symbol, timeframe string, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin candle upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO candles (symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare candle upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(symbol, timeframe, c.Ts.Unix(), c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to upsert candle %s/%s@%d: %w", symbol, timeframe, c.Ts.Unix(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candle upsert: %w", err)
	}
	return nil
}

// Recent returns the newest n bars for symbol/timeframe, oldest first.
func (r *CandleRepository) Recent(symbol, timeframe string, n int) ([]domain.Candle, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC
		LIMIT ?
	`, symbol, timeframe, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles %s/%s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var reversed []domain.Candle
	for rows.Next() {
		var ts int64
		var c domain.Candle
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		c.Ts = time.Unix(ts, 0)
		reversed = append(reversed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	// Query returned newest first; flip to chronological order.
	candles := make([]domain.Candle, len(reversed))
	for i, c := range reversed {
		candles[len(reversed)-1-i] = c
	}
	return candles, nil
}

// Range returns bars between from and to inclusive, oldest first.
func (r *CandleRepository) Range(symbol, timeframe string, from, to time.Time) ([]domain.Candle, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND ts BETWEEN ? AND ?
		ORDER BY ts ASC
	`, symbol, timeframe, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range %s/%s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var ts int64
		var c domain.Candle
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		c.Ts = time.Unix(ts, 0)
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return candles, nil
}

// LatestTs returns the newest bar timestamp, or zero time when no bars exist.
func (r *CandleRepository) LatestTs(symbol, timeframe string) (time.Time, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(`
		SELECT MAX(ts) FROM candles WHERE symbol = ? AND timeframe = ?
	`, symbol, timeframe).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest candle ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0), nil
}

// PruneBefore deletes bars older than cutoff. Returns rows removed.
func (r *CandleRepository) PruneBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM candles WHERE ts < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune candles: %w", err)
	}
	removed, _ := result.RowsAffected()
	if removed > 0 {
		r.log.Info().Int64("removed", removed).Msg("Pruned old candles")
	}
	return removed, nil
}
