package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/modules/strategies"
)

// Repository handles strategy persistence in registry.db.
type Repository struct {
	db  *sql.DB // registry.db - strategies table
	log zerolog.Logger
}

// NewRepository creates a new strategy repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "strategies").Logger(),
	}
}

const strategyColumns = `
	id, type, symbol, parameters, generation, cycle, parent_id,
	enabled, tier, retired, COALESCE(retired_reason, ''),
	total_trades, win_rate, total_return, max_drawdown, sharpe, daily_return,
	final_score, provisional, qualifies_for_real,
	COALESCE(demoted_at, 0), COALESCE(last_evaluated_at, 0), created_at, updated_at`

func scanStrategy(scanner interface{ Scan(...interface{}) error }) (*Strategy, error) {
	var s Strategy
	var paramsJSON string
	var parentID sql.NullString
	var enabled, retired, provisional, qualifies int
	var demotedAt, lastEval, createdAt, updatedAt int64

	err := scanner.Scan(
		&s.ID, &s.Type, &s.Symbol, &paramsJSON, &s.Generation, &s.Cycle, &parentID,
		&enabled, &s.Tier, &retired, &s.RetireNote,
		&s.Metrics.TotalTrades, &s.Metrics.WinRate, &s.Metrics.TotalReturn,
		&s.Metrics.MaxDrawdown, &s.Metrics.Sharpe, &s.Metrics.DailyReturn,
		&s.Metrics.FinalScore, &provisional, &qualifies,
		&demotedAt, &lastEval, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	params, err := strategies.UnmarshalParams(paramsJSON)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.ID, err)
	}
	schema, err := strategies.SchemaFor(s.Type)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", s.ID, err)
	}
	if err := schema.Validate(params); err != nil {
		return nil, fmt.Errorf("strategy %s: stored parameters invalid: %w", s.ID, err)
	}

	s.Parameters = params
	if parentID.Valid {
		s.ParentID = &parentID.String
	}
	s.Enabled = enabled != 0
	s.Retired = retired != 0
	s.Metrics.Provisional = provisional != 0
	s.Metrics.QualifiesForReal = qualifies != 0
	if demotedAt > 0 {
		s.DemotedAt = time.Unix(demotedAt, 0)
	}
	if lastEval > 0 {
		s.LastEvaluatedAt = time.Unix(lastEval, 0)
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

// Get retrieves a strategy by ID. Returns nil if not found (not an error).
func (r *Repository) Get(id string) (*Strategy, error) {
	row := r.db.QueryRow("SELECT "+strategyColumns+" FROM strategies WHERE id = ?", id)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy %s: %w", id, err)
	}
	return s, nil
}

// List retrieves strategies matching the filter.
func (r *Repository) List(f Filter) ([]*Strategy, error) {
	var conds []string
	var args []interface{}

	if f.Type != nil {
		conds = append(conds, "type = ?")
		args = append(args, string(*f.Type))
	}
	if f.Symbol != nil {
		conds = append(conds, "symbol = ?")
		args = append(args, *f.Symbol)
	}
	if f.Tier != nil {
		conds = append(conds, "tier = ?")
		args = append(args, *f.Tier)
	}
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolToInt(*f.Enabled))
	}
	if f.Retired != nil {
		conds = append(conds, "retired = ?")
		args = append(args, boolToInt(*f.Retired))
	}
	if f.MinScore != nil {
		conds = append(conds, "final_score >= ?")
		args = append(args, *f.MinScore)
	}
	if f.RealEligible != nil {
		conds = append(conds, "qualifies_for_real = ?")
		args = append(args, boolToInt(*f.RealEligible))
	}

	query := "SELECT " + strategyColumns + " FROM strategies"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.OrderByScore {
		query += " ORDER BY final_score DESC, id ASC"
	} else {
		query += " ORDER BY id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var result []*Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy row: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategies: %w", err)
	}
	return result, nil
}

// Upsert writes a strategy, validating parameters against the family schema
// first. The cycle column is written as-is; parameter changes on existing
// strategies must go through CommitParameters instead.
func (r *Repository) Upsert(s *Strategy) error {
	schema, err := strategies.SchemaFor(s.Type)
	if err != nil {
		return err
	}
	if err := schema.Validate(s.Parameters); err != nil {
		return err
	}
	paramsJSON, err := strategies.MarshalParams(s.Parameters)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	createdAt := now
	if !s.CreatedAt.IsZero() {
		createdAt = s.CreatedAt.Unix()
	}

	var lastEval interface{}
	if !s.LastEvaluatedAt.IsZero() {
		lastEval = s.LastEvaluatedAt.Unix()
	}
	var demotedAt interface{}
	if !s.DemotedAt.IsZero() {
		demotedAt = s.DemotedAt.Unix()
	}

	_, err = r.db.Exec(`
		INSERT INTO strategies (
			id, type, symbol, parameters, generation, cycle, parent_id,
			enabled, tier, retired, retired_reason,
			total_trades, win_rate, total_return, max_drawdown, sharpe, daily_return,
			final_score, provisional, qualifies_for_real,
			demoted_at, last_evaluated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			symbol = excluded.symbol,
			parameters = excluded.parameters,
			generation = excluded.generation,
			cycle = excluded.cycle,
			parent_id = excluded.parent_id,
			enabled = excluded.enabled,
			tier = excluded.tier,
			retired = excluded.retired,
			retired_reason = excluded.retired_reason,
			total_trades = excluded.total_trades,
			win_rate = excluded.win_rate,
			total_return = excluded.total_return,
			max_drawdown = excluded.max_drawdown,
			sharpe = excluded.sharpe,
			daily_return = excluded.daily_return,
			final_score = excluded.final_score,
			provisional = excluded.provisional,
			qualifies_for_real = excluded.qualifies_for_real,
			demoted_at = excluded.demoted_at,
			last_evaluated_at = excluded.last_evaluated_at,
			updated_at = excluded.updated_at
	`,
		s.ID, string(s.Type), s.Symbol, paramsJSON, s.Generation, s.Cycle, s.ParentID,
		boolToInt(s.Enabled), s.Tier, boolToInt(s.Retired), nullIfEmpty(s.RetireNote),
		s.Metrics.TotalTrades, s.Metrics.WinRate, s.Metrics.TotalReturn,
		s.Metrics.MaxDrawdown, s.Metrics.Sharpe, s.Metrics.DailyReturn,
		s.Metrics.FinalScore, boolToInt(s.Metrics.Provisional), boolToInt(s.Metrics.QualifiesForReal),
		demotedAt, lastEval, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy %s: %w", s.ID, err)
	}
	return nil
}

// CommitParameters atomically replaces a strategy's parameters and bumps its
// cycle by one, but only when expectedCycle still matches the stored cycle.
// A mismatch fails with CycleConflict and writes nothing. The generation
// counter advances with the commit.
func (r *Repository) CommitParameters(id string, params strategies.Params, expectedCycle int64) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("commit parameters: strategy %s not found: %w", id, domain.ErrInternal)
	}

	schema, err := strategies.SchemaFor(s.Type)
	if err != nil {
		return err
	}
	if err := schema.Validate(params); err != nil {
		return err
	}
	paramsJSON, err := strategies.MarshalParams(params)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(`
		UPDATE strategies
		SET parameters = ?, cycle = cycle + 1, generation = generation + 1, updated_at = ?
		WHERE id = ? AND cycle = ?
	`, paramsJSON, time.Now().Unix(), id, expectedCycle)
	if err != nil {
		return fmt.Errorf("failed to commit parameters for %s: %w", id, err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("strategy %s expected cycle %d: %w", id, expectedCycle, domain.ErrCycleConflict)
	}
	return nil
}

// SetEnabled toggles the enable flag.
func (r *Repository) SetEnabled(id string, enabled bool) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET enabled = ?, updated_at = ? WHERE id = ?
	`, boolToInt(enabled), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set enabled for %s: %w", id, err)
	}
	return nil
}

// SetTier moves a strategy to a tier.
func (r *Repository) SetTier(id string, tier int) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET tier = ?, updated_at = ? WHERE id = ?
	`, tier, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set tier for %s: %w", id, err)
	}
	return nil
}

// SetDemoted stamps an emergency demotion. The strategy stays out of the
// real tier until ClearDemotion.
func (r *Repository) SetDemoted(id string, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET demoted_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s demoted: %w", id, err)
	}
	return nil
}

// ClearDemotion lifts an emergency demotion after re-entry.
func (r *Repository) ClearDemotion(id string) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET demoted_at = NULL, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to clear demotion for %s: %w", id, err)
	}
	return nil
}

// UpdateMetrics writes the scoring summary for a strategy. Deliberately
// does not touch parameters or cycle.
func (r *Repository) UpdateMetrics(id string, m Metrics) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET
			total_trades = ?, win_rate = ?, total_return = ?, max_drawdown = ?,
			sharpe = ?, daily_return = ?, final_score = ?, provisional = ?,
			qualifies_for_real = ?, last_evaluated_at = ?, updated_at = ?
		WHERE id = ?
	`,
		m.TotalTrades, m.WinRate, m.TotalReturn, m.MaxDrawdown,
		m.Sharpe, m.DailyReturn, m.FinalScore, boolToInt(m.Provisional),
		boolToInt(m.QualifiesForReal), time.Now().Unix(), time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update metrics for %s: %w", id, err)
	}
	return nil
}

// TouchEvaluated records that a strategy was just evaluated.
func (r *Repository) TouchEvaluated(id string) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET last_evaluated_at = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch strategy %s: %w", id, err)
	}
	return nil
}

// Retire marks a strategy as permanently out of the population.
func (r *Repository) Retire(id string, reason string) error {
	_, err := r.db.Exec(`
		UPDATE strategies SET retired = 1, enabled = 0, retired_reason = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to retire strategy %s: %w", id, err)
	}
	return nil
}

// CountLive returns the number of enabled, non-retired strategies.
func (r *Repository) CountLive() (int, error) {
	var count int
	err := r.db.QueryRow("SELECT COUNT(*) FROM strategies WHERE enabled = 1 AND retired = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count live strategies: %w", err)
	}
	return count, nil
}

// CountLiveAboveTier returns the number of live strategies in tiers
// strictly above the given one.
func (r *Repository) CountLiveAboveTier(tier int) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM strategies WHERE enabled = 1 AND retired = 0 AND tier > ?
	`, tier).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count live strategies above tier %d: %w", tier, err)
	}
	return count, nil
}

// CountByType returns live strategy counts per family. Families with no
// members are absent from the map.
func (r *Repository) CountByType() (map[strategies.Type]int, error) {
	rows, err := r.db.Query(`
		SELECT type, COUNT(*) FROM strategies
		WHERE enabled = 1 AND retired = 0
		GROUP BY type
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count strategies by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[strategies.Type]int)
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		counts[strategies.Type(typ)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating type counts: %w", err)
	}
	return counts, nil
}

// TopByScore returns the best live strategies, descending score with id
// tiebreak. When realEligible is true, only gate-passing strategies count.
func (r *Repository) TopByScore(n int, realEligible bool) ([]*Strategy, error) {
	enabled := true
	retired := false
	f := Filter{
		Enabled:      &enabled,
		Retired:      &retired,
		OrderByScore: true,
		Limit:        n,
	}
	if realEligible {
		f.RealEligible = &realEligible
	}
	return r.List(f)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
