// Package trading implements the trade pipeline: the classifier that routes
// signals to real or validation execution, the executor loop with retries
// and risk guards, the validation simulator, and the immutable trade ledger.
package trading

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/modules/scoring"
)

// Trade is one ledger row. At most one real and one validation trade exist
// per fingerprint; together with signals-before-trades this is the audit
// trail real money answers to.
type Trade struct {
	Fingerprint     string          `json:"fingerprint"`
	StrategyID      string          `json:"strategy_id"`
	Kind            domain.TradeKind `json:"kind"`
	Symbol          string          `json:"symbol"`
	Side            domain.Side     `json:"side"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	FillQty         decimal.Decimal `json:"fill_qty"`
	Pnl             decimal.Decimal `json:"pnl"`
	Fees            decimal.Decimal `json:"fees"`
	Success         bool            `json:"success"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Ts              time.Time       `json:"ts"`
}

// Repository handles signal and trade persistence in ledger.db.
type Repository struct {
	db  *sql.DB // ledger.db - signals and trades tables
	log zerolog.Logger
}

// NewRepository creates a new trade repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "trades").Logger(),
	}
}

// InsertSignal records a signal before its trade. Duplicate fingerprints of
// the same kind are silently dropped (first writer wins) and reported via
// the inserted return so callers can stop the pipeline for losers.
func (r *Repository) InsertSignal(sig domain.Signal, kind domain.TradeKind) (inserted bool, err error) {
	result, err := r.db.Exec(`
		INSERT INTO signals (fingerprint, strategy_id, symbol, side, price, quantity, confidence, kind, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint, kind) DO NOTHING
	`, sig.Fingerprint, sig.StrategyID, sig.Symbol, string(sig.Side),
		sig.Price.String(), sig.Quantity.String(), sig.Confidence,
		string(kind), sig.Ts.Unix(), time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to insert signal %s: %w", sig.Fingerprint, err)
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// InsertTrade records a trade. A second trade with the same (fingerprint,
// kind) is rejected, which is what makes retried submissions harmless.
func (r *Repository) InsertTrade(t *Trade) error {
	var orderID interface{}
	if t.ExchangeOrderID != "" {
		orderID = t.ExchangeOrderID
	}
	_, err := r.db.Exec(`
		INSERT INTO trades (fingerprint, strategy_id, kind, symbol, side, fill_price, fill_qty, pnl, fees, success, exchange_order_id, ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Fingerprint, t.StrategyID, string(t.Kind), t.Symbol, string(t.Side),
		t.FillPrice.String(), t.FillQty.String(), t.Pnl.String(), t.Fees.String(),
		boolToInt(t.Success), orderID, t.Ts.Unix(), time.Now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return fmt.Errorf("trade %s/%s already recorded: %w", t.Fingerprint, t.Kind, domain.ErrRejected)
		}
		return fmt.Errorf("failed to insert trade %s: %w", t.Fingerprint, err)
	}
	return nil
}

// HasTrade reports whether a trade exists for (fingerprint, kind).
func (r *Repository) HasTrade(fingerprint string, kind domain.TradeKind) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM trades WHERE fingerprint = ? AND kind = ?
	`, fingerprint, string(kind)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trade %s/%s: %w", fingerprint, kind, err)
	}
	return true, nil
}

// SetPnl finalizes a trade's outcome after its position closes.
func (r *Repository) SetPnl(fingerprint string, kind domain.TradeKind, pnl decimal.Decimal) error {
	_, err := r.db.Exec(`
		UPDATE trades SET pnl = ?, success = ? WHERE fingerprint = ? AND kind = ?
	`, pnl.String(), boolToInt(pnl.IsPositive()), fingerprint, string(kind))
	if err != nil {
		return fmt.Errorf("failed to set pnl for %s/%s: %w", fingerprint, kind, err)
	}
	return nil
}

// RecentByStrategy returns the newest trades for a strategy, newest first.
func (r *Repository) RecentByStrategy(strategyID string, limit int) ([]Trade, error) {
	rows, err := r.db.Query(`
		SELECT fingerprint, strategy_id, kind, symbol, side, fill_price, fill_qty,
		       pnl, fees, success, COALESCE(exchange_order_id, ''), ts
		FROM trades
		WHERE strategy_id = ?
		ORDER BY ts DESC, kind ASC
		LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades for %s: %w", strategyID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Recent returns the newest trades across all strategies, newest first.
// Powers the control surface's trade feed.
func (r *Repository) Recent(limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT fingerprint, strategy_id, kind, symbol, side, fill_price, fill_qty,
		       pnl, fees, success, COALESCE(exchange_order_id, ''), ts
		FROM trades
		ORDER BY ts DESC, kind ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ConsecutiveRealLosses counts losing real trades since the last winning
// one. Drives emergency demotion.
func (r *Repository) ConsecutiveRealLosses(strategyID string) (int, error) {
	rows, err := r.db.Query(`
		SELECT success FROM trades
		WHERE strategy_id = ? AND kind = 'real'
		ORDER BY ts DESC
		LIMIT 20
	`, strategyID)
	if err != nil {
		return 0, fmt.Errorf("failed to query real trades for %s: %w", strategyID, err)
	}
	defer rows.Close()

	losses := 0
	for rows.Next() {
		var success int
		if err := rows.Scan(&success); err != nil {
			return 0, fmt.Errorf("failed to scan trade success: %w", err)
		}
		if success != 0 {
			break
		}
		losses++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating real trades: %w", err)
	}
	return losses, nil
}

// CountTradesSince counts a strategy's trades of one kind at or after the
// given time. The rebalancer uses it to demand fresh validation activity
// before an emergency-demoted strategy re-enters the real tier.
func (r *Repository) CountTradesSince(strategyID string, kind domain.TradeKind, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(`
		SELECT COUNT(*) FROM trades
		WHERE strategy_id = ? AND kind = ? AND ts >= ?
	`, strategyID, string(kind), since.Unix()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s trades for %s: %w", kind, strategyID, err)
	}
	return count, nil
}

// Observations builds the scoring window for a strategy: the newest lastN
// trades within the time window, with a real fill's PnL replacing the
// validation observation that shares its fingerprint.
func (r *Repository) Observations(strategyID string, lastN int, since time.Time) ([]scoring.Observation, error) {
	rows, err := r.db.Query(`
		SELECT fingerprint, strategy_id, kind, symbol, side, fill_price, fill_qty,
		       pnl, fees, success, COALESCE(exchange_order_id, ''), ts
		FROM trades
		WHERE strategy_id = ? AND ts >= ?
		ORDER BY ts DESC
	`, strategyID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query observations for %s: %w", strategyID, err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}

	// Collapse per fingerprint, real wins over validation.
	best := make(map[string]Trade, len(trades))
	order := make([]string, 0, len(trades))
	for _, t := range trades {
		existing, seen := best[t.Fingerprint]
		if !seen {
			best[t.Fingerprint] = t
			order = append(order, t.Fingerprint)
			continue
		}
		if existing.Kind == domain.TradeKindValidation && t.Kind == domain.TradeKindReal {
			best[t.Fingerprint] = t
		}
	}

	var observations []scoring.Observation
	for _, fp := range order {
		if len(observations) >= lastN {
			break
		}
		t := best[fp]
		pnl, _ := t.Pnl.Float64()
		notional, _ := t.FillPrice.Mul(t.FillQty).Float64()
		observations = append(observations, scoring.Observation{
			Pnl:      pnl,
			Notional: notional,
			Ts:       t.Ts,
		})
	}
	return observations, nil
}

func scanTrades(rows *sql.Rows) ([]Trade, error) {
	var trades []Trade
	for rows.Next() {
		var t Trade
		var kind, side, fillPrice, fillQty, pnl, fees string
		var success int
		var ts int64
		if err := rows.Scan(&t.Fingerprint, &t.StrategyID, &kind, &t.Symbol, &side,
			&fillPrice, &fillQty, &pnl, &fees, &success, &t.ExchangeOrderID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Kind = domain.TradeKind(kind)
		t.Side = domain.Side(side)
		t.FillPrice, _ = decimal.NewFromString(fillPrice)
		t.FillQty, _ = decimal.NewFromString(fillQty)
		t.Pnl, _ = decimal.NewFromString(pnl)
		t.Fees, _ = decimal.NewFromString(fees)
		t.Success = success != 0
		t.Ts = time.Unix(ts, 0)
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
