package trading

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/settings"
)

// OpenPosition is a live real-money lot the monitor watches.
type OpenPosition struct {
	Fingerprint string
	StrategyID  string
	Symbol      string
	Side        domain.Side
	EntryPrice  decimal.Decimal
	Qty         decimal.Decimal
	EntryFees   decimal.Decimal
	OpenedAt    time.Time
}

// Monitor enforces the per-position risk rails on real lots: stop loss,
// take profit, and maximum holding time. Any breach forces a market close
// and realizes PnL onto the entry trade's ledger row.
type Monitor struct {
	exchange domain.Exchange
	market   domain.MarketData
	repo     *Repository
	bus      *events.Bus
	log      zerolog.Logger

	mu        sync.Mutex
	positions map[string]OpenPosition // keyed by fingerprint
}

// NewMonitor creates a real position monitor
func NewMonitor(exchange domain.Exchange, market domain.MarketData, repo *Repository, bus *events.Bus, log zerolog.Logger) *Monitor {
	return &Monitor{
		exchange:  exchange,
		market:    market,
		repo:      repo,
		bus:       bus,
		log:       log.With().Str("component", "position_monitor").Logger(),
		positions: make(map[string]OpenPosition),
	}
}

// Track registers a freshly filled real position.
func (m *Monitor) Track(p OpenPosition) {
	m.mu.Lock()
	m.positions[p.Fingerprint] = p
	m.mu.Unlock()
	m.log.Info().
		Str("strategy_id", p.StrategyID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Str("entry_price", p.EntryPrice.String()).
		Msg("Tracking real position")
}

// Open returns a snapshot of all tracked positions.
func (m *Monitor) Open() []OpenPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OpenPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// CheckOnce sweeps every tracked position against the risk rails and
// closes the breached ones. Returns the number of closes performed.
func (m *Monitor) CheckOnce(ctx context.Context, tuning *settings.Tuning) int {
	closed := 0
	for _, p := range m.Open() {
		quote, err := m.market.Price(p.Symbol, tuning.MaxAge)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Skipping position check, no fresh price")
			continue
		}
		price := quote.Mid()

		reason, breach := m.breach(p, price, tuning)
		if !breach {
			continue
		}
		if err := m.close(ctx, p, reason); err != nil {
			m.log.Error().Err(err).Str("fingerprint", p.Fingerprint).Msg("Forced close failed")
			continue
		}
		closed++
	}
	return closed
}

// Run sweeps at the given interval until the context ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, load func() (*settings.Tuning, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tuning, err := load()
			if err != nil {
				m.log.Error().Err(err).Msg("Failed to load tuning for position sweep")
				continue
			}
			m.CheckOnce(ctx, tuning)
		}
	}
}

// breach returns the close reason when a rail is hit.
func (m *Monitor) breach(p OpenPosition, price decimal.Decimal, tuning *settings.Tuning) (string, bool) {
	if p.EntryPrice.IsZero() {
		return "", false
	}
	move, _ := price.Sub(p.EntryPrice).Div(p.EntryPrice).Float64()
	if p.Side == domain.SideSell {
		move = -move
	}

	switch {
	case move <= -tuning.StopLossPct:
		return "stop_loss", true
	case move >= tuning.TakeProfitPct:
		return "take_profit", true
	case time.Since(p.OpenedAt) >= tuning.MaxHolding:
		return "max_holding", true
	}
	return "", false
}

// close sends the offsetting market order and finalizes the ledger row.
func (m *Monitor) close(ctx context.Context, p OpenPosition, reason string) error {
	side := domain.SideSell
	if p.Side == domain.SideSell {
		side = domain.SideBuy
	}

	ack, err := m.exchange.Submit(ctx, domain.Order{
		ClientRef: p.Fingerprint + ":close",
		Symbol:    p.Symbol,
		Side:      side,
		Quantity:  p.Qty,
	})
	if err != nil {
		return fmt.Errorf("failed to submit close for %s: %w", p.Fingerprint, err)
	}

	status, err := m.exchange.Poll(ctx, ack.OrderID)
	if err != nil {
		return fmt.Errorf("failed to poll close for %s: %w", p.Fingerprint, err)
	}
	if status.State != domain.OrderFilled {
		return fmt.Errorf("close for %s not filled: %s: %w", p.Fingerprint, status.Reason, domain.ErrExchangeError)
	}

	diff := status.Fill.Price.Sub(p.EntryPrice)
	if p.Side == domain.SideSell {
		diff = diff.Neg()
	}
	pnl := diff.Mul(p.Qty).Sub(p.EntryFees).Sub(status.Fill.Fees)

	if err := m.repo.SetPnl(p.Fingerprint, domain.TradeKindReal, pnl); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.positions, p.Fingerprint)
	m.mu.Unlock()

	m.log.Info().
		Str("strategy_id", p.StrategyID).
		Str("fingerprint", p.Fingerprint).
		Str("reason", reason).
		Str("pnl", pnl.String()).
		Msg("Closed real position")

	if m.bus != nil {
		m.bus.Publish(events.NewStrategyEvent(events.TradeExecuted, p.StrategyID, map[string]interface{}{
			"fingerprint": p.Fingerprint,
			"kind":        string(domain.TradeKindReal),
			"symbol":      p.Symbol,
			"side":        string(side),
			"close":       true,
			"reason":      reason,
			"pnl":         pnl.String(),
		}))
	}
	return nil
}
