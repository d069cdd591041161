package trading

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
)

// position is an open lot held by the simulator for one strategy.
type position struct {
	side       domain.Side
	entryPrice decimal.Decimal
	qty        decimal.Decimal
	entryFees  decimal.Decimal
	openFp     string // fingerprint of the opening trade
	openKind   domain.TradeKind
	openedAt   time.Time
}

// Simulator produces validation fills with no exchange side effects: price
// is the quote mid moved by slippage_bps, fees at the configured rate, fill
// quantity as requested. It tracks one open lot per strategy; a counter-side
// signal closes the lot and realizes PnL onto the opening trade's ledger row.
type Simulator struct {
	market domain.MarketData
	repo   *Repository
	log    zerolog.Logger

	mu        sync.Mutex
	positions map[string]*position // keyed by strategy ID
}

// NewSimulator creates a validation fill simulator
func NewSimulator(market domain.MarketData, repo *Repository, log zerolog.Logger) *Simulator {
	return &Simulator{
		market:    market,
		repo:      repo,
		log:       log.With().Str("component", "trade_simulator").Logger(),
		positions: make(map[string]*position),
	}
}

// SimConfig is the slice of tuning the simulator needs.
type SimConfig struct {
	Amount      decimal.Decimal // notional per validation trade
	SlippageBps decimal.Decimal
	FeeRate     decimal.Decimal
	MaxQuoteAge time.Duration
}

// Fill executes a validation fill for the signal and records it. The
// returned trade carries realized PnL when this fill closed a lot. kind is
// validation for pure validation signals and real for the archival copy of
// a real fill (dual dispatch handles that case itself, not here).
func (s *Simulator) Fill(sig domain.Signal, cfg SimConfig) (*Trade, error) {
	quote, err := s.market.Price(sig.Symbol, cfg.MaxQuoteAge)
	if err != nil {
		return nil, fmt.Errorf("validation fill %s: %w", sig.Fingerprint, err)
	}

	mid := quote.Mid()
	fillPrice := slip(mid, sig.Side, cfg.SlippageBps)
	if fillPrice.IsZero() {
		return nil, fmt.Errorf("validation fill %s: zero mid: %w", sig.Fingerprint, domain.ErrStaleData)
	}

	qty := sig.Quantity
	if qty.IsZero() && !cfg.Amount.IsZero() {
		qty = cfg.Amount.Div(fillPrice)
	}
	rule := domain.DefaultSymbolRule(sig.Symbol)
	qty = rule.RoundQty(qty)
	fillPrice = rule.RoundPrice(fillPrice, sig.Side)

	fees := fillPrice.Mul(qty).Mul(cfg.FeeRate)

	trade := &Trade{
		Fingerprint: sig.Fingerprint,
		StrategyID:  sig.StrategyID,
		Kind:        domain.TradeKindValidation,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		FillPrice:   fillPrice,
		FillQty:     qty,
		Fees:        fees,
		Pnl:         decimal.Zero,
		Ts:          time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	open := s.positions[sig.StrategyID]
	switch {
	case open == nil:
		s.positions[sig.StrategyID] = &position{
			side:       sig.Side,
			entryPrice: fillPrice,
			qty:        qty,
			entryFees:  fees,
			openFp:     sig.Fingerprint,
			openKind:   domain.TradeKindValidation,
			openedAt:   trade.Ts,
		}
		trade.Success = true // an open is not a loss; PnL lands on close

	case open.side != sig.Side:
		pnl := realizedPnl(open, fillPrice, fees)
		trade.Pnl = pnl
		trade.Success = pnl.IsPositive()
		delete(s.positions, sig.StrategyID)

		// The opening trade carries the realized outcome too, so scoring
		// sees one round trip, not an open leg at zero.
		if err := s.repo.SetPnl(open.openFp, open.openKind, pnl); err != nil {
			s.log.Warn().Err(err).Str("fingerprint", open.openFp).Msg("Failed to finalize opening trade pnl")
		}

	default:
		// Same direction while a lot is open: record the observation flat
		// rather than pyramiding unboundedly.
		trade.Success = true
	}

	if err := s.repo.InsertTrade(trade); err != nil {
		return nil, err
	}
	return trade, nil
}

// OpenPosition returns the simulator's open lot for a strategy, if any.
func (s *Simulator) OpenPosition(strategyID string) (side domain.Side, entry decimal.Decimal, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.positions[strategyID]
	if !found {
		return "", decimal.Zero, false
	}
	return p.side, p.entryPrice, true
}

// realizedPnl computes the round-trip outcome net of both legs' fees.
func realizedPnl(open *position, exitPrice decimal.Decimal, exitFees decimal.Decimal) decimal.Decimal {
	diff := exitPrice.Sub(open.entryPrice)
	if open.side == domain.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(open.qty).Sub(open.entryFees).Sub(exitFees)
}

// slip moves the mid against the taker by bps basis points.
func slip(mid decimal.Decimal, side domain.Side, bps decimal.Decimal) decimal.Decimal {
	adj := mid.Mul(bps).Div(decimal.NewFromInt(10000))
	if side == domain.SideBuy {
		return mid.Add(adj)
	}
	return mid.Sub(adj)
}
