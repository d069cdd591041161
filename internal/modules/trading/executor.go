package trading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
)

// Executor runs the trade pipeline for actionable signals: dedup through
// the ledger, classification, validation fills, and the real-money path
// with sizing, retries and per-symbol serialization.
type Executor struct {
	exchange   domain.Exchange
	market     domain.MarketData
	repo       *Repository
	sim        *Simulator
	classifier *Classifier
	monitor    *Monitor
	bus        *events.Bus
	log        zerolog.Logger

	mu          sync.Mutex
	symbolLocks map[string]*sync.Mutex
}

// NewExecutor creates a trade executor
func NewExecutor(exchange domain.Exchange, market domain.MarketData, repo *Repository, sim *Simulator, classifier *Classifier, monitor *Monitor, bus *events.Bus, log zerolog.Logger) *Executor {
	return &Executor{
		exchange:    exchange,
		market:      market,
		repo:        repo,
		sim:         sim,
		classifier:  classifier,
		monitor:     monitor,
		bus:         bus,
		log:         log.With().Str("component", "trade_executor").Logger(),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// Execute processes one signal end to end. Hold signals and deduplicated
// fingerprints are no-ops. Returns the recorded trade of the signal's
// primary kind, or nil when nothing was traded.
func (e *Executor) Execute(ctx context.Context, sig domain.Signal, strat *registry.Strategy, tuning *settings.Tuning) (*Trade, error) {
	if !sig.IsActionable() {
		return nil, nil
	}

	kind := e.classifier.Classify(strat, tuning)

	// Signal insertion is the dedup point: the first worker to persist a
	// fingerprint wins, everyone else drops out here.
	inserted, err := e.repo.InsertSignal(sig, kind)
	if err != nil {
		return nil, err
	}
	if !inserted {
		e.log.Debug().Str("fingerprint", sig.Fingerprint).Msg("Duplicate signal dropped")
		return nil, nil
	}

	simCfg := SimConfig{
		Amount:      decimal.NewFromFloat(tuning.ValidationAmount),
		SlippageBps: decimal.NewFromFloat(tuning.SlippageBps),
		FeeRate:     decimal.NewFromFloat(tuning.FeeRate),
		MaxQuoteAge: tuning.MaxAge,
	}

	if kind == domain.TradeKindValidation {
		trade, err := e.sim.Fill(sig, simCfg)
		if err != nil {
			return nil, err
		}
		e.publishTrade(trade)
		return trade, nil
	}

	// Dual dispatch: the real signal is also archived as a validation
	// observation for scoring continuity.
	if _, err := e.repo.InsertSignal(sig, domain.TradeKindValidation); err == nil {
		if _, simErr := e.sim.Fill(sig, simCfg); simErr != nil {
			e.log.Warn().Err(simErr).Str("fingerprint", sig.Fingerprint).Msg("Validation archive of real signal failed")
		}
	}

	trade, err := e.executeReal(ctx, sig, strat, tuning)
	if err != nil {
		return nil, err
	}
	e.publishTrade(trade)
	return trade, nil
}

// executeReal submits a real order with retry and risk sizing. Submissions
// for the same symbol are serialized so the executor never competes with
// itself on one book.
func (e *Executor) executeReal(ctx context.Context, sig domain.Signal, strat *registry.Strategy, tuning *settings.Tuning) (*Trade, error) {
	lock := e.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	// A retried evaluation may have already produced this real trade.
	exists, err := e.repo.HasTrade(sig.Fingerprint, domain.TradeKindReal)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	qty, err := e.sizeOrder(ctx, sig, tuning)
	if err != nil {
		e.recordFailure(sig, strat, err)
		return nil, err
	}

	order := domain.Order{
		ClientRef: sig.Fingerprint,
		Symbol:    sig.Symbol,
		Side:      sig.Side,
		Quantity:  qty,
	}

	ack, err := e.submitWithRetry(ctx, order, tuning.MaxOrderRetries)
	if err != nil {
		e.recordFailure(sig, strat, err)
		return nil, err
	}

	status, err := e.awaitFill(ctx, ack.OrderID)
	if err != nil {
		e.recordFailure(sig, strat, err)
		return nil, err
	}
	if status.State == domain.OrderRejected {
		err := fmt.Errorf("order %s rejected: %s: %w", ack.OrderID, status.Reason, domain.ErrRejected)
		e.recordFailure(sig, strat, err)
		return nil, err
	}

	trade := &Trade{
		Fingerprint:     sig.Fingerprint,
		StrategyID:      sig.StrategyID,
		Kind:            domain.TradeKindReal,
		Symbol:          sig.Symbol,
		Side:            sig.Side,
		FillPrice:       status.Fill.Price,
		FillQty:         status.Fill.Qty,
		Fees:            status.Fill.Fees,
		Pnl:             decimal.Zero, // realized by the position monitor on close
		Success:         true,
		ExchangeOrderID: ack.OrderID,
		Ts:              status.Fill.Ts,
	}
	if err := e.repo.InsertTrade(trade); err != nil {
		return nil, err
	}

	if e.monitor != nil {
		e.monitor.Track(OpenPosition{
			Fingerprint: sig.Fingerprint,
			StrategyID:  sig.StrategyID,
			Symbol:      sig.Symbol,
			Side:        sig.Side,
			EntryPrice:  status.Fill.Price,
			Qty:         status.Fill.Qty,
			EntryFees:   status.Fill.Fees,
			OpenedAt:    trade.Ts,
		})
	}
	return trade, nil
}

// sizeOrder computes quantity = min(real_trading_amount, available ×
// max_position_pct) / price, rounded down to lot size.
func (e *Executor) sizeOrder(ctx context.Context, sig domain.Signal, tuning *settings.Tuning) (decimal.Decimal, error) {
	quoteAsset := "USD"
	if i := strings.IndexByte(sig.Symbol, '-'); i >= 0 {
		quoteAsset = sig.Symbol[i+1:]
	}

	balance, err := e.exchange.Balance(ctx, quoteAsset)
	if err != nil {
		return decimal.Zero, err
	}

	notional := decimal.NewFromFloat(tuning.RealTradingAmount)
	cap := balance.Available.Mul(decimal.NewFromFloat(tuning.MaxPositionPct))
	if cap.LessThan(notional) {
		notional = cap
	}
	if !notional.IsPositive() {
		return decimal.Zero, fmt.Errorf("size order %s: no available balance: %w", sig.Fingerprint, domain.ErrInsufficientFunds)
	}

	price := sig.Price
	if price.IsZero() {
		quote, err := e.market.Price(sig.Symbol, tuning.MaxAge)
		if err != nil {
			return decimal.Zero, err
		}
		price = quote.Mid()
	}

	rule := domain.DefaultSymbolRule(sig.Symbol)
	qty := rule.RoundQty(notional.Div(price))
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("size order %s: below lot size: %w", sig.Fingerprint, domain.ErrInsufficientFunds)
	}
	return qty, nil
}

// submitWithRetry retries transient failures with exponential backoff.
// Non-retryable errors (rejections, insufficient funds) abort immediately.
func (e *Executor) submitWithRetry(ctx context.Context, order domain.Order, maxRetries int) (domain.Ack, error) {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Ack{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ack, err := e.exchange.Submit(ctx, order)
		if err == nil {
			return ack, nil
		}
		lastErr = err
		if !domain.Retryable(err) {
			return domain.Ack{}, err
		}
		e.log.Warn().Err(err).Int("attempt", attempt+1).Str("client_ref", order.ClientRef).Msg("Order submit retry")
	}
	return domain.Ack{}, fmt.Errorf("order %s: retries exhausted: %w", order.ClientRef, lastErr)
}

// awaitFill polls until the order leaves pending or the deadline passes.
func (e *Executor) awaitFill(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		status, err := e.exchange.Poll(ctx, orderID)
		if err == nil && status.State != domain.OrderPending {
			return status, nil
		}
		if err != nil && !domain.Retryable(err) {
			return domain.OrderStatus{}, err
		}

		select {
		case <-ctx.Done():
			return domain.OrderStatus{}, ctx.Err()
		case <-deadline.C:
			return domain.OrderStatus{}, fmt.Errorf("order %s still pending: %w", orderID, domain.ErrExchangeError)
		case <-tick.C:
		}
	}
}

// recordFailure logs a failed real execution and raises demotion pressure
// for exchange-side failures.
func (e *Executor) recordFailure(sig domain.Signal, strat *registry.Strategy, err error) {
	kind := domain.KindOf(err)
	e.log.Error().Err(err).
		Str("strategy_id", sig.StrategyID).
		Str("fingerprint", sig.Fingerprint).
		Str("error_kind", string(kind)).
		Msg("Real trade failed")

	if e.bus == nil {
		return
	}
	e.bus.Publish(events.NewStrategyEvent(events.TradeRejected, sig.StrategyID, map[string]interface{}{
		"fingerprint":       sig.Fingerprint,
		"error_kind":        string(kind),
		"demotion_pressure": domain.DemotionPressure(err),
		"tier":              strat.Tier,
	}))
}

func (e *Executor) publishTrade(trade *Trade) {
	if e.bus == nil || trade == nil {
		return
	}
	e.bus.Publish(events.NewStrategyEvent(events.TradeExecuted, trade.StrategyID, map[string]interface{}{
		"fingerprint": trade.Fingerprint,
		"kind":        string(trade.Kind),
		"symbol":      trade.Symbol,
		"side":        string(trade.Side),
		"fill_price":  trade.FillPrice.String(),
		"fill_qty":    trade.FillQty.String(),
	}))
}

func (e *Executor) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		e.symbolLocks[symbol] = lock
	}
	return lock
}
