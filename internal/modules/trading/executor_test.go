package trading

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/settings"
)

// fakeExchange fills every accepted order at a fixed price. A queue of
// submit errors simulates transient and fatal failures.
type fakeExchange struct {
	mu         sync.Mutex
	submitErrs []error
	submits    []domain.Order
	fillPrice  decimal.Decimal
	balance    domain.Balance
	statuses   map[string]domain.OrderStatus
}

func newFakeExchange(fillPrice float64, available float64) *fakeExchange {
	return &fakeExchange{
		fillPrice: decimal.NewFromFloat(fillPrice),
		balance: domain.Balance{
			Asset:     "USD",
			Total:     decimal.NewFromFloat(available),
			Available: decimal.NewFromFloat(available),
		},
		statuses: make(map[string]domain.OrderStatus),
	}
}

func (f *fakeExchange) Submit(_ context.Context, order domain.Order) (domain.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return domain.Ack{}, err
	}
	f.submits = append(f.submits, order)
	orderID := fmt.Sprintf("ord-%d", len(f.submits))
	f.statuses[orderID] = domain.OrderStatus{
		OrderID: orderID,
		State:   domain.OrderFilled,
		Fill: &domain.Fill{
			Price: f.fillPrice,
			Qty:   order.Quantity,
			Fees:  decimal.Zero,
			Ts:    time.Now(),
		},
	}
	return domain.Ack{OrderID: orderID}, nil
}

func (f *fakeExchange) Poll(_ context.Context, orderID string) (domain.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.statuses[orderID]
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("unknown order %s: %w", orderID, domain.ErrRejected)
	}
	return status, nil
}

func (f *fakeExchange) Balance(_ context.Context, asset string) (domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balance
	b.Asset = asset
	return b, nil
}

func (f *fakeExchange) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func executorTuning() *settings.Tuning {
	return &settings.Tuning{
		RealTradingEnabled: true,
		ProtectWindow:      0,
		ValidationAmount:   1000,
		RealTradingAmount:  500,
		MaxPositionPct:     0.1,
		MaxOrderRetries:    3,
		SlippageBps:        0,
		FeeRate:            0,
		MaxAge:             time.Minute,
	}
}

func newExecutorFixture(t *testing.T, exchange *fakeExchange) (*Executor, *Repository, *events.Bus, func()) {
	t.Helper()
	repo, cleanup := newLedgerRepo(t)

	market := &quoteMarket{}
	market.set("BTC-USD", 100, 100)

	bus := events.NewBus(zerolog.Nop())
	sim := NewSimulator(market, repo, zerolog.Nop())
	monitor := NewMonitor(exchange, market, repo, bus, zerolog.Nop())
	exec := NewExecutor(exchange, market, repo, sim, NewClassifier(zerolog.Nop()), monitor, bus, zerolog.Nop())
	return exec, repo, bus, cleanup
}

func TestExecute_HoldIsNoop(t *testing.T) {
	exchange := newFakeExchange(100, 10000)
	exec, repo, _, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	trade, err := exec.Execute(context.Background(), testSignal("fp-1", "s", domain.SideHold), eligibleStrategy(), executorTuning())
	require.NoError(t, err)
	assert.Nil(t, trade)

	trades, err := repo.RecentByStrategy("s", 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestExecute_ValidationPath(t *testing.T) {
	exchange := newFakeExchange(100, 10000)
	exec, repo, bus, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	var published []*events.Event
	bus.Subscribe(events.TradeExecuted, func(event *events.Event) {
		published = append(published, event)
	})

	strat := eligibleStrategy()
	strat.Tier = 2 // below the real tier

	trade, err := exec.Execute(context.Background(), testSignal("fp-1", "s", domain.SideBuy), strat, executorTuning())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, domain.TradeKindValidation, trade.Kind)
	assert.Equal(t, 0, exchange.submitCount(), "validation never touches the exchange")

	trades, err := repo.RecentByStrategy("s", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	assert.Len(t, published, 1)
}

func TestExecute_DuplicateFingerprintDropped(t *testing.T) {
	exchange := newFakeExchange(100, 10000)
	exec, repo, _, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	strat := eligibleStrategy()
	strat.Tier = 2

	sig := testSignal("fp-1", "s", domain.SideBuy)
	first, err := exec.Execute(context.Background(), sig, strat, executorTuning())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := exec.Execute(context.Background(), sig, strat, executorTuning())
	require.NoError(t, err)
	assert.Nil(t, second, "second writer of the fingerprint drops out")

	trades, err := repo.RecentByStrategy("s", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestExecute_RealPathDualDispatch(t *testing.T) {
	exchange := newFakeExchange(100, 10000)
	exec, repo, _, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	sig := testSignal("fp-1", "strat-a", domain.SideBuy)
	trade, err := exec.Execute(context.Background(), sig, eligibleStrategy(), executorTuning())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, domain.TradeKindReal, trade.Kind)
	assert.NotEmpty(t, trade.ExchangeOrderID)

	// notional = min(500, 10000 * 0.1) = 500 at price 100 -> qty 5
	assert.Equal(t, "5", trade.FillQty.String())

	// The same fingerprint also produced an archived validation fill.
	hasReal, err := repo.HasTrade("fp-1", domain.TradeKindReal)
	require.NoError(t, err)
	hasValidation, err := repo.HasTrade("fp-1", domain.TradeKindValidation)
	require.NoError(t, err)
	assert.True(t, hasReal)
	assert.True(t, hasValidation)

	assert.Equal(t, 1, exchange.submitCount())
	assert.Equal(t, "fp-1", exchange.submits[0].ClientRef, "fingerprint is the idempotency key")
}

func TestExecute_RetriesTransientSubmitErrors(t *testing.T) {
	exchange := newFakeExchange(100, 10000)
	exchange.submitErrs = []error{
		fmt.Errorf("dial: %w", domain.ErrNetwork),
	}
	exec, repo, _, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	sig := testSignal("fp-1", "strat-a", domain.SideBuy)
	trade, err := exec.Execute(context.Background(), sig, eligibleStrategy(), executorTuning())
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, 1, exchange.submitCount(), "second attempt succeeded")

	hasReal, err := repo.HasTrade("fp-1", domain.TradeKindReal)
	require.NoError(t, err)
	assert.True(t, hasReal)
}

func TestExecute_InsufficientFundsAborts(t *testing.T) {
	exchange := newFakeExchange(100, 0) // nothing available
	exec, repo, bus, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	var rejected []*events.Event
	bus.Subscribe(events.TradeRejected, func(event *events.Event) {
		rejected = append(rejected, event)
	})

	sig := testSignal("fp-1", "strat-a", domain.SideBuy)
	_, err := exec.Execute(context.Background(), sig, eligibleStrategy(), executorTuning())
	require.Error(t, err)
	assert.Equal(t, domain.KindInsufficientFunds, domain.KindOf(err))
	assert.Equal(t, 0, exchange.submitCount())

	hasReal, err := repo.HasTrade("fp-1", domain.TradeKindReal)
	require.NoError(t, err)
	assert.False(t, hasReal, "no ledger trade for the failed real order")

	require.Len(t, rejected, 1)
	assert.Equal(t, true, rejected[0].Data["demotion_pressure"])
}

func TestExecute_FatalRejectionDoesNotRetry(t *testing.T) {
	exchange := newFakeExchange(100, 10000)
	exchange.submitErrs = []error{
		fmt.Errorf("symbol halted: %w", domain.ErrRejected),
	}
	exec, _, _, cleanup := newExecutorFixture(t, exchange)
	defer cleanup()

	sig := testSignal("fp-1", "strat-a", domain.SideBuy)
	_, err := exec.Execute(context.Background(), sig, eligibleStrategy(), executorTuning())
	require.Error(t, err)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))
	assert.Equal(t, 0, exchange.submitCount(), "rejection is not retried")
}
