package trading

import (
	"context"
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

func monitorTuning() *settings.Tuning {
	return &settings.Tuning{
		StopLossPct:   0.05,
		TakeProfitPct: 0.10,
		MaxHolding:    24 * time.Hour,
		MaxAge:        time.Minute,
	}
}

func trackedPosition(fp string) OpenPosition {
	return OpenPosition{
		Fingerprint: fp,
		StrategyID:  "strat-a",
		Symbol:      "BTC-USD",
		Side:        domain.SideBuy,
		EntryPrice:  decimal.NewFromInt(100),
		Qty:         decimal.NewFromInt(10),
		EntryFees:   decimal.Zero,
		OpenedAt:    time.Now(),
	}
}

func newMonitorFixture(t *testing.T, exchange *fakeExchange, market *quoteMarket) (*Monitor, *Repository, func()) {
	t.Helper()
	repo, cleanup := newLedgerRepo(t)
	monitor := NewMonitor(exchange, market, repo, events.NewBus(zerolog.Nop()), zerolog.Nop())
	return monitor, repo, cleanup
}

func TestMonitor_StopLossForcesClose(t *testing.T) {
	market := &quoteMarket{}
	market.set("BTC-USD", 90, 90) // 10% under entry, past the 5% stop
	exchange := newFakeExchange(90, 10000)
	monitor, repo, cleanup := newMonitorFixture(t, exchange, market)
	defer cleanup()

	entry := testTrade("fp-1", "strat-a", domain.TradeKindReal, 0, time.Now())
	entry.FillQty = decimal.NewFromInt(10)
	require.NoError(t, repo.InsertTrade(entry))

	monitor.Track(trackedPosition("fp-1"))
	closed := monitor.CheckOnce(context.Background(), monitorTuning())
	assert.Equal(t, 1, closed)
	assert.Empty(t, monitor.Open())

	require.Equal(t, 1, exchange.submitCount())
	assert.Equal(t, domain.SideSell, exchange.submits[0].Side, "buy closes with a sell")
	assert.Equal(t, "fp-1:close", exchange.submits[0].ClientRef)

	trades, err := repo.RecentByStrategy("strat-a", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "-100", trades[0].Pnl.String(), "10 qty x -10 move")
	assert.False(t, trades[0].Success)
}

func TestMonitor_TakeProfitForcesClose(t *testing.T) {
	market := &quoteMarket{}
	market.set("BTC-USD", 112, 112) // 12% over entry, past the 10% target
	exchange := newFakeExchange(112, 10000)
	monitor, repo, cleanup := newMonitorFixture(t, exchange, market)
	defer cleanup()

	entry := testTrade("fp-1", "strat-a", domain.TradeKindReal, 0, time.Now())
	require.NoError(t, repo.InsertTrade(entry))

	monitor.Track(trackedPosition("fp-1"))
	assert.Equal(t, 1, monitor.CheckOnce(context.Background(), monitorTuning()))

	trades, err := repo.RecentByStrategy("strat-a", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "120", trades[0].Pnl.String())
	assert.True(t, trades[0].Success)
}

func TestMonitor_MaxHoldingForcesClose(t *testing.T) {
	market := &quoteMarket{}
	market.set("BTC-USD", 101, 101) // inside both price rails
	exchange := newFakeExchange(101, 10000)
	monitor, repo, cleanup := newMonitorFixture(t, exchange, market)
	defer cleanup()

	entry := testTrade("fp-1", "strat-a", domain.TradeKindReal, 0, time.Now())
	require.NoError(t, repo.InsertTrade(entry))

	p := trackedPosition("fp-1")
	p.OpenedAt = time.Now().Add(-48 * time.Hour)
	monitor.Track(p)

	assert.Equal(t, 1, monitor.CheckOnce(context.Background(), monitorTuning()))
	assert.Empty(t, monitor.Open())
}

func TestMonitor_HealthyPositionUntouched(t *testing.T) {
	market := &quoteMarket{}
	market.set("BTC-USD", 102, 102)
	exchange := newFakeExchange(102, 10000)
	monitor, _, cleanup := newMonitorFixture(t, exchange, market)
	defer cleanup()

	monitor.Track(trackedPosition("fp-1"))
	assert.Equal(t, 0, monitor.CheckOnce(context.Background(), monitorTuning()))
	assert.Len(t, monitor.Open(), 1)
	assert.Equal(t, 0, exchange.submitCount())
}

func TestMonitor_StalePriceSkipsPosition(t *testing.T) {
	market := &quoteMarket{err: domain.ErrStaleData}
	exchange := newFakeExchange(100, 10000)
	monitor, _, cleanup := newMonitorFixture(t, exchange, market)
	defer cleanup()

	monitor.Track(trackedPosition("fp-1"))
	assert.Equal(t, 0, monitor.CheckOnce(context.Background(), monitorTuning()))
	assert.Len(t, monitor.Open(), 1, "position survives a feed gap")
}
