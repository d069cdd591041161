package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
	apptesting "github.com/aristath/darwin/internal/testing"
)

// fakeRest serves canned REST responses.
type fakeRest struct {
	candles []domain.Candle
	bids    []domain.BookLevel
	asks    []domain.BookLevel
	err     error
}

func (f *fakeRest) Ticker(ctx context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{}, f.err
}

func (f *fakeRest) Depth(ctx context.Context, symbol string, levels int) ([]domain.BookLevel, []domain.BookLevel, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.bids, f.asks, nil
}

func (f *fakeRest) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func newTestGateway(t *testing.T, rest RestSource) (*Gateway, func()) {
	t.Helper()
	db, cleanup := apptesting.NewTestDB(t, "history")
	repo := NewCandleRepository(db.Conn(), zerolog.Nop())
	return NewGateway(rest, repo, nil, 100, zerolog.Nop()), cleanup
}

func TestGateway_PriceFreshness(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	gw.SetQuote(domain.Quote{
		Symbol: "BTC-USD",
		Last:   decimal.NewFromInt(50000),
		Ts:     time.Now(),
	})

	quote, err := gw.Price("BTC-USD", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, quote.Last.Equal(decimal.NewFromInt(50000)))
}

func TestGateway_PriceStale(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	gw.SetQuote(domain.Quote{
		Symbol: "BTC-USD",
		Last:   decimal.NewFromInt(50000),
		Ts:     time.Now().Add(-2 * time.Minute),
	})

	_, err := gw.Price("BTC-USD", 30*time.Second)
	require.Error(t, err)
	assert.Equal(t, domain.KindStaleData, domain.KindOf(err))
}

func TestGateway_PriceUnknownSymbol(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	_, err := gw.Price("DOGE-USD", 30*time.Second)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}

func TestGateway_OutageFailsReadsUntilNextQuote(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	gw.SetQuote(domain.Quote{Symbol: "BTC-USD", Last: decimal.NewFromInt(1), Ts: time.Now()})
	gw.SetOutage()

	_, err := gw.Price("BTC-USD", time.Minute)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))

	// A new tick clears the outage.
	gw.SetQuote(domain.Quote{Symbol: "BTC-USD", Last: decimal.NewFromInt(2), Ts: time.Now()})
	_, err = gw.Price("BTC-USD", time.Minute)
	assert.NoError(t, err)
}

func TestGateway_CandlesFromHotCache(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	base := time.Now().Truncate(time.Minute)
	for i := 0; i < 10; i++ {
		require.NoError(t, gw.AppendCandle("BTC-USD", "5m", domain.Candle{
			Ts: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(100 + i),
		}))
	}

	candles, err := gw.Candles("BTC-USD", "5m", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.Equal(t, float64(107), candles[0].Close)
	assert.Equal(t, float64(109), candles[2].Close)
}

func TestGateway_CandlesFallThroughToRepository(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	base := time.Now().Truncate(time.Minute)
	var bars []domain.Candle
	for i := 0; i < 5; i++ {
		bars = append(bars, domain.Candle{Ts: base.Add(time.Duration(i) * time.Minute), Close: float64(i)})
	}
	require.NoError(t, gw.repo.Upsert("ETH-USD", "1m", bars))

	// Nothing in hot cache for ETH-USD; must come from history.db.
	candles, err := gw.Candles("ETH-USD", "1m", 5)
	require.NoError(t, err)
	require.Len(t, candles, 5)
	assert.Equal(t, float64(0), candles[0].Close)
	assert.Equal(t, float64(4), candles[4].Close)
}

func TestGateway_CandlesNoHistory(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	_, err := gw.Candles("SOL-USD", "5m", 10)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}

func TestGateway_BackfillWarmsCache(t *testing.T) {
	base := time.Now().Truncate(time.Minute)
	rest := &fakeRest{}
	for i := 0; i < 20; i++ {
		rest.candles = append(rest.candles, domain.Candle{
			Ts: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(i),
		})
	}

	gw, cleanup := newTestGateway(t, rest)
	defer cleanup()

	require.NoError(t, gw.Backfill(context.Background(), []string{"BTC-USD"}, []string{"5m"}, 20))

	candles, err := gw.Candles("BTC-USD", "5m", 20)
	require.NoError(t, err)
	assert.Len(t, candles, 20)
}
