package evolution

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/modules/strategies"
)

// waveSeries builds bars oscillating around base with the given amplitude
// and period, plus volume spikes so momentum's volume filter passes.
func waveSeries(n int, base, amplitude float64, period int) []domain.Candle {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, n)
	for i := range candles {
		price := base + amplitude*math.Sin(2*math.Pi*float64(i)/float64(period))
		candles[i] = domain.Candle{
			Ts:     start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   price,
			High:   price * 1.001,
			Low:    price * 0.999,
			Close:  price,
			Volume: 1000,
		}
	}
	return candles
}

func TestBacktester_MeanReversionOnOscillatingSeries(t *testing.T) {
	bt := NewBacktester(BacktesterConfig{Timeframe: "5m", Notional: 100}, zerolog.Nop())

	inst := strategies.Instance{
		ID:     "mr-1",
		Type:   strategies.TypeMeanReversion,
		Symbol: "BTC-USD",
		Params: strategies.Params{
			"lookback_period": 20,
			"std_multiplier":  1.5,
			"min_deviation":   0.002,
		},
	}

	// A clean sine wave is mean reversion's best case: spikes above the
	// band sell, dips below buy, and each swing reverts.
	res, err := bt.Run(inst, waveSeries(600, 100, 3, 50))
	require.NoError(t, err)
	assert.Greater(t, res.Trades, 2, "oscillation must produce round trips")
	assert.Greater(t, res.WinRate, 0.5)
	assert.Greater(t, res.Pnl, 0.0)
	assert.InDelta(t, float64(599*5)/60/24, res.Days, 0.01)
}

func TestBacktester_DeterministicAcrossRuns(t *testing.T) {
	bt := NewBacktester(BacktesterConfig{Timeframe: "5m"}, zerolog.Nop())
	candles := waveSeries(400, 100, 2, 40)

	inst := strategies.Instance{
		ID:     "mr-1",
		Type:   strategies.TypeMeanReversion,
		Symbol: "BTC-USD",
		Params: strategies.Params{
			"lookback_period": 20,
			"std_multiplier":  2.0,
			"min_deviation":   0.002,
		},
	}

	first, err := bt.Run(inst, candles)
	require.NoError(t, err)
	second, err := bt.Run(inst, candles)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBacktester_FeesReducePnl(t *testing.T) {
	candles := waveSeries(600, 100, 3, 50)
	inst := strategies.Instance{
		ID:     "mr-1",
		Type:   strategies.TypeMeanReversion,
		Symbol: "BTC-USD",
		Params: strategies.Params{
			"lookback_period": 20,
			"std_multiplier":  1.5,
			"min_deviation":   0.002,
		},
	}

	free, err := NewBacktester(BacktesterConfig{Timeframe: "5m"}, zerolog.Nop()).Run(inst, candles)
	require.NoError(t, err)
	taxed, err := NewBacktester(BacktesterConfig{Timeframe: "5m", FeeRate: 0.002}, zerolog.Nop()).Run(inst, candles)
	require.NoError(t, err)

	assert.Equal(t, free.Trades, taxed.Trades, "fees change pnl, not signals")
	assert.Greater(t, free.Pnl, taxed.Pnl)
}

func TestBacktester_TooLittleHistory(t *testing.T) {
	bt := NewBacktester(BacktesterConfig{}, zerolog.Nop())
	inst := strategies.Instance{ID: "x", Type: strategies.TypeMomentum, Symbol: "BTC-USD"}

	_, err := bt.Run(inst, nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}

func TestBarsForDays(t *testing.T) {
	assert.Equal(t, 288, BarsForDays(1, "5m"))
	assert.Equal(t, 24, BarsForDays(1, "1h"))
	assert.Equal(t, 288, BarsForDays(1, "bogus"), "bad timeframe falls back to 5m")
}
