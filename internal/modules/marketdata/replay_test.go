package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
)

func replayBars(n int) []domain.Candle {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Candle, n)
	for i := range bars {
		bars[i] = domain.Candle{
			Ts:    base.Add(time.Duration(i) * 5 * time.Minute),
			Close: float64(100 + i),
		}
	}
	return bars
}

func TestReplayFeed_NoPeekingPastCursor(t *testing.T) {
	feed := NewReplayFeed("BTC-USD", "5m", replayBars(10))

	// Before the first Advance, reads fail.
	_, err := feed.Price("BTC-USD", 0)
	require.Error(t, err)

	require.True(t, feed.Advance())
	require.True(t, feed.Advance())
	require.True(t, feed.Advance()) // cursor at bar index 2

	candles, err := feed.Candles("BTC-USD", "5m", 10)
	require.NoError(t, err)
	assert.Len(t, candles, 3, "only bars up to the cursor are visible")
	assert.Equal(t, float64(102), candles[2].Close)
}

func TestReplayFeed_PriceTracksCurrentBar(t *testing.T) {
	feed := NewReplayFeed("BTC-USD", "5m", replayBars(3))

	require.True(t, feed.Advance())
	quote, err := feed.Price("BTC-USD", 0)
	require.NoError(t, err)
	assert.Equal(t, "100", quote.Last.String())

	require.True(t, feed.Advance())
	quote, err = feed.Price("BTC-USD", 0)
	require.NoError(t, err)
	assert.Equal(t, "101", quote.Last.String())
}

func TestReplayFeed_AdvanceExhausts(t *testing.T) {
	feed := NewReplayFeed("BTC-USD", "5m", replayBars(2))

	assert.True(t, feed.Advance())
	assert.True(t, feed.Advance())
	assert.False(t, feed.Advance())
}

func TestReplayFeed_WrongSymbolUnavailable(t *testing.T) {
	feed := NewReplayFeed("BTC-USD", "5m", replayBars(2))
	feed.Advance()

	_, err := feed.Price("ETH-USD", 0)
	require.Error(t, err)
	assert.Equal(t, domain.KindUnavailable, domain.KindOf(err))
}
