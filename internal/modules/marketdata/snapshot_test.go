package marketdata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
)

func TestSnapshot_RoundTripWarmsCache(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	base := time.Now().Truncate(time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, gw.AppendCandle("BTC-USD", "5m", domain.Candle{
			Ts: base.Add(time.Duration(i) * 5 * time.Minute), Close: float64(i),
		}))
	}

	path := filepath.Join(t.TempDir(), "candles.msgpack")
	require.NoError(t, gw.SaveSnapshot(path))

	// Fresh gateway, cold cache, empty repo connection is fine because the
	// snapshot alone must cover the request.
	gw2, cleanup2 := newTestGateway(t, &fakeRest{})
	defer cleanup2()
	require.NoError(t, gw2.LoadSnapshot(path, time.Hour))

	candles, err := gw2.Candles("BTC-USD", "5m", 5)
	require.NoError(t, err)
	require.Len(t, candles, 5)
	assert.Equal(t, float64(4), candles[4].Close)
}

func TestSnapshot_MissingFileIsNoop(t *testing.T) {
	gw, cleanup := newTestGateway(t, &fakeRest{})
	defer cleanup()

	err := gw.LoadSnapshot(filepath.Join(t.TempDir(), "absent.msgpack"), time.Hour)
	assert.NoError(t, err)
}
