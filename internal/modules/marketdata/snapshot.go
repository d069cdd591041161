package marketdata

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/darwin/internal/domain"
)

// snapshotCandle is the msgpack wire form of a bar. Timestamps are stored
// as unix seconds to keep the snapshot compact and location-independent.
type snapshotCandle struct {
	Ts     int64   `msgpack:"t"`
	Open   float64 `msgpack:"o"`
	High   float64 `msgpack:"h"`
	Low    float64 `msgpack:"l"`
	Close  float64 `msgpack:"c"`
	Volume float64 `msgpack:"v"`
}

type snapshot struct {
	SavedAt int64                       `msgpack:"saved_at"`
	Windows map[string][]snapshotCandle `msgpack:"windows"`
}

// SaveSnapshot writes the hot candle windows to a msgpack file so a restart
// can warm the cache without a full REST backfill.
func (g *Gateway) SaveSnapshot(path string) error {
	g.mu.RLock()
	snap := snapshot{
		SavedAt: time.Now().Unix(),
		Windows: make(map[string][]snapshotCandle, len(g.candles)),
	}
	for key, window := range g.candles {
		out := make([]snapshotCandle, len(window))
		for i, c := range window {
			out[i] = snapshotCandle{
				Ts: c.Ts.Unix(), Open: c.Open, High: c.High,
				Low: c.Low, Close: c.Close, Volume: c.Volume,
			}
		}
		snap.Windows[key] = out
	}
	g.mu.RUnlock()

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to marshal candle snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write candle snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace candle snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot restores hot candle windows from a msgpack file. Snapshots
// older than maxAge are ignored; a missing file is not an error.
func (g *Gateway) LoadSnapshot(path string, maxAge time.Duration) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read candle snapshot: %w", err)
	}

	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal candle snapshot: %w", err)
	}

	if maxAge > 0 && time.Since(time.Unix(snap.SavedAt, 0)) > maxAge {
		g.log.Info().Msg("Candle snapshot too old, skipping warm-up")
		return nil
	}

	g.mu.Lock()
	for key, window := range snap.Windows {
		candles := make([]domain.Candle, len(window))
		for i, c := range window {
			candles[i] = domain.Candle{
				Ts: time.Unix(c.Ts, 0), Open: c.Open, High: c.High,
				Low: c.Low, Close: c.Close, Volume: c.Volume,
			}
		}
		g.candles[key] = candles
	}
	g.mu.Unlock()

	g.log.Info().Int("windows", len(snap.Windows)).Msg("Warmed candle cache from snapshot")
	return nil
}
