package marketdata

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/darwin/internal/domain"
)

// ReplayFeed implements domain.MarketData over a fixed candle history.
// The shadow backtester advances the cursor bar by bar; reads only ever see
// data up to the cursor, so a strategy cannot peek at the future.
type ReplayFeed struct {
	symbol    string
	timeframe string
	candles   []domain.Candle
	cursor    int // index of the current bar
}

// NewReplayFeed creates a replay feed positioned before the first bar.
func NewReplayFeed(symbol, timeframe string, candles []domain.Candle) *ReplayFeed {
	return &ReplayFeed{
		symbol:    symbol,
		timeframe: timeframe,
		candles:   candles,
		cursor:    -1,
	}
}

// Advance moves to the next bar. Returns false when history is exhausted.
func (f *ReplayFeed) Advance() bool {
	if f.cursor+1 >= len(f.candles) {
		return false
	}
	f.cursor++
	return true
}

// Current returns the bar at the cursor.
func (f *ReplayFeed) Current() (domain.Candle, bool) {
	if f.cursor < 0 || f.cursor >= len(f.candles) {
		return domain.Candle{}, false
	}
	return f.candles[f.cursor], true
}

// Len returns the total number of bars in the history.
func (f *ReplayFeed) Len() int {
	return len(f.candles)
}

// Price synthesizes a quote from the current bar's close. maxAge is ignored:
// replay data is always "fresh" relative to the simulated clock.
func (f *ReplayFeed) Price(symbol string, maxAge time.Duration) (domain.Quote, error) {
	if symbol != f.symbol {
		return domain.Quote{}, fmt.Errorf("replay price %s: %w", symbol, domain.ErrUnavailable)
	}
	bar, ok := f.Current()
	if !ok {
		return domain.Quote{}, fmt.Errorf("replay price %s: before first bar: %w", symbol, domain.ErrUnavailable)
	}
	price := decimal.NewFromFloat(bar.Close)
	return domain.Quote{
		Symbol: symbol,
		Bid:    price,
		Ask:    price,
		Last:   price,
		Ts:     bar.Ts,
	}, nil
}

// Depth is not available in replay; strategies that need it hold instead.
func (f *ReplayFeed) Depth(symbol string, levels int) ([]domain.BookLevel, error) {
	return nil, fmt.Errorf("replay depth %s: %w", symbol, domain.ErrUnavailable)
}

// Candles returns up to n bars ending at the cursor, oldest first.
func (f *ReplayFeed) Candles(symbol string, timeframe string, n int) ([]domain.Candle, error) {
	if symbol != f.symbol || timeframe != f.timeframe {
		return nil, fmt.Errorf("replay candles %s/%s: %w", symbol, timeframe, domain.ErrUnavailable)
	}
	if f.cursor < 0 {
		return nil, fmt.Errorf("replay candles %s: before first bar: %w", symbol, domain.ErrUnavailable)
	}

	end := f.cursor + 1
	start := end - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.Candle, end-start)
	copy(out, f.candles[start:end])
	return out, nil
}
