package evolution

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/modules/marketdata"
	"github.com/aristath/darwin/internal/modules/scoring"
	"github.com/aristath/darwin/internal/modules/strategies"
)

// BacktestResult summarizes a shadow run of one parameter set over a fixed
// candle history. Observations carries the per-trade outcomes so the run
// can be scored with the same composite formula as live trading.
type BacktestResult struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	Pnl     float64 `json:"pnl"` // net of fees, in quote currency per unit notional
	Days    float64 `json:"days"`

	Observations []scoring.Observation `json:"-"`
}

// Backtester replays history through the signal engine with no ledger side
// effects. Fills happen at the bar close with the configured fee rate; one
// open lot per run, a counter-signal closes it.
type Backtester struct {
	timeframe string
	feeRate   float64
	notional  float64
	log       zerolog.Logger
}

// BacktesterConfig configures shadow runs.
type BacktesterConfig struct {
	Timeframe string  // candle timeframe, default "5m"
	FeeRate   float64 // taker fee per leg
	Notional  float64 // simulated position size, default 100
}

// NewBacktester creates a shadow backtester
func NewBacktester(cfg BacktesterConfig, log zerolog.Logger) *Backtester {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "5m"
	}
	if cfg.Notional <= 0 {
		cfg.Notional = 100
	}
	return &Backtester{
		timeframe: cfg.Timeframe,
		feeRate:   cfg.FeeRate,
		notional:  cfg.Notional,
		log:       log.With().Str("component", "backtester").Logger(),
	}
}

// Run replays the candles bar by bar, evaluating the instance at each step.
// The replay feed only exposes history up to the cursor, so the run sees
// exactly what a live evaluation would have seen.
func (b *Backtester) Run(inst strategies.Instance, candles []domain.Candle) (BacktestResult, error) {
	if len(candles) < 2 {
		return BacktestResult{}, fmt.Errorf("backtest %s: not enough history: %w", inst.ID, domain.ErrUnavailable)
	}

	feed := marketdata.NewReplayFeed(inst.Symbol, b.timeframe, candles)
	engine := strategies.NewEngine(feed, strategies.EngineConfig{
		Timeframe: b.timeframe,
		FeeRate:   b.feeRate,
	}, b.log)

	var result BacktestResult
	var openSide domain.Side
	var entryPrice float64
	holding := false

	for feed.Advance() {
		sig, err := engine.Evaluate(inst)
		if err != nil {
			return BacktestResult{}, err
		}
		if !sig.IsActionable() {
			continue
		}

		bar, _ := feed.Current()
		price := bar.Close
		if price <= 0 {
			continue
		}

		switch {
		case !holding:
			openSide = sig.Side
			entryPrice = price
			holding = true

		case sig.Side != openSide:
			result.record(b.closedPnl(openSide, entryPrice, price), b.notional, bar.Ts)
			holding = false
		}
	}

	// An open lot at the end is marked to the last close.
	if holding {
		last := candles[len(candles)-1]
		result.record(b.closedPnl(openSide, entryPrice, last.Close), b.notional, last.Ts)
	}

	if result.Trades > 0 {
		result.WinRate = float64(result.Wins) / float64(result.Trades)
	}
	result.Days = candles[len(candles)-1].Ts.Sub(candles[0].Ts).Hours() / 24
	return result, nil
}

// record books one closed round trip onto the result.
func (r *BacktestResult) record(pnl, notional float64, ts time.Time) {
	r.Trades++
	if pnl > 0 {
		r.Wins++
	}
	r.Pnl += pnl
	r.Observations = append(r.Observations, scoring.Observation{
		Pnl:      pnl,
		Notional: notional,
		Ts:       ts,
	})
}

// closedPnl is the round-trip outcome of notional traded at entry and exit,
// with fees taken on both legs.
func (b *Backtester) closedPnl(side domain.Side, entry, exit float64) float64 {
	move := (exit - entry) / entry
	if side == domain.SideSell {
		move = -move
	}
	return b.notional * (move - 2*b.feeRate)
}

// BarsForDays converts a day span to a bar count at the given timeframe.
func BarsForDays(days float64, timeframe string) int {
	dur, err := time.ParseDuration(timeframe)
	if err != nil || dur <= 0 {
		dur = 5 * time.Minute
	}
	return int(days * 24 * float64(time.Hour) / float64(dur))
}
