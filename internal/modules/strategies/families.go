package strategies

import (
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/darwin/internal/domain"
)

// adxPeriod is the fixed ADX window for trend strength. The tunable knob is
// trend_threshold, not the indicator window.
const adxPeriod = 14

func closesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func volumesOf(candles []domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

func highsLows(candles []domain.Candle) ([]float64, []float64) {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	return highs, lows
}

// evalMomentum trades short-horizon return direction, filtered by volume:
// the current bar's volume must exceed volume_threshold times mean volume.
func evalMomentum(p Params, candles []domain.Candle) verdict {
	n := int(p["short_period"])
	threshold := p["threshold"]
	volThreshold := p["volume_threshold"]

	closes := closesOf(candles)
	volumes := volumesOf(candles)
	last := len(closes) - 1

	base := closes[last-n]
	if base <= 0 {
		return holdVerdict(ReasonInsufficientData)
	}
	ret := (closes[last] - base) / base

	meanVol := stat.Mean(volumes[:last], nil)
	if meanVol <= 0 || volumes[last] < volThreshold*meanVol {
		return holdVerdict("volume_below_threshold")
	}

	confidence := math.Abs(ret) / (2 * threshold)
	switch {
	case ret > threshold:
		return verdict{side: domain.SideBuy, confidence: confidence, reason: "momentum_up"}
	case ret < -threshold:
		return verdict{side: domain.SideSell, confidence: confidence, reason: "momentum_down"}
	default:
		return holdVerdict("return_within_threshold")
	}
}

// evalMeanReversion counter-trades a z-score extreme, requiring both the
// z-score and the relative deviation to clear their thresholds.
func evalMeanReversion(p Params, candles []domain.Candle) verdict {
	lookback := int(p["lookback_period"])
	stdMult := p["std_multiplier"]
	minDev := p["min_deviation"]

	closes := closesOf(candles)
	window := closes[len(closes)-lookback:]
	last := window[len(window)-1]

	mean := stat.Mean(window, nil)
	std := stat.StdDev(window, nil)
	if std == 0 || math.IsNaN(std) || mean <= 0 {
		return holdVerdict(ReasonInsufficientData)
	}

	z := (last - mean) / std
	deviation := math.Abs(last-mean) / mean
	if deviation < minDev {
		return holdVerdict("deviation_below_minimum")
	}

	confidence := math.Abs(z) / (2 * stdMult)
	switch {
	case z > stdMult:
		return verdict{side: domain.SideSell, confidence: confidence, reason: "above_mean"}
	case z < -stdMult:
		return verdict{side: domain.SideBuy, confidence: confidence, reason: "below_mean"}
	default:
		return holdVerdict("zscore_within_band")
	}
}

// evalBreakout fires when confirmation_periods consecutive closes clear the
// rolling extreme of the prior lookback window by breakout_threshold.
func evalBreakout(p Params, candles []domain.Candle) verdict {
	lookback := int(p["lookback_period"])
	threshold := p["breakout_threshold"]
	confirmations := int(p["confirmation_periods"])

	closes := closesOf(candles)
	split := len(closes) - confirmations
	window := closes[split-lookback : split]
	recent := closes[split:]

	hi := talib.Max(window, lookback)[lookback-1]
	lo := talib.Min(window, lookback)[lookback-1]
	if hi <= 0 || lo <= 0 {
		return holdVerdict(ReasonInsufficientData)
	}

	buyLevel := hi * (1 + threshold)
	sellLevel := lo * (1 - threshold)

	allAbove, allBelow := true, true
	for _, c := range recent {
		if c <= buyLevel {
			allAbove = false
		}
		if c >= sellLevel {
			allBelow = false
		}
	}

	last := recent[len(recent)-1]
	switch {
	case allAbove:
		confidence := (last - buyLevel) / buyLevel / threshold
		return verdict{side: domain.SideBuy, confidence: 0.5 + confidence/2, reason: "breakout_up"}
	case allBelow:
		confidence := (sellLevel - last) / sellLevel / threshold
		return verdict{side: domain.SideSell, confidence: 0.5 + confidence/2, reason: "breakout_down"}
	default:
		return holdVerdict("no_breakout")
	}
}

// evalGrid lays grid_count levels spaced grid_spacing around an SMA
// reference and trades level crossings: crossing down buys, crossing up
// sells. A level already holding an open rung is skipped until price moves
// to a different level.
func (e *Engine) evalGrid(inst Instance, candles []domain.Candle) verdict {
	p := inst.Params
	gridCount := int(p["grid_count"])
	spacing := p["grid_spacing"]
	refPeriod := int(p["reference_period"])

	closes := closesOf(candles)
	ref := talib.Sma(closes, refPeriod)[len(closes)-1]
	if ref <= 0 {
		return holdVerdict(ReasonInsufficientData)
	}

	last := closes[len(closes)-1]
	level := int(math.Floor((last/ref - 1) / spacing))
	halfGrid := gridCount / 2
	if level < -halfGrid || level > halfGrid {
		return holdVerdict("outside_grid")
	}

	e.mu.Lock()
	prev, seen := e.gridLevel[inst.ID]
	if seen && prev == level {
		e.mu.Unlock()
		return holdVerdict("level_already_worked")
	}
	e.gridLevel[inst.ID] = level
	e.mu.Unlock()

	if !seen {
		return holdVerdict("grid_anchored")
	}

	confidence := math.Min(1, math.Abs(float64(level-prev))/float64(halfGrid+1))
	if level < prev {
		return verdict{side: domain.SideBuy, confidence: confidence, reason: "grid_cross_down"}
	}
	return verdict{side: domain.SideSell, confidence: confidence, reason: "grid_cross_up"}
}

// evalHighFrequency scalps volatility: realized vol must clear
// volatility_threshold and the projected edge must survive round-trip fees.
// A per-strategy cooldown of signal_interval bars throttles output.
func (e *Engine) evalHighFrequency(inst Instance, candles []domain.Candle) verdict {
	p := inst.Params
	lookback := int(p["lookback_period"])
	volThreshold := p["volatility_threshold"]
	minProfit := p["min_profit"]
	interval := time.Duration(p["signal_interval"]) * time.Minute
	barTs := candles[len(candles)-1].Ts

	// Cooldown runs on bar time, not wall time, so replayed history
	// throttles exactly like live evaluation.
	e.mu.Lock()
	lastAt, ok := e.lastSignalAt[inst.ID]
	e.mu.Unlock()
	if ok && barTs.Sub(lastAt) < interval {
		return holdVerdict("cooldown")
	}

	closes := closesOf(candles)
	window := closes[len(closes)-lookback-1:]
	returns := make([]float64, 0, lookback)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 {
			return holdVerdict(ReasonInsufficientData)
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}

	vol := stat.StdDev(returns, nil)
	if math.IsNaN(vol) || vol < volThreshold {
		return holdVerdict("volatility_below_threshold")
	}

	// Edge model: capture half a sigma of the move, pay taker fees twice.
	edge := vol/2 - 2*e.feeRate
	if edge < minProfit {
		return holdVerdict("edge_below_fees")
	}

	e.mu.Lock()
	e.lastSignalAt[inst.ID] = barTs
	e.mu.Unlock()

	confidence := math.Min(1, edge/(2*minProfit))
	if returns[len(returns)-1] >= 0 {
		return verdict{side: domain.SideBuy, confidence: confidence, reason: "vol_scalp_up"}
	}
	return verdict{side: domain.SideSell, confidence: confidence, reason: "vol_scalp_down"}
}

// evalTrendFollowing requires ADX trend strength above trend_threshold and
// takes the side of the fast/slow EMA cross. The trailing stop parameter is
// enforced by the position monitor, not here.
func evalTrendFollowing(p Params, candles []domain.Candle) verdict {
	fast := int(p["fast_period"])
	slow := int(p["slow_period"])
	trendThreshold := p["trend_threshold"]

	closes := closesOf(candles)
	highs, lows := highsLows(candles)

	adx := talib.Adx(highs, lows, closes, adxPeriod)
	strength := adx[len(adx)-1]
	if math.IsNaN(strength) || strength < trendThreshold {
		return holdVerdict("trend_too_weak")
	}

	emaFast := talib.Ema(closes, fast)[len(closes)-1]
	emaSlow := talib.Ema(closes, slow)[len(closes)-1]
	if emaSlow <= 0 {
		return holdVerdict(ReasonInsufficientData)
	}

	confidence := math.Min(1, strength/100+math.Abs(emaFast-emaSlow)/emaSlow)
	if emaFast > emaSlow {
		return verdict{side: domain.SideBuy, confidence: confidence, reason: "trend_up"}
	}
	return verdict{side: domain.SideSell, confidence: confidence, reason: "trend_down"}
}
