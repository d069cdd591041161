// Package scoring computes the composite strategy score (0-100) from a
// rolling window of trade outcomes, and decides real-trading eligibility.
// Recomputing from the same trade set always yields the same score, which
// is what makes score history auditable.
package scoring

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Component weights (must sum to 1.0).
//
// Philosophy: win rate dominates because the gate cares about consistency
// first; sharpe and profit factor reward efficiency; drawdown and
// volatility penalize the failure modes that hurt real capital.
const (
	WeightWinRate      = 0.30 // fraction of profitable trades
	WeightSharpe       = 0.25 // risk-adjusted return, tanh-squashed
	WeightProfitFactor = 0.20 // gross profit / gross loss, log-squashed
	WeightDrawdown     = 0.15 // 1 - dd/dd_max
	WeightVolatility   = 0.10 // inverse squash of return volatility

	// References for normalization: a profit factor of ProfitFactorRef or a
	// per-trade volatility of VolatilityRef maps to sub-score ~0.5.
	ProfitFactorRef = 2.0
	VolatilityRef   = 0.02

	// MinSamplesForStats is the trade count below which sharpe, profit
	// factor, drawdown and volatility are undefined and fall back to the
	// prior.
	MinSamplesForStats = 5
)

// Observation is one trade outcome in the scoring window. Pnl and Notional
// are in the quote currency; Pnl is net of fees.
type Observation struct {
	Pnl      float64
	Notional float64
	Ts       time.Time
}

// Return is the trade's fractional return on notional.
func (o Observation) Return() float64 {
	if o.Notional <= 0 {
		return 0
	}
	return o.Pnl / o.Notional
}

// Config bounds the scoring computation.
type Config struct {
	Prior          float64 // substituted for undefined sub-scores (default 0.4)
	DrawdownMax    float64 // drawdown normalization ceiling (default 0.5)
	ScoreRealGate  float64 // minimum score for real eligibility
	MinTradesReal  int     // minimum trades for real eligibility
	MinWinRateReal float64 // minimum win rate for real eligibility
}

// Result is the computed score with its inputs preserved for the registry.
type Result struct {
	TotalTrades  int
	WinRate      float64
	Sharpe       float64
	ProfitFactor float64
	MaxDrawdown  float64
	Volatility   float64
	TotalReturn  float64
	DailyReturn  float64
	FinalScore   float64
	Provisional  bool
	RealEligible bool
}

// Compute scores a trade window. With no trades at all, every sub-score is
// the prior and the result is provisional.
func Compute(observations []Observation, cfg Config) Result {
	if cfg.Prior == 0 {
		cfg.Prior = 0.4
	}
	if cfg.DrawdownMax == 0 {
		cfg.DrawdownMax = 0.5
	}

	res := Result{TotalTrades: len(observations)}

	// Chronological order; drawdown depends on it.
	obs := make([]Observation, len(observations))
	copy(obs, observations)
	sort.Slice(obs, func(i, j int) bool { return obs[i].Ts.Before(obs[j].Ts) })

	winScore := cfg.Prior
	sharpeScore := cfg.Prior
	pfScore := cfg.Prior
	ddScore := cfg.Prior
	volScore := cfg.Prior

	if len(obs) > 0 {
		wins := 0
		for _, o := range obs {
			if o.Pnl > 0 {
				wins++
			}
			res.TotalReturn += o.Return()
		}
		res.WinRate = float64(wins) / float64(len(obs))
		winScore = clip01(res.WinRate)
		res.DailyReturn = dailyReturn(obs, res.TotalReturn)
	} else {
		res.Provisional = true
	}

	if len(obs) >= MinSamplesForStats {
		returns := make([]float64, len(obs))
		for i, o := range obs {
			returns[i] = o.Return()
		}

		res.Sharpe = sharpeRatio(returns)
		sharpeScore = tanhSquash(res.Sharpe)

		res.ProfitFactor = profitFactor(obs)
		pfScore = logSquash(res.ProfitFactor)

		res.MaxDrawdown = maxDrawdown(obs)
		ddScore = 1 - math.Min(res.MaxDrawdown/cfg.DrawdownMax, 1)

		res.Volatility = stdDev(returns)
		volScore = inverseSquash(res.Volatility)
	} else {
		res.Provisional = true
	}

	weighted := WeightWinRate*winScore +
		WeightSharpe*sharpeScore +
		WeightProfitFactor*pfScore +
		WeightDrawdown*ddScore +
		WeightVolatility*volScore
	res.FinalScore = 100 * weighted

	res.RealEligible = !res.Provisional &&
		res.FinalScore >= cfg.ScoreRealGate &&
		res.TotalTrades >= cfg.MinTradesReal &&
		res.WinRate >= cfg.MinWinRateReal

	return res
}

// sharpeRatio is mean return over return volatility, per trade (no
// annualization — the gate compares strategies on the same cadence).
func sharpeRatio(returns []float64) float64 {
	mean := meanOf(returns)
	sd := stdDev(returns)
	if sd == 0 {
		return 0
	}
	return mean / sd
}

// profitFactor is gross profit over gross loss. All-winning windows return
// +Inf, which the log squash clips to 1.
func profitFactor(obs []Observation) float64 {
	var grossProfit, grossLoss float64
	for _, o := range obs {
		if o.Pnl > 0 {
			grossProfit += o.Pnl
		} else {
			grossLoss += -o.Pnl
		}
	}
	if grossLoss == 0 {
		if grossProfit == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return grossProfit / grossLoss
}

// maxDrawdown is the largest peak-to-trough drop of the cumulative return
// series, as a fraction of (1 + peak).
func maxDrawdown(obs []Observation) float64 {
	equity := 1.0
	peak := 1.0
	worst := 0.0
	for _, o := range obs {
		equity *= 1 + o.Return()
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// dailyReturn spreads the window's total return over its span in days.
func dailyReturn(obs []Observation, totalReturn float64) float64 {
	if len(obs) < 2 {
		return totalReturn
	}
	span := obs[len(obs)-1].Ts.Sub(obs[0].Ts)
	days := span.Hours() / 24
	if days < 1 {
		days = 1
	}
	return totalReturn / days
}

// tanhSquash maps a sharpe-like value to [0,1]; 0 maps to 0.5.
func tanhSquash(v float64) float64 {
	return 0.5 * (1 + math.Tanh(v/2))
}

// logSquash maps a profit factor to [0,1]; ProfitFactorRef maps to ~0.5.
func logSquash(pf float64) float64 {
	if math.IsInf(pf, 1) {
		return 1
	}
	if pf <= 0 {
		return 0
	}
	return clip01(math.Log1p(pf) / (2 * math.Log1p(ProfitFactorRef)))
}

// inverseSquash penalizes volatility: 0 maps to 1, VolatilityRef to 0.5.
func inverseSquash(vol float64) float64 {
	if vol < 0 {
		return 1
	}
	return 1 / (1 + vol/VolatilityRef)
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sd := stat.StdDev(xs, nil)
	if math.IsNaN(sd) {
		return 0
	}
	return sd
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
