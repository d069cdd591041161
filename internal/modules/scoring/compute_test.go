package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obsAt(pnl float64, daysAgo int) Observation {
	return Observation{
		Pnl:      pnl,
		Notional: 1000,
		Ts:       time.Now().AddDate(0, 0, -daysAgo),
	}
}

func gateConfig() Config {
	return Config{
		Prior:          0.4,
		DrawdownMax:    0.5,
		ScoreRealGate:  65,
		MinTradesReal:  10,
		MinWinRateReal: 0.6,
	}
}

func TestCompute_EmptyWindowIsAllPriorAndProvisional(t *testing.T) {
	res := Compute(nil, gateConfig())

	assert.True(t, res.Provisional)
	assert.False(t, res.RealEligible)
	// All five sub-scores at the prior: 100 * 0.4.
	assert.InDelta(t, 40.0, res.FinalScore, 0.001)
}

func TestCompute_FewTradesPartiallyProvisional(t *testing.T) {
	obs := []Observation{obsAt(10, 3), obsAt(-5, 2), obsAt(8, 1)}
	res := Compute(obs, gateConfig())

	assert.True(t, res.Provisional, "below MinSamplesForStats")
	assert.InDelta(t, 2.0/3.0, res.WinRate, 1e-9)
	// Win rate is real, the other four sub-scores are the prior.
	expected := 100 * (WeightWinRate*(2.0/3.0) + (1-WeightWinRate)*0.4)
	assert.InDelta(t, expected, res.FinalScore, 0.001)
}

func TestCompute_Idempotent(t *testing.T) {
	obs := []Observation{
		obsAt(20, 9), obsAt(-10, 8), obsAt(15, 7), obsAt(12, 6),
		obsAt(-8, 5), obsAt(25, 4), obsAt(5, 3), obsAt(-3, 2),
	}

	first := Compute(obs, gateConfig())
	second := Compute(obs, gateConfig())
	assert.Equal(t, first, second)

	// Order of the input slice must not matter.
	shuffled := []Observation{obs[3], obs[0], obs[7], obs[1], obs[5], obs[2], obs[6], obs[4]}
	third := Compute(shuffled, gateConfig())
	assert.Equal(t, first, third)
}

func TestCompute_WinnersScoreHigherThanLosers(t *testing.T) {
	var winners, losers []Observation
	for i := 0; i < 20; i++ {
		pnl := 10.0
		if i%5 == 0 {
			pnl = -4
		}
		winners = append(winners, obsAt(pnl, 20-i))
		losers = append(losers, obsAt(-pnl, 20-i))
	}

	winRes := Compute(winners, gateConfig())
	loseRes := Compute(losers, gateConfig())
	assert.Greater(t, winRes.FinalScore, loseRes.FinalScore)
	assert.False(t, winRes.Provisional)
}

func TestCompute_RealEligibilityGate(t *testing.T) {
	// 12 trades, 10 wins: strong stats, should clear score 65 and win rate 0.6.
	var obs []Observation
	for i := 0; i < 12; i++ {
		pnl := 15.0
		if i < 2 {
			pnl = -5
		}
		obs = append(obs, obsAt(pnl, 12-i))
	}

	res := Compute(obs, gateConfig())
	require.False(t, res.Provisional)
	assert.GreaterOrEqual(t, res.WinRate, 0.6)
	assert.GreaterOrEqual(t, res.FinalScore, 65.0)
	assert.True(t, res.RealEligible)
}

func TestCompute_TooFewTradesNeverRealEligible(t *testing.T) {
	var obs []Observation
	for i := 0; i < 9; i++ {
		obs = append(obs, obsAt(20, 9-i))
	}

	res := Compute(obs, gateConfig())
	assert.False(t, res.RealEligible, "9 trades is below min_trades_for_real")
}

func TestMaxDrawdown(t *testing.T) {
	// +10%, -20%, +5%: peak 1.1, trough 0.88 -> dd = 0.2.
	obs := []Observation{
		{Pnl: 100, Notional: 1000, Ts: time.Now().Add(-3 * time.Hour)},
		{Pnl: -200, Notional: 1000, Ts: time.Now().Add(-2 * time.Hour)},
		{Pnl: 50, Notional: 1000, Ts: time.Now().Add(-1 * time.Hour)},
	}
	assert.InDelta(t, 0.2, maxDrawdown(obs), 1e-9)
}

func TestProfitFactor(t *testing.T) {
	obs := []Observation{
		{Pnl: 100}, {Pnl: 50}, {Pnl: -50},
	}
	assert.InDelta(t, 3.0, profitFactor(obs), 1e-9)

	assert.True(t, logSquash(profitFactor([]Observation{{Pnl: 10}})) == 1,
		"all-winning window squashes to 1")
}

func TestSquashBounds(t *testing.T) {
	assert.InDelta(t, 0.5, tanhSquash(0), 1e-9)
	assert.Greater(t, tanhSquash(3.0), 0.9)
	assert.Less(t, tanhSquash(-3.0), 0.1)

	assert.Equal(t, 0.0, logSquash(0))
	assert.InDelta(t, 0.5, logSquash(ProfitFactorRef), 1e-9)

	assert.Equal(t, 1.0, inverseSquash(0))
	assert.InDelta(t, 0.5, inverseSquash(VolatilityRef), 1e-9)
}
