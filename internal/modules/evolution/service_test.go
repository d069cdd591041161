package evolution

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/scoring"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/strategies"
	testutil "github.com/aristath/darwin/internal/testing"
)

type tradeWindowFunc func(string, int, time.Time) ([]scoring.Observation, error)

func (f tradeWindowFunc) Observations(strategyID string, lastN int, since time.Time) ([]scoring.Observation, error) {
	return f(strategyID, lastN, since)
}

func noTrades(string, int, time.Time) ([]scoring.Observation, error) { return nil, nil }

// candleMarket serves a fixed candle history for every symbol.
type candleMarket struct {
	candles []domain.Candle
}

func (m *candleMarket) Price(string, time.Duration) (domain.Quote, error) {
	return domain.Quote{}, domain.ErrUnavailable
}
func (m *candleMarket) Depth(string, int) ([]domain.BookLevel, error) {
	return nil, domain.ErrUnavailable
}
func (m *candleMarket) Candles(_ string, _ string, n int) ([]domain.Candle, error) {
	if n >= len(m.candles) {
		return m.candles, nil
	}
	return m.candles[len(m.candles)-n:], nil
}

func evolutionSettings(t *testing.T) (*settings.Service, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "config")
	svc := settings.NewService(settings.NewRepository(db.Conn(), zerolog.Nop()), zerolog.Nop())
	require.NoError(t, svc.SeedDefaults())
	return svc, cleanup
}

func evolutionFixture(t *testing.T, trades TradeWindow) (*Service, *registry.Repository, *settings.Service, func()) {
	t.Helper()
	regDB, regCleanup := testutil.NewTestDB(t, "registry")
	reg := registry.NewRepository(regDB.Conn(), zerolog.Nop())
	set, setCleanup := evolutionSettings(t)

	market := &candleMarket{candles: waveSeries(600, 100, 3, 50)}
	bt := NewBacktester(BacktesterConfig{Timeframe: "5m", Notional: 100}, zerolog.Nop())
	svc := NewService(reg, trades, market, bt, set, events.NewBus(zerolog.Nop()), ServiceConfig{
		Timeframe: "5m",
		Symbols:   []string{"BTC-USD"},
		Seed:      42,
	}, zerolog.Nop())

	return svc, reg, set, func() {
		setCleanup()
		regCleanup()
	}
}

func seedStrategy(t *testing.T, reg *registry.Repository, id string, family strategies.Type, score float64, trades int) {
	t.Helper()
	schema, err := strategies.SchemaFor(family)
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(&registry.Strategy{
		ID:         id,
		Type:       family,
		Symbol:     "BTC-USD",
		Parameters: schema.Defaults(),
		Enabled:    true,
		Tier:       2,
	}))
	require.NoError(t, reg.UpdateMetrics(id, registry.Metrics{FinalScore: score, TotalTrades: trades}))
}

// simResult builds a shadow run with wins of winPnl and losses of
// lossPnl, alternating so the drawdown stays realistic, spread over the
// given day span.
func simResult(wins, losses int, winPnl, lossPnl, days float64) BacktestResult {
	var res BacktestResult
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	total := wins + losses
	step := time.Duration(days / float64(total) * 24 * float64(time.Hour))

	w, l := wins, losses
	for i := 0; i < total; i++ {
		pnl := winPnl
		if (i%2 == 1 && l > 0) || w == 0 {
			pnl = lossPnl
			l--
		} else {
			w--
		}
		res.record(pnl, 100, start.Add(time.Duration(i)*step))
	}
	res.WinRate = float64(res.Wins) / float64(res.Trades)
	res.Days = days
	return res
}

func TestPassesSimGates(t *testing.T) {
	tuning := &settings.Tuning{
		MinSimDays:          3,
		MinSimWinRate:       0.5,
		MinSimPnl:           0,
		MinScoreImprovement: 2,
		ScorePrior:          0.4,
		DrawdownMax:         0.5,
	}

	base := simResult(11, 9, 3, -1.44, 5)    // win rate 0.55, pnl ~20
	better := simResult(14, 6, 4.5, -2.1, 5) // win rate 0.70, pnl ~50

	_, ok := passesSimGates(base, better, tuning)
	assert.True(t, ok)

	short := better
	short.Days = 1
	reason, ok := passesSimGates(base, short, tuning)
	assert.False(t, ok)
	assert.Equal(t, "history_too_short", reason)

	weak := simResult(6, 14, 3, -1, 5)
	reason, ok = passesSimGates(base, weak, tuning)
	assert.False(t, ok)
	assert.Equal(t, "sim_win_rate_below_floor", reason)

	losing := simResult(11, 9, 1, -3, 5)
	reason, ok = passesSimGates(base, losing, tuning)
	assert.False(t, ok)
	assert.Equal(t, "sim_pnl_below_floor", reason)

	// Identical outcomes predict zero score movement, under the margin.
	reason, ok = passesSimGates(base, base, tuning)
	assert.False(t, ok)
	assert.Equal(t, "improvement_below_margin", reason)
}

func TestPassesSimGates_MarginIsInScorePoints(t *testing.T) {
	// A candidate 2.5x ahead on PnL with a clearly better win rate must
	// pass a 2-point margin. Reading the margin as a PnL multiplier would
	// demand a 3x PnL and wrongly reject it.
	tuning := &settings.Tuning{
		MinSimDays:          3,
		MinSimWinRate:       0.5,
		MinSimPnl:           0,
		MinScoreImprovement: 2,
		ScorePrior:          0.4,
		DrawdownMax:         0.5,
	}

	base := simResult(11, 9, 3, -1.44, 5)
	cand := simResult(14, 6, 4.5, -2.1, 5)
	require.Greater(t, cand.Pnl, base.Pnl*2)
	require.Less(t, cand.Pnl, base.Pnl*3)

	gain := simScore(cand, tuning) - simScore(base, tuning)
	assert.Greater(t, gain, 2.0, "composite score gain, not a PnL ratio")

	_, ok := passesSimGates(base, cand, tuning)
	assert.True(t, ok)
}

func TestReviewCommits_RevertsUnderperformers(t *testing.T) {
	losers := tradeWindowFunc(func(string, int, time.Time) ([]scoring.Observation, error) {
		obs := make([]scoring.Observation, 20)
		for i := range obs {
			obs[i] = scoring.Observation{Pnl: -1, Notional: 100, Ts: time.Now()}
		}
		return obs, nil
	})
	svc, reg, set, cleanup := evolutionFixture(t, losers)
	defer cleanup()
	require.NoError(t, set.Repo().SetInt(settings.KeyParamValidationTrades, 20))

	seedStrategy(t, reg, "s1", strategies.TypeMomentum, 50, 30)
	schema, _ := strategies.SchemaFor(strategies.TypeMomentum)
	previous := schema.Defaults()

	// Simulate an earlier commit: bump params and watch them.
	committed := schema.Defaults()
	committed["short_period"] = 15
	require.NoError(t, reg.CommitParameters("s1", committed, 0))
	svc.watches["s1"] = &commitWatch{previous: previous, committedAt: time.Now().Add(-time.Hour)}

	reverted, validated := svc.ReviewCommits()
	assert.Equal(t, 1, reverted)
	assert.Equal(t, 0, validated)
	assert.Equal(t, 0, svc.PendingValidations())

	strat, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, previous, strat.Parameters, "previous parameters restored")
	assert.Equal(t, int64(2), strat.Cycle, "revert is itself a committed cycle")
}

func TestReviewCommits_ValidatesWinners(t *testing.T) {
	winners := tradeWindowFunc(func(string, int, time.Time) ([]scoring.Observation, error) {
		obs := make([]scoring.Observation, 20)
		for i := range obs {
			obs[i] = scoring.Observation{Pnl: 2, Notional: 100, Ts: time.Now()}
		}
		return obs, nil
	})
	svc, reg, _, cleanup := evolutionFixture(t, winners)
	defer cleanup()

	seedStrategy(t, reg, "s1", strategies.TypeMomentum, 50, 30)
	schema, _ := strategies.SchemaFor(strategies.TypeMomentum)
	committed := schema.Defaults()
	committed["short_period"] = 15
	require.NoError(t, reg.CommitParameters("s1", committed, 0))
	svc.watches["s1"] = &commitWatch{previous: schema.Defaults(), committedAt: time.Now().Add(-time.Hour)}

	reverted, validated := svc.ReviewCommits()
	assert.Equal(t, 0, reverted)
	assert.Equal(t, 1, validated)

	strat, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, committed, strat.Parameters, "validated commit stays")
}

func TestReviewCommits_RevertsOnNegativePnl(t *testing.T) {
	// Decent win rate, but the losses dwarf the wins. The PnL floor
	// catches what the win-rate floor alone would let through.
	bleeders := tradeWindowFunc(func(string, int, time.Time) ([]scoring.Observation, error) {
		obs := make([]scoring.Observation, 0, 20)
		for i := 0; i < 12; i++ {
			obs = append(obs, scoring.Observation{Pnl: 1, Notional: 100, Ts: time.Now()})
		}
		for i := 0; i < 8; i++ {
			obs = append(obs, scoring.Observation{Pnl: -5, Notional: 100, Ts: time.Now()})
		}
		return obs, nil
	})
	svc, reg, set, cleanup := evolutionFixture(t, bleeders)
	defer cleanup()
	require.NoError(t, set.Repo().SetInt(settings.KeyParamValidationTrades, 20))

	seedStrategy(t, reg, "s1", strategies.TypeMomentum, 50, 30)
	schema, _ := strategies.SchemaFor(strategies.TypeMomentum)
	previous := schema.Defaults()
	committed := schema.Defaults()
	committed["short_period"] = 15
	require.NoError(t, reg.CommitParameters("s1", committed, 0))
	svc.watches["s1"] = &commitWatch{previous: previous, committedAt: time.Now().Add(-time.Hour)}

	reverted, validated := svc.ReviewCommits()
	assert.Equal(t, 1, reverted)
	assert.Equal(t, 0, validated)

	strat, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, previous, strat.Parameters)
}

func TestReviewCommits_WaitsForWindowToFill(t *testing.T) {
	few := tradeWindowFunc(func(string, int, time.Time) ([]scoring.Observation, error) {
		return []scoring.Observation{{Pnl: -1}}, nil
	})
	svc, reg, _, cleanup := evolutionFixture(t, few)
	defer cleanup()

	seedStrategy(t, reg, "s1", strategies.TypeMomentum, 50, 30)
	schema, _ := strategies.SchemaFor(strategies.TypeMomentum)
	svc.watches["s1"] = &commitWatch{previous: schema.Defaults(), committedAt: time.Now()}

	reverted, validated := svc.ReviewCommits()
	assert.Equal(t, 0, reverted)
	assert.Equal(t, 0, validated)
	assert.Equal(t, 1, svc.PendingValidations(), "watch stays until the window fills")
}

func TestEvolveParameters_SkipsWhileValidationPending(t *testing.T) {
	svc, reg, _, cleanup := evolutionFixture(t, tradeWindowFunc(noTrades))
	defer cleanup()

	seedStrategy(t, reg, "s1", strategies.TypeMomentum, 50, 30)
	svc.watches["s1"] = &commitWatch{previous: strategies.Params{}, committedAt: time.Now()}

	require.NoError(t, svc.EvolveParameters("s1"))
	strat, err := reg.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), strat.Cycle, "no commit while a validation is pending")
}

func TestPickEvolutionBatch_SamplesWarmTiersUnderGate(t *testing.T) {
	svc, _, _, cleanup := evolutionFixture(t, tradeWindowFunc(noTrades))
	defer cleanup()

	tuning := &settings.Tuning{TopProtect: 1, ScoreRealGate: 65, MinTradesForEval: 10}

	strat := func(id string, tier int, score float64, trades int) *registry.Strategy {
		return &registry.Strategy{
			ID:   id,
			Tier: tier,
			Metrics: registry.Metrics{
				FinalScore:  score,
				TotalTrades: trades,
			},
		}
	}
	ranked := []*registry.Strategy{
		strat("champion", 2, 95, 50), // protected top
		strat("proven", 4, 90, 50),   // real tier never mutates
		strat("near-gate", 3, 70, 50),
		strat("warm", 3, 60, 50),
		strat("active", 2, 50, 50),
		strat("unproven", 2, 40, 3), // evaluation window not filled
		strat("archived", 1, 30, 50),
	}

	picked := svc.pickEvolutionBatch(ranked, 10, tuning)
	ids := make([]string, len(picked))
	for i, p := range picked {
		ids[i] = p.ID
	}
	assert.ElementsMatch(t, []string{"warm", "active"}, ids)

	one := svc.pickEvolutionBatch(ranked, 1, tuning)
	require.Len(t, one, 1)
	assert.Contains(t, []string{"warm", "active"}, one[0].ID)
}

func TestEliminate_RetiresLosersProtectsTopAndYoung(t *testing.T) {
	svc, reg, set, cleanup := evolutionFixture(t, tradeWindowFunc(noTrades))
	defer cleanup()

	repo := set.Repo()
	require.NoError(t, repo.SetInt(settings.KeyTopProtect, 1))
	require.NoError(t, repo.SetInt(settings.KeyProtectWindowHours, 0))
	require.NoError(t, repo.SetInt(settings.KeyEliminationDays, 0))
	require.NoError(t, repo.SetFloat(settings.KeyScoreEliminationFloor, 30))
	require.NoError(t, repo.SetInt(settings.KeyMinTradesForEval, 10))

	seedStrategy(t, reg, "fallen", strategies.TypeMomentum, 20, 50)
	seedStrategy(t, reg, "strong", strategies.TypeBreakout, 80, 50)
	seedStrategy(t, reg, "weak-evaluated", strategies.TypeMomentum, 10, 50)
	seedStrategy(t, reg, "weak-unproven", strategies.TypeGridTrading, 5, 3) // too few trades

	retired, err := svc.Eliminate()
	require.NoError(t, err)
	assert.Equal(t, 2, retired, "fallen and weak-evaluated go, strong is top-protected, unproven lacks trades")

	strong, _ := reg.Get("strong")
	assert.False(t, strong.Retired)
	unproven, _ := reg.Get("weak-unproven")
	assert.False(t, unproven.Retired)
	weak, _ := reg.Get("weak-evaluated")
	assert.True(t, weak.Retired)
}

func TestEliminate_EnforcesPopulationCap(t *testing.T) {
	svc, reg, set, cleanup := evolutionFixture(t, tradeWindowFunc(noTrades))
	defer cleanup()

	repo := set.Repo()
	require.NoError(t, repo.SetInt(settings.KeyMaxTotalStrategies, 2))
	require.NoError(t, repo.SetFloat(settings.KeyScoreEliminationFloor, 0))

	for i, id := range []string{"a", "b", "c", "d"} {
		seedStrategy(t, reg, id, strategies.TypeMomentum, float64(90-i*10), 50)
	}

	retired, err := svc.Eliminate()
	require.NoError(t, err)
	assert.Equal(t, 2, retired)

	live, err := reg.CountLive()
	require.NoError(t, err)
	assert.Equal(t, 2, live)

	// The strongest survive the trim.
	a, _ := reg.Get("a")
	b, _ := reg.Get("b")
	assert.False(t, a.Retired)
	assert.False(t, b.Retired)
}

func TestReplenish_FillsToOptimalWithDiversity(t *testing.T) {
	svc, reg, set, cleanup := evolutionFixture(t, tradeWindowFunc(noTrades))
	defer cleanup()

	repo := set.Repo()
	require.NoError(t, repo.SetInt(settings.KeyOptimalStrategyCount, 6))
	require.NoError(t, repo.SetFloat(settings.KeyCrossoverRate, 0))

	created, err := svc.Replenish()
	require.NoError(t, err)
	assert.Equal(t, 6, created)

	counts, err := reg.CountByType()
	require.NoError(t, err)
	for _, family := range strategies.AllTypes {
		assert.Equal(t, 1, counts[family], "diversity bias spreads one per family, got %v", counts)
	}
}

func TestReplenish_RespectsMaxTotal(t *testing.T) {
	svc, reg, set, cleanup := evolutionFixture(t, tradeWindowFunc(noTrades))
	defer cleanup()

	repo := set.Repo()
	require.NoError(t, repo.SetInt(settings.KeyOptimalStrategyCount, 50))
	require.NoError(t, repo.SetInt(settings.KeyMaxTotalStrategies, 4))
	require.NoError(t, repo.SetFloat(settings.KeyCrossoverRate, 0))

	created, err := svc.Replenish()
	require.NoError(t, err)
	assert.Equal(t, 4, created)

	live, err := reg.CountLive()
	require.NoError(t, err)
	assert.Equal(t, 4, live)
}
