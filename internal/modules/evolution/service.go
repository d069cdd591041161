package evolution

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/scoring"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/strategies"
)

// TradeWindow reads a strategy's trade observations. Implemented by the
// trade ledger.
type TradeWindow interface {
	Observations(strategyID string, lastN int, since time.Time) ([]scoring.Observation, error)
}

// commitWatch tracks a committed parameter change through its live
// validation window. If the first param_validation_trades fills after the
// commit underperform, the previous parameters are restored.
type commitWatch struct {
	previous    strategies.Params
	committedAt time.Time
}

// Service orchestrates the evolutionary loop.
type Service struct {
	registry   *registry.Repository
	trades     TradeWindow
	market     domain.MarketData
	backtester *Backtester
	settings   *settings.Service
	bus        *events.Bus
	log        zerolog.Logger

	timeframe string
	symbols   []string

	mu      sync.Mutex
	rng     *rand.Rand
	watches map[string]*commitWatch
}

// ServiceConfig configures the evolution service.
type ServiceConfig struct {
	Timeframe string   // candle timeframe for shadow backtests
	Symbols   []string // symbols new strategies are assigned to
	Seed      int64    // rng seed, 0 = time-based
}

// NewService creates the evolution service
func NewService(reg *registry.Repository, trades TradeWindow, market domain.MarketData, backtester *Backtester, set *settings.Service, bus *events.Bus, cfg ServiceConfig, log zerolog.Logger) *Service {
	if cfg.Timeframe == "" {
		cfg.Timeframe = "5m"
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTC-USD"}
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Service{
		registry:   reg,
		trades:     trades,
		market:     market,
		backtester: backtester,
		settings:   set,
		bus:        bus,
		log:        log.With().Str("component", "evolution").Logger(),
		timeframe:  cfg.Timeframe,
		symbols:    cfg.Symbols,
		rng:        rand.New(rand.NewSource(cfg.Seed)),
		watches:    make(map[string]*commitWatch),
	}
}

// EvolveParameters proposes a parameter change for one strategy: mutate or
// crossover, prove the candidate in a shadow backtest, and commit it under
// optimistic concurrency. The commit then enters live validation via
// ReviewCommits.
func (s *Service) EvolveParameters(strategyID string) error {
	if s.PendingValidation(strategyID) {
		return nil // previous commit still under validation
	}

	strat, err := s.registry.Get(strategyID)
	if err != nil {
		return err
	}
	if strat == nil || !strat.Live() {
		return nil
	}

	tuning, err := s.settings.Load()
	if err != nil {
		return fmt.Errorf("failed to load tuning: %w", err)
	}

	schema, err := strategies.SchemaFor(strat.Type)
	if err != nil {
		return err
	}

	candidate := s.breedCandidate(strat, schema, tuning)

	bars := BarsForDays(float64(tuning.MinSimDays), s.timeframe)
	candles, err := s.market.Candles(strat.Symbol, s.timeframe, bars)
	if err != nil {
		return fmt.Errorf("failed to load backtest history for %s: %w", strat.Symbol, err)
	}

	base, err := s.backtester.Run(strat.Instance(), candles)
	if err != nil {
		return err
	}
	cand, err := s.backtester.Run(strategies.Instance{
		ID:     strat.ID + ".cand",
		Type:   strat.Type,
		Symbol: strat.Symbol,
		Cycle:  strat.Cycle,
		Params: candidate,
	}, candles)
	if err != nil {
		return err
	}

	if reason, ok := passesSimGates(base, cand, tuning); !ok {
		s.log.Debug().Str("strategy_id", strategyID).Str("reason", reason).Msg("Candidate failed shadow gates")
		return nil
	}

	if err := s.registry.CommitParameters(strat.ID, candidate, strat.Cycle); err != nil {
		return err
	}

	s.mu.Lock()
	s.watches[strategyID] = &commitWatch{
		previous:    strat.Parameters,
		committedAt: time.Now(),
	}
	s.mu.Unlock()

	s.log.Info().
		Str("strategy_id", strategyID).
		Int64("cycle", strat.Cycle+1).
		Float64("sim_win_rate", cand.WinRate).
		Float64("sim_pnl", cand.Pnl).
		Msg("Committed evolved parameters")
	s.publish(events.StrategyMutated, strategyID, map[string]interface{}{
		"before":       strat.Parameters,
		"after":        candidate,
		"cycle":        strat.Cycle + 1,
		"sim_win_rate": cand.WinRate,
		"sim_pnl":      cand.Pnl,
	})
	return nil
}

// breedCandidate picks crossover with a same-family partner when one exists
// and the dice say so, otherwise mutation.
func (s *Service) breedCandidate(strat *registry.Strategy, schema strategies.Schema, tuning *settings.Tuning) strategies.Params {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() < tuning.CrossoverRate {
		if partner := s.pickPartnerLocked(strat); partner != nil {
			return Crossover(schema, strat.Parameters, partner.Parameters, s.rng)
		}
	}
	return Mutate(schema, strat.Parameters, tuning.MutationRate, s.rng)
}

func (s *Service) pickPartnerLocked(strat *registry.Strategy) *registry.Strategy {
	enabled, notRetired := true, false
	peers, err := s.registry.List(registry.Filter{
		Type:         &strat.Type,
		Enabled:      &enabled,
		Retired:      &notRetired,
		OrderByScore: true,
		Limit:        10,
	})
	if err != nil {
		return nil
	}
	candidates := peers[:0]
	for _, p := range peers {
		if p.ID != strat.ID {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[s.rng.Intn(len(candidates))]
}

// passesSimGates applies the shadow-run acceptance rules. Both runs are
// scored with the composite formula, so the improvement margin is in
// score points -- the same unit as every other score threshold.
func passesSimGates(base, cand BacktestResult, tuning *settings.Tuning) (string, bool) {
	switch {
	case cand.Days < float64(tuning.MinSimDays):
		return "history_too_short", false
	case cand.Trades == 0:
		return "no_sim_trades", false
	case cand.WinRate < tuning.MinSimWinRate:
		return "sim_win_rate_below_floor", false
	case cand.Pnl < tuning.MinSimPnl:
		return "sim_pnl_below_floor", false
	}

	if simScore(cand, tuning)-simScore(base, tuning) < tuning.MinScoreImprovement {
		return "improvement_below_margin", false
	}
	return "", true
}

// simScore runs a shadow result's trade outcomes through the composite
// score. Eligibility thresholds are deliberately left zero: the shadow
// run predicts score movement, it never grants real-trading rights.
func simScore(res BacktestResult, tuning *settings.Tuning) float64 {
	return scoring.Compute(res.Observations, scoring.Config{
		Prior:       tuning.ScorePrior,
		DrawdownMax: tuning.DrawdownMax,
	}).FinalScore
}

// ReviewCommits checks every watched commit whose live validation window
// has filled. Underperformers are reverted to their previous parameters;
// survivors graduate. Returns (reverted, validated).
func (s *Service) ReviewCommits() (int, int) {
	tuning, err := s.settings.Load()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load tuning for commit review")
		return 0, 0
	}

	s.mu.Lock()
	pending := make(map[string]*commitWatch, len(s.watches))
	for id, w := range s.watches {
		pending[id] = w
	}
	s.mu.Unlock()

	reverted, validated := 0, 0
	for id, watch := range pending {
		obs, err := s.trades.Observations(id, tuning.ParamValidationTrades, watch.committedAt)
		if err != nil {
			s.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to read validation window")
			continue
		}
		if len(obs) < tuning.ParamValidationTrades {
			continue // window not filled yet
		}

		wins := 0
		pnl := 0.0
		for _, o := range obs {
			if o.Pnl > 0 {
				wins++
			}
			pnl += o.Pnl
		}
		winRate := float64(wins) / float64(len(obs))

		// A commit survives only when the observed window clears both the
		// win-rate floor and the PnL floor.
		if winRate >= tuning.MinSimWinRate && pnl >= tuning.MinSimPnl {
			s.clearWatch(id)
			validated++
			s.publish(events.StrategyValidated, id, map[string]interface{}{
				"trades":   len(obs),
				"win_rate": winRate,
				"pnl":      pnl,
			})
			continue
		}

		if err := s.revert(id, watch, winRate, pnl); err != nil {
			s.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to revert parameters")
			continue
		}
		reverted++
	}
	return reverted, validated
}

// revert restores the pre-commit parameters under the current cycle.
func (s *Service) revert(strategyID string, watch *commitWatch, winRate, pnl float64) error {
	strat, err := s.registry.Get(strategyID)
	if err != nil {
		return err
	}
	if strat == nil {
		s.clearWatch(strategyID)
		return nil
	}
	if err := s.registry.CommitParameters(strategyID, watch.previous, strat.Cycle); err != nil {
		return err
	}
	s.clearWatch(strategyID)

	s.log.Warn().
		Str("strategy_id", strategyID).
		Float64("live_win_rate", winRate).
		Float64("live_pnl", pnl).
		Msg("Reverted underperforming parameter commit")
	s.publish(events.StrategyMutated, strategyID, map[string]interface{}{
		"reverted": true,
		"after":    watch.previous,
		"reason":   "live_validation_failed",
	})
	return nil
}

func (s *Service) clearWatch(strategyID string) {
	s.mu.Lock()
	delete(s.watches, strategyID)
	s.mu.Unlock()
}

// Eliminate retires persistent losers: strategies past the elimination age
// with a filled evaluation window and a score under the floor. The top
// top_protect by score and strategies still inside their protect window are
// immune. Returns the number retired.
func (s *Service) Eliminate() (int, error) {
	tuning, err := s.settings.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load tuning: %w", err)
	}

	enabled, notRetired := true, false
	ranked, err := s.registry.List(registry.Filter{
		Enabled:      &enabled,
		Retired:      &notRetired,
		OrderByScore: true,
	})
	if err != nil {
		return 0, err
	}

	retired := 0
	now := time.Now()
	for rank, strat := range ranked {
		if rank < tuning.TopProtect {
			continue
		}
		if now.Sub(strat.CreatedAt) < tuning.ProtectWindow {
			continue
		}
		if now.Sub(strat.CreatedAt) < time.Duration(tuning.EliminationDays)*24*time.Hour {
			continue
		}
		if strat.Metrics.TotalTrades < tuning.MinTradesForEval {
			continue
		}
		if strat.Metrics.FinalScore >= tuning.ScoreEliminationFloor {
			continue
		}

		reason := fmt.Sprintf("score %.1f under elimination floor %.1f", strat.Metrics.FinalScore, tuning.ScoreEliminationFloor)
		if err := s.registry.Retire(strat.ID, reason); err != nil {
			s.log.Error().Err(err).Str("strategy_id", strat.ID).Msg("Failed to retire strategy")
			continue
		}
		retired++
		s.publish(events.StrategyEliminated, strat.ID, map[string]interface{}{
			"reason": reason,
			"score":  strat.Metrics.FinalScore,
		})
	}

	// Hard population cap: trim the weakest tail regardless of age.
	live := len(ranked) - retired
	for i := len(ranked) - 1; i >= 0 && live > tuning.MaxTotalStrategies; i-- {
		strat := ranked[i]
		if strat.Retired {
			continue
		}
		if err := s.registry.Retire(strat.ID, "population over max_total_strategies"); err != nil {
			continue
		}
		strat.Retired = true
		retired++
		live--
		s.publish(events.StrategyRetired, strat.ID, map[string]interface{}{
			"reason": "population_cap",
		})
	}
	return retired, nil
}

// Replenish creates strategies until the population reaches its optimal
// size, biased toward under-represented families. Returns the number
// created.
func (s *Service) Replenish() (int, error) {
	tuning, err := s.settings.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load tuning: %w", err)
	}

	live, err := s.registry.CountLive()
	if err != nil {
		return 0, err
	}

	target := tuning.OptimalStrategyCount
	if target > tuning.MaxTotalStrategies {
		target = tuning.MaxTotalStrategies
	}

	created := 0
	for live+created < target {
		strat, err := s.spawn(tuning)
		if err != nil {
			return created, err
		}
		created++
		s.publish(events.StrategyCreated, strat.ID, map[string]interface{}{
			"type":       string(strat.Type),
			"symbol":     strat.Symbol,
			"generation": strat.Generation,
			"parent_id":  strat.ParentID,
		})
	}
	if created > 0 {
		s.log.Info().Int("created", created).Int("population", live+created).Msg("Replenished population")
	}
	return created, nil
}

// spawn creates one new strategy: a crossover child of two strong parents
// when the dice and the population allow, otherwise a fresh random sample
// of the most under-represented family.
func (s *Service) spawn(tuning *settings.Tuning) (*registry.Strategy, error) {
	family, err := s.underRepresentedType()
	if err != nil {
		return nil, err
	}
	schema, err := strategies.SchemaFor(family)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	symbol := s.symbols[s.rng.Intn(len(s.symbols))]
	breed := s.rng.Float64() < tuning.CrossoverRate
	s.mu.Unlock()

	strat := &registry.Strategy{
		ID:      uuid.NewString(),
		Type:    family,
		Symbol:  symbol,
		Enabled: true,
		Tier:    1,
	}

	if breed {
		if child, parent := s.breedFromTop(schema, family); child != nil {
			strat.Parameters = child
			strat.Generation = parent.Generation + 1
			strat.ParentID = &parent.ID
			strat.Symbol = parent.Symbol
		}
	}
	if strat.Parameters == nil {
		s.mu.Lock()
		strat.Parameters = schema.Sample(s.rng)
		s.mu.Unlock()
	}

	if err := s.registry.Upsert(strat); err != nil {
		return nil, err
	}
	return strat, nil
}

// breedFromTop crosses the two best live members of a family. Returns nil
// when the family has fewer than two members.
func (s *Service) breedFromTop(schema strategies.Schema, family strategies.Type) (strategies.Params, *registry.Strategy) {
	enabled, notRetired := true, false
	parents, err := s.registry.List(registry.Filter{
		Type:         &family,
		Enabled:      &enabled,
		Retired:      &notRetired,
		OrderByScore: true,
		Limit:        2,
	})
	if err != nil || len(parents) < 2 {
		return nil, nil
	}
	s.mu.Lock()
	child := Crossover(schema, parents[0].Parameters, parents[1].Parameters, s.rng)
	s.mu.Unlock()
	return child, parents[0]
}

// underRepresentedType returns the family with the fewest live members.
func (s *Service) underRepresentedType() (strategies.Type, error) {
	counts, err := s.registry.CountByType()
	if err != nil {
		return "", err
	}
	best := strategies.AllTypes[0]
	bestCount := counts[best]
	for _, t := range strategies.AllTypes[1:] {
		if counts[t] < bestCount {
			best = t
			bestCount = counts[t]
		}
	}
	return best, nil
}

// PendingValidations returns the number of commits still in their live
// validation window.
func (s *Service) PendingValidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watches)
}

// PendingValidation reports whether a strategy's latest parameter commit
// is still inside its live validation window. The trade classifier keeps
// such strategies on the validation path: unproven parameters never touch
// real money.
func (s *Service) PendingValidation(strategyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, watching := s.watches[strategyID]
	return watching
}

// RunCycle is the maintenance entry point: review outstanding commits,
// retire losers, refill the population, and evolve a batch of established
// strategies.
func (s *Service) RunCycle(batchSize int) error {
	s.ReviewCommits()

	if _, err := s.Eliminate(); err != nil {
		return err
	}
	if _, err := s.Replenish(); err != nil {
		return err
	}

	tuning, err := s.settings.Load()
	if err != nil {
		return err
	}

	enabled, notRetired := true, false
	ranked, err := s.registry.List(registry.Filter{
		Enabled:      &enabled,
		Retired:      &notRetired,
		OrderByScore: true,
	})
	if err != nil {
		return err
	}

	for _, strat := range s.pickEvolutionBatch(ranked, batchSize, tuning) {
		if err := s.EvolveParameters(strat.ID); err != nil {
			if domain.Retryable(err) {
				continue // cycle conflicts and feed gaps resolve themselves
			}
			s.log.Error().Err(err).Str("strategy_id", strat.ID).Msg("Parameter evolution failed")
		}
	}
	return nil
}

// pickEvolutionBatch samples the strategies to evolve this cycle:
// weighted random among the warm and active tiers with a score still
// under the real gate, never the protected top and never the real tier.
// Weight follows score, so fitter candidates breed more often while the
// tail still gets a turn.
func (s *Service) pickEvolutionBatch(ranked []*registry.Strategy, batchSize int, tuning *settings.Tuning) []*registry.Strategy {
	var pool []*registry.Strategy
	for rank, strat := range ranked {
		if rank < tuning.TopProtect {
			continue
		}
		if strat.Tier != 2 && strat.Tier != 3 {
			continue
		}
		if strat.Metrics.FinalScore >= tuning.ScoreRealGate {
			continue
		}
		if strat.Metrics.TotalTrades < tuning.MinTradesForEval {
			continue
		}
		pool = append(pool, strat)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var picked []*registry.Strategy
	for len(picked) < batchSize && len(pool) > 0 {
		i := s.weightedPickLocked(pool)
		picked = append(picked, pool[i])
		pool = append(pool[:i], pool[i+1:]...)
	}
	return picked
}

// weightedPickLocked draws one pool index with probability proportional
// to score. Non-positive scores still carry a minimum weight.
func (s *Service) weightedPickLocked(pool []*registry.Strategy) int {
	total := 0.0
	for _, strat := range pool {
		total += pickWeight(strat)
	}
	roll := s.rng.Float64() * total
	for i, strat := range pool {
		roll -= pickWeight(strat)
		if roll < 0 {
			return i
		}
	}
	return len(pool) - 1
}

func pickWeight(strat *registry.Strategy) float64 {
	if strat.Metrics.FinalScore < 1 {
		return 1
	}
	return strat.Metrics.FinalScore
}

func (s *Service) publish(eventType events.EventType, strategyID string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewStrategyEvent(eventType, strategyID, data))
}
