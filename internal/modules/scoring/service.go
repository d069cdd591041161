package scoring

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
)

// ObservationSource supplies the scoring window for a strategy: the last N
// trades intersected with the last D days. The trade ledger implements it.
type ObservationSource interface {
	Observations(strategyID string, lastN int, since time.Time) ([]Observation, error)
}

// Service recomputes strategy scores and persists them to the registry.
type Service struct {
	source   ObservationSource
	registry *registry.Repository
	settings *settings.Service
	bus      *events.Bus
	log      zerolog.Logger
}

// NewService creates a scoring service
func NewService(source ObservationSource, reg *registry.Repository, set *settings.Service, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		source:   source,
		registry: reg,
		settings: set,
		bus:      bus,
		log:      log.With().Str("service", "scoring").Logger(),
	}
}

// Recompute rebuilds a strategy's score from its trade window and writes the
// result to the registry. Emits ScoreUpdated when the score changed. Safe to
// call repeatedly: identical trade sets produce identical scores.
func (s *Service) Recompute(strategyID string) (Result, error) {
	tuning, err := s.settings.Load()
	if err != nil {
		return Result{}, fmt.Errorf("failed to load tuning for scoring: %w", err)
	}

	since := time.Now().AddDate(0, 0, -tuning.ScoreWindowDays)
	observations, err := s.source.Observations(strategyID, tuning.ScoreWindowTrades, since)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load observations for %s: %w", strategyID, err)
	}

	result := Compute(observations, Config{
		Prior:          tuning.ScorePrior,
		DrawdownMax:    tuning.DrawdownMax,
		ScoreRealGate:  tuning.ScoreRealGate,
		MinTradesReal:  tuning.MinTradesForReal,
		MinWinRateReal: tuning.MinWinRate,
	})

	strat, err := s.registry.Get(strategyID)
	if err != nil {
		return Result{}, err
	}
	if strat == nil {
		return Result{}, fmt.Errorf("recompute score: strategy %s not found", strategyID)
	}
	previous := strat.Metrics.FinalScore

	if err := s.registry.UpdateMetrics(strategyID, registry.Metrics{
		TotalTrades:      result.TotalTrades,
		WinRate:          result.WinRate,
		TotalReturn:      result.TotalReturn,
		MaxDrawdown:      result.MaxDrawdown,
		Sharpe:           result.Sharpe,
		DailyReturn:      result.DailyReturn,
		FinalScore:       result.FinalScore,
		Provisional:      result.Provisional,
		QualifiesForReal: result.RealEligible,
	}); err != nil {
		return Result{}, err
	}

	if s.bus != nil && result.FinalScore != previous {
		s.bus.Publish(events.NewStrategyEvent(events.ScoreUpdated, strategyID, map[string]interface{}{
			"actor":       "scoring",
			"before":      map[string]interface{}{"final_score": previous},
			"after":       map[string]interface{}{"final_score": result.FinalScore},
			"provisional": result.Provisional,
		}))
	}

	s.log.Debug().
		Str("strategy_id", strategyID).
		Float64("score", result.FinalScore).
		Bool("provisional", result.Provisional).
		Bool("real_eligible", result.RealEligible).
		Msg("Score recomputed")
	return result, nil
}
