package scheduler

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/strategies"
	"github.com/aristath/darwin/internal/modules/trading"
)

// Evaluator runs one strategy evaluation end to end.
type Evaluator interface {
	EvaluateStrategy(ctx context.Context, strategyID string) error
}

// Pipeline is the production evaluator: load the strategy, run the signal
// engine, route the signal through the executor, and refresh the score when
// a trade landed.
type Pipeline struct {
	registry *registry.Repository
	engine   *strategies.Engine
	executor *trading.Executor
	scoring  ScoreRefresher
	settings *settings.Service
	log      zerolog.Logger
}

// ScoreRefresher recomputes a strategy's score from its trade window.
type ScoreRefresher interface {
	Recompute(strategyID string) error
}

// NewPipeline creates the evaluation pipeline
func NewPipeline(reg *registry.Repository, engine *strategies.Engine, executor *trading.Executor, scoring ScoreRefresher, set *settings.Service, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		registry: reg,
		engine:   engine,
		executor: executor,
		scoring:  scoring,
		settings: set,
		log:      log.With().Str("component", "evaluation_pipeline").Logger(),
	}
}

// EvaluateStrategy runs one evaluation. Strategies that vanished or retired
// between enqueue and pop are skipped without error.
func (p *Pipeline) EvaluateStrategy(ctx context.Context, strategyID string) error {
	strat, err := p.registry.Get(strategyID)
	if err != nil {
		return err
	}
	if strat == nil || !strat.Live() {
		return nil
	}

	tuning, err := p.settings.Load()
	if err != nil {
		return fmt.Errorf("failed to load tuning: %w", err)
	}

	sig, err := p.engine.Evaluate(strat.Instance())
	if err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", strategyID, err)
	}

	if err := p.registry.TouchEvaluated(strategyID); err != nil {
		p.log.Warn().Err(err).Str("strategy_id", strategyID).Msg("Failed to touch last_evaluated_at")
	}

	trade, err := p.executor.Execute(ctx, sig, strat, tuning)
	if err != nil {
		return err
	}
	if trade == nil {
		return nil
	}

	if err := p.scoring.Recompute(strategyID); err != nil {
		return fmt.Errorf("failed to recompute score for %s: %w", strategyID, err)
	}
	return nil
}
