package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
)

// Pool drains the tier queues with a fixed set of workers. Each worker pops
// the highest-tier task available, runs it through the evaluator, and
// requeues transient failures up to the retry cap.
type Pool struct {
	queues     *TierQueues
	eval       Evaluator
	workers    int
	maxRetries int
	log        zerolog.Logger

	wake chan struct{}
	wg   sync.WaitGroup
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers    int // concurrent evaluations, default 4
	MaxRetries int // requeues per task on retryable errors
}

// NewPool creates a worker pool over the given queues.
func NewPool(queues *TierQueues, eval Evaluator, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Pool{
		queues:     queues,
		eval:       eval,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		log:        log.With().Str("component", "worker_pool").Logger(),
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the workers. They run until the context ends.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.log.Info().Int("workers", p.workers).Msg("Worker pool started")
}

// Wait blocks until all workers exit.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Wake nudges an idle worker after new tasks were pushed. Non-blocking.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	idle := time.NewTicker(250 * time.Millisecond)
	defer idle.Stop()

	for {
		task, ok := p.queues.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			case <-idle.C:
			}
			continue
		}

		p.run(ctx, task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	err := p.eval.EvaluateStrategy(ctx, task.StrategyID)

	// Release the single-flight hold before a possible requeue, or the
	// retry push would coalesce against the in-flight marker and vanish.
	p.queues.Done(task.StrategyID)

	if err == nil {
		return
	}

	if domain.Retryable(err) && task.Retries < p.maxRetries {
		task.Retries++
		if pushErr := p.queues.Push(Task{
			StrategyID: task.StrategyID,
			Tier:       task.Tier,
			Retries:    task.Retries,
		}); pushErr != nil {
			p.log.Warn().Err(pushErr).Str("strategy_id", task.StrategyID).Msg("Failed to requeue evaluation")
			return
		}
		p.log.Debug().
			Str("strategy_id", task.StrategyID).
			Int("retry", task.Retries).
			Str("error_kind", string(domain.KindOf(err))).
			Msg("Requeued evaluation after transient failure")
		return
	}

	p.log.Error().Err(err).
		Str("strategy_id", task.StrategyID).
		Int("tier", task.Tier).
		Int("retries", task.Retries).
		Msg("Evaluation failed")
}
