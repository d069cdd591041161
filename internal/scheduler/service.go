package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
)

// Service owns the evaluation cadence. Every tier runs on a ticker at its
// configured interval; the rebalance pass runs on cron. Real trade closes
// refresh the strategy's score and feed the emergency demotion check
// through the event bus.
type Service struct {
	registry   *registry.Repository
	queues     *TierQueues
	pool       *Pool
	rebalancer *Rebalancer
	scores     ScoreRefresher
	settings   *settings.Service
	bus        *events.Bus
	cron       *cron.Cron
	log        zerolog.Logger

	barInterval time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	cronWired bool
}

// Config configures the scheduler service.
type Config struct {
	BarInterval time.Duration // tier-4 cadence, one evaluation per bar
}

// New creates the scheduler service
func New(reg *registry.Repository, queues *TierQueues, pool *Pool, rebalancer *Rebalancer, scores ScoreRefresher, set *settings.Service, bus *events.Bus, cfg Config, log zerolog.Logger) *Service {
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = 5 * time.Minute
	}
	return &Service{
		registry:    reg,
		queues:      queues,
		pool:        pool,
		rebalancer:  rebalancer,
		scores:      scores,
		settings:    set,
		bus:         bus,
		cron:        cron.New(),
		log:         log.With().Str("component", "scheduler").Logger(),
		barInterval: cfg.BarInterval,
	}
}

// Start launches the workers, the tier tickers, and the cron jobs.
func (s *Service) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn().Msg("Scheduler already started, ignoring")
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.started = true

	tuning, err := s.settings.Load()
	if err != nil {
		cancel()
		s.started = false
		return err
	}

	s.pool.Start(ctx)

	go s.tickTier(ctx, 4, s.barInterval)
	go s.tickTier(ctx, 3, tuning.Tier3Interval)
	go s.tickTier(ctx, 2, tuning.Tier2Interval)
	// Archive sweep at tier1_interval_hours, so a recovering strategy can
	// still climb back.
	go s.tickTier(ctx, 1, tuning.Tier1Interval)

	// Entries are wired once; a stop/start cycle must not duplicate them.
	if !s.cronWired {
		if _, err := s.cron.AddFunc("@every 15m", func() {
			if _, err := s.rebalancer.Rebalance(); err != nil {
				s.log.Error().Err(err).Msg("Rebalance pass failed")
			}
		}); err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.Subscribe(events.TradeExecuted, s.onTradeExecuted)
		}
		s.cronWired = true
	}
	s.cron.Start()

	s.log.Info().
		Dur("bar_interval", s.barInterval).
		Dur("tier3_interval", tuning.Tier3Interval).
		Dur("tier2_interval", tuning.Tier2Interval).
		Dur("tier1_interval", tuning.Tier1Interval).
		Msg("Scheduler started")
	return nil
}

// Stop halts cron, cancels the tickers, and waits for the workers.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	s.cron.Stop()
	cancel()
	s.pool.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

// Stats exposes queue health for the status API.
func (s *Service) Stats() Stats {
	return s.queues.Snapshot()
}

// tickTier enqueues a tier's members at its interval. The first pass runs
// immediately so a restart doesn't wait a full interval.
func (s *Service) tickTier(ctx context.Context, tier int, interval time.Duration) {
	if interval <= 0 {
		s.log.Warn().Int("tier", tier).Msg("Tier interval not configured, ticker disabled")
		return
	}
	s.enqueueTier(tier)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.enqueueTier(tier)
		}
	}
}

// enqueueTier pushes a tier's live members onto its queue. The archive
// tier only schedules up to max_active_strategies minus the upper tiers'
// head count, best score first; the weakest of an oversized population
// sit out until they climb.
func (s *Service) enqueueTier(tier int) {
	enabled, notRetired := true, false
	filter := registry.Filter{
		Tier:    &tier,
		Enabled: &enabled,
		Retired: &notRetired,
	}
	if tier == TierMin {
		budget, err := s.archiveBudget()
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to compute archive budget")
			return
		}
		if budget <= 0 {
			s.log.Debug().Msg("Archive sweep skipped, active budget exhausted")
			return
		}
		filter.OrderByScore = true
		filter.Limit = budget
	}

	members, err := s.registry.List(filter)
	if err != nil {
		s.log.Error().Err(err).Int("tier", tier).Msg("Failed to list tier members")
		return
	}

	pushed := 0
	for _, strat := range members {
		if err := s.queues.Push(Task{StrategyID: strat.ID, Tier: tier}); err != nil {
			s.log.Debug().Err(err).Str("strategy_id", strat.ID).Int("tier", tier).Msg("Push refused")
			continue
		}
		pushed++
	}
	if pushed > 0 {
		s.pool.Wake()
	}
	s.log.Debug().Int("tier", tier).Int("members", len(members)).Int("pushed", pushed).Msg("Tier enqueued")
}

// archiveBudget is the number of tier-1 slots max_active_strategies
// leaves after the upper tiers' members are counted. Non-positive when
// the cap is exhausted.
func (s *Service) archiveBudget() (int, error) {
	tuning, err := s.settings.Load()
	if err != nil {
		return 0, err
	}
	upper, err := s.registry.CountLiveAboveTier(TierMin)
	if err != nil {
		return 0, err
	}
	return tuning.MaxActiveStrategies - upper, nil
}

// onTradeExecuted refreshes the strategy's score as soon as a real
// outcome lands, then runs the emergency demotion check against the
// fresh numbers.
func (s *Service) onTradeExecuted(event *events.Event) {
	if event.Data["kind"] != string(domain.TradeKindReal) {
		return
	}
	if event.StrategyID == "" {
		return
	}
	if err := s.scores.Recompute(event.StrategyID); err != nil {
		s.log.Error().Err(err).Str("strategy_id", event.StrategyID).Msg("Score refresh after real trade failed")
	}
	if _, err := s.rebalancer.EmergencyCheck(event.StrategyID); err != nil {
		s.log.Error().Err(err).Str("strategy_id", event.StrategyID).Msg("Emergency demotion check failed")
	}
}
