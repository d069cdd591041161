// Package scheduler drives the four-tier evaluation cadence: bounded
// per-tier queues feeding a worker pool, tier membership rebalancing with
// hysteresis, and emergency demotion off real-money losses.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/domain"
)

// Tier bounds. Tier 1 is the cold archive sweep, tier 4 trades real money.
const (
	TierMin = 1
	TierMax = 4
)

// Task is one pending strategy evaluation.
type Task struct {
	StrategyID string
	Tier       int
	Retries    int
	EnqueuedAt time.Time
}

// TierQueues holds one bounded FIFO per tier with single-flight semantics:
// a strategy already queued or executing is never queued again, so a slow
// evaluation can't stack duplicates behind itself.
//
// Backpressure drops from the bottom: when a push finds its tier full, the
// oldest task of the lowest non-empty tier is shed to make room — except
// tier 4, which is never shed and never refused.
type TierQueues struct {
	log zerolog.Logger

	mu       sync.Mutex
	queues   [TierMax + 1][]Task
	pending  map[string]bool // queued, not yet popped
	inFlight map[string]bool // popped, not yet done
	capacity int
	shed     int // total tasks dropped under pressure
}

// NewTierQueues creates the queue set with the given per-tier capacity.
func NewTierQueues(capacity int, log zerolog.Logger) *TierQueues {
	if capacity <= 0 {
		capacity = 256
	}
	return &TierQueues{
		log:      log.With().Str("component", "tier_queues").Logger(),
		pending:  make(map[string]bool),
		inFlight: make(map[string]bool),
		capacity: capacity,
	}
}

// Push enqueues a strategy evaluation. Duplicate pushes while the strategy
// is pending or in flight coalesce silently. A full tier sheds lower-tier
// work to admit the task; if nothing below can be shed the push fails with
// a budget error (tier 4 always gets in).
func (q *TierQueues) Push(task Task) error {
	if task.Tier < TierMin || task.Tier > TierMax {
		return fmt.Errorf("tier %d out of range: %w", task.Tier, domain.ErrConstraint)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending[task.StrategyID] || q.inFlight[task.StrategyID] {
		return nil
	}

	if len(q.queues[task.Tier]) >= q.capacity {
		if !q.shedLowest(task.Tier) {
			if task.Tier != TierMax {
				return fmt.Errorf("tier %d queue full: %w", task.Tier, domain.ErrBudget)
			}
			// Tier 4 overflows its bound rather than dropping.
		}
	}

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	q.queues[task.Tier] = append(q.queues[task.Tier], task)
	q.pending[task.StrategyID] = true
	return nil
}

// shedLowest drops the oldest task from the lowest non-empty tier strictly
// below the incoming tier. Tier 4 tasks are never shed.
func (q *TierQueues) shedLowest(incoming int) bool {
	limit := incoming
	if limit > TierMax {
		limit = TierMax
	}
	for tier := TierMin; tier < limit; tier++ {
		if len(q.queues[tier]) == 0 {
			continue
		}
		victim := q.queues[tier][0]
		q.queues[tier] = q.queues[tier][1:]
		delete(q.pending, victim.StrategyID)
		q.shed++
		q.log.Warn().
			Str("strategy_id", victim.StrategyID).
			Int("tier", tier).
			Msg("Shed queued evaluation under backpressure")
		return true
	}
	return false
}

// Pop returns the next task, draining the highest tier first, and marks the
// strategy in flight. The caller must call Done when finished.
func (q *TierQueues) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for tier := TierMax; tier >= TierMin; tier-- {
		if len(q.queues[tier]) == 0 {
			continue
		}
		task := q.queues[tier][0]
		q.queues[tier] = q.queues[tier][1:]
		delete(q.pending, task.StrategyID)
		q.inFlight[task.StrategyID] = true
		return task, true
	}
	return Task{}, false
}

// Done releases the single-flight hold on a strategy.
func (q *TierQueues) Done(strategyID string) {
	q.mu.Lock()
	delete(q.inFlight, strategyID)
	q.mu.Unlock()
}

// Depth returns the number of queued tasks in one tier.
func (q *TierQueues) Depth(tier int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tier < TierMin || tier > TierMax {
		return 0
	}
	return len(q.queues[tier])
}

// Stats is a point-in-time snapshot of queue health.
type Stats struct {
	Depths   map[int]int `json:"depths"`
	InFlight int         `json:"in_flight"`
	Shed     int         `json:"shed"`
}

// Snapshot returns current queue stats.
func (q *TierQueues) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	depths := make(map[int]int, TierMax)
	for tier := TierMin; tier <= TierMax; tier++ {
		depths[tier] = len(q.queues[tier])
	}
	return Stats{
		Depths:   depths,
		InFlight: len(q.inFlight),
		Shed:     q.shed,
	}
}
