package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
)

// recordingEvaluator records evaluations and fails configured strategies.
type recordingEvaluator struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	done  chan string
}

func newRecordingEvaluator() *recordingEvaluator {
	return &recordingEvaluator{
		calls: make(map[string]int),
		fail:  make(map[string]error),
		done:  make(chan string, 64),
	}
}

func (r *recordingEvaluator) EvaluateStrategy(_ context.Context, strategyID string) error {
	r.mu.Lock()
	r.calls[strategyID]++
	err := r.fail[strategyID]
	r.mu.Unlock()
	r.done <- strategyID
	return err
}

func (r *recordingEvaluator) count(strategyID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[strategyID]
}

func waitFor(t *testing.T, ch <-chan string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for evaluation %d of %d", i+1, n)
		}
	}
}

func TestPool_DrainsQueuedTasks(t *testing.T) {
	queues := NewTierQueues(16, zerolog.Nop())
	eval := newRecordingEvaluator()
	pool := NewPool(queues, eval, PoolConfig{Workers: 2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		require.NoError(t, queues.Push(Task{StrategyID: fmt.Sprintf("s%d", i), Tier: 3}))
	}
	pool.Wake()

	waitFor(t, eval.done, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, eval.count(fmt.Sprintf("s%d", i)))
	}

	cancel()
	pool.Wait()
}

func TestPool_RequeuesTransientFailures(t *testing.T) {
	queues := NewTierQueues(16, zerolog.Nop())
	eval := newRecordingEvaluator()
	eval.fail["flaky"] = fmt.Errorf("feed gap: %w", domain.ErrStaleData)
	pool := NewPool(queues, eval, PoolConfig{Workers: 1, MaxRetries: 2}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.NoError(t, queues.Push(Task{StrategyID: "flaky", Tier: 2}))
	pool.Wake()

	// Initial attempt plus two retries.
	waitFor(t, eval.done, 3)
	cancel()
	pool.Wait()
	assert.Equal(t, 3, eval.count("flaky"))
}

func TestPool_FatalErrorsAreNotRetried(t *testing.T) {
	queues := NewTierQueues(16, zerolog.Nop())
	eval := newRecordingEvaluator()
	eval.fail["broken"] = fmt.Errorf("bad params: %w", domain.ErrConstraint)
	pool := NewPool(queues, eval, PoolConfig{Workers: 1, MaxRetries: 5}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.NoError(t, queues.Push(Task{StrategyID: "broken", Tier: 2}))
	require.NoError(t, queues.Push(Task{StrategyID: "healthy", Tier: 2}))
	pool.Wake()

	waitFor(t, eval.done, 2)
	cancel()
	pool.Wait()

	assert.Equal(t, 1, eval.count("broken"), "constraint errors never requeue")
	assert.Equal(t, 1, eval.count("healthy"))
}
