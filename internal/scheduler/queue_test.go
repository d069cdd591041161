package scheduler

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
)

func TestTierQueues_HighestTierFirst(t *testing.T) {
	q := NewTierQueues(10, zerolog.Nop())

	require.NoError(t, q.Push(Task{StrategyID: "low", Tier: 1}))
	require.NoError(t, q.Push(Task{StrategyID: "mid", Tier: 3}))
	require.NoError(t, q.Push(Task{StrategyID: "top", Tier: 4}))
	require.NoError(t, q.Push(Task{StrategyID: "warm", Tier: 2}))

	order := []string{}
	for {
		task, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, task.StrategyID)
		q.Done(task.StrategyID)
	}
	assert.Equal(t, []string{"top", "mid", "warm", "low"}, order)
}

func TestTierQueues_SingleFlight(t *testing.T) {
	q := NewTierQueues(10, zerolog.Nop())

	require.NoError(t, q.Push(Task{StrategyID: "s", Tier: 3}))
	require.NoError(t, q.Push(Task{StrategyID: "s", Tier: 3}), "duplicate push coalesces")
	assert.Equal(t, 1, q.Depth(3))

	task, ok := q.Pop()
	require.True(t, ok)

	// Still in flight: pushes keep coalescing.
	require.NoError(t, q.Push(Task{StrategyID: "s", Tier: 3}))
	assert.Equal(t, 0, q.Depth(3))

	q.Done(task.StrategyID)
	require.NoError(t, q.Push(Task{StrategyID: "s", Tier: 3}))
	assert.Equal(t, 1, q.Depth(3))
}

func TestTierQueues_BackpressureShedsLowestTier(t *testing.T) {
	q := NewTierQueues(2, zerolog.Nop())

	require.NoError(t, q.Push(Task{StrategyID: "t1-a", Tier: 1}))
	require.NoError(t, q.Push(Task{StrategyID: "t1-b", Tier: 1}))
	require.NoError(t, q.Push(Task{StrategyID: "t3-a", Tier: 3}))
	require.NoError(t, q.Push(Task{StrategyID: "t3-b", Tier: 3}))

	// Tier 3 is full; the next push sheds the oldest tier-1 task.
	require.NoError(t, q.Push(Task{StrategyID: "t3-c", Tier: 3}))
	assert.Equal(t, 1, q.Depth(1), "one tier-1 task shed")
	assert.Equal(t, 3, q.Depth(3))
	assert.Equal(t, 1, q.Snapshot().Shed)
}

func TestTierQueues_FullWithNothingToShedIsBudgetError(t *testing.T) {
	q := NewTierQueues(1, zerolog.Nop())

	require.NoError(t, q.Push(Task{StrategyID: "a", Tier: 1}))
	err := q.Push(Task{StrategyID: "b", Tier: 1})
	require.Error(t, err)
	assert.Equal(t, domain.KindBudget, domain.KindOf(err))
}

func TestTierQueues_Tier4NeverRefused(t *testing.T) {
	q := NewTierQueues(1, zerolog.Nop())

	require.NoError(t, q.Push(Task{StrategyID: "a", Tier: 4}))
	// Full and nothing below to shed: tier 4 still gets in.
	require.NoError(t, q.Push(Task{StrategyID: "b", Tier: 4}))
	assert.Equal(t, 2, q.Depth(4))
}

func TestTierQueues_Tier4SurvivesShedding(t *testing.T) {
	q := NewTierQueues(1, zerolog.Nop())

	require.NoError(t, q.Push(Task{StrategyID: "real", Tier: 4}))
	for i := 0; i < 3; i++ {
		_ = q.Push(Task{StrategyID: fmt.Sprintf("t4-%d", i), Tier: 4})
	}
	assert.Equal(t, 4, q.Depth(4), "tier 4 tasks are never shed")
}

func TestTierQueues_InvalidTier(t *testing.T) {
	q := NewTierQueues(10, zerolog.Nop())
	err := q.Push(Task{StrategyID: "s", Tier: 0})
	require.Error(t, err)
	assert.Equal(t, domain.KindConstraint, domain.KindOf(err))
}
