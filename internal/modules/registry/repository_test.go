package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
	"github.com/aristath/darwin/internal/modules/strategies"
	apptesting "github.com/aristath/darwin/internal/testing"
)

func newTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := apptesting.NewTestDB(t, "registry")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func newStrategy(t *testing.T, typ strategies.Type) *Strategy {
	t.Helper()
	schema, err := strategies.SchemaFor(typ)
	require.NoError(t, err)
	return &Strategy{
		ID:         uuid.NewString(),
		Type:       typ,
		Symbol:     "BTC-USD",
		Parameters: schema.Defaults(),
		Enabled:    true,
		Tier:       1,
	}
}

func TestRepository_UpsertAndGet(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	s := newStrategy(t, strategies.TypeMomentum)
	require.NoError(t, repo.Upsert(s))

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, strategies.TypeMomentum, got.Type)
	assert.Equal(t, s.Parameters, got.Parameters)
	assert.True(t, got.Enabled)
	assert.Equal(t, int64(0), got.Cycle)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestRepository_GetMissingReturnsNil(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	got, err := repo.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_UpsertRejectsInvalidParameters(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	s := newStrategy(t, strategies.TypeMomentum)
	s.Parameters["threshold"] = 99

	err := repo.Upsert(s)
	require.Error(t, err)
	assert.Equal(t, domain.KindConstraint, domain.KindOf(err))
}

func TestRepository_CommitParameters(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	s := newStrategy(t, strategies.TypeMomentum)
	require.NoError(t, repo.Upsert(s))

	newParams := strategies.Params{}
	for k, v := range s.Parameters {
		newParams[k] = v
	}
	newParams["threshold"] = 0.02

	require.NoError(t, repo.CommitParameters(s.ID, newParams, 0))

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Cycle)
	assert.Equal(t, 1, got.Generation)
	assert.Equal(t, 0.02, got.Parameters["threshold"])
}

func TestRepository_CommitParametersCycleConflict(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	s := newStrategy(t, strategies.TypeMomentum)
	require.NoError(t, repo.Upsert(s))

	params := strategies.Params{}
	for k, v := range s.Parameters {
		params[k] = v
	}
	params["threshold"] = 0.02
	require.NoError(t, repo.CommitParameters(s.ID, params, 0))

	// Second committer read at cycle 0, but the cycle is now 1.
	params["threshold"] = 0.03
	err := repo.CommitParameters(s.ID, params, 0)
	require.Error(t, err)
	assert.Equal(t, domain.KindCycleConflict, domain.KindOf(err))

	// The losing commit changed nothing.
	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Cycle)
	assert.Equal(t, 0.02, got.Parameters["threshold"])
}

func TestRepository_ListFilters(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	mom := newStrategy(t, strategies.TypeMomentum)
	mom.Metrics.FinalScore = 80
	mom.Tier = 3
	require.NoError(t, repo.Upsert(mom))

	rev := newStrategy(t, strategies.TypeMeanReversion)
	rev.Metrics.FinalScore = 40
	require.NoError(t, repo.Upsert(rev))

	retiredStrat := newStrategy(t, strategies.TypeBreakout)
	retiredStrat.Retired = true
	retiredStrat.Enabled = false
	require.NoError(t, repo.Upsert(retiredStrat))

	typ := strategies.TypeMomentum
	byType, err := repo.List(Filter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, mom.ID, byType[0].ID)

	minScore := 50.0
	byScore, err := repo.List(Filter{MinScore: &minScore})
	require.NoError(t, err)
	require.Len(t, byScore, 1)

	notRetired := false
	live, err := repo.List(Filter{Retired: &notRetired})
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestRepository_TopByScoreOrdering(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	scores := []float64{55, 90, 72}
	for _, score := range scores {
		s := newStrategy(t, strategies.TypeMomentum)
		s.Metrics.FinalScore = score
		require.NoError(t, repo.Upsert(s))
	}

	top, err := repo.TopByScore(2, false)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, 90.0, top[0].Metrics.FinalScore)
	assert.Equal(t, 72.0, top[1].Metrics.FinalScore)
}

func TestRepository_RetireExcludesFromLive(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	s := newStrategy(t, strategies.TypeGridTrading)
	require.NoError(t, repo.Upsert(s))

	count, err := repo.CountLive()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.Retire(s.ID, "score below elimination floor"))

	count, err = repo.CountLive()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired)
	assert.False(t, got.Enabled)
	assert.Equal(t, "score below elimination floor", got.RetireNote)
}

func TestRepository_CountByType(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	require.NoError(t, repo.Upsert(newStrategy(t, strategies.TypeMomentum)))
	require.NoError(t, repo.Upsert(newStrategy(t, strategies.TypeMomentum)))
	require.NoError(t, repo.Upsert(newStrategy(t, strategies.TypeBreakout)))

	counts, err := repo.CountByType()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[strategies.TypeMomentum])
	assert.Equal(t, 1, counts[strategies.TypeBreakout])
	assert.Zero(t, counts[strategies.TypeGridTrading])
}

func TestRepository_UpdateMetrics(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()

	s := newStrategy(t, strategies.TypeHighFrequency)
	require.NoError(t, repo.Upsert(s))

	m := Metrics{
		TotalTrades: 25, WinRate: 0.64, Sharpe: 1.2, MaxDrawdown: 0.08,
		FinalScore: 71.5, Provisional: false, QualifiesForReal: true,
	}
	require.NoError(t, repo.UpdateMetrics(s.ID, m))

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, m.TotalTrades, got.Metrics.TotalTrades)
	assert.Equal(t, m.FinalScore, got.Metrics.FinalScore)
	assert.True(t, got.Metrics.QualifiesForReal)
	assert.False(t, got.Metrics.Provisional)
	assert.False(t, got.LastEvaluatedAt.IsZero())
}
