package trading

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/domain"
	testutil "github.com/aristath/darwin/internal/testing"
)

func newLedgerRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "ledger")
	return NewRepository(db.Conn(), zerolog.Nop()), cleanup
}

func testSignal(fp, strategyID string, side domain.Side) domain.Signal {
	return domain.Signal{
		StrategyID:  strategyID,
		Symbol:      "BTC-USD",
		Side:        side,
		Price:       decimal.NewFromInt(100),
		Quantity:    decimal.NewFromInt(1),
		Confidence:  0.8,
		Ts:          time.Now(),
		Fingerprint: fp,
	}
}

func testTrade(fp, strategyID string, kind domain.TradeKind, pnl float64, ts time.Time) *Trade {
	return &Trade{
		Fingerprint: fp,
		StrategyID:  strategyID,
		Kind:        kind,
		Symbol:      "BTC-USD",
		Side:        domain.SideBuy,
		FillPrice:   decimal.NewFromInt(100),
		FillQty:     decimal.NewFromInt(1),
		Pnl:         decimal.NewFromFloat(pnl),
		Fees:        decimal.NewFromFloat(0.1),
		Success:     pnl > 0,
		Ts:          ts,
	}
}

func TestInsertSignal_FirstWriterWins(t *testing.T) {
	repo, cleanup := newLedgerRepo(t)
	defer cleanup()

	sig := testSignal("fp-1", "strat-a", domain.SideBuy)

	inserted, err := repo.InsertSignal(sig, domain.TradeKindValidation)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.InsertSignal(sig, domain.TradeKindValidation)
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate fingerprint+kind must not insert")

	// Same fingerprint under the other kind is a distinct row.
	inserted, err = repo.InsertSignal(sig, domain.TradeKindReal)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsertTrade_DuplicateRejected(t *testing.T) {
	repo, cleanup := newLedgerRepo(t)
	defer cleanup()

	trade := testTrade("fp-1", "strat-a", domain.TradeKindValidation, 5, time.Now())
	require.NoError(t, repo.InsertTrade(trade))

	err := repo.InsertTrade(trade)
	require.Error(t, err)
	assert.Equal(t, domain.KindRejected, domain.KindOf(err))

	exists, err := repo.HasTrade("fp-1", domain.TradeKindValidation)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.HasTrade("fp-1", domain.TradeKindReal)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSetPnl_UpdatesSuccess(t *testing.T) {
	repo, cleanup := newLedgerRepo(t)
	defer cleanup()

	trade := testTrade("fp-1", "strat-a", domain.TradeKindValidation, 0, time.Now())
	trade.Success = true
	require.NoError(t, repo.InsertTrade(trade))

	require.NoError(t, repo.SetPnl("fp-1", domain.TradeKindValidation, decimal.NewFromFloat(-3.5)))

	trades, err := repo.RecentByStrategy("strat-a", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "-3.5", trades[0].Pnl.String())
	assert.False(t, trades[0].Success)
}

func TestConsecutiveRealLosses(t *testing.T) {
	repo, cleanup := newLedgerRepo(t)
	defer cleanup()

	base := time.Now().Add(-time.Hour)
	// win, then three losses (newest last); validation rows must not count.
	require.NoError(t, repo.InsertTrade(testTrade("fp-1", "s", domain.TradeKindReal, 5, base)))
	require.NoError(t, repo.InsertTrade(testTrade("fp-2", "s", domain.TradeKindReal, -2, base.Add(time.Minute))))
	require.NoError(t, repo.InsertTrade(testTrade("fp-3", "s", domain.TradeKindReal, -1, base.Add(2*time.Minute))))
	require.NoError(t, repo.InsertTrade(testTrade("fp-4", "s", domain.TradeKindReal, -4, base.Add(3*time.Minute))))
	require.NoError(t, repo.InsertTrade(testTrade("fp-5", "s", domain.TradeKindValidation, -9, base.Add(4*time.Minute))))

	losses, err := repo.ConsecutiveRealLosses("s")
	require.NoError(t, err)
	assert.Equal(t, 3, losses)
}

func TestObservations_RealReplacesValidation(t *testing.T) {
	repo, cleanup := newLedgerRepo(t)
	defer cleanup()

	base := time.Now().Add(-time.Hour)
	require.NoError(t, repo.InsertTrade(testTrade("fp-1", "s", domain.TradeKindValidation, 10, base)))
	require.NoError(t, repo.InsertTrade(testTrade("fp-1", "s", domain.TradeKindReal, -7, base)))
	require.NoError(t, repo.InsertTrade(testTrade("fp-2", "s", domain.TradeKindValidation, 3, base.Add(time.Minute))))

	obs, err := repo.Observations("s", 10, base.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, obs, 2, "one observation per fingerprint")

	pnls := []float64{obs[0].Pnl, obs[1].Pnl}
	assert.Contains(t, pnls, -7.0, "real PnL replaces the validation observation")
	assert.Contains(t, pnls, 3.0)
	assert.NotContains(t, pnls, 10.0)
}

func TestObservations_WindowLimits(t *testing.T) {
	repo, cleanup := newLedgerRepo(t)
	defer cleanup()

	base := time.Now().Add(-10 * time.Hour)
	for i := 0; i < 6; i++ {
		trade := testTrade(
			"fp-"+string(rune('a'+i)), "s", domain.TradeKindValidation,
			float64(i), base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, repo.InsertTrade(trade))
	}

	// lastN cap
	obs, err := repo.Observations("s", 4, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, obs, 4)

	// since cutoff excludes the two oldest
	obs, err = repo.Observations("s", 100, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Len(t, obs, 4)
}
