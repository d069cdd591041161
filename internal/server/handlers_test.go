package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/settings"
	"github.com/aristath/darwin/internal/modules/strategies"
	"github.com/aristath/darwin/internal/modules/trading"
	testutil "github.com/aristath/darwin/internal/testing"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	registryDB, cleanupRegistry := testutil.NewTestDB(t, "registry")
	t.Cleanup(cleanupRegistry)
	ledgerDB, cleanupLedger := testutil.NewTestDB(t, "ledger")
	t.Cleanup(cleanupLedger)
	eventsDB, cleanupEvents := testutil.NewTestDB(t, "events")
	t.Cleanup(cleanupEvents)
	configDB, cleanupConfig := testutil.NewTestDB(t, "config")
	t.Cleanup(cleanupConfig)

	settingsSvc := settings.NewService(settings.NewRepository(configDB.Conn(), zerolog.Nop()), zerolog.Nop())
	require.NoError(t, settingsSvc.SeedDefaults())

	return New(Config{
		Log:      zerolog.Nop(),
		Port:     0,
		DataDir:  t.TempDir(),
		Bus:      events.NewBus(zerolog.Nop()),
		EventLog: events.NewRepository(eventsDB.Conn(), zerolog.Nop()),
		Registry: registry.NewRepository(registryDB.Conn(), zerolog.Nop()),
		Trades:   trading.NewRepository(ledgerDB.Conn(), zerolog.Nop()),
		Settings: settingsSvc,
	})
}

func seedStrategy(t *testing.T, s *Server, id string, tier int, score float64) {
	t.Helper()
	schema, err := strategies.SchemaFor(strategies.TypeMomentum)
	require.NoError(t, err)
	require.NoError(t, s.cfg.Registry.Upsert(&registry.Strategy{
		ID:         id,
		Type:       strategies.TypeMomentum,
		Symbol:     "BTC-USD",
		Parameters: schema.Defaults(),
		Enabled:    true,
		Tier:       tier,
		Metrics:    registry.Metrics{FinalScore: score},
	}))
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHandleListStrategies(t *testing.T) {
	s := newTestServer(t)
	seedStrategy(t, s, "strat-a", 2, 0.9)
	seedStrategy(t, s, "strat-b", 3, 0.5)

	rec := doRequest(s, http.MethodGet, "/api/strategies/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strategies []registry.Strategy `json:"strategies"`
		Count      int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	// Best score first.
	assert.Equal(t, "strat-a", body.Strategies[0].ID)
}

func TestHandleListStrategiesTierFilter(t *testing.T) {
	s := newTestServer(t)
	seedStrategy(t, s, "strat-a", 2, 0.9)
	seedStrategy(t, s, "strat-b", 3, 0.5)

	rec := doRequest(s, http.MethodGet, "/api/strategies/?tier=3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Strategies []registry.Strategy `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Strategies, 1)
	assert.Equal(t, "strat-b", body.Strategies[0].ID)
}

func TestHandleGetStrategyNotFound(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/api/strategies/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleSetSettingPublishesChange(t *testing.T) {
	s := newTestServer(t)

	var received *events.Event
	s.cfg.Bus.Subscribe(events.SettingsChanged, func(e *events.Event) {
		received = e
	})

	rec := doRequest(s, http.MethodPut, "/api/settings/"+settings.KeyMaxTotalStrategies, `{"value":"150"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, received)
	assert.Equal(t, settings.KeyMaxTotalStrategies, received.Data["key"])

	val, err := s.cfg.Settings.Repo().Get(settings.KeyMaxTotalStrategies)
	require.NoError(t, err)
	require.NotNil(t, val)
	assert.Equal(t, "150", *val)
}

func TestHandleSetSettingRejectsBadBody(t *testing.T) {
	s := newTestServer(t)

	rec := doRequest(s, http.MethodPut, "/api/settings/some_key", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
