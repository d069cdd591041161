package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/modules/strategies"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "darwin",
	})
}

// handleListStrategies lists strategies, best score first. Query params:
// tier, type, retired, limit.
func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		OrderByScore: true,
		Limit:        queryInt(r, "limit", 100),
	}

	if v := r.URL.Query().Get("tier"); v != "" {
		tier, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid tier")
			return
		}
		filter.Tier = &tier
	}
	if v := r.URL.Query().Get("type"); v != "" {
		typ := strategies.Type(v)
		filter.Type = &typ
	}
	if v := r.URL.Query().Get("retired"); v != "" {
		retired := v == "true" || v == "1"
		filter.Retired = &retired
	} else {
		retired := false
		filter.Retired = &retired
	}

	list, err := s.cfg.Registry.List(filter)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list strategies")
		s.writeError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": list,
		"count":      len(list),
	})
}

// handlePopulationSnapshot summarizes the live population: per-tier counts,
// a score histogram in ten buckets, and the leading generation and cycle.
func (s *Server) handlePopulationSnapshot(w http.ResponseWriter, r *http.Request) {
	notRetired := false
	live, err := s.cfg.Registry.List(registry.Filter{Retired: &notRetired})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list strategies")
		s.writeError(w, http.StatusInternalServerError, "failed to list strategies")
		return
	}

	byTier := make(map[int]int)
	histogram := make([]int, 10)
	var maxGeneration int
	var maxCycle int64
	for _, strat := range live {
		byTier[strat.Tier]++

		bucket := int(strat.Metrics.FinalScore / 10)
		if bucket < 0 {
			bucket = 0
		}
		if bucket > 9 {
			bucket = 9
		}
		histogram[bucket]++

		if strat.Generation > maxGeneration {
			maxGeneration = strat.Generation
		}
		if strat.Cycle > maxCycle {
			maxCycle = strat.Cycle
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":              len(live),
		"by_tier":            byTier,
		"score_histogram":    histogram,
		"leading_generation": maxGeneration,
		"leading_cycle":      maxCycle,
	})
}

// handleGetStrategy returns one strategy by id
func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	strat, err := s.cfg.Registry.Get(id)
	if err != nil {
		s.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to get strategy")
		s.writeError(w, http.StatusInternalServerError, "failed to get strategy")
		return
	}
	if strat == nil {
		s.writeError(w, http.StatusNotFound, "strategy not found")
		return
	}

	s.writeJSON(w, http.StatusOK, strat)
}

// handleStrategyTrades returns a strategy's newest trades
func (s *Server) handleStrategyTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	trades, err := s.cfg.Trades.RecentByStrategy(id, queryInt(r, "limit", 100))
	if err != nil {
		s.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to get trades")
		s.writeError(w, http.StatusInternalServerError, "failed to get trades")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// handleStrategyEvents returns a strategy's evolution log entries
func (s *Server) handleStrategyEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entries, err := s.cfg.EventLog.ByStrategy(id, queryInt(r, "limit", 100))
	if err != nil {
		s.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to get evolution log")
		s.writeError(w, http.StatusInternalServerError, "failed to get evolution log")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"count":  len(entries),
	})
}

// handleRecentEvents returns the newest evolution log entries
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.EventLog.Recent(queryInt(r, "limit", 100))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to get evolution log")
		s.writeError(w, http.StatusInternalServerError, "failed to get evolution log")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"count":  len(entries),
	})
}

// handleRecentTrades returns the newest trades across all strategies
func (s *Server) handleRecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.cfg.Trades.Recent(queryInt(r, "limit", 100))
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to get recent trades")
		s.writeError(w, http.StatusInternalServerError, "failed to get recent trades")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// handleOpenPositions returns positions the monitor is tracking
func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.cfg.Monitor.Open()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// handleGetSettings returns all runtime settings
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.cfg.Settings.Repo().GetAll()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to get settings")
		s.writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	s.writeJSON(w, http.StatusOK, all)
}

// handleSetSetting updates one setting and broadcasts the change so
// long-lived loops pick it up on their next tuning snapshot.
func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.cfg.Settings.Repo().Set(key, body.Value, nil); err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("Failed to set setting")
		s.writeError(w, http.StatusInternalServerError, "failed to set setting")
		return
	}

	s.cfg.Bus.Publish(events.NewEvent(events.SettingsChanged, map[string]interface{}{
		"key":   key,
		"value": body.Value,
	}))

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"value": body.Value,
	})
}

// handleSchedulerStats returns queue depths, in-flight count, and sheds
func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Scheduler.Stats())
}

// handleStartScheduler resumes evaluation after a manual stop. Start is
// idempotent, a running scheduler ignores it.
func (s *Server) handleStartScheduler(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Scheduler.Start(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("Failed to start scheduler")
		s.writeError(w, http.StatusInternalServerError, "failed to start scheduler")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "running"})
}

// handleStopScheduler halts evaluation; open positions stay monitored.
func (s *Server) handleStopScheduler(w http.ResponseWriter, r *http.Request) {
	s.cfg.Scheduler.Stop()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "stopped"})
}

// handleTriggerRebalance runs a tier rebalance immediately
func (s *Server) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	changes, err := s.cfg.Rebalancer.Rebalance()
	if err != nil {
		s.log.Error().Err(err).Msg("Manual rebalance failed")
		s.writeError(w, http.StatusInternalServerError, "rebalance failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

// handleEvolutionStatus summarizes the population and pending validations
func (s *Server) handleEvolutionStatus(w http.ResponseWriter, r *http.Request) {
	live, err := s.cfg.Registry.CountLive()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count live strategies")
		s.writeError(w, http.StatusInternalServerError, "failed to count strategies")
		return
	}

	byType, err := s.cfg.Registry.CountByType()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to count strategies by type")
		s.writeError(w, http.StatusInternalServerError, "failed to count strategies")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"live":                live,
		"by_type":             byType,
		"pending_validations": s.cfg.Evolution.PendingValidations(),
	})
}

// handleTriggerEvolution kicks off an evolution cycle in the background
func (s *Server) handleTriggerEvolution(w http.ResponseWriter, r *http.Request) {
	batch := queryInt(r, "batch", 50)
	go func() {
		if err := s.cfg.Evolution.RunCycle(batch); err != nil {
			s.log.Error().Err(err).Msg("Manual evolution cycle failed")
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started", "batch": batch})
}

// handleTriggerMaintenance runs daily maintenance in the background
func (s *Server) handleTriggerMaintenance(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.cfg.Maintenance.Daily(); err != nil {
			s.log.Error().Err(err).Msg("Manual maintenance failed")
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started"})
}

// handleTriggerBackup runs a cloud backup in the background
func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CloudBackup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "cloud backup not configured")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := s.cfg.CloudBackup.CreateAndUpload(ctx); err != nil {
			s.log.Error().Err(err).Msg("Manual cloud backup failed")
		}
	}()
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "started"})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
