package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/darwin/internal/database"
	"github.com/aristath/darwin/internal/modules/trading"
	"github.com/aristath/darwin/internal/scheduler"
)

// SystemHandlers handles system-wide monitoring endpoints
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	databases map[string]*database.DB
	scheduler *scheduler.Service
	monitor   *trading.Monitor
	startedAt time.Time
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	databases map[string]*database.DB,
	sched *scheduler.Service,
	monitor *trading.Monitor,
) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		databases: databases,
		scheduler: sched,
		monitor:   monitor,
		startedAt: time.Now(),
	}
}

// SystemStatusResponse represents the system status response
type SystemStatusResponse struct {
	UptimeSeconds  int64           `json:"uptime_seconds"`
	Goroutines     int             `json:"goroutines"`
	CPUPercent     float64         `json:"cpu_percent"`
	MemUsedPercent float64         `json:"mem_used_percent"`
	MemUsedMB      float64         `json:"mem_used_mb"`
	OpenPositions  int             `json:"open_positions"`
	Scheduler      scheduler.Stats `json:"scheduler"`
}

// HandleSystemStatus returns process and host health alongside the
// scheduler's queue depths.
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatusResponse{
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		resp.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemUsedPercent = vm.UsedPercent
		resp.MemUsedMB = float64(vm.Used) / (1024 * 1024)
	}

	if h.monitor != nil {
		resp.OpenPositions = len(h.monitor.Open())
	}
	if h.scheduler != nil {
		resp.Scheduler = h.scheduler.Stats()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// DatabaseStatsResponse holds per-database size metrics
type DatabaseStatsResponse struct {
	Name          string  `json:"name"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	PageSize      int64   `json:"page_size"`
	FreelistCount int64   `json:"freelist_count"`
}

// HandleDatabaseStats returns size metrics for every database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]DatabaseStatsResponse, len(h.databases))
	for name, db := range h.databases {
		s, err := db.GetStats()
		if err != nil {
			h.log.Error().Err(err).Str("database", name).Msg("Failed to get database stats")
			continue
		}
		stats[name] = DatabaseStatsResponse{
			Name:          name,
			SizeMB:        float64(s.SizeBytes) / (1024 * 1024),
			WALSizeMB:     float64(s.WALSizeBytes) / (1024 * 1024),
			PageCount:     s.PageCount,
			PageSize:      s.PageSize,
			FreelistCount: s.FreelistCount,
		}
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleDiskUsage returns disk usage for the data directory's volume
func (h *SystemHandlers) HandleDiskUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := disk.Usage(h.dataDir)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get disk usage")
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to get disk usage"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":         h.dataDir,
		"total_gb":     float64(usage.Total) / (1024 * 1024 * 1024),
		"free_gb":      float64(usage.Free) / (1024 * 1024 * 1024),
		"used_gb":      float64(usage.Used) / (1024 * 1024 * 1024),
		"used_percent": usage.UsedPercent,
	})
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
