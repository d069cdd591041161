package server

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/events"
	"github.com/aristath/darwin/internal/modules/registry"
	"github.com/aristath/darwin/internal/scheduler"
)

// StatusMonitor periodically publishes a system status event so stream
// clients see population and queue health without polling.
type StatusMonitor struct {
	bus       *events.Bus
	scheduler *scheduler.Service
	registry  *registry.Repository
	log       zerolog.Logger
	stop      chan struct{}
}

// NewStatusMonitor creates a new status monitor
func NewStatusMonitor(bus *events.Bus, sched *scheduler.Service, reg *registry.Repository, log zerolog.Logger) *StatusMonitor {
	return &StatusMonitor{
		bus:       bus,
		scheduler: sched,
		registry:  reg,
		log:       log.With().Str("component", "status_monitor").Logger(),
		stop:      make(chan struct{}),
	}
}

// Start begins periodic status publishing
func (m *StatusMonitor) Start(interval time.Duration) {
	go m.monitor(interval)
}

// Stop halts the monitoring loop. Safe to call once.
func (m *StatusMonitor) Stop() {
	close(m.stop)
}

func (m *StatusMonitor) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.publishStatus()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.publishStatus()
		}
	}
}

func (m *StatusMonitor) publishStatus() {
	data := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if m.scheduler != nil {
		stats := m.scheduler.Stats()
		data["queue_depths"] = stats.Depths
		data["in_flight"] = stats.InFlight
		data["shed"] = stats.Shed
	}

	if m.registry != nil {
		live, err := m.registry.CountLive()
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to count live strategies")
		} else {
			data["live_strategies"] = live
		}
	}

	m.bus.Publish(events.NewEvent(events.SystemStatusChanged, data))
}
