package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/darwin/internal/events"
)

// streamedEventTypes is everything the bus can carry; clients narrow the
// set with the ?types query parameter.
var streamedEventTypes = []events.EventType{
	events.StrategyCreated,
	events.StrategyMutated,
	events.StrategyValidated,
	events.StrategyPromoted,
	events.StrategyDemoted,
	events.StrategyProtected,
	events.StrategyEliminated,
	events.StrategyRetired,
	events.ScoreUpdated,
	events.SignalGenerated,
	events.TradeExecuted,
	events.TradeRejected,
	events.TierRebalanced,
	events.EmergencyDemotion,
	events.PriceUpdated,
	events.SettingsChanged,
	events.ExchangeStatusChanged,
	events.SystemStatusChanged,
	events.ErrorOccurred,
}

// EventsStreamHandler streams bus events to clients over Server-Sent Events.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// ?types=trade_executed,score_updated narrows the stream.
	var allowedTypes map[events.EventType]bool
	if typesFilter := r.URL.Query().Get("types"); typesFilter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	h.log.Info().Int("filtered_types", len(allowedTypes)).Msg("Client connected to event stream")

	// Buffered so a slow client drops events instead of stalling the bus.
	eventChan := make(chan *events.Event, 100)
	handler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	if allowedTypes == nil {
		for _, eventType := range streamedEventTypes {
			h.bus.Subscribe(eventType, handler)
		}
	} else {
		for eventType := range allowedTypes {
			h.bus.Subscribe(eventType, handler)
		}
	}

	done := r.Context().Done()

	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			payload := map[string]interface{}{
				"type":      string(event.Type),
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			}
			if event.StrategyID != "" {
				payload["strategy_id"] = event.StrategyID
			}
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(payload))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event map to a JSON string.
func (h *EventsStreamHandler) encodeEvent(event map[string]interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}
