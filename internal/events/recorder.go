package events

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// lifecycleKinds maps bus event types to evolution log kinds. Only these
// events are persisted; high-frequency events (price updates, signals)
// stay on the bus.
var lifecycleKinds = map[EventType]string{
	StrategyCreated:    "created",
	StrategyMutated:    "mutated",
	StrategyValidated:  "validated",
	StrategyPromoted:   "promoted",
	StrategyDemoted:    "demoted",
	StrategyProtected:  "protected",
	StrategyEliminated: "eliminated",
	StrategyRetired:    "retired",
	ScoreUpdated:       "scored",
	EmergencyDemotion:  "emergency_demotion",
}

// RegisterRecorder subscribes a listener that appends strategy lifecycle
// events to the evolution log. Data keys "before", "after", "actor" and
// "reason" are lifted into the corresponding log columns.
func RegisterRecorder(bus *Bus, repo *Repository, log zerolog.Logger) {
	l := log.With().Str("component", "event_recorder").Logger()

	for eventType, kind := range lifecycleKinds {
		kind := kind
		bus.Subscribe(eventType, func(event *Event) {
			entry := &LogEntry{
				Ts:         event.Timestamp.Unix(),
				Actor:      "system",
				StrategyID: event.StrategyID,
				Kind:       kind,
			}
			if event.Data != nil {
				if actor, ok := event.Data["actor"].(string); ok {
					entry.Actor = actor
				}
				if reason, ok := event.Data["reason"].(string); ok {
					entry.Reason = reason
				}
				entry.Before = snapshotJSON(event.Data["before"])
				entry.After = snapshotJSON(event.Data["after"])
			}
			if err := repo.Append(entry); err != nil {
				l.Error().Err(err).
					Str("kind", kind).
					Str("strategy_id", event.StrategyID).
					Msg("Failed to record lifecycle event")
			}
		})
	}
}

func snapshotJSON(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
