// Package events provides the in-process event bus and the append-only
// evolution log. The bus carries lifecycle notifications between modules
// and out to SSE consumers; the log records every strategy transition in
// events.db for audit and replay.
package events

import "time"

// EventType identifies the kind of event flowing through the bus.
type EventType string

// Strategy lifecycle events. Each one is also persisted to the evolution
// log by the recorder listener.
const (
	StrategyCreated    EventType = "strategy_created"
	StrategyMutated    EventType = "strategy_mutated"
	StrategyValidated  EventType = "strategy_validated"
	StrategyPromoted   EventType = "strategy_promoted"
	StrategyDemoted    EventType = "strategy_demoted"
	StrategyProtected  EventType = "strategy_protected"
	StrategyEliminated EventType = "strategy_eliminated"
	StrategyRetired    EventType = "strategy_retired"
	ScoreUpdated       EventType = "score_updated"
)

// Trading and system events.
const (
	SignalGenerated     EventType = "signal_generated"
	TradeExecuted       EventType = "trade_executed"
	TradeRejected       EventType = "trade_rejected"
	TierRebalanced      EventType = "tier_rebalanced"
	EmergencyDemotion   EventType = "emergency_demotion"
	PriceUpdated        EventType = "price_updated"
	SettingsChanged     EventType = "settings_changed"
	ExchangeStatusChanged EventType = "exchange_status_changed"
	SystemStatusChanged EventType = "system_status_changed"
	ErrorOccurred       EventType = "error_occurred"
)

// Event is the unit carried by the bus. Data is a shallow map so SSE
// consumers can serialize it without knowing the concrete payload type.
type Event struct {
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	StrategyID string                 `json:"strategy_id,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewStrategyEvent creates an event tied to a specific strategy.
func NewStrategyEvent(eventType EventType, strategyID string, data map[string]interface{}) *Event {
	e := NewEvent(eventType, data)
	e.StrategyID = strategyID
	return e
}
