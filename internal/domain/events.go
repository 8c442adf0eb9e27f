package domain

import "time"

// EventType is the kind tag of a bot lifecycle event.
type EventType string

const (
	EventEngineStarted   EventType = "engine:started"
	EventEngineStopped   EventType = "engine:stopped"
	EventEngineError     EventType = "engine:error"
	EventScanCompleted   EventType = "scan:completed"
	EventPositionOpened  EventType = "position:opened"
	EventPositionUpdated EventType = "position:updated"
	EventPositionClosed  EventType = "position:closed"
)

// BotEvent is one emission on the bus. Payload shape depends on Type.
type BotEvent struct {
	Type      EventType
	BotID     string
	UserID    string
	Timestamp time.Time
	Payload   any
}

// ScanSummary is the payload of a scan:completed event.
type ScanSummary struct {
	Eligible int `json:"eligible"`
	Entered  int `json:"entered"`
}

// TradeLogEvent is the kind tag of a persisted trade-log entry.
type TradeLogEvent string

const (
	// LogBotCreated is distinct from LogBotStarted: created records the row
	// insert, started records the lifecycle transition.
	LogBotCreated      TradeLogEvent = "bot_created"
	LogBotStarted      TradeLogEvent = "bot_started"
	LogBotStopped      TradeLogEvent = "bot_stopped"
	LogBotError        TradeLogEvent = "bot_error"
	LogScanCompleted   TradeLogEvent = "scan_completed"
	LogPositionOpened  TradeLogEvent = "position_opened"
	LogPositionClosed  TradeLogEvent = "position_closed"
	LogPositionUpdated TradeLogEvent = "position_updated"
)

// TradeLogEntry is one persisted audit row.
type TradeLogEntry struct {
	ID         int64
	BotID      string
	UserID     string
	PositionID string
	Event      TradeLogEvent
	Details    map[string]any
	Timestamp  time.Time
}
