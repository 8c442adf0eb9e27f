package ports

import "github.com/dlmmbot/dlmmbot/internal/domain"

// EventSink receives bot lifecycle events. The orchestrator forwards engine
// events here after persisting them.
type EventSink interface {
	Emit(event domain.BotEvent)
}

// EventSource is the subscription side of the bus. Both variants return an
// idempotent unsubscribe function.
type EventSource interface {
	SubscribeUser(userID string, handler func(domain.BotEvent)) (unsubscribe func())
	SubscribeBot(botID string, handler func(domain.BotEvent)) (unsubscribe func())
}
