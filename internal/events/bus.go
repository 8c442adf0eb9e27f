// Package events is the in-process bus connecting engines to API streams.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
	"github.com/dlmmbot/dlmmbot/internal/ports"
)

// Bus fans bot events out to per-user and per-bot subscribers. Emit is safe
// for concurrent use; handlers run synchronously on the emitting goroutine,
// so slow consumers must buffer on their side.
type Bus struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	nextID   int
	userSubs map[string]map[int]func(domain.BotEvent)
	botSubs  map[string]map[int]func(domain.BotEvent)
	allSubs  map[int]func(domain.BotEvent)
}

var (
	_ ports.EventSink   = (*Bus)(nil)
	_ ports.EventSource = (*Bus)(nil)
)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusClock injects a clock for tests.
func WithBusClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		log:      log.With("component", "bus"),
		now:      time.Now,
		userSubs: make(map[string]map[int]func(domain.BotEvent)),
		botSubs:  make(map[string]map[int]func(domain.BotEvent)),
		allSubs:  make(map[int]func(domain.BotEvent)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit stamps the event and delivers it to every matching subscriber. A
// panicking handler is logged and does not affect the others.
func (b *Bus) Emit(event domain.BotEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	handlers := make([]func(domain.BotEvent), 0,
		len(b.userSubs[event.UserID])+len(b.botSubs[event.BotID])+len(b.allSubs))
	for _, h := range b.userSubs[event.UserID] {
		handlers = append(handlers, h)
	}
	for _, h := range b.botSubs[event.BotID] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allSubs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(handler func(domain.BotEvent), event domain.BotEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				"type", event.Type, "bot", event.BotID, "panic", r)
		}
	}()
	handler(event)
}

// SubscribeUser registers a handler for every event of one user's bots. The
// returned unsubscribe function is idempotent.
func (b *Bus) SubscribeUser(userID string, handler func(domain.BotEvent)) func() {
	return b.subscribe(b.userSubs, userID, handler)
}

// SubscribeBot registers a handler for one bot's events. The returned
// unsubscribe function is idempotent.
func (b *Bus) SubscribeBot(botID string, handler func(domain.BotEvent)) func() {
	return b.subscribe(b.botSubs, botID, handler)
}

// SubscribeAll registers a handler for every event on the bus, regardless of
// user or bot. Used by process-wide observers like the console reporter.
func (b *Bus) SubscribeAll(handler func(domain.BotEvent)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.allSubs, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) subscribe(subs map[string]map[int]func(domain.BotEvent), key string, handler func(domain.BotEvent)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if subs[key] == nil {
		subs[key] = make(map[int]func(domain.BotEvent))
	}
	subs[key][id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(subs[key], id)
			if len(subs[key]) == 0 {
				delete(subs, key)
			}
			b.mu.Unlock()
		})
	}
}
