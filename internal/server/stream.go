package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dlmmbot/dlmmbot/internal/domain"
)

const (
	streamBuffer      = 64
	heartbeatInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// wireEvent is the stream form of a bus event.
type wireEvent struct {
	Type      string    `json:"type"`
	BotID     string    `json:"bot_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

func toWire(ev domain.BotEvent) wireEvent {
	out := wireEvent{
		Type:      string(ev.Type),
		BotID:     ev.BotID,
		Timestamp: ev.Timestamp,
	}
	switch p := ev.Payload.(type) {
	case *domain.TrackedPosition:
		if p != nil {
			out.Payload = positionPayload(*p)
		}
	default:
		out.Payload = ev.Payload
	}
	return out
}

// handleEventStream serves the user's events as server-sent events.
// Heartbeat comments keep intermediaries from timing the connection out.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	wallet := walletFrom(r.Context())
	ch := make(chan domain.BotEvent, streamBuffer)
	unsubscribe := s.events.SubscribeUser(wallet, func(ev domain.BotEvent) {
		select {
		case ch <- ev:
		default:
			// A full buffer drops the event, not the connection; SSE
			// clients reconnect and re-read state from the query routes.
		}
	})
	defer unsubscribe()

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev := <-ch:
			data, err := json.Marshal(toWire(ev))
			if err != nil {
				s.log.Error("failed to marshal stream event", "type", ev.Type, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// handleEventWS serves the same event feed over a websocket. A client that
// cannot keep up with the buffered write pump is disconnected.
func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	wallet := walletFrom(r.Context())
	ch := make(chan domain.BotEvent, streamBuffer)
	var once sync.Once
	closed := make(chan struct{})
	drop := func() { once.Do(func() { close(closed) }) }

	unsubscribe := s.events.SubscribeUser(wallet, func(ev domain.BotEvent) {
		select {
		case ch <- ev:
		default:
			drop()
		}
	})
	defer unsubscribe()

	// Reader loop only detects the peer closing; inbound frames are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				drop()
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(toWire(ev)); err != nil {
				return
			}
		}
	}
}
