// Package broadcast is the admin-facing event broadcast hub: it
// republishes domain events (category changes, flushes, scan outcomes) to
// connected websocket subscribers. It is not the ingest feed itself — that
// gRPC client is an external collaborator — but adapts the teacher's
// websocket reconnect-and-resubscribe idiom into a server-side fan-out hub
// instead of a reconnecting client.
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/pumpcat/internal/events"
)

const writeTimeout = 10 * time.Second

// Hub fans out events.Event values to every currently-connected subscriber.
type Hub struct {
	log zerolog.Logger

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	send chan events.Event
}

// New creates an empty Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:         log.With().Str("component", "broadcast").Logger(),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Publish fans out ev to every connected subscriber without blocking; a
// subscriber whose send buffer is full misses ev (it stays connected)
// rather than stalling the publisher.
func (h *Hub) Publish(ev events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		select {
		case sub.send <- ev:
		default:
			h.log.Warn().Msg("subscriber send buffer full, dropping event for it")
		}
	}
}

// ServeHTTP upgrades the request to a websocket connection and streams
// every published event to it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := &subscriber{send: make(chan events.Event, 64)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.subscribers, sub)
		h.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.send:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("subscriber write failed, closing")
				return
			}
		}
	}
}

// SubscriberCount reports how many clients are currently connected, for the
// admin status endpoint.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
