package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/compresr/usage-monitor/internal/stats"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before new events are dropped for it.
const subscriberBuffer = 16

// writeTimeout bounds a single websocket write.
const writeTimeout = 5 * time.Second

// StatusHub fans status events out to websocket subscribers keyed by
// principal id. It implements stats.Sink.
type StatusHub struct {
	mu     sync.Mutex
	subs   map[string]map[chan stats.Event]struct{}
	closed bool
}

// NewStatusHub creates an empty hub.
func NewStatusHub() *StatusHub {
	return &StatusHub{subs: make(map[string]map[chan stats.Event]struct{})}
}

// Publish delivers ev to every subscriber of ev.Principal. It never blocks;
// events for a full subscriber are dropped. With no subscriber for the
// principal it returns stats.ErrNoSubscriber.
func (h *StatusHub) Publish(ctx context.Context, ev stats.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[ev.Principal]
	if len(subs) == 0 {
		return stats.ErrNoSubscriber
	}
	for ch := range subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("principal", ev.Principal).Msg("status: subscriber lagging, event dropped")
		}
	}
	return nil
}

// Subscribe registers a listener for one principal. The returned cancel
// func must be called to release it; the channel is closed afterwards.
func (h *StatusHub) Subscribe(principalID string) (<-chan stats.Event, func()) {
	ch := make(chan stats.Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs[principalID] == nil {
		h.subs[principalID] = make(map[chan stats.Event]struct{})
	}
	h.subs[principalID][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[principalID][ch]; !ok {
				return
			}
			delete(h.subs[principalID], ch)
			if len(h.subs[principalID]) == 0 {
				delete(h.subs, principalID)
			}
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers for a principal.
func (h *StatusHub) Subscribers(principalID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[principalID])
}

// Close disconnects every subscriber.
func (h *StatusHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, id)
	}
}

// handleStatusWS streams a principal's status events: GET /status/ws?user=<id>.
func (g *Gateway) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "forbidden", "status stream is restricted to localhost", nil)
		return
	}
	principalID := r.URL.Query().Get("user")
	if principalID == "" {
		writeError(w, http.StatusBadRequest, errInvalidRequest, `missing "user" query parameter`, nil)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("status: websocket accept failed")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	events, cancel := g.hub.Subscribe(principalID)
	defer cancel()

	// Subscribers only listen; CloseRead handles pings and peer close.
	ctx := conn.CloseRead(r.Context())

	log.Debug().Str("principal", principalID).Msg("status: subscriber connected")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				log.Debug().Err(err).Str("principal", principalID).Msg("status: write failed")
				return
			}
		}
	}
}
