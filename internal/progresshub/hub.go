// Package progresshub fans out upload-progress events to WebSocket
// subscribers, keyed by job id so a client can watch one job or all of
// them. Per-connection buffered channel, drop-under-backpressure instead
// of blocking the publisher.
package progresshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one progress update for a job.
type Event struct {
	JobID     string    `json:"jobId"`
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub manages WebSocket subscribers and fans out Events to them.
type Hub struct {
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	conns    map[*websocket.Conn]chan Event
	byJob    map[string]map[*websocket.Conn]bool // empty jobID key means "subscribed to all"
}

// New builds a Hub. CheckOrigin is permissive by default; operators behind
// a reverse proxy should front this with their own origin policy.
func New() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]chan Event),
		byJob: make(map[string]map[*websocket.Conn]bool),
	}
}

// ServeWebSocket upgrades the request and streams progress events for the
// job ids named in the `job` query parameter (or all jobs if omitted).
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	jobIDs := r.URL.Query()["job"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := h.register(conn, jobIDs)
	defer h.unregister(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	<-done
}

func (h *Hub) register(conn *websocket.Conn, jobIDs []string) chan Event {
	ch := make(chan Event, 128)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = ch
	keys := jobIDs
	if len(keys) == 0 {
		keys = []string{""}
	}
	for _, id := range keys {
		if h.byJob[id] == nil {
			h.byJob[id] = make(map[*websocket.Conn]bool)
		}
		h.byJob[id][conn] = true
	}
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.conns[conn]; ok {
		for _, subs := range h.byJob {
			delete(subs, conn)
		}
		close(ch)
		delete(h.conns, conn)
	}
}

// Publish fans ev out to subscribers of ev.JobID and to all-job
// subscribers. A subscriber whose buffer is full loses its oldest buffered
// event to make room, rather than stalling the publisher.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*websocket.Conn]bool)
	for conn := range h.byJob[ev.JobID] {
		targets[conn] = true
	}
	for conn := range h.byJob[""] {
		targets[conn] = true
	}
	for conn := range targets {
		ch, ok := h.conns[conn]
		if !ok {
			continue
		}
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// ConnectionCount reports how many subscribers are currently connected.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// MarshalSnapshot is a convenience for HTTP handlers that want a JSON
// point-in-time view instead of (or alongside) the WebSocket stream.
func MarshalSnapshot(events []Event) ([]byte, error) {
	return json.Marshal(events)
}
