package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/msglog"
)

// Event types.
const (
	EventReady         = "ready"
	EventConnection    = "connection"
	EventDisconnection = "disconnection"
	EventRelayLogin    = "relayLogin"
	EventRelayTest     = "relayTest"
	EventDecision      = "decision"
	EventMessage       = "message"
	EventHeartbeat     = "heartbeat"
)

// Event is one SSE event.
type Event struct {
	ID   int64                  `json:"id,omitempty"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Options configures a Hub.
type Options struct {
	// BufferSize bounds the replay buffer; defaults to 512.
	BufferSize int
	// ClientQueue bounds per-client queues; a client that falls this far
	// behind loses events.
	ClientQueue int
	// HeartbeatInterval of zero disables heartbeats.
	HeartbeatInterval time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger
}

type client struct {
	id     string
	events chan Event
}

// Hub fans events out to SSE subscribers.
//
// LOCK ORDERING: mu protects clients, buffer and nextID. It is never held
// while writing to a client.
type Hub struct {
	opts Options
	log  *zap.Logger

	mu      sync.RWMutex
	clients map[string]*client
	buffer  []Event
	nextID  int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub creates a hub and starts its heartbeat.
func NewHub(opts Options) *Hub {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 512
	}
	if opts.ClientQueue <= 0 {
		opts.ClientQueue = 256
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &Hub{
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	if opts.HeartbeatInterval > 0 {
		h.wg.Add(1)
		go h.heartbeatLoop(opts.Clock.Ticker(opts.HeartbeatInterval))
	}
	return h
}

// Subscribe serves one SSE stream until ctx ends or the hub stops.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var lastID int64
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastID = id
		}
	}

	c := &client{id: uuid.NewString(), events: make(chan Event, h.opts.ClientQueue)}
	h.mu.Lock()
	replay := h.after(lastID)
	h.clients[c.id] = c
	readyID := h.nextID
	h.mu.Unlock()
	defer h.unregister(c.id)

	ready := Event{Type: EventReady, Data: map[string]interface{}{"lastEventId": readyID}}
	if err := writeEvent(w, ready); err != nil {
		return err
	}
	if lastID > 0 {
		for _, e := range replay {
			if err := writeEvent(w, e); err != nil {
				return err
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case e := <-c.events:
			if err := writeEvent(w, e); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}

// Publish assigns the next ID, buffers e and queues it for every client.
// A client whose queue is full misses the event.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	h.nextID++
	e.ID = h.nextID
	if e.Type != EventHeartbeat {
		h.buffer = append(h.buffer, e)
		if over := len(h.buffer) - h.opts.BufferSize; over > 0 {
			h.buffer = h.buffer[over:]
		}
	}
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.events <- e:
		default:
			h.log.Warn("dropping event for slow client", zap.String("client", c.id), zap.String("type", e.Type))
		}
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// after returns buffered events newer than id. Caller holds mu.
func (h *Hub) after(id int64) []Event {
	var out []Event
	for _, e := range h.buffer {
		if e.ID > id {
			out = append(out, e)
		}
	}
	return out
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

func (h *Hub) heartbeatLoop(ticker *clock.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Publish(Event{Type: EventHeartbeat, Data: map[string]interface{}{
				"ts": h.opts.Clock.Now().UTC().Format(time.RFC3339),
			}})
		case <-h.done:
			return
		}
	}
}

// Stop ends all streams and the heartbeat.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}

func writeEvent(w http.ResponseWriter, e Event) error {
	if e.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", e.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// ConnectionState publishes a connect result.
func (h *Hub) ConnectionState(ok bool, target, message string) {
	h.Publish(Event{Type: EventConnection, Data: map[string]interface{}{
		"connected": ok,
		"target":    target,
		"message":   message,
	}})
}

// DisconnectionState publishes an unrequested session end.
func (h *Hub) DisconnectionState(reason string) {
	h.Publish(Event{Type: EventDisconnection, Data: map[string]interface{}{"reason": reason}})
}

// RelayLoginState publishes relay login changes.
func (h *Hub) RelayLoginState(loggedIn bool) {
	h.Publish(Event{Type: EventRelayLogin, Data: map[string]interface{}{"loggedIn": loggedIn}})
}

// RelayTestResult publishes a relay connectivity test.
func (h *Hub) RelayTestResult(ok bool, message string) {
	h.Publish(Event{Type: EventRelayTest, Data: map[string]interface{}{"ok": ok, "message": message}})
}

// Decision publishes a pending operator prompt; v is its JSON form.
func (h *Hub) Decision(v interface{}) {
	h.Publish(Event{Type: EventDecision, Data: map[string]interface{}{"prompt": v}})
}

// Message publishes one message log entry.
func (h *Hub) Message(e msglog.Entry) {
	h.Publish(Event{Type: EventMessage, Data: map[string]interface{}{
		"id":   e.ID,
		"kind": e.Kind.String(),
		"sent": e.Sent,
		"text": e.String(),
	}})
}
