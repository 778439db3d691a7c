package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/radio-control/xapi/internal/msglog"
)

type sseEvent struct {
	id   int64
	typ  string
	data map[string]interface{}
}

type sseReader struct {
	t  *testing.T
	sc *bufio.Scanner
}

func (r *sseReader) next() sseEvent {
	r.t.Helper()
	var ev sseEvent
	for r.sc.Scan() {
		line := r.sc.Text()
		switch {
		case line == "":
			if ev.typ != "" {
				return ev
			}
		case strings.HasPrefix(line, "id: "):
			ev.id, _ = strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
		case strings.HasPrefix(line, "event: "):
			ev.typ = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(r.t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
		}
	}
	r.t.Fatalf("stream ended: %v", r.sc.Err())
	return ev
}

func serve(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Subscribe(r.Context(), w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func subscribe(t *testing.T, h *Hub, srv *httptest.Server, lastID string) *sseReader {
	t.Helper()
	before := h.Clients()
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	r := &sseReader{t: t, sc: bufio.NewScanner(resp.Body)}
	assert.Equal(t, EventReady, r.next().typ)
	require.Eventually(t, func() bool { return h.Clients() == before+1 }, time.Second, 5*time.Millisecond)
	return r
}

func TestObserverEventsReachSubscribers(t *testing.T) {
	h := NewHub(Options{Logger: zaptest.NewLogger(t)})
	defer h.Stop()
	srv := serve(t, h)
	r := subscribe(t, h, srv, "")

	h.ConnectionState(true, "local.1234", "")
	h.DisconnectionState("Connection lost: EOF")
	h.RelayLoginState(true)
	h.RelayTestResult(false, "no path")
	h.Decision(map[string]string{"id": "p1"})
	h.Message(msglog.Entry{ID: 7, Elapsed: 1500 * time.Millisecond, Kind: msglog.KindReply, Text: "R1|0|"})

	ev := r.next()
	assert.Equal(t, EventConnection, ev.typ)
	assert.Equal(t, true, ev.data["connected"])
	assert.Equal(t, "local.1234", ev.data["target"])

	ev = r.next()
	assert.Equal(t, EventDisconnection, ev.typ)
	assert.Equal(t, "Connection lost: EOF", ev.data["reason"])

	assert.Equal(t, EventRelayLogin, r.next().typ)
	ev = r.next()
	assert.Equal(t, EventRelayTest, ev.typ)
	assert.Equal(t, "no path", ev.data["message"])
	assert.Equal(t, EventDecision, r.next().typ)

	ev = r.next()
	assert.Equal(t, EventMessage, ev.typ)
	assert.Equal(t, "reply", ev.data["kind"])
	assert.Equal(t, "   1.500 R1|0|", ev.data["text"])
	assert.Equal(t, int64(6), ev.id)
}

func TestLastEventIDReplays(t *testing.T) {
	h := NewHub(Options{BufferSize: 2})
	defer h.Stop()
	srv := serve(t, h)

	h.DisconnectionState("a")
	h.DisconnectionState("b")
	h.DisconnectionState("c")

	r := subscribe(t, h, srv, "1")
	// the buffer only holds the last two
	ev := r.next()
	assert.Equal(t, int64(2), ev.id)
	assert.Equal(t, "b", ev.data["reason"])
	ev = r.next()
	assert.Equal(t, int64(3), ev.id)
}

func TestHeartbeat(t *testing.T) {
	clk := clock.NewMock()
	h := NewHub(Options{HeartbeatInterval: 15 * time.Second, Clock: clk})
	defer h.Stop()
	srv := serve(t, h)
	r := subscribe(t, h, srv, "")

	clk.Add(15 * time.Second)
	ev := r.next()
	assert.Equal(t, EventHeartbeat, ev.typ)
	assert.NotEmpty(t, ev.data["ts"])
}

func TestStopEndsStreams(t *testing.T) {
	h := NewHub(Options{})
	srv := serve(t, h)
	r := subscribe(t, h, srv, "")

	h.Stop()
	assert.False(t, r.sc.Scan(), "stream closes after Stop")
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSlowClientDropsEvents(t *testing.T) {
	h := NewHub(Options{ClientQueue: 1})
	defer h.Stop()
	h.mu.Lock()
	c := &client{id: "slow", events: make(chan Event, 1)}
	h.clients[c.id] = c
	h.mu.Unlock()

	h.RelayLoginState(true)
	h.RelayLoginState(false)

	assert.Len(t, c.events, 1)
	assert.Equal(t, true, (<-c.events).Data["loggedIn"])
}
