package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/session"
)

type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	resources []radio.Resource
	history   []string
	log       *msglog.Log

	connects []session.ConnectRequest
	commands []string
	binds    []string
	reasons  []string

	connectFn func(ctx context.Context, req session.ConnectRequest) error
	err       error
}

func newFakeSession() *fakeSession {
	l := msglog.New(msglog.Options{Capacity: 100}, clock.NewMock())
	l.Start()
	return &fakeSession{
		log: l,
		resources: []radio.Resource{
			{Serial: "1234-5678", Access: radio.AccessLocal, Nickname: "bench", Model: "FLEX-6600"},
			{Serial: "9999-0000", Access: radio.AccessRelay, Nickname: "remote", Model: "FLEX-6400"},
		},
	}
}

func (f *fakeSession) Connect(ctx context.Context, req session.ConnectRequest) error {
	f.mu.Lock()
	f.connects = append(f.connects, req)
	fn := f.connectFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.state = session.State{Phase: session.PhaseActive, Target: req.Target.Identity, Mode: req.Mode}
	return nil
}

func (f *fakeSession) Disconnect(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reasons = append(f.reasons, reason)
	f.state = session.State{Phase: session.PhaseIdle}
	return nil
}

func (f *fakeSession) Bind(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.binds = append(f.binds, id)
	return nil
}

func (f *fakeSession) SendCommand(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return session.ErrEmptyCommand
	}
	f.mu.Lock()
	f.commands = append(f.commands, text)
	f.mu.Unlock()
	f.log.Sent("C1|" + text)
	return nil
}

func (f *fakeSession) set(fn func(f *fakeSession)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSession) requests() []session.ConnectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.ConnectRequest(nil), f.connects...)
}

func (f *fakeSession) calls() (binds, reasons []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.binds...), append([]string(nil), f.reasons...)
}

func (f *fakeSession) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) History() []string           { return f.history }
func (f *fakeSession) Resources() []radio.Resource { return f.resources }
func (f *fakeSession) Messages() *msglog.Log       { return f.log }

type fakeRelay struct {
	mu      sync.Mutex
	status  relay.Status
	tested  []radio.Resource
	loginFn func(email string) error
}

func (f *fakeRelay) Login(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginFn != nil {
		if err := f.loginFn(email); err != nil {
			return err
		}
	}
	f.status = relay.Status{State: relay.LoggedIn, Enabled: true, Email: email}
	return nil
}

func (f *fakeRelay) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.State = relay.LoggedOut
	return nil
}

func (f *fakeRelay) SetEnabled(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Enabled = enabled
	if enabled {
		f.status.State = relay.LoggedIn
	} else {
		f.status.State = relay.LoggedOut
	}
	return nil
}

func (f *fakeRelay) TestConnection(_ context.Context, res radio.Resource) (relay.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tested = append(f.tested, res)
	return relay.TestResult{OK: true, Message: "reachable"}, nil
}

func (f *fakeRelay) Status() relay.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeRelay) testedSerials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, res := range f.tested {
		out = append(out, res.Serial)
	}
	return out
}

type auditCall struct {
	action string
	target string
	err    error
}

type fakeAudit struct {
	mu    sync.Mutex
	calls []auditCall
}

func (f *fakeAudit) Action(action, target string, _ map[string]interface{}, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, auditCall{action, target, err})
}

func (f *fakeAudit) recorded() []auditCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]auditCall(nil), f.calls...)
}

type harness struct {
	sessions *fakeSession
	relay    *fakeRelay
	audit    *fakeAudit
	decider  *Decider
	creds    *CredentialDesk
	srv      *httptest.Server
}

func newHarness(t *testing.T, withRelay bool) *harness {
	t.Helper()
	h := &harness{
		sessions: newFakeSession(),
		audit:    &fakeAudit{},
		decider:  NewDecider(nil, nil, zaptest.NewLogger(t)),
	}
	deps := Deps{Sessions: h.sessions, Decider: h.decider, Audit: h.audit}
	if withRelay {
		h.relay = &fakeRelay{status: relay.Status{Enabled: true, Email: "op@example.com"}}
		deps.Relay = h.relay
		h.creds = NewCredentialDesk(nil, nil, nil)
		deps.Credentials = h.creds
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "xapi_test_total", Help: "test"}))
	s := NewServer(deps, Options{
		DefaultMode: arbiter.Shared,
		Gatherer:    reg,
		Version:     "test",
		Logger:      zaptest.NewLogger(t),
	})
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (int, Response) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set(CorrelationHeader, "corr-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "corr-1", resp.Header.Get(CorrelationHeader))
	assert.Equal(t, "corr-1", out.CorrelationID)
	return resp.StatusCode, out
}

func dataMap(t *testing.T, r Response) map[string]interface{} {
	t.Helper()
	m, ok := r.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", r.Data)
	return m
}

func TestHealth(t *testing.T) {
	h := newHarness(t, false)
	status, resp := h.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", resp.Result)
	data := dataMap(t, resp)
	assert.Equal(t, "test", data["version"])
	assert.Equal(t, "Idle", data["phase"])
}

func TestResources(t *testing.T) {
	h := newHarness(t, false)
	_, resp := h.do(t, http.MethodGet, "/api/v1/resources", nil)
	list, ok := resp.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 2)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "local.1234-5678", first["connectionString"])
	assert.Equal(t, "1234-5678", first["serial"])
	assert.NotEmpty(t, first["label"])
}

func TestConnect(t *testing.T) {
	t.Run("uses default mode", func(t *testing.T) {
		h := newHarness(t, false)
		status, resp := h.do(t, http.MethodPost, "/api/v1/session/connect", map[string]string{"target": "local.1234-5678"})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "Active", dataMap(t, resp)["phase"])
		reqs := h.sessions.requests()
		require.Len(t, reqs, 1)
		req := reqs[0]
		assert.Equal(t, session.TargetExplicit, req.Target.Kind)
		assert.Equal(t, "local.1234-5678", req.Target.Identity)
		assert.Equal(t, arbiter.Shared, req.Mode)
	})

	t.Run("explicit mode and bind", func(t *testing.T) {
		h := newHarness(t, false)
		status, _ := h.do(t, http.MethodPost, "/api/v1/session/connect", map[string]string{"target": "picker", "mode": "exclusive", "bindTo": " abc "})
		require.Equal(t, http.StatusOK, status)
		req := h.sessions.requests()[0]
		assert.Equal(t, session.TargetPicker, req.Target.Kind)
		assert.Equal(t, arbiter.Exclusive, req.Mode)
		assert.Equal(t, "abc", req.BindTo)
	})

	t.Run("bad mode", func(t *testing.T) {
		h := newHarness(t, false)
		status, resp := h.do(t, http.MethodPost, "/api/v1/session/connect", map[string]string{"mode": "sideways"})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "BAD_REQUEST", resp.Code)
		assert.Empty(t, h.sessions.requests())
	})

	t.Run("unknown field", func(t *testing.T) {
		h := newHarness(t, false)
		status, resp := h.do(t, http.MethodPost, "/api/v1/session/connect", `{"target":"first","radio":1}`)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "error", resp.Result)
	})

	t.Run("connect error carries operator message", func(t *testing.T) {
		h := newHarness(t, false)
		h.sessions.set(func(f *fakeSession) { f.err = &session.ConnectError{Err: session.ErrNoResourceFound} })
		status, resp := h.do(t, http.MethodPost, "/api/v1/session/connect", nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "NOT_FOUND", resp.Code)
		assert.Equal(t, "No radios found", resp.Message)
	})

	t.Run("busy", func(t *testing.T) {
		h := newHarness(t, false)
		h.sessions.set(func(f *fakeSession) { f.err = session.ErrAlreadyInProgress })
		status, resp := h.do(t, http.MethodPost, "/api/v1/session/connect", nil)
		assert.Equal(t, http.StatusConflict, status)
		assert.Equal(t, "BUSY", resp.Code)
	})
}

func TestConnectWaitsForDecision(t *testing.T) {
	h := newHarness(t, false)
	opts := []arbiter.Option{
		{Action: arbiter.ActionCancel, Label: "Cancel"},
		{Action: arbiter.ActionConnectShared, Label: "Connect shared"},
	}
	chosen := make(chan arbiter.Option, 1)
	connect := func(ctx context.Context, _ session.ConnectRequest) error {
		opt, err := h.decider.Decide(ctx, session.Prompt{ID: "p-1", Kind: session.PromptOpen, Options: opts})
		if err != nil {
			return err
		}
		chosen <- opt
		return nil
	}
	h.sessions.set(func(f *fakeSession) { f.connectFn = connect })

	done := make(chan int, 1)
	go func() {
		status, _ := h.do(t, http.MethodPost, "/api/v1/session/connect", nil)
		done <- status
	}()

	require.Eventually(t, func() bool { return len(h.decider.Pending()) == 1 }, 2*time.Second, 5*time.Millisecond)

	_, resp := h.do(t, http.MethodGet, "/api/v1/decisions", nil)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "p-1", list[0].(map[string]interface{})["id"])

	status, resp := h.do(t, http.MethodPost, "/api/v1/decisions/p-1", map[string]int{"option": 5})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", resp.Code)

	status, _ = h.do(t, http.MethodPost, "/api/v1/decisions/p-1", map[string]int{"option": 1})
	require.Equal(t, http.StatusOK, status)

	select {
	case status := <-done:
		assert.Equal(t, http.StatusOK, status)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after the decision")
	}
	assert.Equal(t, arbiter.ActionConnectShared, (<-chosen).Action)

	status, resp = h.do(t, http.MethodPost, "/api/v1/decisions/p-1", map[string]int{"option": 1})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

func TestAnswerRequiresOption(t *testing.T) {
	h := newHarness(t, false)
	status, resp := h.do(t, http.MethodPost, "/api/v1/decisions/x", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, resp.Message, "option is required")
}

func TestDisconnectAndBindAreAudited(t *testing.T) {
	h := newHarness(t, false)
	h.sessions.set(func(f *fakeSession) {
		f.state = session.State{Phase: session.PhaseActive, Target: "local.1234-5678"}
	})

	status, _ := h.do(t, http.MethodPost, "/api/v1/session/bind", map[string]string{"clientId": "C-42"})
	require.Equal(t, http.StatusOK, status)
	status, resp := h.do(t, http.MethodPost, "/api/v1/session/disconnect", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Idle", dataMap(t, resp)["phase"])

	binds, reasons := h.sessions.calls()
	assert.Equal(t, []string{"C-42"}, binds)
	assert.Equal(t, []string{""}, reasons)
	calls := h.audit.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, auditCall{"bind", "local.1234-5678", nil}, calls[0])
	assert.Equal(t, auditCall{"disconnect", "local.1234-5678", nil}, calls[1])
}

func TestDisconnectWhenIdle(t *testing.T) {
	h := newHarness(t, false)
	h.sessions.set(func(f *fakeSession) { f.err = session.ErrNotActive })
	status, resp := h.do(t, http.MethodPost, "/api/v1/session/disconnect", map[string]string{"reason": "done"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", resp.Code)
	calls := h.audit.recorded()
	require.Len(t, calls, 1)
	assert.ErrorIs(t, calls[0].err, session.ErrNotActive)
}

func TestCommandsAndMessages(t *testing.T) {
	h := newHarness(t, false)

	status, resp := h.do(t, http.MethodPost, "/api/v1/session/commands", map[string]string{"text": "info"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "info", dataMap(t, resp)["sent"])
	h.do(t, http.MethodPost, "/api/v1/session/commands", map[string]string{"text": "version"})

	status, resp = h.do(t, http.MethodPost, "/api/v1/session/commands", map[string]string{"text": "  "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_REQUEST", resp.Code)

	_, resp = h.do(t, http.MethodGet, "/api/v1/messages?filter=includes&text=version", nil)
	list := resp.Data.([]interface{})
	require.Len(t, list, 1)
	entry := list[0].(map[string]interface{})
	assert.Equal(t, "C1|version", entry["text"])
	assert.Equal(t, "   0.000 C1|version", entry["line"])

	_, resp = h.do(t, http.MethodGet, "/api/v1/messages?after=1", nil)
	assert.Len(t, resp.Data.([]interface{}), 1)

	status, _ = h.do(t, http.MethodGet, "/api/v1/messages?filter=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodGet, "/api/v1/messages?after=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(t, http.MethodDelete, "/api/v1/messages", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, h.sessions.log.Len())
}

func TestRelayRoutes(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t, false)
		for _, path := range []string{"/api/v1/relay/login", "/api/v1/relay/logout", "/api/v1/relay/enabled", "/api/v1/relay/test"} {
			status, resp := h.do(t, http.MethodPost, path, nil)
			assert.Equal(t, http.StatusServiceUnavailable, status, path)
			assert.Equal(t, "UNAVAILABLE", resp.Code, path)
		}
	})

	t.Run("login uses configured email", func(t *testing.T) {
		h := newHarness(t, true)
		status, resp := h.do(t, http.MethodPost, "/api/v1/relay/login", nil)
		require.Equal(t, http.StatusOK, status)
		data := dataMap(t, resp)
		assert.Equal(t, "LoggedIn", data["state"])
		assert.Equal(t, "op@example.com", data["email"])

		status, resp = h.do(t, http.MethodPost, "/api/v1/relay/logout", nil)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "LoggedOut", dataMap(t, resp)["state"])
	})

	t.Run("enabled toggle", func(t *testing.T) {
		h := newHarness(t, true)
		status, resp := h.do(t, http.MethodPost, "/api/v1/relay/enabled", map[string]bool{"enabled": false})
		require.Equal(t, http.StatusOK, status)
		data := dataMap(t, resp)
		assert.Equal(t, false, data["enabled"])
		assert.Equal(t, "LoggedOut", data["state"])

		status, resp = h.do(t, http.MethodPost, "/api/v1/relay/enabled", map[string]bool{"enabled": true})
		require.Equal(t, http.StatusOK, status)
		data = dataMap(t, resp)
		assert.Equal(t, true, data["enabled"])
		assert.Equal(t, "LoggedIn", data["state"])

		status, resp = h.do(t, http.MethodPost, "/api/v1/relay/enabled", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "BAD_REQUEST", resp.Code)

		calls := h.audit.recorded()
		require.Len(t, calls, 2)
		assert.Equal(t, "relay.enabled", calls[0].action)
		assert.Equal(t, "op@example.com", calls[0].target)
	})

	t.Run("login failure", func(t *testing.T) {
		h := newHarness(t, true)
		h.relay.mu.Lock()
		h.relay.loginFn = func(string) error { return fmt.Errorf("%w: denied", relay.ErrLoginFailed) }
		h.relay.mu.Unlock()
		status, resp := h.do(t, http.MethodPost, "/api/v1/relay/login", map[string]string{"email": "x@example.com"})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "UNAUTHORIZED", resp.Code)
	})

	t.Run("test connection", func(t *testing.T) {
		h := newHarness(t, true)
		status, resp := h.do(t, http.MethodPost, "/api/v1/relay/test", map[string]string{"target": "wan.9999-0000"})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, dataMap(t, resp)["ok"])
		assert.Equal(t, []string{"9999-0000"}, h.relay.testedSerials())

		status, resp = h.do(t, http.MethodPost, "/api/v1/relay/test", map[string]string{"target": "wan.0000"})
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "NOT_FOUND", resp.Code)

		status, _ = h.do(t, http.MethodPost, "/api/v1/relay/test", map[string]string{"target": "a.b.c"})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, false)
	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "xapi_test_total")
}

func TestServerStop(t *testing.T) {
	s := NewServer(Deps{Sessions: newFakeSession()}, Options{})
	assert.NoError(t, s.Stop(context.Background()))

	errs := make(chan error, 1)
	ln, err := newLocalListener()
	require.NoError(t, err)
	go func() { errs <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestEventsUnavailable(t *testing.T) {
	h := newHarness(t, false)
	status, resp := h.do(t, http.MethodGet, "/api/v1/events", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "UNAVAILABLE", resp.Code)
}

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}
