package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/secrets"
)

const (
	testSecret = "relay-test-secret"
	testEmail  = "op@example.com"
)

func mintToken(t *testing.T, email string, ttl time.Duration) string {
	t.Helper()
	claims := IDClaims{
		Email: email,
		Name:  "Test Operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "auth0|1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type fakeAuth struct {
	mu     sync.Mutex
	calls  []string
	tokens Tokens
	err    error
}

func (a *fakeAuth) Refresh(_ context.Context, refresh string) (Tokens, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, refresh)
	return a.tokens, a.err
}

type fakePrompt struct {
	mu     sync.Mutex
	calls  int
	tokens Tokens
	err    error
}

func (p *fakePrompt) Credentials(context.Context, string) (Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.tokens, p.err
}

type fakeBroker struct {
	mu          sync.Mutex
	registered  []string
	registerErr error
	handle      string
	connectErr  error
	result      TestResult
	closed      bool
}

func (b *fakeBroker) Register(_ context.Context, program, _ string) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = append(b.registered, program)
	return Account{Callsign: "N0CALL"}, b.registerErr
}

func (b *fakeBroker) Connect(_ context.Context, serial string) (string, error) {
	if b.connectErr != nil {
		return "", b.connectErr
	}
	return b.handle, nil
}

func (b *fakeBroker) Test(context.Context, string) (TestResult, error) {
	return b.result, nil
}

func (b *fakeBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type countingStore struct {
	secrets.Store
	mu                  sync.Mutex
	gets, sets, deletes int
}

func (c *countingStore) Get(service, account string) (string, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Store.Get(service, account)
}

func (c *countingStore) Set(service, account, secret string) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.Store.Set(service, account, secret)
}

func (c *countingStore) Delete(service, account string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Store.Delete(service, account)
}

func (c *countingStore) touches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets + c.sets + c.deletes
}

type loginRecorder struct {
	mu     sync.Mutex
	logins []bool
	tests  []TestResult
}

func (r *loginRecorder) RelayLoginState(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logins = append(r.logins, ok)
}

func (r *loginRecorder) RelayTestResult(ok bool, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests = append(r.tests, TestResult{OK: ok, Message: msg})
}

func (r *loginRecorder) loginStates() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.logins...)
}

type relayHarness struct {
	store    *countingStore
	auth     *fakeAuth
	prompt   *fakePrompt
	broker   *fakeBroker
	dials    int
	registry *radio.Registry
	obs      *loginRecorder
	s        *Session
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	verifier, err := NewVerifier(VerifierConfig{SecretKey: testSecret})
	require.NoError(t, err)

	h := &relayHarness{
		store:    &countingStore{Store: secrets.NewMemoryStore()},
		auth:     &fakeAuth{},
		prompt:   &fakePrompt{},
		broker:   &fakeBroker{handle: "wan-handle-1", result: TestResult{OK: true, Message: "UPnP ok"}},
		registry: radio.NewRegistry(clock.NewMock()),
		obs:      &loginRecorder{},
	}
	h.s = NewSession(Deps{
		Store:    h.store,
		Auth:     h.auth,
		Prompt:   h.prompt,
		Verifier: verifier,
		Dial: func(context.Context, Handler) (Broker, error) {
			h.dials++
			return h.broker, nil
		},
		Registry: h.registry,
		Observer: h.obs,
	}, Options{Program: "xApi", Email: testEmail, Logger: zaptest.NewLogger(t)})
	return h
}

func relayResource(serial string) radio.Resource {
	return radio.Resource{
		Serial:  serial,
		Access:  radio.AccessRelay,
		Status:  radio.StatusAvailable,
		Version: radio.Version{Major: 3, Minor: 2, Patch: 39},
	}
}

func TestSilentLoginWithStoredToken(t *testing.T) {
	h := newRelayHarness(t)
	require.NoError(t, h.store.Set("xApi.oauth-token", testEmail, "refresh-1"))
	h.auth.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour)}

	require.NoError(t, h.s.Login(context.Background(), testEmail))

	assert.Equal(t, LoggedIn, h.s.Status().State)
	assert.Equal(t, "N0CALL", h.s.Status().Account.Callsign)
	assert.Equal(t, []string{"refresh-1"}, h.auth.calls)
	assert.Equal(t, 0, h.prompt.calls)
	assert.Equal(t, []string{"xApi"}, h.broker.registered)
	assert.Equal(t, []bool{true}, h.obs.loginStates())
}

func TestRotatedRefreshTokenIsStored(t *testing.T) {
	h := newRelayHarness(t)
	require.NoError(t, h.store.Set("xApi.oauth-token", testEmail, "refresh-1"))
	h.auth.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour), RefreshToken: "refresh-2"}

	require.NoError(t, h.s.Login(context.Background(), testEmail))
	got, err := h.store.Get("xApi.oauth-token", testEmail)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", got)
}

func TestRejectedTokenFallsBackToPrompt(t *testing.T) {
	h := newRelayHarness(t)
	require.NoError(t, h.store.Set("xApi.oauth-token", testEmail, "stale"))
	h.auth.err = ErrTokenRejected
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour), RefreshToken: "fresh"}

	require.NoError(t, h.s.Login(context.Background(), testEmail))

	assert.Equal(t, 1, h.prompt.calls)
	got, err := h.store.Get("xApi.oauth-token", testEmail)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, []bool{true}, h.obs.loginStates())
}

func TestMissingTokenPrompts(t *testing.T) {
	h := newRelayHarness(t)
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour), RefreshToken: "first"}

	require.NoError(t, h.s.Login(context.Background(), testEmail))
	assert.Empty(t, h.auth.calls)
	assert.Equal(t, 1, h.prompt.calls)
}

func TestLoginWhileLoggedInOnlyReportsState(t *testing.T) {
	h := newRelayHarness(t)
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour)}
	require.NoError(t, h.s.Login(context.Background(), testEmail))

	before := h.store.touches()
	require.NoError(t, h.s.Login(context.Background(), testEmail))

	assert.Equal(t, before, h.store.touches())
	assert.Equal(t, 1, h.dials)
	assert.Equal(t, []bool{true, true}, h.obs.loginStates())
	assert.Equal(t, LoggedIn, h.s.Status().State)
}

func TestLoginFailures(t *testing.T) {
	t.Run("prompt fails", func(t *testing.T) {
		h := newRelayHarness(t)
		h.prompt.err = errors.New("user closed the window")
		err := h.s.Login(context.Background(), testEmail)
		assert.ErrorIs(t, err, ErrLoginFailed)
		assert.Equal(t, LoggedOut, h.s.Status().State)
		assert.Equal(t, []bool{false}, h.obs.loginStates())
	})
	t.Run("token for another account", func(t *testing.T) {
		h := newRelayHarness(t)
		h.prompt.tokens = Tokens{IDToken: mintToken(t, "other@example.com", time.Hour)}
		err := h.s.Login(context.Background(), testEmail)
		assert.ErrorIs(t, err, ErrLoginFailed)
		assert.Equal(t, 0, h.dials)
	})
	t.Run("expired token", func(t *testing.T) {
		h := newRelayHarness(t)
		h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, -time.Minute)}
		err := h.s.Login(context.Background(), testEmail)
		assert.ErrorIs(t, err, ErrLoginFailed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
	t.Run("relay refuses registration", func(t *testing.T) {
		h := newRelayHarness(t)
		h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour)}
		h.broker.registerErr = ErrTokenRejected
		err := h.s.Login(context.Background(), testEmail)
		assert.ErrorIs(t, err, ErrLoginFailed)
		assert.True(t, h.broker.closed)
	})
	t.Run("empty email", func(t *testing.T) {
		h := newRelayHarness(t)
		assert.ErrorIs(t, h.s.Login(context.Background(), " "), ErrLoginFailed)
		assert.Equal(t, []bool{false}, h.obs.loginStates())
	})
}

// gatedPrompt holds the interactive login until release is closed.
type gatedPrompt struct {
	entered chan struct{}
	release chan struct{}
	tokens  Tokens
}

func newGatedPrompt(tokens Tokens) *gatedPrompt {
	return &gatedPrompt{entered: make(chan struct{}), release: make(chan struct{}), tokens: tokens}
}

func (p *gatedPrompt) Credentials(context.Context, string) (Tokens, error) {
	close(p.entered)
	<-p.release
	return p.tokens, nil
}

func TestLogoutAbortsLoginInProgress(t *testing.T) {
	for _, tc := range []struct {
		name      string
		stop      func(s *Session) error
		keepToken bool
	}{
		{name: "logout", stop: func(s *Session) error { return s.Logout(context.Background()) }},
		{name: "disable", stop: func(s *Session) error { return s.SetEnabled(context.Background(), false) }},
		{name: "close", stop: func(s *Session) error { return s.Close() }, keepToken: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newRelayHarness(t)
			prompt := newGatedPrompt(Tokens{IDToken: mintToken(t, testEmail, time.Hour), RefreshToken: "late"})
			h.s.deps.Prompt = prompt

			done := make(chan error, 1)
			go func() { done <- h.s.Login(context.Background(), testEmail) }()
			<-prompt.entered
			require.Equal(t, LoggingIn, h.s.Status().State)

			require.NoError(t, tc.stop(h.s))
			assert.Equal(t, LoggedOut, h.s.Status().State)
			close(prompt.release)

			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrLoginAborted)
			case <-time.After(2 * time.Second):
				t.Fatal("login did not return")
			}
			assert.Equal(t, LoggedOut, h.s.Status().State)
			assert.True(t, h.broker.closed)
			assert.Equal(t, []bool{false}, h.obs.loginStates())

			_, err := h.store.Get("xApi.oauth-token", testEmail)
			if tc.keepToken {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, secrets.ErrNotFound)
			}

			// a fresh login afterwards works
			fresh := Tokens{IDToken: mintToken(t, testEmail, time.Hour)}
			h.auth.tokens = fresh
			h.s.deps.Prompt = &fakePrompt{tokens: fresh}
			require.NoError(t, h.s.Login(context.Background(), testEmail))
			assert.Equal(t, LoggedIn, h.s.Status().State)
		})
	}
}

func TestConcurrentLoginIsReported(t *testing.T) {
	h := newRelayHarness(t)
	prompt := newGatedPrompt(Tokens{IDToken: mintToken(t, testEmail, time.Hour)})
	h.s.deps.Prompt = prompt

	done := make(chan error, 1)
	go func() { done <- h.s.Login(context.Background(), testEmail) }()
	<-prompt.entered

	assert.ErrorIs(t, h.s.Login(context.Background(), testEmail), ErrLoginInProgress)
	assert.Equal(t, []bool{false}, h.obs.loginStates())

	close(prompt.release)
	require.NoError(t, <-done)
	assert.Equal(t, []bool{false, true}, h.obs.loginStates())
}

func TestLogoutForgetsTokenAndRelayResources(t *testing.T) {
	h := newRelayHarness(t)
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour), RefreshToken: "r"}
	require.NoError(t, h.s.Login(context.Background(), testEmail))

	h.s.ResourceAnnounced(relayResource("R1"))
	h.registry.Upsert(radio.Resource{Serial: "L1", Access: radio.AccessLocal})
	require.Len(t, h.registry.Snapshot(), 2)

	require.NoError(t, h.s.Logout(context.Background()))

	snap := h.registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "L1", snap[0].Serial)
	_, err := h.store.Get("xApi.oauth-token", testEmail)
	assert.ErrorIs(t, err, secrets.ErrNotFound)
	assert.True(t, h.broker.closed)
	assert.Equal(t, []bool{true, false}, h.obs.loginStates())

	// already logged out
	require.NoError(t, h.s.Logout(context.Background()))
	assert.Equal(t, []bool{true, false}, h.obs.loginStates())
}

func TestSetEnabledDrivesLogin(t *testing.T) {
	h := newRelayHarness(t)
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour)}
	ctx := context.Background()

	require.NoError(t, h.s.SetEnabled(ctx, true))
	assert.Equal(t, LoggedIn, h.s.Status().State)
	require.NoError(t, h.s.SetEnabled(ctx, true))
	assert.Equal(t, 1, h.dials)

	require.NoError(t, h.s.SetEnabled(ctx, false))
	assert.Equal(t, LoggedOut, h.s.Status().State)
	require.NoError(t, h.s.SetEnabled(ctx, false))

	assert.Equal(t, []bool{true, false}, h.obs.loginStates())
	assert.False(t, h.s.Status().Enabled)
}

func TestValidateTarget(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	_, err := h.s.ValidateTarget(ctx, relayResource("R1"))
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	_, err = h.s.ValidateTarget(ctx, radio.Resource{Serial: "L1"})
	assert.ErrorIs(t, err, ErrNotRelayResource)

	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour)}
	require.NoError(t, h.s.Login(ctx, testEmail))
	handle, err := h.s.ValidateTarget(ctx, relayResource("R1"))
	require.NoError(t, err)
	assert.Equal(t, "wan-handle-1", handle)

	h.broker.connectErr = errors.New("radio is not reachable")
	_, err = h.s.ValidateTarget(ctx, relayResource("R1"))
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestTestConnectionReportsResult(t *testing.T) {
	h := newRelayHarness(t)
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour)}
	require.NoError(t, h.s.Login(context.Background(), testEmail))

	result, err := h.s.TestConnection(context.Background(), relayResource("R1"))
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.Equal(t, []TestResult{{OK: true, Message: "UPnP ok"}}, h.obs.tests)
}

func TestTestConnectionFailuresAreReported(t *testing.T) {
	h := newRelayHarness(t)
	ctx := context.Background()

	_, err := h.s.TestConnection(ctx, relayResource("R1"))
	assert.ErrorIs(t, err, ErrNotLoggedIn)
	_, err = h.s.TestConnection(ctx, radio.Resource{Serial: "L1"})
	assert.ErrorIs(t, err, ErrNotRelayResource)

	require.Len(t, h.obs.tests, 2)
	for _, r := range h.obs.tests {
		assert.False(t, r.OK)
		assert.NotEmpty(t, r.Message)
	}
}

func TestBrokerLossKeepsStoredToken(t *testing.T) {
	h := newRelayHarness(t)
	h.prompt.tokens = Tokens{IDToken: mintToken(t, testEmail, time.Hour), RefreshToken: "keep"}
	require.NoError(t, h.s.Login(context.Background(), testEmail))
	h.s.ResourceAnnounced(relayResource("R1"))

	h.s.BrokerClosed(ErrBrokerClosed)

	assert.Equal(t, LoggedOut, h.s.Status().State)
	assert.Empty(t, h.registry.Snapshot())
	got, err := h.store.Get("xApi.oauth-token", testEmail)
	require.NoError(t, err)
	assert.Equal(t, "keep", got)
	assert.Equal(t, []bool{true, false}, h.obs.loginStates())
}

func TestResourceWithdrawn(t *testing.T) {
	h := newRelayHarness(t)
	h.s.ResourceAnnounced(relayResource("R1"))
	h.s.ResourceAnnounced(relayResource("R2"))
	h.s.ResourceWithdrawn("R1")

	snap := h.registry.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "R2", snap[0].Serial)
}
