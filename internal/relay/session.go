package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/secrets"
)

// LoginState is the relay login state.
type LoginState int

const (
	LoggedOut LoginState = iota
	LoggingIn
	LoggedIn
)

func (s LoginState) String() string {
	switch s {
	case LoggedOut:
		return "LoggedOut"
	case LoggingIn:
		return "LoggingIn"
	case LoggedIn:
		return "LoggedIn"
	default:
		return fmt.Sprintf("LoginState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LoginState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TokenVerifier checks an ID token and returns its claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*IDClaims, error)
}

// Registry is the part of the resource registry the relay writes to.
type Registry interface {
	Upsert(res radio.Resource)
	Remove(serial string, access radio.AccessPath) bool
	RemoveAccess(access radio.AccessPath) int
}

// Observer is told about login state changes and test results.
type Observer interface {
	RelayLoginState(loggedIn bool)
	RelayTestResult(ok bool, message string)
}

// Observers fans relay events out to several observers.
type Observers []Observer

func (o Observers) RelayLoginState(loggedIn bool) {
	for _, ob := range o {
		ob.RelayLoginState(loggedIn)
	}
}

func (o Observers) RelayTestResult(ok bool, message string) {
	for _, ob := range o {
		ob.RelayTestResult(ok, message)
	}
}

// Options configures a Session.
type Options struct {
	// Program names the refresh token service, "<Program>.oauth-token".
	Program string
	// Email is the account used by SetEnabled.
	Email   string
	Enabled bool
	Logger  *zap.Logger
}

// Deps are the collaborators of a Session. Prompt and Observer may be nil.
type Deps struct {
	Store    secrets.Store
	Auth     Authenticator
	Prompt   CredentialPrompt
	Verifier TokenVerifier
	Dial     Dialer
	Registry Registry
	Observer Observer
}

// Status is a snapshot of the session.
type Status struct {
	State   LoginState `json:"state"`
	Enabled bool       `json:"enabled"`
	Email   string     `json:"email,omitempty"`
	Name    string     `json:"name,omitempty"`
	Account Account    `json:"account"`
}

// Session is the relay login state machine. Refresh tokens live only in
// the secret store and in local variables of a login in progress.
type Session struct {
	deps Deps
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	state   LoginState
	enabled bool
	email   string
	name    string
	account Account
	broker  Broker

	pending *loginAttempt
}

// loginAttempt is a login in progress. Its fields are guarded by Session.mu.
type loginAttempt struct {
	cancel  context.CancelFunc
	aborted bool
	// forget is set when a Logout aborted the attempt, so the stored token
	// goes too.
	forget bool
}

// NewSession creates a logged out session.
func NewSession(deps Deps, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Program == "" {
		opts.Program = "xApi"
	}
	return &Session{
		deps:    deps,
		opts:    opts,
		log:     opts.Logger,
		enabled: opts.Enabled,
		email:   opts.Email,
	}
}

// TokenService is the secret store service holding refresh tokens.
func (s *Session) TokenService() string {
	return s.opts.Program + ".oauth-token"
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{State: s.state, Enabled: s.enabled, Email: s.email, Name: s.name, Account: s.account}
}

// Login signs in as email. A session already logged in as email reports
// true again and does nothing else. A Logout or Close while the login is
// in progress aborts it.
func (s *Session) Login(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		s.notifyLogin(false)
		return fmt.Errorf("%w: email is required", ErrLoginFailed)
	}

	s.mu.Lock()
	switch s.state {
	case LoggingIn:
		s.mu.Unlock()
		s.notifyLogin(false)
		return ErrLoginInProgress
	case LoggedIn:
		same := strings.EqualFold(s.email, email)
		s.mu.Unlock()
		if same {
			s.notifyLogin(true)
			return nil
		}
		if err := s.Logout(ctx); err != nil {
			return err
		}
		return s.Login(ctx, email)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.state = LoggingIn
	s.email = email
	attempt := &loginAttempt{cancel: cancel}
	s.pending = attempt
	s.mu.Unlock()

	s.log.Info("relay login", zap.String("email", email))
	broker, claims, account, err := s.login(ctx, email)

	s.mu.Lock()
	aborted, forget := attempt.aborted, attempt.forget
	if !aborted {
		s.pending = nil
	}
	switch {
	case aborted:
	case err != nil:
		s.state = LoggedOut
	default:
		s.state = LoggedIn
		s.broker = broker
		s.name = claims.Name
		s.account = account
	}
	s.mu.Unlock()

	if aborted {
		if broker != nil {
			if cerr := broker.Close(); cerr != nil {
				s.log.Debug("relay close", zap.Error(cerr))
			}
			if s.Status().State != LoggedIn && s.deps.Registry != nil {
				s.deps.Registry.RemoveAccess(radio.AccessRelay)
			}
		}
		if forget {
			if derr := s.deps.Store.Delete(s.TokenService(), email); derr != nil {
				s.log.Warn("failed to delete refresh token", zap.Error(derr))
			}
		}
		s.log.Info("relay login aborted", zap.String("email", email))
		s.notifyLogin(false)
		return ErrLoginAborted
	}

	if err != nil {
		s.log.Error("relay login failed", zap.String("email", email), zap.Error(err))
	} else {
		s.log.Info("relay logged in", zap.String("email", email), zap.String("callsign", account.Callsign))
	}
	s.notifyLogin(err == nil)
	return err
}

func (s *Session) login(ctx context.Context, email string) (Broker, *IDClaims, Account, error) {
	tokens, err := s.silentLogin(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrTokenRejected) && !errors.Is(err, ErrNoStoredToken) {
			return nil, nil, Account{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		s.log.Info("interactive relay login required", zap.String("reason", err.Error()))
		if errors.Is(err, ErrTokenRejected) {
			if derr := s.deps.Store.Delete(s.TokenService(), email); derr != nil {
				s.log.Warn("failed to forget rejected token", zap.Error(derr))
			}
		}
		if s.deps.Prompt == nil {
			return nil, nil, Account{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		tokens, err = s.deps.Prompt.Credentials(ctx, email)
		if err != nil {
			return nil, nil, Account{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
		}
		if tokens.RefreshToken != "" {
			if err := s.deps.Store.Set(s.TokenService(), email, tokens.RefreshToken); err != nil {
				s.log.Warn("failed to store refresh token", zap.Error(err))
			}
		}
	}

	claims, err := s.deps.Verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return nil, nil, Account{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	if !strings.EqualFold(claims.Email, email) {
		return nil, nil, Account{}, fmt.Errorf("%w: token is for %s", ErrLoginFailed, claims.Email)
	}

	broker, err := s.deps.Dial(ctx, s)
	if err != nil {
		return nil, nil, Account{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	account, err := broker.Register(ctx, s.opts.Program, tokens.IDToken)
	if err != nil {
		_ = broker.Close()
		return nil, nil, Account{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	return broker, claims, account, nil
}

// silentLogin trades the stored refresh token for fresh tokens, storing a
// rotated refresh token.
func (s *Session) silentLogin(ctx context.Context, email string) (Tokens, error) {
	refresh, err := s.deps.Store.Get(s.TokenService(), email)
	if errors.Is(err, secrets.ErrNotFound) {
		return Tokens{}, ErrNoStoredToken
	}
	if err != nil {
		return Tokens{}, err
	}
	tokens, err := s.deps.Auth.Refresh(ctx, refresh)
	if err != nil {
		return Tokens{}, err
	}
	if tokens.RefreshToken != "" && tokens.RefreshToken != refresh {
		if err := s.deps.Store.Set(s.TokenService(), email, tokens.RefreshToken); err != nil {
			s.log.Warn("failed to store rotated refresh token", zap.Error(err))
		}
	}
	return tokens, nil
}

// Logout forgets the stored token, withdraws relay resources and closes the
// relay connection. Logging out while logged out does nothing.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.state == LoggingIn {
		s.cancelLoginLocked(true)
		s.mu.Unlock()
		return nil
	}
	if s.state != LoggedIn {
		s.mu.Unlock()
		return nil
	}
	broker, email := s.broker, s.email
	s.broker = nil
	s.state = LoggedOut
	s.name, s.account = "", Account{}
	s.mu.Unlock()

	if err := s.deps.Store.Delete(s.TokenService(), email); err != nil {
		s.log.Warn("failed to delete refresh token", zap.Error(err))
	}
	removed := 0
	if s.deps.Registry != nil {
		removed = s.deps.Registry.RemoveAccess(radio.AccessRelay)
	}
	if broker != nil {
		if err := broker.Close(); err != nil {
			s.log.Debug("relay close", zap.Error(err))
		}
	}
	s.log.Info("relay logged out", zap.String("email", email), zap.Int("removed", removed))
	s.notifyLogin(false)
	return nil
}

// SetEnabled logs in when enabled while logged out, and out when disabled
// while logged in or logging in. Other combinations change nothing but the
// flag.
func (s *Session) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.enabled = enabled
	state, email := s.state, s.email
	s.mu.Unlock()

	switch {
	case enabled && state == LoggedOut:
		if email == "" {
			return fmt.Errorf("%w: no account configured", ErrLoginFailed)
		}
		return s.Login(ctx, email)
	case !enabled && state != LoggedOut:
		return s.Logout(ctx)
	}
	return nil
}

// ValidateTarget asks the relay for a path to res and returns the handle
// the radio expects on open.
func (s *Session) ValidateTarget(ctx context.Context, res radio.Resource) (string, error) {
	if res.Access != radio.AccessRelay {
		return "", ErrNotRelayResource
	}
	broker, err := s.activeBroker()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	handle, err := broker.Connect(ctx, res.Serial)
	if err != nil {
		if errors.Is(err, ErrValidationFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	s.log.Info("relay path ready", zap.String("serial", res.Serial))
	return handle, nil
}

// TestConnection runs the relay connectivity test for res and reports the
// result to the Observer.
func (s *Session) TestConnection(ctx context.Context, res radio.Resource) (TestResult, error) {
	if res.Access != radio.AccessRelay {
		s.notifyTest(TestResult{Message: ErrNotRelayResource.Error()})
		return TestResult{}, ErrNotRelayResource
	}
	broker, err := s.activeBroker()
	if err != nil {
		s.notifyTest(TestResult{Message: err.Error()})
		return TestResult{}, err
	}
	result, err := broker.Test(ctx, res.Serial)
	if err != nil {
		result = TestResult{OK: false, Message: err.Error()}
	}
	s.log.Info("relay test", zap.String("serial", res.Serial), zap.Bool("ok", result.OK), zap.String("message", result.Message))
	s.notifyTest(result)
	return result, err
}

func (s *Session) activeBroker() (Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != LoggedIn || s.broker == nil {
		return nil, ErrNotLoggedIn
	}
	return s.broker, nil
}

// Close drops the relay connection without forgetting the stored token.
// A login in progress is aborted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == LoggingIn {
		s.cancelLoginLocked(false)
	}
	broker := s.broker
	s.broker = nil
	s.state = LoggedOut
	s.mu.Unlock()
	if broker == nil {
		return nil
	}
	return broker.Close()
}

// ResourceAnnounced implements Handler.
func (s *Session) ResourceAnnounced(res radio.Resource) {
	if s.deps.Registry != nil {
		s.deps.Registry.Upsert(res)
	}
}

// ResourceWithdrawn implements Handler.
func (s *Session) ResourceWithdrawn(serial string) {
	if s.deps.Registry != nil {
		s.deps.Registry.Remove(serial, radio.AccessRelay)
	}
}

// BrokerClosed implements Handler. A lost connection logs the session out
// but keeps the stored token for the next login.
func (s *Session) BrokerClosed(err error) {
	s.mu.Lock()
	if s.state != LoggedIn {
		s.mu.Unlock()
		return
	}
	s.state = LoggedOut
	s.broker = nil
	s.mu.Unlock()

	s.log.Warn("relay connection lost", zap.Error(err))
	if s.deps.Registry != nil {
		s.deps.Registry.RemoveAccess(radio.AccessRelay)
	}
	s.notifyLogin(false)
}

func (s *Session) notifyLogin(ok bool) {
	if s.deps.Observer != nil {
		s.deps.Observer.RelayLoginState(ok)
	}
}

func (s *Session) notifyTest(result TestResult) {
	if s.deps.Observer != nil {
		s.deps.Observer.RelayTestResult(result.OK, result.Message)
	}
}

// cancelLoginLocked marks the login in progress as aborted. Login notices
// when it returns and cleans up. Called with s.mu held.
func (s *Session) cancelLoginLocked(forget bool) {
	s.state = LoggedOut
	s.name, s.account = "", Account{}
	if a := s.pending; a != nil {
		a.aborted, a.forget = true, forget
		a.cancel()
		s.pending = nil
	}
}
