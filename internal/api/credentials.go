package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/radio-control/xapi/internal/relay"
)

// ErrNoCredentialRequest is returned when credentials are posted for an
// email no login is waiting on.
var ErrNoCredentialRequest = errors.New("no login is waiting for credentials")

// CredentialRequest is a relay login waiting for the operator to complete
// the interactive sign-in.
type CredentialRequest struct {
	Email  string    `json:"email"`
	Raised time.Time `json:"raised"`
}

// CredentialDesk is a relay.CredentialPrompt fed over HTTP. The operator's
// browser completes the identity provider flow and posts the tokens back.
type CredentialDesk struct {
	notify DecisionNotifier
	clock  clock.Clock
	log    *zap.Logger

	mu      sync.Mutex
	waiting map[string]*credentialWait
}

type credentialWait struct {
	req    CredentialRequest
	tokens chan relay.Tokens
}

var _ relay.CredentialPrompt = (*CredentialDesk)(nil)

// NewCredentialDesk creates a desk. notify, clk and log may be nil.
func NewCredentialDesk(notify DecisionNotifier, clk clock.Clock, log *zap.Logger) *CredentialDesk {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CredentialDesk{notify: notify, clock: clk, log: log, waiting: make(map[string]*credentialWait)}
}

// Credentials blocks until Supply is called for email or ctx ends. A second
// request for the same email replaces the first.
func (d *CredentialDesk) Credentials(ctx context.Context, email string) (relay.Tokens, error) {
	key := strings.ToLower(email)
	w := &credentialWait{
		req:    CredentialRequest{Email: email, Raised: d.clock.Now().UTC()},
		tokens: make(chan relay.Tokens, 1),
	}
	d.mu.Lock()
	d.waiting[key] = w
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.waiting[key] == w {
			delete(d.waiting, key)
		}
		d.mu.Unlock()
	}()

	if d.notify != nil {
		d.notify.Decision(map[string]interface{}{"kind": "credentials", "email": email})
	}
	d.log.Info("waiting for relay credentials", zap.String("email", email))

	select {
	case t := <-w.tokens:
		return t, nil
	case <-ctx.Done():
		return relay.Tokens{}, ctx.Err()
	}
}

// Waiting lists the logins waiting for credentials.
func (d *CredentialDesk) Waiting() []CredentialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CredentialRequest, 0, len(d.waiting))
	for _, w := range d.waiting {
		out = append(out, w.req)
	}
	return out
}

// Supply hands tokens to the login waiting on email.
func (d *CredentialDesk) Supply(email string, t relay.Tokens) error {
	if t.IDToken == "" {
		return fmt.Errorf("%w: idToken is required", ErrBadRequest)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(email)
	w, ok := d.waiting[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoCredentialRequest, email)
	}
	delete(d.waiting, key)
	w.tokens <- t
	return nil
}
