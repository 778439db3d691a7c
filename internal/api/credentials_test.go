package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radio-control/xapi/internal/relay"
)

func TestCredentialDesk(t *testing.T) {
	n := &notifyRecorder{}
	clk := clock.NewMock()
	clk.Add(90 * time.Minute)
	d := NewCredentialDesk(n, clk, nil)

	assert.ErrorIs(t, d.Supply("op@example.com", relay.Tokens{IDToken: "x"}), ErrNoCredentialRequest)

	got := make(chan relay.Tokens, 1)
	go func() {
		tok, err := d.Credentials(context.Background(), "Op@Example.com")
		assert.NoError(t, err)
		got <- tok
	}()
	require.Eventually(t, func() bool { return len(d.Waiting()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, n.count())
	assert.Equal(t, "Op@Example.com", d.Waiting()[0].Email)
	assert.True(t, clk.Now().Equal(d.Waiting()[0].Raised))

	assert.ErrorIs(t, d.Supply("op@example.com", relay.Tokens{}), ErrBadRequest)
	require.NoError(t, d.Supply("op@example.com", relay.Tokens{IDToken: "id", RefreshToken: "rt"}))
	assert.Equal(t, relay.Tokens{IDToken: "id", RefreshToken: "rt"}, <-got)
	assert.Empty(t, d.Waiting())
}

func TestCredentialDeskCancel(t *testing.T) {
	d := NewCredentialDesk(nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := d.Credentials(ctx, "op@example.com")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(d.Waiting()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, d.Waiting())
}

func TestCredentialRoutes(t *testing.T) {
	h := newHarness(t, true)
	body := map[string]string{"email": "op@example.com", "idToken": "id"}

	status, resp := h.do(t, http.MethodPost, "/api/v1/relay/credentials", body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", resp.Code)

	go func() { _, _ = h.creds.Credentials(context.Background(), "op@example.com") }()
	require.Eventually(t, func() bool { return len(h.creds.Waiting()) == 1 }, time.Second, 5*time.Millisecond)

	_, resp = h.do(t, http.MethodGet, "/api/v1/relay/credentials", nil)
	assert.Len(t, resp.Data.([]interface{}), 1)

	status, _ = h.do(t, http.MethodPost, "/api/v1/relay/credentials", body)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, h.creds.Waiting())

	bare := newHarness(t, false)
	status, _ = bare.do(t, http.MethodGet, "/api/v1/relay/credentials", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
