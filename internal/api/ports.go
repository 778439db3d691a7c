package api

import (
	"context"
	"net/http"

	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/radio"
	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/session"
	"github.com/radio-control/xapi/internal/telemetry"
)

// SessionPort is what the API needs from the session manager.
type SessionPort interface {
	Connect(ctx context.Context, req session.ConnectRequest) error
	Disconnect(ctx context.Context, reason string) error
	Bind(ctx context.Context, clientID string) error
	SendCommand(ctx context.Context, text string) error
	State() session.State
	History() []string
	Resources() []radio.Resource
	Messages() *msglog.Log
}

// RelayPort is what the API needs from the relay session.
type RelayPort interface {
	Login(ctx context.Context, email string) error
	Logout(ctx context.Context) error
	SetEnabled(ctx context.Context, enabled bool) error
	TestConnection(ctx context.Context, res radio.Resource) (relay.TestResult, error)
	Status() relay.Status
}

// TelemetryPort serves the event stream.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// Auditor journals operator actions the session observers do not see.
type Auditor interface {
	Action(action, target string, params map[string]interface{}, err error)
}

var (
	_ SessionPort   = (*session.Manager)(nil)
	_ RelayPort     = (*relay.Session)(nil)
	_ TelemetryPort = (*telemetry.Hub)(nil)
)
