package relay

import (
	"context"

	"github.com/radio-control/xapi/internal/radio"
)

// Account describes the operator the relay registered.
type Account struct {
	Callsign  string `json:"callsign,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// TestResult is the outcome of a relay connectivity test.
type TestResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Broker is an open connection to the relay server.
type Broker interface {
	// Register authenticates the connection with an ID token.
	Register(ctx context.Context, program, idToken string) (Account, error)
	// Connect asks the relay to broker a path to serial and returns the
	// handle the radio expects on open.
	Connect(ctx context.Context, serial string) (string, error)
	// Test runs the relay's connectivity check for serial.
	Test(ctx context.Context, serial string) (TestResult, error)
	Close() error
}

// Handler receives what the relay pushes on its own.
type Handler interface {
	ResourceAnnounced(res radio.Resource)
	ResourceWithdrawn(serial string)
	// BrokerClosed reports a connection that ended without Close.
	BrokerClosed(err error)
}

// Dialer opens a Broker that reports to h.
type Dialer func(ctx context.Context, h Handler) (Broker, error)
