package transport

import (
	"context"

	"github.com/radio-control/xapi/internal/arbiter"
	"github.com/radio-control/xapi/internal/radio"
)

// EvictAll asks a legacy resource to tear down its only session; legacy
// resources cannot evict a single occupant.
const EvictAll radio.Handle = 0

// OpenParams describes the session to open.
type OpenParams struct {
	Resource radio.Resource
	Station  string
	Program  string
	// ClientID is sent only for exclusive sessions.
	ClientID string
	Mode     arbiter.Mode
	// RelayHandle is the brokered path for relay resources.
	RelayHandle string
}

// EventKind identifies a transport event.
type EventKind int

const (
	LineSent EventKind = iota
	LineReceived
	// Closed reports that the connection was lost. It is not sent for Close.
	Closed
)

// Event is a line written or read, or a connection loss.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Transport is the command connection to one resource.
type Transport interface {
	// Open connects to the resource and returns this client's handle.
	Open(ctx context.Context, p OpenParams) (radio.Handle, error)

	// Close ends the session opened with handle.
	Close(ctx context.Context, handle radio.Handle, reason string) error

	// RequestEviction asks res to disconnect the occupant target. EvictAll
	// tears down a legacy resource's session.
	RequestEviction(ctx context.Context, res radio.Resource, target radio.Handle) error

	// Bind attaches a shared session to the stream of the occupant with the
	// given client identity. An empty identity removes the binding.
	Bind(ctx context.Context, clientID string) error

	// SendCommand writes one command line.
	SendCommand(ctx context.Context, text string) error

	// Events delivers lines and connection loss. The channel lives as long as
	// the transport.
	Events() <-chan Event
}

func (k EventKind) String() string {
	switch k {
	case LineSent:
		return "sent"
	case LineReceived:
		return "received"
	case Closed:
		return "closed"
	}
	return "unknown"
}
