package session

import (
	"errors"
	"fmt"

	"github.com/radio-control/xapi/internal/msglog"
	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/transport"
)

// Connection errors.
var (
	ErrNoResourceFound         = errors.New("no resource found")
	ErrNoMatch                 = errors.New("no matching resource")
	ErrAlreadyInProgress       = errors.New("connection attempt already in progress")
	ErrArbiterRefused          = errors.New("occupancy state has no connect action")
	ErrTransportOpenFailed     = errors.New("transport open failed")
	ErrTransportEvictionFailed = errors.New("transport eviction failed")
	ErrRelayValidationFailed   = errors.New("relay validation failed")
	ErrResourceGone            = errors.New("radio is no longer available")
	ErrRelayLoginFailed        = relay.ErrLoginFailed
	ErrMalformedProtocolLine   = msglog.ErrMalformedLine

	ErrCancelled    = errors.New("cancelled")
	ErrNotActive    = errors.New("no active session")
	ErrEmptyCommand = errors.New("empty command")
	ErrNotShared    = errors.New("session is not shared")
	ErrStopped      = errors.New("session manager is not running")
)

// NoMatchError reports a requested resource identity that is not known.
type NoMatchError struct {
	Requested string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no resource matches %q", e.Requested)
}

func (e *NoMatchError) Unwrap() error {
	return ErrNoMatch
}

// ConnectError is a failed connect attempt against Target.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Target == "" {
		return "connect: " + e.Err.Error()
	}
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Message returns the text shown to the operator.
func (e *ConnectError) Message() string {
	switch {
	case errors.Is(e.Err, ErrNoResourceFound):
		return "No radios found"
	case errors.Is(e.Err, ErrResourceGone):
		return "Radio is no longer available"
	case errors.Is(e.Err, ErrNoMatch):
		return e.Err.Error()
	case errors.Is(e.Err, ErrArbiterRefused):
		return "Unable to connect to the radio in its current state"
	case errors.Is(e.Err, ErrRelayValidationFailed):
		return "Unable to reach the radio through the relay: " + e.Err.Error()
	case errors.Is(e.Err, ErrTransportEvictionFailed):
		return "Failed to close the other client: " + e.Err.Error()
	case errors.Is(e.Err, transport.ErrUnavailable):
		return "Radio unavailable: " + e.Err.Error()
	default:
		return e.Err.Error()
	}
}

// silent reports whether err ends an attempt without an observer callback.
func silent(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrAlreadyInProgress) || errors.Is(err, ErrStopped)
}
