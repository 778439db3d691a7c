package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/radio-control/xapi/internal/relay"
	"github.com/radio-control/xapi/internal/session"
	"github.com/radio-control/xapi/internal/transport"
)

// API-layer errors.
var (
	ErrBadRequest        = errors.New("bad request")
	ErrNotFound          = errors.New("not found")
	ErrRelayNotEnabled   = errors.New("relay is not configured")
	ErrDecisionNotFound  = errors.New("no pending decision with that id")
	ErrInvalidChoice     = errors.New("option index out of range")
	ErrDecisionAnswered  = errors.New("decision already answered")
	ErrUnknownConnection = errors.New("unknown connection string")
)

// APIError is an error with its HTTP status and envelope code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates an APIError.
func NewAPIError(code, message string, statusCode int, details interface{}) *APIError {
	return &APIError{Code: code, Message: message, Details: details, StatusCode: statusCode}
}

// ToAPIError classifies err. Connect failures carry the operator-facing
// message of the session layer.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	message := err.Error()
	var details interface{}
	var cerr *session.ConnectError
	if errors.As(err, &cerr) {
		message = cerr.Message()
		details = map[string]string{"target": cerr.Target}
	}
	var perr *transport.ProtocolError
	if errors.As(err, &perr) {
		details = map[string]string{"hex": perr.Hex, "details": perr.Details}
	}

	code, status := classify(err)
	return &APIError{Code: code, Message: message, Details: details, StatusCode: status}
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, session.ErrEmptyCommand),
		errors.Is(err, ErrInvalidChoice),
		errors.Is(err, ErrUnknownConnection):
		return "BAD_REQUEST", http.StatusBadRequest
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrDecisionNotFound),
		errors.Is(err, ErrNoCredentialRequest),
		errors.Is(err, session.ErrNoResourceFound),
		errors.Is(err, session.ErrResourceGone),
		errors.Is(err, session.ErrNoMatch):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyInProgress):
		return "BUSY", http.StatusConflict
	case errors.Is(err, session.ErrCancelled):
		return "CANCELLED", http.StatusConflict
	case errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrNotShared),
		errors.Is(err, relay.ErrNotLoggedIn),
		errors.Is(err, relay.ErrLoginAborted),
		errors.Is(err, ErrDecisionAnswered):
		return "CONFLICT", http.StatusConflict
	case errors.Is(err, session.ErrArbiterRefused):
		return "REFUSED", http.StatusConflict
	case errors.Is(err, relay.ErrLoginFailed),
		errors.Is(err, relay.ErrLoginInProgress):
		return "UNAUTHORIZED", http.StatusUnauthorized
	case errors.Is(err, session.ErrRelayValidationFailed),
		errors.Is(err, session.ErrTransportOpenFailed),
		errors.Is(err, session.ErrTransportEvictionFailed),
		errors.Is(err, transport.ErrRejected):
		return "RADIO_ERROR", http.StatusBadGateway
	case errors.Is(err, transport.ErrUnavailable),
		errors.Is(err, session.ErrStopped),
		errors.Is(err, ErrRelayNotEnabled):
		return "UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL", http.StatusInternalServerError
	}
}
