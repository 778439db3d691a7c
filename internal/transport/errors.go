package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized transport errors.
var (
	ErrUnavailable = errors.New("UNAVAILABLE")
	ErrRejected    = errors.New("REJECTED")
	ErrNotOpen     = errors.New("NOT_OPEN")
	ErrInternal    = errors.New("INTERNAL")
)

// replyCodes maps resource reply codes to normalized errors. Codes not listed
// map to ErrRejected.
var replyCodes = map[string]error{
	"50000001": ErrUnavailable, // resource busy
	"5000002C": ErrRejected,    // incorrect number of parameters
	"50000015": ErrRejected,    // unknown command
	"500000A1": ErrUnavailable, // client limit reached
	"500000A2": ErrRejected,    // client not found
	"E2000000": ErrInternal,
}

// ProtocolError wraps a non-zero reply with its raw payload.
type ProtocolError struct {
	Code    error
	Hex     string
	Details string
}

func (e *ProtocolError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%v (reply 0x%s)", e.Code, e.Hex)
	}
	return fmt.Sprintf("%v (reply 0x%s: %s)", e.Code, e.Hex, e.Details)
}

func (e *ProtocolError) Unwrap() error {
	return e.Code
}

// ReplyError normalizes a reply code. "0" is success.
func ReplyError(hex, msg string) error {
	hex = strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(hex), "0x"))
	if hex == "" || strings.Trim(hex, "0") == "" {
		return nil
	}
	code, ok := replyCodes[hex]
	if !ok {
		code = ErrRejected
	}
	return &ProtocolError{Code: code, Hex: hex, Details: msg}
}
