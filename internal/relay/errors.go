package relay

import "errors"

// Relay errors.
var (
	ErrLoginFailed      = errors.New("relay login failed")
	ErrLoginInProgress  = errors.New("relay login already in progress")
	ErrLoginAborted     = errors.New("relay login aborted")
	ErrNotLoggedIn      = errors.New("not logged in to the relay")
	ErrTokenRejected    = errors.New("refresh token rejected")
	ErrNoStoredToken    = errors.New("no stored refresh token")
	ErrValidationFailed = errors.New("relay could not reach the radio")
	ErrNotRelayResource = errors.New("resource is not reached through the relay")
	ErrBrokerClosed     = errors.New("relay broker connection closed")
	ErrInvalidToken     = errors.New("invalid ID token")
)
