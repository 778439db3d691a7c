// Package relay implements the login session against the remote relay
// service that brokers access to radios outside the local network.
//
// A Session moves LoggedOut -> LoggingIn -> LoggedIn -> LoggedOut. Login
// first tries a stored refresh token and falls back to an interactive
// CredentialPrompt when the token is missing or rejected. While logged in,
// the Broker connection announces relay radios into the registry and is
// asked to validate a radio before the session manager opens it.
package relay
