package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Tokens is the result of an authentication exchange. RefreshToken may be
// empty when the server does not rotate it.
type Tokens struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// Authenticator trades a stored refresh token for fresh tokens.
// ErrTokenRejected means the refresh token is no longer valid.
type Authenticator interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// CredentialPrompt runs the interactive login for email and returns the
// resulting tokens.
type CredentialPrompt interface {
	Credentials(ctx context.Context, email string) (Tokens, error)
}

// HTTPAuthenticator performs the OAuth refresh_token grant against
// <BaseURL>/oauth/token.
type HTTPAuthenticator struct {
	BaseURL  string
	ClientID string
	Client   *http.Client
}

var _ Authenticator = (*HTTPAuthenticator)(nil)

func (a *HTTPAuthenticator) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: a.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(a.BaseURL, "/") + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (a *HTTPAuthenticator) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	tok, err := a.config().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejected(re) {
			return Tokens{}, fmt.Errorf("%w: %s", ErrTokenRejected, describe(re))
		}
		return Tokens{}, fmt.Errorf("token request failed: %w", err)
	}

	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return Tokens{}, fmt.Errorf("token response has no id_token")
	}
	t := Tokens{IDToken: idToken, RefreshToken: tok.RefreshToken, AccessToken: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		t.ExpiresIn = int(time.Until(tok.Expiry).Round(time.Second).Seconds())
	}
	return t, nil
}

// rejected reports whether the server refused the refresh token itself, as
// opposed to failing for some other reason.
func rejected(re *oauth2.RetrieveError) bool {
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusForbidden
}

func describe(re *oauth2.RetrieveError) string {
	if re.ErrorDescription != "" {
		return re.ErrorDescription
	}
	if re.Response != nil {
		return fmt.Sprintf("status %d", re.Response.StatusCode)
	}
	return re.ErrorCode
}
