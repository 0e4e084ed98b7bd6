package gateway

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a hello token is rejected.
var ErrInvalidToken = errors.New("invalid token")

// Authenticator resolves a hello token to a user id. The real token
// service lives outside the gateway; this is its seam.
type Authenticator interface {
	Authenticate(ctx context.Context, token, clientID string) (userID string, err error)
}

// StaticAuthenticator authenticates against a fixed token → user map.
// Used in tests and single-user development runs.
type StaticAuthenticator map[string]string

// Authenticate resolves the token against the map.
func (a StaticAuthenticator) Authenticate(_ context.Context, token, _ string) (string, error) {
	userID, ok := a[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return userID, nil
}
