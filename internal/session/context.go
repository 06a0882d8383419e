package session

import (
	"context"

	"github.com/aleister1102/vulnerax/internal/models"
)

type (
	sessionKey  struct{}
	identityKey struct{}
)

// WithSession returns a context carrying s.
func WithSession(ctx context.Context, s models.UserSession) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// FromContext returns the session stored by the guard middleware.
func FromContext(ctx context.Context) (models.UserSession, bool) {
	s, ok := ctx.Value(sessionKey{}).(models.UserSession)
	return s, ok
}

// WithIdentity returns a context carrying an identity that may not have a profile yet.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by CredentialMiddleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
