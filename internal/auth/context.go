// ABOUTME: Identity context for tracking the verified device through request handlers
// ABOUTME: Provides WithIdentity/IdentityFromContext for propagation via context

package auth

import (
	"context"

	"github.com/google/uuid"
)

// Identity holds the verified identity extracted from a request's credentials.
// This is populated by the auth middleware and can be retrieved from context
// in handlers. UserID is nil for devices not yet bound to a user.
type Identity struct {
	DeviceID uuid.UUID
	UserID   *uuid.UUID
}

// identityContextKey is the key type for storing Identity in context.Context.
type identityContextKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the Identity from the context, returning nil if not present.
func IdentityFromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityContextKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}

// MustIdentityFromContext retrieves the Identity from the context, panicking if not present.
func MustIdentityFromContext(ctx context.Context) *Identity {
	id := IdentityFromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
