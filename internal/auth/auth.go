// Package auth provides operator identity: session tokens, login, role
// checks, and the account store consulted for dangerous-verb password
// re-authentication.
package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/wisbric/queryowl/pkg/policy"
)

// Operator roles, shared with the policy engine.
const (
	RoleMaster = policy.RoleMaster
	RoleUser   = policy.RoleUser
	RoleReader = policy.RoleReader
)

// Identity is the authenticated operator attached to a request context.
type Identity struct {
	UserID      uuid.UUID
	Email       string
	DisplayName string
	Role        string
}

type identityKey struct{}

// NewContext returns a context carrying the identity.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext extracts the identity, or nil when unauthenticated.
func FromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(identityKey{}).(*Identity); ok {
		return v
	}
	return nil
}
