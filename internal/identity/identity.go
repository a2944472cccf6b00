// Package identity is the boundary to the external account system. This core
// only consumes an opaque user id and its role; accounts, profiles and
// authentication live elsewhere.
package identity

import (
	"context"

	"github.com/pairlink/chat-app/pkg/apperr"
)

// Role is one of the two sides of a pairing.
type Role string

const (
	RoleSponsor Role = "sponsor"
	RoleSubject Role = "subject"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleSponsor || r == RoleSubject
}

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleSponsor {
		return RoleSubject
	}
	return RoleSponsor
}

// Resolver resolves a user id to its role.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Role, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, userID string) (Role, error)

func (f ResolverFunc) Resolve(ctx context.Context, userID string) (Role, error) {
	return f(ctx, userID)
}

// StaticResolver resolves roles from a fixed map. Used for wiring in
// deployments where roles arrive out-of-band, and in tests.
type StaticResolver map[string]Role

func (s StaticResolver) Resolve(_ context.Context, userID string) (Role, error) {
	role, ok := s[userID]
	if !ok {
		return "", apperr.Wrap(apperr.CodeNotFound, "unknown user "+userID, nil)
	}
	return role, nil
}
