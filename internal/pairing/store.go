package pairing

import (
	"context"

	"github.com/pairlink/chat-app/internal/identity"
)

// Store is the durable table of pairing records. Implementations enforce I1
// and I2 atomically: Create and Accept are the only check-then-act paths and
// must serialize per subject (a row lock plus partial unique indexes in
// Postgres, a store mutex in memory).
type Store interface {
	// Create inserts a pending pairing. Fails with apperr.ErrAlreadyPaired
	// when the subject already has an accepted pairing (I1) and with
	// apperr.ErrRequestPending when a non-rejected record already exists
	// for the pair (I2).
	Create(ctx context.Context, p *Pairing) error

	// Get returns the pairing by id, or apperr.ErrNotFound.
	Get(ctx context.Context, id string) (*Pairing, error)

	// Accept transitions a pending pairing to accepted, re-validating I1
	// for the subject at commit time. When another pairing for the same
	// subject was accepted first, it fails with apperr.ErrAlreadyPaired
	// and leaves the row pending, so the caller can be notified.
	Accept(ctx context.Context, id string) (*Pairing, error)

	// Reject transitions a pending pairing to rejected. Fails with
	// apperr.ErrNotFound when no pending record with that id exists.
	Reject(ctx context.Context, id string) (*Pairing, error)

	// List returns the user's pairings for the given role-aware filter,
	// newest first.
	List(ctx context.Context, userID string, role identity.Role, filter Filter) ([]Pairing, error)

	// HasAccepted reports whether an accepted pairing exists between the
	// two users, in either role arrangement.
	HasAccepted(ctx context.Context, userA, userB string) (bool, error)

	// AcceptedPartners returns the counterpart ids of the user's accepted
	// pairings, regardless of which role the user holds in them.
	AcceptedPartners(ctx context.Context, userID string) ([]string, error)
}
