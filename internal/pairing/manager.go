package pairing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/pairlink/chat-app/internal/events"
	"github.com/pairlink/chat-app/internal/identity"
	"github.com/pairlink/chat-app/internal/retry"
	"github.com/pairlink/chat-app/pkg/apperr"
)

// Manager wraps the Store with the pairing transition rules and pushes every
// successful transition through the event dispatcher to both parties.
type Manager struct {
	store Store
	bus   *events.Dispatcher
}

// NewManager creates a pairing manager.
func NewManager(store Store, bus *events.Dispatcher) *Manager {
	return &Manager{store: store, bus: bus}
}

// Request creates a pending pairing from fromID to toID. fromRole determines
// which side of the record each user occupies; the non-initiating party sees
// the record as an incoming request.
func (m *Manager) Request(ctx context.Context, fromID, toID string, fromRole identity.Role) (*Pairing, error) {
	if !fromRole.Valid() {
		return nil, fmt.Errorf("pairing: invalid role %q", fromRole)
	}
	if fromID == "" || toID == "" || fromID == toID {
		return nil, fmt.Errorf("pairing: invalid request %q -> %q", fromID, toID)
	}

	subjectID, sponsorID := fromID, toID
	if fromRole == identity.RoleSponsor {
		subjectID, sponsorID = toID, fromID
	}

	p := &Pairing{
		ID:          uuid.New().String(),
		SubjectID:   subjectID,
		SponsorID:   sponsorID,
		Status:      StatusPending,
		RequestedBy: fromRole,
		CreatedAt:   time.Now().UTC(),
	}

	err := retry.Do(ctx, func() error { return m.store.Create(ctx, p) })
	if err != nil {
		return nil, err
	}

	m.emit(events.TypePairingRequested, p)
	return p, nil
}

// Respond resolves a pending pairing. Only the non-initiating party may
// decide; decision must be StatusAccepted or StatusRejected. On accept, I1
// is re-validated at commit time: when another sponsor won the race the call
// fails with AlreadyPaired and the record stays pending.
func (m *Manager) Respond(ctx context.Context, callerID, pairingID string, decision Status) (*Pairing, error) {
	if decision != StatusAccepted && decision != StatusRejected {
		return nil, fmt.Errorf("pairing: invalid decision %q", decision)
	}

	var current *Pairing
	err := retry.Do(ctx, func() error {
		var err error
		current, err = m.store.Get(ctx, pairingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !current.IsParty(callerID) || current.InitiatorID() == callerID {
		return nil, apperr.ErrUnauthorized
	}

	var resolved *Pairing
	err = retry.Do(ctx, func() error {
		var err error
		if decision == StatusAccepted {
			resolved, err = m.store.Accept(ctx, pairingID)
		} else {
			resolved, err = m.store.Reject(ctx, pairingID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	eventType := events.TypePairingAccepted
	if decision == StatusRejected {
		eventType = events.TypePairingRejected
	}
	m.emit(eventType, resolved)
	return resolved, nil
}

// List returns the user's pairings for the given role-aware filter.
func (m *Manager) List(ctx context.Context, userID string, role identity.Role, filter Filter) ([]Pairing, error) {
	var out []Pairing
	err := retry.Do(ctx, func() error {
		var err error
		out, err = m.store.List(ctx, userID, role, filter)
		return err
	})
	return out, err
}

// Store exposes the underlying store, which also serves as the accepted-pair
// check for the message log.
func (m *Manager) Store() Store {
	return m.store
}

// emit publishes a pairing transition to both parties' user topics.
func (m *Manager) emit(eventType string, p *Pairing) {
	evt, err := events.New(eventType, events.PairingEvent{
		PairingID:   p.ID,
		SubjectID:   p.SubjectID,
		SponsorID:   p.SponsorID,
		Status:      string(p.Status),
		RequestedBy: string(p.RequestedBy),
		CreatedAt:   p.CreatedAt,
	})
	if err != nil {
		log.Printf("pairing: build %s event: %v", eventType, err)
		return
	}

	m.bus.Publish(events.UserTopic(p.SubjectID), evt)
	m.bus.Publish(events.UserTopic(p.SponsorID), evt)
}
