// Package pairing implements the approval-gated relationship between a
// subject and a sponsor: the durable store of pairing records and the
// manager that enforces the transition rules.
//
// Two invariants hold at all times:
//
//	I1: a subject has at most one accepted pairing.
//	I2: an unordered (subject, sponsor) pair has at most one non-rejected
//	    pairing; a prior rejection does not block a new request.
package pairing

import (
	"time"

	"github.com/pairlink/chat-app/internal/identity"
)

// Status is the state of a pairing record. The lifecycle is
// pending -> accepted | rejected; accepted and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Filter selects a role-aware view of a user's pairings.
type Filter string

const (
	// FilterIncomingPending lists pending requests initiated by the other
	// role, i.e. requests the user can still accept or reject.
	FilterIncomingPending Filter = "incoming_pending"

	// FilterOutgoingPending lists pending requests the user initiated.
	FilterOutgoingPending Filter = "outgoing_pending"

	FilterAccepted Filter = "accepted"
	FilterRejected Filter = "rejected"
)

// Valid reports whether f is a known filter.
func (f Filter) Valid() bool {
	switch f {
	case FilterIncomingPending, FilterOutgoingPending, FilterAccepted, FilterRejected:
		return true
	}
	return false
}

// Pairing is one relationship record. Records are never deleted; rejected
// ones are retained for history.
type Pairing struct {
	ID          string        `json:"id"`
	SubjectID   string        `json:"subject_id"`
	SponsorID   string        `json:"sponsor_id"`
	Status      Status        `json:"status"`
	RequestedBy identity.Role `json:"requested_by"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsParty reports whether userID is one of the two parties.
func (p *Pairing) IsParty(userID string) bool {
	return userID == p.SubjectID || userID == p.SponsorID
}

// OtherParty returns the counterpart of userID, or "" if userID is not a
// party to the pairing.
func (p *Pairing) OtherParty(userID string) string {
	if userID == p.SubjectID {
		return p.SponsorID
	}
	if userID == p.SponsorID {
		return p.SubjectID
	}
	return ""
}

// InitiatorID returns the user who created the request.
func (p *Pairing) InitiatorID() string {
	if p.RequestedBy == identity.RoleSubject {
		return p.SubjectID
	}
	return p.SponsorID
}
