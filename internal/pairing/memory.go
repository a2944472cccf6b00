package pairing

import (
	"context"
	"sort"
	"sync"

	"github.com/pairlink/chat-app/internal/identity"
	"github.com/pairlink/chat-app/pkg/apperr"
)

// MemoryStore is an in-memory Store. A single mutex is the serialization
// point for the check-then-act paths, which makes it suitable both for tests
// and for single-process deployments without Postgres.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Pairing
}

// NewMemoryStore creates an empty in-memory pairing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Pairing)}
}

func (s *MemoryStore) Create(_ context.Context, p *Pairing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byID {
		if existing.SubjectID == p.SubjectID && existing.Status == StatusAccepted {
			return apperr.ErrAlreadyPaired
		}
		if existing.SubjectID == p.SubjectID && existing.SponsorID == p.SponsorID &&
			existing.Status != StatusRejected {
			return apperr.ErrRequestPending
		}
	}

	cp := *p
	s.byID[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Accept(_ context.Context, id string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if p.Status != StatusPending {
		return nil, apperr.Wrap(apperr.CodeNotFound, "pairing is not pending", nil)
	}

	// Commit-time re-check of I1. The losing accept leaves its row pending.
	for _, existing := range s.byID {
		if existing.SubjectID == p.SubjectID && existing.Status == StatusAccepted {
			return nil, apperr.ErrAlreadyPaired
		}
	}

	p.Status = StatusAccepted
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Reject(_ context.Context, id string) (*Pairing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok || p.Status != StatusPending {
		return nil, apperr.ErrNotFound
	}

	p.Status = StatusRejected
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, userID string, role identity.Role, filter Filter) ([]Pairing, error) {
	if !filter.Valid() {
		return nil, apperr.Wrap(apperr.CodeNotFound, "unknown filter "+string(filter), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Pairing
	for _, p := range s.byID {
		mine := p.SponsorID == userID
		if role == identity.RoleSubject {
			mine = p.SubjectID == userID
		}
		if !mine {
			continue
		}

		switch filter {
		case FilterIncomingPending:
			if p.Status == StatusPending && p.RequestedBy == role.Counterpart() {
				out = append(out, *p)
			}
		case FilterOutgoingPending:
			if p.Status == StatusPending && p.RequestedBy == role {
				out = append(out, *p)
			}
		case FilterAccepted:
			if p.Status == StatusAccepted {
				out = append(out, *p)
			}
		case FilterRejected:
			if p.Status == StatusRejected {
				out = append(out, *p)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) AcceptedPartners(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, p := range s.byID {
		if p.Status != StatusAccepted {
			continue
		}
		if other := p.OtherParty(userID); other != "" {
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) HasAccepted(_ context.Context, userA, userB string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.byID {
		if p.Status != StatusAccepted {
			continue
		}
		if (p.SubjectID == userA && p.SponsorID == userB) ||
			(p.SubjectID == userB && p.SponsorID == userA) {
			return true, nil
		}
	}
	return false, nil
}
