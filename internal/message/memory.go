package message

import (
	"context"
	"sort"
	"sync"
	"time"
)

// convEntry is the in-memory conversation index row for one (viewer, other)
// direction, maintained on every append and read, mirroring the Postgres
// conversations table.
type convEntry struct {
	lastIdx int // index into msgs of the last message
	unread  int
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.Mutex
	msgs   []*Message
	nextID int64
	convs  map[string]map[string]*convEntry // viewer -> other -> entry
}

// NewMemoryStore creates an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]map[string]*convEntry)}
}

func (s *MemoryStore) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg.ID = s.nextID
	msg.IsRead = false
	msg.CreatedAt = time.Now().UTC()

	cp := *msg
	s.msgs = append(s.msgs, &cp)
	idx := len(s.msgs) - 1

	s.entry(msg.ReceiverID, msg.SenderID).lastIdx = idx
	s.entry(msg.ReceiverID, msg.SenderID).unread++
	s.entry(msg.SenderID, msg.ReceiverID).lastIdx = idx
	return nil
}

func (s *MemoryStore) entry(viewer, other string) *convEntry {
	m, ok := s.convs[viewer]
	if !ok {
		m = make(map[string]*convEntry)
		s.convs[viewer] = m
	}
	e, ok := m[other]
	if !ok {
		e = &convEntry{lastIdx: -1}
		m[other] = e
	}
	return e
}

func (s *MemoryStore) History(_ context.Context, userID, otherID string, opts HistoryOptions) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.msgs {
		if !betweenPair(m, userID, otherID) {
			continue
		}
		if opts.BeforeID > 0 && m.ID >= opts.BeforeID {
			continue
		}
		out = append(out, *m)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) MarkAllRead(_ context.Context, readerID, senderID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, m := range s.msgs {
		if m.ReceiverID == readerID && m.SenderID == senderID && !m.IsRead {
			m.IsRead = true
			count++
		}
	}
	if m, ok := s.convs[readerID]; ok {
		if e, ok := m[senderID]; ok {
			e.unread = 0
		}
	}
	return count, nil
}

func (s *MemoryStore) Conversations(_ context.Context, userID string) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ConversationSummary
	for other, e := range s.convs[userID] {
		if e.lastIdx < 0 {
			continue
		}
		last := *s.msgs[e.lastIdx]
		out = append(out, ConversationSummary{
			OtherUserID: other,
			LastMessage: &last,
			UnreadCount: e.unread,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func betweenPair(m *Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
}
