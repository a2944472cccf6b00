package message

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pairlink/chat-app/internal/events"
	"github.com/pairlink/chat-app/pkg/apperr"
)

// staticGate is a PairGate with a fixed set of accepted pairs.
type staticGate struct {
	pairs map[string]bool // events.PairKey -> accepted
}

func (g staticGate) HasAccepted(_ context.Context, a, b string) (bool, error) {
	return g.pairs[events.PairKey(a, b)], nil
}

func (g staticGate) AcceptedPartners(_ context.Context, userID string) ([]string, error) {
	var out []string
	for key, ok := range g.pairs {
		if !ok {
			continue
		}
		parts := strings.SplitN(key, ":", 2)
		if parts[0] == userID {
			out = append(out, parts[1])
		} else if parts[1] == userID {
			out = append(out, parts[0])
		}
	}
	return out, nil
}

func newTestLog(accepted ...[2]string) (*Log, *events.Dispatcher) {
	gate := staticGate{pairs: make(map[string]bool)}
	for _, pair := range accepted {
		gate.pairs[events.PairKey(pair[0], pair[1])] = true
	}
	bus := events.NewDispatcher()
	return NewLog(NewMemoryStore(), gate, bus), bus
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSend_EmptyBody(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"})

	_, err := l.Send(context.Background(), "a", "b", "", "")
	if !errors.Is(err, apperr.ErrEmptyBody) {
		t.Errorf("expected ErrEmptyBody, got %v", err)
	}
}

func TestSend_AttachmentOnlyAllowed(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"})

	m, err := l.Send(context.Background(), "a", "b", "", "blob://ref-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.AttachmentRef != "blob://ref-1" || m.Content != "" {
		t.Errorf("unexpected message: %+v", m)
	}
}

func TestSend_NotPaired(t *testing.T) {
	l, _ := newTestLog() // no accepted pairs

	_, err := l.Send(context.Background(), "a", "b", "hello", "")
	if !errors.Is(err, apperr.ErrNotPaired) {
		t.Errorf("expected ErrNotPaired, got %v", err)
	}
}

func TestSend_ContentTooLong(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"})

	_, err := l.Send(context.Background(), "a", "b", strings.Repeat("x", MaxContentBytes+1), "")
	if err == nil {
		t.Fatal("expected error for oversized content")
	}
}

func TestSend_AssignsIncreasingIDs(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"})
	ctx := context.Background()

	var prev int64
	for i := 0; i < 5; i++ {
		m, err := l.Send(ctx, "a", "b", "msg", "")
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if m.ID <= prev {
			t.Errorf("ids must be strictly increasing: %d after %d", m.ID, prev)
		}
		prev = m.ID
	}
}

func TestSend_PublishesToPairTopic(t *testing.T) {
	l, bus := newTestLog([2]string{"a", "b"})

	var mu sync.Mutex
	var got []events.MessageEvent
	bus.Subscribe(events.PairTopic("a", "b"), func(evt events.Event) {
		if evt.Type != events.TypeMessageNew {
			return
		}
		var me events.MessageEvent
		if err := evt.Decode(&me); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		got = append(got, me)
		mu.Unlock()
	})

	m, err := l.Send(context.Background(), "a", "b", "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].ID != m.ID || got[0].SenderID != "a" || got[0].Content != "hello" {
		t.Errorf("unexpected event payload: %+v", got[0])
	}
}

// ---------------------------------------------------------------------------
// History
// ---------------------------------------------------------------------------

func TestHistory_AscendingAndPairScoped(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"}, [2]string{"a", "c"})
	ctx := context.Background()

	l.Send(ctx, "a", "b", "one", "")
	l.Send(ctx, "b", "a", "two", "")
	l.Send(ctx, "a", "c", "other pair", "")
	l.Send(ctx, "a", "b", "three", "")

	msgs, err := l.History(ctx, "a", "b", HistoryOptions{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	want := []string{"one", "two", "three"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i := range want {
		if msgs[i].Content != want[i] {
			t.Errorf("message[%d]: expected %q, got %q", i, want[i], msgs[i].Content)
		}
		if i > 0 && msgs[i].ID <= msgs[i-1].ID {
			t.Errorf("ids should ascend: %d after %d", msgs[i].ID, msgs[i-1].ID)
		}
	}
}

func TestHistory_CursorPagesBackwards(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"})
	ctx := context.Background()

	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := l.Send(ctx, "a", "b", content, ""); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	// Newest page.
	page, err := l.History(ctx, "a", "b", HistoryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m4" || page[1].Content != "m5" {
		t.Fatalf("unexpected newest page: %+v", page)
	}

	// Previous page, cursored by the oldest id of the current page.
	page, err = l.History(ctx, "a", "b", HistoryOptions{BeforeID: page[0].ID, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m2" || page[1].Content != "m3" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

// ---------------------------------------------------------------------------
// MarkAllRead
// ---------------------------------------------------------------------------

func TestMarkAllRead_CountsAndIdempotence(t *testing.T) {
	l, bus := newTestLog([2]string{"a", "b"})
	ctx := context.Background()

	var mu sync.Mutex
	var reads []events.ReadEvent
	bus.Subscribe(events.PairTopic("a", "b"), func(evt events.Event) {
		if evt.Type != events.TypeMessageRead {
			return
		}
		var re events.ReadEvent
		if err := evt.Decode(&re); err != nil {
			return
		}
		mu.Lock()
		reads = append(reads, re)
		mu.Unlock()
	})

	l.Send(ctx, "b", "a", "one", "")
	l.Send(ctx, "b", "a", "two", "")

	if err := l.MarkAllRead(ctx, "a", "b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// Second call changes nothing and must not publish again.
	if err := l.MarkAllRead(ctx, "a", "b"); err != nil {
		t.Fatalf("second mark read: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reads) != 1 {
		t.Fatalf("expected exactly 1 read event, got %d", len(reads))
	}
	if reads[0].ReaderID != "a" || reads[0].Count != 2 {
		t.Errorf("unexpected read event: %+v", reads[0])
	}

	msgs, _ := l.History(ctx, "a", "b", HistoryOptions{})
	for _, m := range msgs {
		if !m.IsRead {
			t.Errorf("message %d should be read", m.ID)
		}
	}
}

func TestMarkAllRead_OnlyCountsOneDirection(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"})
	ctx := context.Background()

	l.Send(ctx, "a", "b", "from a", "")
	l.Send(ctx, "b", "a", "from b", "")

	if err := l.MarkAllRead(ctx, "a", "b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	// a's own outgoing message stays unread for b.
	convs, err := l.Conversations(ctx, "b")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 {
		t.Errorf("b should still have 1 unread, got %+v", convs)
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func TestConversations_SortedByRecency(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"}, [2]string{"a", "c"})
	ctx := context.Background()

	l.Send(ctx, "a", "b", "older", "")
	l.Send(ctx, "c", "a", "newer", "")

	convs, err := l.Conversations(ctx, "a")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].OtherUserID != "c" || convs[1].OtherUserID != "b" {
		t.Errorf("expected most recent first [c b], got [%s %s]",
			convs[0].OtherUserID, convs[1].OtherUserID)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("a should have 1 unread from c, got %d", convs[0].UnreadCount)
	}
	if convs[1].UnreadCount != 0 {
		t.Errorf("a sent the message to b, unread should be 0, got %d", convs[1].UnreadCount)
	}
}

func TestConversations_IncludesSilentPartners(t *testing.T) {
	l, _ := newTestLog([2]string{"a", "b"}, [2]string{"a", "quiet"})
	ctx := context.Background()

	l.Send(ctx, "a", "b", "hello", "")

	convs, err := l.Conversations(ctx, "a")
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d: %+v", len(convs), convs)
	}

	// The counterpart without history comes after the dated entries, with a
	// nil last message.
	if convs[0].OtherUserID != "b" {
		t.Errorf("dated conversation should come first, got %s", convs[0].OtherUserID)
	}
	if convs[1].OtherUserID != "quiet" || convs[1].LastMessage != nil {
		t.Errorf("expected silent partner with nil last message, got %+v", convs[1])
	}
}
