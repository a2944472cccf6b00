package pairing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pairlink/chat-app/internal/events"
	"github.com/pairlink/chat-app/internal/identity"
	"github.com/pairlink/chat-app/pkg/apperr"
)

func newTestManager() (*Manager, *events.Dispatcher) {
	bus := events.NewDispatcher()
	return NewManager(NewMemoryStore(), bus), bus
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

func TestRequest_SubjectInitiates(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p, err := m.Request(ctx, "subj", "spon", identity.RoleSubject)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SubjectID != "subj" || p.SponsorID != "spon" {
		t.Errorf("role mapping wrong: subject=%s sponsor=%s", p.SubjectID, p.SponsorID)
	}
	if p.Status != StatusPending {
		t.Errorf("expected pending, got %s", p.Status)
	}
	if p.RequestedBy != identity.RoleSubject {
		t.Errorf("expected requested_by=subject, got %s", p.RequestedBy)
	}
}

func TestRequest_SponsorInitiates(t *testing.T) {
	m, _ := newTestManager()

	p, err := m.Request(context.Background(), "spon", "subj", identity.RoleSponsor)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SubjectID != "subj" || p.SponsorID != "spon" {
		t.Errorf("role mapping wrong: subject=%s sponsor=%s", p.SubjectID, p.SponsorID)
	}
}

func TestRequest_SelfPairingRejected(t *testing.T) {
	m, _ := newTestManager()

	if _, err := m.Request(context.Background(), "u1", "u1", identity.RoleSubject); err == nil {
		t.Fatal("expected error for self-pairing request")
	}
}

func TestRequest_DuplicateWhilePending(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	if _, err := m.Request(ctx, "subj", "spon", identity.RoleSubject); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// Same pair again, from either side, while the first is still pending.
	_, err := m.Request(ctx, "subj", "spon", identity.RoleSubject)
	if !errors.Is(err, apperr.ErrRequestPending) {
		t.Errorf("expected ErrRequestPending, got %v", err)
	}
	_, err = m.Request(ctx, "spon", "subj", identity.RoleSponsor)
	if !errors.Is(err, apperr.ErrRequestPending) {
		t.Errorf("expected ErrRequestPending from the other side, got %v", err)
	}
}

func TestRequest_SubjectAlreadyAccepted(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p, err := m.Request(ctx, "subj", "spon1", identity.RoleSubject)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := m.Respond(ctx, "spon1", p.ID, StatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// The subject cannot open a second request anywhere.
	_, err = m.Request(ctx, "subj", "spon2", identity.RoleSubject)
	if !errors.Is(err, apperr.ErrAlreadyPaired) {
		t.Errorf("expected ErrAlreadyPaired, got %v", err)
	}
}

func TestRequest_AfterRejectionAllowed(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p, err := m.Request(ctx, "subj", "spon", identity.RoleSubject)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := m.Respond(ctx, "spon", p.ID, StatusRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// A rejection does not block a fresh request for the same pair.
	p2, err := m.Request(ctx, "subj", "spon", identity.RoleSubject)
	if err != nil {
		t.Fatalf("re-request after rejection: %v", err)
	}
	if p2.ID == p.ID {
		t.Error("re-request should create a new record")
	}
}

// ---------------------------------------------------------------------------
// Respond
// ---------------------------------------------------------------------------

func TestRespond_InitiatorCannotDecide(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p, _ := m.Request(ctx, "subj", "spon", identity.RoleSubject)

	_, err := m.Respond(ctx, "subj", p.ID, StatusAccepted)
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for initiator, got %v", err)
	}
}

func TestRespond_StrangerCannotDecide(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p, _ := m.Request(ctx, "subj", "spon", identity.RoleSubject)

	_, err := m.Respond(ctx, "intruder", p.ID, StatusAccepted)
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-party, got %v", err)
	}
}

func TestRespond_UnknownPairing(t *testing.T) {
	m, _ := newTestManager()

	_, err := m.Respond(context.Background(), "spon", "no-such-id", StatusAccepted)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRespond_InvalidDecision(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p, _ := m.Request(ctx, "subj", "spon", identity.RoleSubject)
	if _, err := m.Respond(ctx, "spon", p.ID, StatusPending); err == nil {
		t.Fatal("expected error for decision=pending")
	}
}

func TestRespond_AcceptEmitsToBothParties(t *testing.T) {
	m, bus := newTestManager()
	ctx := context.Background()

	var mu sync.Mutex
	received := map[string][]string{}
	for _, uid := range []string{"subj", "spon"} {
		uid := uid
		bus.Subscribe(events.UserTopic(uid), func(evt events.Event) {
			mu.Lock()
			received[uid] = append(received[uid], evt.Type)
			mu.Unlock()
		})
	}

	p, err := m.Request(ctx, "subj", "spon", identity.RoleSubject)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := m.Respond(ctx, "spon", p.ID, StatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, uid := range []string{"subj", "spon"} {
		want := []string{events.TypePairingRequested, events.TypePairingAccepted}
		got := received[uid]
		if len(got) != len(want) {
			t.Fatalf("user %s: expected %v, got %v", uid, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("user %s event[%d]: expected %s, got %s", uid, i, want[i], got[i])
			}
		}
	}
}

func TestRespond_LosingAcceptLeavesRowPending(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	p1, _ := m.Request(ctx, "subj", "spon1", identity.RoleSubject)
	p2, _ := m.Request(ctx, "subj", "spon2", identity.RoleSubject)

	if _, err := m.Respond(ctx, "spon1", p1.ID, StatusAccepted); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	_, err := m.Respond(ctx, "spon2", p2.ID, StatusAccepted)
	if !errors.Is(err, apperr.ErrAlreadyPaired) {
		t.Fatalf("expected ErrAlreadyPaired for losing accept, got %v", err)
	}

	// The losing record is untouched: still pending, still rejectable.
	got, err := m.Store().Get(ctx, p2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("losing record should stay pending, got %s", got.Status)
	}
	if _, err := m.Respond(ctx, "spon2", p2.ID, StatusRejected); err != nil {
		t.Errorf("rejecting the losing record should work: %v", err)
	}
}

func TestRespond_ConcurrentAccepts(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	const sponsors = 8
	ids := make([]string, sponsors)
	for i := 0; i < sponsors; i++ {
		p, err := m.Request(ctx, "spon"+string(rune('a'+i)), "subj", identity.RoleSponsor)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		ids[i] = p.ID
	}

	var wg sync.WaitGroup
	results := make([]error, sponsors)
	for i := 0; i < sponsors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = m.Respond(ctx, "subj", ids[i], StatusAccepted)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for i, err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, apperr.ErrAlreadyPaired):
		default:
			t.Errorf("accept %d: unexpected error %v", i, err)
		}
	}
	if accepted != 1 {
		t.Errorf("exactly one accept should win, got %d", accepted)
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestList_RoleAwareFilters(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	// subj -> sponA (pending, outgoing for subj)
	pa, _ := m.Request(ctx, "subj", "sponA", identity.RoleSubject)
	// sponB -> subj (pending, incoming for subj)
	pb, _ := m.Request(ctx, "sponB", "subj", identity.RoleSponsor)
	// sponC -> subj2, accepted
	pc, _ := m.Request(ctx, "sponC", "subj2", identity.RoleSponsor)
	if _, err := m.Respond(ctx, "subj2", pc.ID, StatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}

	out, err := m.List(ctx, "subj", identity.RoleSubject, FilterOutgoingPending)
	if err != nil {
		t.Fatalf("list outgoing: %v", err)
	}
	if len(out) != 1 || out[0].ID != pa.ID {
		t.Errorf("outgoing_pending for subj: expected [%s], got %+v", pa.ID, out)
	}

	in, err := m.List(ctx, "subj", identity.RoleSubject, FilterIncomingPending)
	if err != nil {
		t.Fatalf("list incoming: %v", err)
	}
	if len(in) != 1 || in[0].ID != pb.ID {
		t.Errorf("incoming_pending for subj: expected [%s], got %+v", pb.ID, in)
	}

	// Same records seen from the sponsor side flip direction.
	sponOut, err := m.List(ctx, "sponB", identity.RoleSponsor, FilterOutgoingPending)
	if err != nil {
		t.Fatalf("list sponsor outgoing: %v", err)
	}
	if len(sponOut) != 1 || sponOut[0].ID != pb.ID {
		t.Errorf("outgoing_pending for sponB: expected [%s], got %+v", pb.ID, sponOut)
	}

	acc, err := m.List(ctx, "sponC", identity.RoleSponsor, FilterAccepted)
	if err != nil {
		t.Fatalf("list accepted: %v", err)
	}
	if len(acc) != 1 || acc[0].ID != pc.ID {
		t.Errorf("accepted for sponC: expected [%s], got %+v", pc.ID, acc)
	}
}

// ---------------------------------------------------------------------------
// Store helpers used by the message log
// ---------------------------------------------------------------------------

func TestHasAcceptedAndAcceptedPartners(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	store := m.Store()

	p, _ := m.Request(ctx, "subj", "spon", identity.RoleSubject)

	ok, err := store.HasAccepted(ctx, "subj", "spon")
	if err != nil || ok {
		t.Errorf("pending pairing should not count as accepted (ok=%v err=%v)", ok, err)
	}

	if _, err := m.Respond(ctx, "spon", p.ID, StatusAccepted); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ok, err = store.HasAccepted(ctx, "spon", "subj")
	if err != nil || !ok {
		t.Errorf("accepted pairing should count in either order (ok=%v err=%v)", ok, err)
	}

	partners, err := store.AcceptedPartners(ctx, "subj")
	if err != nil {
		t.Fatalf("accepted partners: %v", err)
	}
	if len(partners) != 1 || partners[0] != "spon" {
		t.Errorf("expected [spon], got %v", partners)
	}
}
