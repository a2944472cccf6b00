package events

import (
	"sync"
	"testing"
	"time"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	k1 := PairKey("alice", "bob")
	k2 := PairKey("bob", "alice")

	if k1 != k2 {
		t.Errorf("pair keys should be identical regardless of order: %s, %s", k1, k2)
	}
	if k1 != "alice:bob" {
		t.Errorf("expected lexicographic key %q, got %q", "alice:bob", k1)
	}
	if PairTopic("bob", "alice") != "pair.alice:bob" {
		t.Errorf("unexpected pair topic: %s", PairTopic("bob", "alice"))
	}
}

func TestDispatcher_PublishDeliversToTopicOnly(t *testing.T) {
	d := NewDispatcher()

	var got []string
	d.Subscribe("user.a", func(evt Event) {
		got = append(got, evt.Type)
	})
	d.Subscribe("user.b", func(evt Event) {
		t.Errorf("user.b subscriber should not receive user.a events")
	})

	evt, err := New(TypePresence, PresenceEvent{UserID: "a", Online: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Publish("user.a", evt)

	if len(got) != 1 || got[0] != TypePresence {
		t.Fatalf("expected one presence event, got %v", got)
	}
}

func TestDispatcher_DeliveryOrderPreserved(t *testing.T) {
	d := NewDispatcher()

	var got []string
	d.Subscribe("pair.a:b", func(evt Event) {
		var me MessageEvent
		if err := evt.Decode(&me); err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, me.Content)
	})

	for _, content := range []string{"one", "two", "three"} {
		evt, _ := New(TypeMessageNew, MessageEvent{Content: content})
		d.Publish("pair.a:b", evt)
	}

	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d]: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher()

	count := 0
	sub := d.Subscribe("user.x", func(evt Event) { count++ })

	evt, _ := New(TypePresence, PresenceEvent{UserID: "x", Online: true})
	d.Publish("user.x", evt)
	sub.Unsubscribe()
	d.Publish("user.x", evt)

	if count != 1 {
		t.Errorf("expected 1 delivery, got %d", count)
	}
	if d.SubscriberCount("user.x") != 0 {
		t.Errorf("expected 0 subscribers after unsubscribe, got %d", d.SubscriberCount("user.x"))
	}

	// Unsubscribing twice is a no-op.
	sub.Unsubscribe()
}

func TestDispatcher_UnsubscribeWaitsForInFlightDelivery(t *testing.T) {
	d := NewDispatcher()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := false

	sub := d.Subscribe("user.x", func(evt Event) {
		close(entered)
		<-release
		done = true
	})

	evt, _ := New(TypePresence, PresenceEvent{UserID: "x", Online: true})
	go d.Publish("user.x", evt)

	<-entered

	unsubbed := make(chan struct{})
	go func() {
		sub.Unsubscribe()
		close(unsubbed)
	}()

	// Unsubscribe must block while the handler is still running.
	select {
	case <-unsubbed:
		t.Fatal("Unsubscribe returned while a delivery was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-unsubbed:
	case <-time.After(time.Second):
		t.Fatal("Unsubscribe did not return after delivery finished")
	}

	if !done {
		t.Error("handler did not complete before Unsubscribe returned")
	}
}

func TestDispatcher_HandlerCanUnsubscribeItself(t *testing.T) {
	d := NewDispatcher()

	count := 0
	var sub *Subscription
	sub = d.Subscribe("user.x", func(evt Event) {
		count++
		sub.Unsubscribe()
	})

	evt, _ := New(TypePresence, PresenceEvent{UserID: "x", Online: true})

	done := make(chan struct{})
	go func() {
		d.Publish("user.x", evt)
		d.Publish("user.x", evt)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a handler unsubscribing itself")
	}

	if count != 1 {
		t.Errorf("expected 1 delivery before the handler unsubscribed, got %d", count)
	}
	if d.SubscriberCount("user.x") != 0 {
		t.Errorf("expected 0 subscribers, got %d", d.SubscriberCount("user.x"))
	}
}

func TestDispatcher_ForwarderSeesPublishButNotPublishLocal(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	forwarded := 0
	d.SetForwarder(func(topic string, evt Event) {
		mu.Lock()
		forwarded++
		mu.Unlock()
	})

	local := 0
	d.Subscribe("pair.a:b", func(evt Event) { local++ })

	evt, _ := New(TypeTyping, TypingEvent{PairKey: "a:b", FromUserID: "a", IsTyping: true})
	d.Publish("pair.a:b", evt)
	d.PublishLocal("pair.a:b", evt)

	if local != 2 {
		t.Errorf("expected 2 local deliveries, got %d", local)
	}
	mu.Lock()
	defer mu.Unlock()
	if forwarded != 1 {
		t.Errorf("expected 1 forwarded event, got %d", forwarded)
	}
}

func TestEvent_DecodeRoundTrip(t *testing.T) {
	evt, err := New(TypeMessageRead, ReadEvent{ReaderID: "r", OtherID: "o", Count: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var re ReadEvent
	if err := evt.Decode(&re); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if re.ReaderID != "r" || re.OtherID != "o" || re.Count != 3 {
		t.Errorf("unexpected payload: %+v", re)
	}
}
