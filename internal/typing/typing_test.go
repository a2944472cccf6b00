package typing

import (
	"sync"
	"testing"

	"github.com/pairlink/chat-app/internal/events"
)

type signal struct {
	from     string
	isTyping bool
}

func watchPair(bus *events.Dispatcher, pairKey string) (*sync.Mutex, *[]signal) {
	var mu sync.Mutex
	var got []signal
	bus.Subscribe(events.PairTopicForKey(pairKey), func(evt events.Event) {
		var te events.TypingEvent
		if err := evt.Decode(&te); err != nil {
			return
		}
		mu.Lock()
		got = append(got, signal{from: te.FromUserID, isTyping: te.IsTyping})
		mu.Unlock()
	})
	return &mu, &got
}

func TestBus_RelaysToPairTopic(t *testing.T) {
	dispatcher := events.NewDispatcher()
	bus := NewBus(dispatcher)
	pairKey := events.PairKey("a", "b")
	mu, got := watchPair(dispatcher, pairKey)

	bus.SetTyping(pairKey, "a", true)
	bus.SetTyping(pairKey, "a", false)

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(*got))
	}
	if (*got)[0] != (signal{from: "a", isTyping: true}) {
		t.Errorf("unexpected first signal: %+v", (*got)[0])
	}
	if (*got)[1] != (signal{from: "a", isTyping: false}) {
		t.Errorf("unexpected second signal: %+v", (*got)[1])
	}
}

func TestTimer_FirstKeystrokeEmitsStart(t *testing.T) {
	dispatcher := events.NewDispatcher()
	bus := NewBus(dispatcher)
	pairKey := events.PairKey("a", "b")
	mu, got := watchPair(dispatcher, pairKey)

	timer := NewTimer(bus, pairKey, "a")
	defer timer.Stop()

	timer.Keystroke()
	timer.Keystroke()
	timer.Keystroke()

	// Repeated keystrokes while active only extend the window; no re-emission.
	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 1 {
		t.Fatalf("expected 1 start signal, got %d", len(*got))
	}
	if !(*got)[0].isTyping {
		t.Error("first signal should be a start")
	}
}

func TestTimer_StopEmitsStopOnce(t *testing.T) {
	dispatcher := events.NewDispatcher()
	bus := NewBus(dispatcher)
	pairKey := events.PairKey("a", "b")
	mu, got := watchPair(dispatcher, pairKey)

	timer := NewTimer(bus, pairKey, "a")
	timer.Keystroke()
	timer.Stop()
	timer.Stop() // second stop is a no-op

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("expected start+stop, got %d signals", len(*got))
	}
	if (*got)[1].isTyping {
		t.Error("second signal should be a stop")
	}
}

func TestTimer_StopWithoutKeystrokeIsSilent(t *testing.T) {
	dispatcher := events.NewDispatcher()
	bus := NewBus(dispatcher)
	pairKey := events.PairKey("a", "b")
	mu, got := watchPair(dispatcher, pairKey)

	timer := NewTimer(bus, pairKey, "a")
	timer.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("expected no signals, got %v", *got)
	}
}

func TestTimer_ExpiryEmitsStop(t *testing.T) {
	dispatcher := events.NewDispatcher()
	bus := NewBus(dispatcher)
	pairKey := events.PairKey("a", "b")
	mu, got := watchPair(dispatcher, pairKey)

	timer := NewTimer(bus, pairKey, "a")
	timer.Keystroke()

	// Drive the inactivity expiry directly instead of waiting it out.
	timer.timer.Stop()
	timer.expire()

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("expected start+auto-stop, got %d signals", len(*got))
	}
	if (*got)[1].isTyping {
		t.Error("expiry should emit a stop")
	}

	// A new keystroke after expiry starts a fresh window.
	mu.Unlock()
	timer.Keystroke()
	mu.Lock()
	if len(*got) != 3 || !(*got)[2].isTyping {
		t.Errorf("keystroke after expiry should emit a new start, got %v", *got)
	}
}
