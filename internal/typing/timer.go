package typing

import (
	"sync"
	"time"
)

// Timer implements the producer side of the typing policy for one user in
// one pair: the first keystroke emits a start, further keystrokes reset the
// inactivity window, and InactivityTimeout after the last keystroke a stop
// is emitted automatically. The timeout lives here, with the producer, so
// the bus stays free of per-conversation timers.
type Timer struct {
	bus     *Bus
	pairKey string
	userID  string

	mu     sync.Mutex
	timer  *time.Timer
	active bool
}

// NewTimer creates a typing timer for one (pair, user) producer.
func NewTimer(bus *Bus, pairKey, userID string) *Timer {
	return &Timer{bus: bus, pairKey: pairKey, userID: userID}
}

// Keystroke records input activity. The idle -> typing transition emits a
// start signal; every call pushes the auto-stop out by InactivityTimeout.
func (t *Timer) Keystroke() {
	t.mu.Lock()
	wasActive := t.active
	t.active = true
	if t.timer == nil {
		t.timer = time.AfterFunc(InactivityTimeout, t.expire)
	} else {
		t.timer.Reset(InactivityTimeout)
	}
	t.mu.Unlock()

	if !wasActive {
		t.bus.SetTyping(t.pairKey, t.userID, true)
	}
}

// Stop cancels the timer and, if a start was outstanding, emits the stop
// immediately. Called when the message is sent or the session closes.
func (t *Timer) Stop() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()

	if wasActive {
		t.bus.SetTyping(t.pairKey, t.userID, false)
	}
}

func (t *Timer) expire() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.mu.Unlock()

	if wasActive {
		t.bus.SetTyping(t.pairKey, t.userID, false)
	}
}
