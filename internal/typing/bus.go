// Package typing relays typing start/stop signals between the two sides of a
// pair. The bus is a dumb relay: nothing is stored, nothing is timed out
// centrally. The producer auto-emits a stop after InactivityTimeout of no
// keystrokes (see Timer), and consumers treat a start as valid for at most
// the same window, so a dropped stop signal self-heals on both ends.
package typing

import (
	"log"
	"time"

	"github.com/pairlink/chat-app/internal/events"
)

// InactivityTimeout is the shared typing window: producers emit a stop after
// this much input inactivity, and consumers auto-clear a start that is not
// refreshed within it.
const InactivityTimeout = 2 * time.Second

// Bus broadcasts typing signals to subscribers of a pair topic. Subscribers
// receive the emitter's own events too and filter on FromUserID.
type Bus struct {
	bus *events.Dispatcher
}

// NewBus creates a typing signal bus on the given dispatcher.
func NewBus(bus *events.Dispatcher) *Bus {
	return &Bus{bus: bus}
}

// SetTyping broadcasts a typing signal for the pair. Each emission
// supersedes the previous one for the same pair key. Failures are dropped;
// the next keystroke heals any loss.
func (b *Bus) SetTyping(pairKey, fromUserID string, isTyping bool) {
	evt, err := events.New(events.TypeTyping, events.TypingEvent{
		PairKey:    pairKey,
		FromUserID: fromUserID,
		IsTyping:   isTyping,
	})
	if err != nil {
		log.Printf("typing: build event: %v", err)
		return
	}
	b.bus.Publish(events.PairTopicForKey(pairKey), evt)
}
