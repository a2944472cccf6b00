// Package presence tracks which users currently hold at least one live
// session. State is ephemeral and per-process: it is rebuilt from scratch on
// restart with no correctness impact, and never touches durable storage.
package presence

import (
	"log"
	"sync"
	"time"

	"github.com/pairlink/chat-app/internal/events"
	"github.com/pairlink/chat-app/internal/metrics"
)

// Config holds presence tuning parameters.
type Config struct {
	// TTL is how long a session may go without a heartbeat before it is
	// evicted as if it had left.
	TTL time.Duration

	// SweepInterval is how often expired sessions are evicted.
	SweepInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           45 * time.Second,
		SweepInterval: 15 * time.Second,
	}
}

// Tracker is the aggregated membership set of connected sessions. A user is
// online iff at least one of their sessions is live; multiple sessions
// (multi-tab) are unioned. Online/offline transitions publish to the user's
// presence topic.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]time.Time // userID -> sessionID -> last heartbeat

	bus    *events.Dispatcher
	config Config

	done      chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a presence tracker and starts its eviction sweep.
func NewTracker(bus *events.Dispatcher, config Config) *Tracker {
	t := &Tracker{
		sessions: make(map[string]map[string]time.Time),
		bus:      bus,
		config:   config,
		done:     make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Join registers a session for the user. Idempotent per session id; joining
// an existing session just refreshes its heartbeat.
func (t *Tracker) Join(userID, sessionID string) {
	t.mu.Lock()
	sessions, ok := t.sessions[userID]
	if !ok {
		sessions = make(map[string]time.Time)
		t.sessions[userID] = sessions
	}
	wasOffline := len(sessions) == 0
	sessions[sessionID] = time.Now()
	t.mu.Unlock()

	if wasOffline {
		t.emit(userID, true)
	}
}

// Leave removes a session. When it was the user's last session the user
// transitions to offline and an event is emitted.
func (t *Tracker) Leave(userID, sessionID string) {
	t.mu.Lock()
	sessions, ok := t.sessions[userID]
	if ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(t.sessions, userID)
		}
	}
	nowOffline := ok && len(sessions) == 0
	t.mu.Unlock()

	if nowOffline {
		t.emit(userID, false)
	}
}

// Heartbeat refreshes a session's liveness. Unknown sessions are re-joined;
// a heartbeat arriving after an eviction should bring the session back.
func (t *Tracker) Heartbeat(userID, sessionID string) {
	t.mu.Lock()
	sessions, ok := t.sessions[userID]
	if ok {
		if _, live := sessions[sessionID]; live {
			sessions[sessionID] = time.Now()
			t.mu.Unlock()
			return
		}
	}
	t.mu.Unlock()

	t.Join(userID, sessionID)
}

// IsOnline reports whether the user has at least one live session.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	n := len(t.sessions[userID])
	t.mu.RUnlock()
	return n > 0
}

// SessionCount returns the user's live session count.
func (t *Tracker) SessionCount(userID string) int {
	t.mu.RLock()
	n := len(t.sessions[userID])
	t.mu.RUnlock()
	return n
}

// OnlineCount returns the number of online users.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	n := len(t.sessions)
	t.mu.RUnlock()
	return n
}

// Stop terminates the eviction sweep. Safe to call multiple times.
func (t *Tracker) Stop() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.evictStale(time.Now())
		}
	}
}

// evictStale removes sessions whose last heartbeat is older than TTL, as if
// each had called Leave. Offline events are emitted outside the lock so
// handlers can call back into the tracker.
func (t *Tracker) evictStale(now time.Time) {
	var wentOffline []string

	t.mu.Lock()
	for userID, sessions := range t.sessions {
		for sessionID, lastSeen := range sessions {
			if now.Sub(lastSeen) > t.config.TTL {
				log.Printf("presence: evicting stale session user=%s session=%s idle=%s",
					userID, sessionID, now.Sub(lastSeen).Round(time.Second))
				delete(sessions, sessionID)
			}
		}
		if len(sessions) == 0 {
			delete(t.sessions, userID)
			wentOffline = append(wentOffline, userID)
		}
	}
	t.mu.Unlock()

	for _, userID := range wentOffline {
		t.emit(userID, false)
	}
}

// emit publishes the transition and refreshes the online-users gauge, so
// sweep evictions are reflected the same way joins and leaves are.
func (t *Tracker) emit(userID string, online bool) {
	metrics.OnlineUsers.Set(float64(t.OnlineCount()))

	evt, err := events.New(events.TypePresence, events.PresenceEvent{
		UserID: userID,
		Online: online,
	})
	if err != nil {
		log.Printf("presence: build event: %v", err)
		return
	}
	t.bus.Publish(events.PresenceTopic(userID), evt)
}
