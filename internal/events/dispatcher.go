package events

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler is invoked for every event published to a subscribed topic.
// Handlers run synchronously on the publisher's goroutine; slow handlers
// slow the publisher, so transports hand the event off to a write queue.
type Handler func(evt Event)

// Subscription is a live registration of a handler on a topic.
type Subscription struct {
	d     *Dispatcher
	topic string
	id    uint64

	mu         sync.Mutex // serializes deliveries and closes
	h          Handler
	closed     bool
	delivering uint64 // goroutine id of an in-flight delivery, 0 when idle
}

// deliver invokes the handler unless the subscription has been closed.
// Holding mu for the duration of the call gives two guarantees: deliveries
// to one subscriber never interleave (per-topic publish order is preserved),
// and Unsubscribe blocks until an in-flight delivery finishes.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	atomic.StoreUint64(&s.delivering, goroutineID())
	s.h(evt)
	atomic.StoreUint64(&s.delivering, 0)
}

// Unsubscribe removes the subscription. After it returns, the handler will
// not be invoked again. Safe to call multiple times, and safe to call from
// the handler itself.
func (s *Subscription) Unsubscribe() {
	s.d.mu.Lock()
	if subs, ok := s.d.topics[s.topic]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.d.topics, s.topic)
		}
	}
	s.d.mu.Unlock()

	// A handler may cancel its own subscription. The delivery holding mu is
	// running on this very goroutine, so waiting on the mutex would
	// deadlock; we are already inside its critical section and can mark the
	// close directly.
	if id := goroutineID(); id != 0 && atomic.LoadUint64(&s.delivering) == id {
		s.closed = true
		return
	}

	// Wait out any in-flight delivery, then mark closed so deliveries that
	// already snapshotted this subscription become no-ops.
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// goroutineID extracts the calling goroutine's id from its stack header,
// which reads "goroutine N [status]:". Used only to detect a handler
// unsubscribing its own subscription.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(header, ' '); i > 0 {
		if id, err := strconv.ParseUint(header[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// Dispatcher routes published events to all live subscriptions for a topic.
// Delivery is best-effort and, once a cross-instance bridge is attached,
// at-least-once: a consumer may observe the same message event twice across
// a reconnect and must de-duplicate by id.
type Dispatcher struct {
	mu      sync.RWMutex
	topics  map[string]map[uint64]*Subscription
	nextID  uint64
	forward func(topic string, evt Event)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{topics: make(map[string]map[uint64]*Subscription)}
}

// SetForwarder attaches a hook called for every locally published event,
// used by the NATS bridge to fan events out to other server instances.
// Events injected via PublishLocal are not forwarded, which prevents loops.
func (d *Dispatcher) SetForwarder(fn func(topic string, evt Event)) {
	d.mu.Lock()
	d.forward = fn
	d.mu.Unlock()
}

// Subscribe registers a handler for a topic and returns the subscription
// handle used to cancel it.
func (d *Dispatcher) Subscribe(topic string, h Handler) *Subscription {
	d.mu.Lock()
	d.nextID++
	sub := &Subscription{d: d, topic: topic, id: d.nextID, h: h}
	subs, ok := d.topics[topic]
	if !ok {
		subs = make(map[uint64]*Subscription)
		d.topics[topic] = subs
	}
	subs[sub.id] = sub
	d.mu.Unlock()
	return sub
}

// Publish delivers the event to all live subscriptions for the topic and
// forwards it to other instances when a forwarder is attached.
func (d *Dispatcher) Publish(topic string, evt Event) {
	d.mu.RLock()
	forward := d.forward
	d.mu.RUnlock()

	d.PublishLocal(topic, evt)

	if forward != nil {
		forward(topic, evt)
	}
}

// PublishLocal delivers the event to local subscriptions only. The NATS
// bridge uses it to inject events received from other instances.
func (d *Dispatcher) PublishLocal(topic string, evt Event) {
	d.mu.RLock()
	subs := d.topics[topic]
	snapshot := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		snapshot = append(snapshot, sub)
	}
	d.mu.RUnlock()

	for _, sub := range snapshot {
		sub.deliver(evt)
	}
}

// SubscriberCount returns the number of live subscriptions for a topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	n := len(d.topics[topic])
	d.mu.RUnlock()
	return n
}
