// Package messaging bridges the in-process event dispatcher across server
// instances over NATS. Dispatcher topics map one-to-one onto NATS subjects,
// so an event published on one instance reaches subscriptions on every
// other. Events carry their origin instance name; the bridge drops its own
// echoes to avoid double delivery to local subscribers.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pairlink/chat-app/internal/events"
)

// Subject wildcards mirrored from the dispatcher topic namespaces.
const (
	subjectUsers    = "user.>"
	subjectPairs    = "pair.>"
	subjectPresence = "presence.>"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "pairlink",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Bridge connects a dispatcher to NATS: locally published events are
// forwarded out, remote events are injected back in via PublishLocal.
type Bridge struct {
	conn       *nats.Conn
	dispatcher *events.Dispatcher
	origin     string

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewBridge connects to NATS, attaches itself as the dispatcher's forwarder,
// and subscribes to the remote event subjects. origin names this server
// instance and must be unique across the cluster.
func NewBridge(config Config, dispatcher *events.Dispatcher, origin string) (*Bridge, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	b := &Bridge{conn: nc, dispatcher: dispatcher, origin: origin}

	for _, subject := range []string{subjectUsers, subjectPairs, subjectPresence} {
		sub, err := nc.Subscribe(subject, b.handleRemote)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}

	dispatcher.SetForwarder(b.forward)
	return b, nil
}

// forward publishes a locally produced event to the matching NATS subject.
// Failures are logged and dropped: local delivery already happened, and a
// reconnecting client re-fetches history, so loss here is recoverable.
func (b *Bridge) forward(topic string, evt events.Event) {
	evt.Origin = b.origin
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[nats] marshal event %s: %v", evt.Type, err)
		return
	}
	if err := b.conn.Publish(topic, data); err != nil {
		log.Printf("[nats] publish %s: %v", topic, err)
	}
}

// handleRemote injects an event from another instance into the local
// dispatcher. PublishLocal skips the forwarder, so the event is not
// re-published to NATS.
func (b *Bridge) handleRemote(msg *nats.Msg) {
	var evt events.Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		log.Printf("[nats] unmarshal event on %s: %v", msg.Subject, err)
		return
	}
	if evt.Origin == b.origin {
		return // our own echo
	}
	b.dispatcher.PublishLocal(msg.Subject, evt)
}

// Close detaches from the dispatcher, drains the subscriptions and closes
// the connection.
func (b *Bridge) Close() {
	b.dispatcher.SetForwarder(nil)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	b.subs = nil

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] bridge closed")
}
