// Package events is the fan-out layer between the mutation components
// (pairing, message log, presence, typing) and subscribed clients. Everything
// user-facing flows through its topics, so consumers hold no state beyond
// what they derive from received events.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type discriminators carried in Event.Type.
const (
	TypePairingRequested = "pairing_requested"
	TypePairingAccepted  = "pairing_accepted"
	TypePairingRejected  = "pairing_rejected"
	TypeMessageNew       = "message_new"
	TypeMessageRead      = "message_read"
	TypePresence         = "presence"
	TypeTyping           = "typing"
)

// Event is the unit of delivery. Data holds the JSON-encoded payload struct
// for the given type; Origin names the server instance that produced the
// event so the NATS bridge can drop its own echoes.
type Event struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// New builds an Event with the payload marshalled to JSON.
func New(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", eventType, err)
	}
	return Event{Type: eventType, Data: data}, nil
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out interface{}) error {
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("events: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// PairingEvent is the payload for pairing_* events, delivered to both
// parties' user topics.
type PairingEvent struct {
	PairingID   string    `json:"pairing_id"`
	SubjectID   string    `json:"subject_id"`
	SponsorID   string    `json:"sponsor_id"`
	Status      string    `json:"status"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageEvent is the payload for message_new events on a pair topic.
// Consumers de-duplicate by ID; delivery is at-least-once.
type MessageEvent struct {
	ID            int64     `json:"id"`
	SenderID      string    `json:"sender_id"`
	ReceiverID    string    `json:"receiver_id"`
	Content       string    `json:"content,omitempty"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReadEvent is the payload for message_read events: ReaderID has marked all
// messages from OtherID as read.
type ReadEvent struct {
	ReaderID string `json:"reader_id"`
	OtherID  string `json:"other_id"`
	Count    int64  `json:"count"`
}

// PresenceEvent is the payload for presence events on presence.<user_id>.
type PresenceEvent struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// TypingEvent is the payload for typing events on a pair topic. It is
// ephemeral; each emission supersedes the previous one for the same pair.
type TypingEvent struct {
	PairKey    string `json:"pair_key"`
	FromUserID string `json:"from_user_id"`
	IsTyping   bool   `json:"is_typing"`
}
