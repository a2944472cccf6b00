// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pairlink/chat-app/internal/message"
	"github.com/pairlink/chat-app/internal/pairing"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeRequestPairing = "request_pairing"
	TypeRespondPairing = "respond_pairing"
	TypeListPairings   = "list_pairings"
	TypeSendMessage    = "send_message"
	TypeHistory        = "history"
	TypeMarkRead       = "mark_read"
	TypeConversations  = "conversations"
	TypeTyping         = "typing"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeHello            = "hello"
	TypePairingUpdate    = "pairing_update"
	TypePairingList      = "pairing_list"
	TypeMessageNew       = "message_new"
	TypeMessageSent      = "message_sent"
	TypeMessageHistory   = "message_history"
	TypeRead             = "read"
	TypeConversationList = "conversation_list"
	TypePresence         = "presence"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// RequestPairingMsg asks to pair with another user. The caller's role is
// resolved server-side; the target holds the opposite role.
type RequestPairingMsg struct {
	Type     string `json:"type"`
	ToUserID string `json:"to_user_id"`
}

// RespondPairingMsg resolves an incoming pairing request.
// Decision is "accepted" or "rejected".
type RespondPairingMsg struct {
	Type      string `json:"type"`
	PairingID string `json:"pairing_id"`
	Decision  string `json:"decision"`
}

// ListPairingsMsg requests the caller's pairings for one filter:
// "incoming_pending", "outgoing_pending", "accepted" or "rejected".
type ListPairingsMsg struct {
	Type   string `json:"type"`
	Filter string `json:"filter"`
}

// SendMessageMsg sends a message to a paired user. At least one of Content
// and AttachmentRef is required; the attachment itself was uploaded to the
// blob store beforehand.
type SendMessageMsg struct {
	Type          string `json:"type"`
	ToUserID      string `json:"to_user_id"`
	Content       string `json:"content,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// HistoryMsg fetches the message history with another user. BeforeID and
// Limit cursor backwards; zero values fetch everything.
type HistoryMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"other_user_id"`
	BeforeID    int64  `json:"before_id,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// MarkReadMsg marks all messages from the other user as read.
type MarkReadMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"other_user_id"`
}

// ConversationsMsg requests the caller's conversation summaries.
type ConversationsMsg struct {
	Type string `json:"type"`
}

// TypingMsg indicates whether the client is currently typing to the other
// user. Clients send this on keystroke; the server applies the inactivity
// auto-stop.
type TypingMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"other_user_id"`
	IsTyping    bool   `json:"is_typing"`
}

// PingMsg is the client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// HelloMsg confirms the session after a successful upgrade.
type HelloMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
}

// PairingUpdateMsg carries a pairing transition to both parties.
type PairingUpdateMsg struct {
	Type    string          `json:"type"`
	Pairing pairing.Pairing `json:"pairing"`
}

// PairingListMsg is the response to list_pairings.
type PairingListMsg struct {
	Type     string            `json:"type"`
	Filter   string            `json:"filter"`
	Pairings []pairing.Pairing `json:"pairings"`
}

// MessageNewMsg delivers a message to its receiver's live sessions.
// Duplicate deliveries are possible across reconnects; clients de-duplicate
// by message id.
type MessageNewMsg struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// MessageSentMsg acknowledges a send to its author with the assigned id and
// timestamp.
type MessageSentMsg struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// MessageHistoryMsg is the response to history.
type MessageHistoryMsg struct {
	Type        string            `json:"type"`
	OtherUserID string            `json:"other_user_id"`
	Messages    []message.Message `json:"messages"`
}

// ReadMsg notifies a sender that the other user read their messages.
type ReadMsg struct {
	Type     string `json:"type"`
	ReaderID string `json:"reader_id"`
	Count    int64  `json:"count"`
}

// ConversationListMsg is the response to conversations.
type ConversationListMsg struct {
	Type          string                        `json:"type"`
	Conversations []message.ConversationSummary `json:"conversations"`
}

// PresenceMsg relays a counterpart's online/offline transition.
type PresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// ServerTypingMsg relays the counterpart's typing indicator. Receipt of
// is_typing=true is valid for at most the typing inactivity window; clients
// auto-clear if no follow-up arrives.
type ServerTypingMsg struct {
	Type       string `json:"type"`
	FromUserID string `json:"from_user_id"`
	IsTyping   bool   `json:"is_typing"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeRequestPairing:
		var m RequestPairingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRespondPairing:
		var m RespondPairingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListPairings:
		var m ListPairingsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHistory:
		var m HistoryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConversations:
		var m ConversationsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
