// Package message implements the durable per-pair message log and the
// conversation index derived from it. Messages are immutable except for the
// read flag, which only ever moves false -> true.
package message

import (
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the encoded size of a message body.
	MaxContentBytes = 4096

	// MaxContentChars caps the character count of a message body.
	MaxContentChars = 2000
)

// Message is one record in the log. IDs are server-assigned in insertion
// order, so they both de-duplicate replayed deliveries and break created-at
// ties for display.
type Message struct {
	ID            int64     `json:"id"`
	SenderID      string    `json:"sender_id"`
	ReceiverID    string    `json:"receiver_id"`
	Content       string    `json:"content,omitempty"`
	AttachmentRef string    `json:"attachment_ref,omitempty"`
	IsRead        bool      `json:"is_read"`
	CreatedAt     time.Time `json:"created_at"`
}

// ConversationSummary is the per-viewer projection of one counterpart:
// the most recent message (nil when the pair has not exchanged any) and the
// viewer's unread count. It is maintained on write, never authoritative.
type ConversationSummary struct {
	OtherUserID string   `json:"other_user_id"`
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

// HistoryOptions controls cursoring. BeforeID = 0 and Limit <= 0 return the
// full history ascending; otherwise the Limit newest messages older than
// BeforeID are returned, still ascending, so a client pages backwards while
// rendering forwards.
type HistoryOptions struct {
	BeforeID int64
	Limit    int
}

// validateContent checks body constraints shared by all store
// implementations. Emptiness is checked separately because an attachment
// reference alone is a valid message.
func validateContent(content string) error {
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message: content contains invalid UTF-8")
	}
	return nil
}
