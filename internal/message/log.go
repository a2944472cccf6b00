package message

import (
	"context"
	"log"

	"github.com/pairlink/chat-app/internal/events"
	"github.com/pairlink/chat-app/internal/retry"
	"github.com/pairlink/chat-app/pkg/apperr"
)

// PairGate is the slice of the pairing store the message log depends on:
// sends require an accepted pairing, and conversation listings include
// paired counterparts that have not exchanged messages yet.
type PairGate interface {
	HasAccepted(ctx context.Context, userA, userB string) (bool, error)
	AcceptedPartners(ctx context.Context, userID string) ([]string, error)
}

// Log wraps the message Store with validation, the accepted-pairing gate and
// event publication. Appends are pushed to the pair topic so the other
// party's live sessions see them immediately; delivery is at-least-once and
// clients de-duplicate by message id.
type Log struct {
	store Store
	pairs PairGate
	bus   *events.Dispatcher
}

// NewLog creates a message log.
func NewLog(store Store, pairs PairGate, bus *events.Dispatcher) *Log {
	return &Log{store: store, pairs: pairs, bus: bus}
}

// Send appends a message from senderID to receiverID. At least one of
// content and attachmentRef is required; the attachment itself is uploaded
// elsewhere and only the opaque reference passes through here.
func (l *Log) Send(ctx context.Context, senderID, receiverID, content, attachmentRef string) (*Message, error) {
	if content == "" && attachmentRef == "" {
		return nil, apperr.ErrEmptyBody
	}
	if err := validateContent(content); err != nil {
		return nil, err
	}

	var paired bool
	err := retry.Do(ctx, func() error {
		var err error
		paired, err = l.pairs.HasAccepted(ctx, senderID, receiverID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !paired {
		return nil, apperr.ErrNotPaired
	}

	msg := &Message{
		SenderID:      senderID,
		ReceiverID:    receiverID,
		Content:       content,
		AttachmentRef: attachmentRef,
	}
	if err := retry.Do(ctx, func() error { return l.store.Append(ctx, msg) }); err != nil {
		return nil, err
	}

	evt, err := events.New(events.TypeMessageNew, events.MessageEvent{
		ID:            msg.ID,
		SenderID:      msg.SenderID,
		ReceiverID:    msg.ReceiverID,
		Content:       msg.Content,
		AttachmentRef: msg.AttachmentRef,
		CreatedAt:     msg.CreatedAt,
	})
	if err != nil {
		log.Printf("message: build message_new event: %v", err)
		return msg, nil
	}
	l.bus.Publish(events.PairTopic(msg.SenderID, msg.ReceiverID), evt)

	return msg, nil
}

// History returns the pair's messages ascending. Safe to re-fetch after a
// reconnect; combined with id-based de-duplication it restores a consistent
// view regardless of what was delivered live.
func (l *Log) History(ctx context.Context, userID, otherID string, opts HistoryOptions) ([]Message, error) {
	var out []Message
	err := retry.Do(ctx, func() error {
		var err error
		out, err = l.store.History(ctx, userID, otherID, opts)
		return err
	})
	return out, err
}

// MarkAllRead marks every unread message from otherID to userID as read.
// Idempotent; a read event is only published when something changed.
func (l *Log) MarkAllRead(ctx context.Context, userID, otherID string) error {
	var count int64
	err := retry.Do(ctx, func() error {
		var err error
		count, err = l.store.MarkAllRead(ctx, userID, otherID)
		return err
	})
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}

	evt, err := events.New(events.TypeMessageRead, events.ReadEvent{
		ReaderID: userID,
		OtherID:  otherID,
		Count:    count,
	})
	if err != nil {
		log.Printf("message: build message_read event: %v", err)
		return nil
	}
	l.bus.Publish(events.PairTopic(userID, otherID), evt)
	return nil
}

// Conversations returns one summary per counterpart: everyone the user has
// message history with, plus accepted pairings that have not spoken yet
// (nil last message, appended after the dated entries).
func (l *Log) Conversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	var out []ConversationSummary
	err := retry.Do(ctx, func() error {
		var err error
		out, err = l.store.Conversations(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var partners []string
	err = retry.Do(ctx, func() error {
		var err error
		partners, err = l.pairs.AcceptedPartners(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(out))
	for _, cs := range out {
		seen[cs.OtherUserID] = true
	}
	for _, other := range partners {
		if !seen[other] {
			out = append(out, ConversationSummary{OtherUserID: other})
		}
	}
	return out, nil
}
