package message

import "context"

// Store is the durable message log plus its conversation index. The index is
// updated in the same transaction (or under the same lock) as the message
// write, so readers never observe a summary that disagrees with the log.
type Store interface {
	// Append inserts the message, assigning ID and CreatedAt, and bumps
	// both parties' conversation summaries (receiver unread +1).
	Append(ctx context.Context, msg *Message) error

	// History returns the messages between the two users in either
	// direction, ascending by created-at with id as the tie-break.
	History(ctx context.Context, userID, otherID string, opts HistoryOptions) ([]Message, error)

	// MarkAllRead flips is_read on every unread message from senderID to
	// readerID and zeroes the reader's unread count for that counterpart.
	// Returns the number of messages changed; repeat calls return 0.
	MarkAllRead(ctx context.Context, readerID, senderID string) (int64, error)

	// Conversations returns one summary per counterpart the user has
	// message history with, newest last message first.
	Conversations(ctx context.Context, userID string) ([]ConversationSummary, error)
}
