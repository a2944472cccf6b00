package message

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists messages and conversation summaries in Postgres.
// The summary rows live in the conversations table and are upserted inside
// the same transaction as each message insert.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a message store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, msg *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("message: begin append: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (sender_id, receiver_id, content, attachment_ref, is_read)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), FALSE)
		 RETURNING id, created_at`,
		msg.SenderID, msg.ReceiverID, msg.Content, msg.AttachmentRef,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("message: insert: %w", err)
	}
	msg.IsRead = false

	const upsert = `
		INSERT INTO conversations (user_id, other_id, last_message_id, last_created_at, unread_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, other_id) DO UPDATE SET
			last_message_id = EXCLUDED.last_message_id,
			last_created_at = EXCLUDED.last_created_at,
			unread_count    = conversations.unread_count + EXCLUDED.unread_count`

	// Receiver's view gains an unread message; the sender's does not.
	if _, err := tx.ExecContext(ctx, upsert,
		msg.ReceiverID, msg.SenderID, msg.ID, msg.CreatedAt, 1); err != nil {
		return fmt.Errorf("message: upsert receiver summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsert,
		msg.SenderID, msg.ReceiverID, msg.ID, msg.CreatedAt, 0); err != nil {
		return fmt.Errorf("message: upsert sender summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("message: commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, userID, otherID string, opts HistoryOptions) ([]Message, error) {
	const columns = `id, sender_id, receiver_id,
		COALESCE(content, ''), COALESCE(attachment_ref, ''), is_read, created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if opts.Limit <= 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM messages
			 WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
			   AND ($3::bigint = 0 OR id < $3)
			 ORDER BY created_at, id`,
			userID, otherID, opts.BeforeID)
	} else {
		// Page backwards from the cursor, then flip to ascending for display.
		rows, err = s.db.QueryContext(ctx,
			`SELECT * FROM (
				SELECT `+columns+` FROM messages
				WHERE ((sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1))
				  AND ($3::bigint = 0 OR id < $3)
				ORDER BY created_at DESC, id DESC
				LIMIT $4
			 ) page ORDER BY created_at, id`,
			userID, otherID, opts.BeforeID, opts.Limit)
	}
	if err != nil {
		return nil, fmt.Errorf("message: history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.AttachmentRef, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: history scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkAllRead(ctx context.Context, readerID, senderID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("message: begin mark read: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE
		 WHERE receiver_id = $1 AND sender_id = $2 AND NOT is_read`,
		readerID, senderID)
	if err != nil {
		return 0, fmt.Errorf("message: mark read: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message: mark read rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0 WHERE user_id = $1 AND other_id = $2`,
		readerID, senderID); err != nil {
		return 0, fmt.Errorf("message: reset unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("message: commit mark read: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) Conversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.other_id, c.unread_count,
			m.id, m.sender_id, m.receiver_id,
			COALESCE(m.content, ''), COALESCE(m.attachment_ref, ''), m.is_read, m.created_at
		 FROM conversations c
		 JOIN messages m ON m.id = c.last_message_id
		 WHERE c.user_id = $1
		 ORDER BY c.last_created_at DESC, c.last_message_id DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("message: conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			cs ConversationSummary
			m  Message
		)
		if err := rows.Scan(&cs.OtherUserID, &cs.UnreadCount,
			&m.ID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.AttachmentRef, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: conversations scan: %w", err)
		}
		cs.LastMessage = &m
		out = append(out, cs)
	}
	return out, rows.Err()
}
