package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const foreignKeyViolation = "23503"

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db    *sql.DB
	clock *Clock
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB, clock *Clock) *SQLStore {
	if clock == nil {
		clock = NewClock(nil)
	}
	return &SQLStore{db: db, clock: clock}
}

func (s *SQLStore) Append(ctx context.Context, draft Draft) (*Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	msg := draft.build(id.String(), s.clock.Stamp())

	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SenderID,
		msg.ReceiverID,
		nullString(draft.Content),
		nullString(draft.ImageURL),
		msg.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == foreignKeyViolation {
			switch pqErr.Constraint {
			case "messages_receiver_id_fkey":
				return nil, ErrReceiverNotFound
			case "messages_sender_id_fkey":
				return nil, ErrSenderNotFound
			}
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return msg, nil
}

func (s *SQLStore) QueryConversation(ctx context.Context, userA, userB string) ([]Message, error) {
	lo, hi := PairKey(userA, userB)

	query := `
		SELECT id, sender_id, receiver_id, content, image_url, created_at
		FROM messages
		WHERE LEAST(sender_id, receiver_id) = $1
			AND GREATEST(sender_id, receiver_id) = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	messages := make([]Message, 0)
	for rows.Next() {
		var (
			m        Message
			content  sql.NullString
			imageURL sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &content, &imageURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		if content.Valid {
			m.Content = &content.String
		}
		if imageURL.Valid {
			m.ImageURL = &imageURL.String
		}
		m.CreatedAt = m.CreatedAt.UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
