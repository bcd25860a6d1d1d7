//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../../mocks/mock_message_store.go -package=mocks -mock_names=Store=MockMessageStore
package message

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// Message is a persisted direct message between two users.
type Message struct {
	ID         string    `json:"_id"`
	Content    *string   `json:"content"`
	ImageURL   *string   `json:"imageUrl"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Draft is the input of Append. The store assigns ID and CreatedAt.
type Draft struct {
	SenderID   string `validate:"required"`
	ReceiverID string `validate:"required"`
	Content    string `validate:"required_without=ImageURL,max=4000"`
	ImageURL   string `validate:"omitempty,url"`
}

var (
	ErrEmptyMessage     = errors.New("message content or image is required")
	ErrInvalidDraft     = errors.New("invalid message draft")
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrSenderNotFound   = errors.New("sender not found")
)

// Store defines message persistence operations. Append is the only mutation.
type Store interface {
	Append(ctx context.Context, draft Draft) (*Message, error)
	QueryConversation(ctx context.Context, userA, userB string) ([]Message, error)
}

var validate = validator.New()

// Validate reports ErrEmptyMessage when neither content nor image is set,
// ErrInvalidDraft for any other rule violation.
func (d Draft) Validate() error {
	if d.Content == "" && d.ImageURL == "" {
		return ErrEmptyMessage
	}
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	return nil
}

func (d Draft) build(id string, at time.Time) *Message {
	m := &Message{
		ID:         id,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		CreatedAt:  at,
	}
	if d.Content != "" {
		content := d.Content
		m.Content = &content
	}
	if d.ImageURL != "" {
		url := d.ImageURL
		m.ImageURL = &url
	}
	return m
}

// PairKey returns the two user ids in a canonical order, so that (a, b)
// and (b, a) address the same conversation.
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Less orders messages by CreatedAt, then ID.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Sort orders messages in place, ascending.
func Sort(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return Less(messages[i], messages[j])
	})
}
