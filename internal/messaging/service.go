package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/nexus-im/courier/internal/media"
	"github.com/nexus-im/courier/store/message"
	"github.com/nexus-im/courier/store/user"
)

const DefaultUploadTimeout = 30 * time.Second

// SendRequest is one send attempt as received from the boundary.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	Content    string
	Image      []byte
}

// UserSummary is the roster entry returned by ListOtherUsers.
type UserSummary struct {
	ID          string     `json:"_id"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"lastSeen"`
}

// Service implements message ingestion and the conversation queries.
type Service struct {
	log           *slog.Logger
	messages      message.Store
	users         user.Store
	uploader      media.Uploader
	publisher     Publisher
	presence      Presence
	uploadTimeout time.Duration
}

// NewService wires the service. uploader may be nil, in which case every
// send carrying an image fails with ErrUpload.
func NewService(
	log *slog.Logger,
	messages message.Store,
	users user.Store,
	uploader media.Uploader,
	publisher Publisher,
	presence Presence,
	uploadTimeout time.Duration,
) *Service {
	if uploadTimeout <= 0 {
		uploadTimeout = DefaultUploadTimeout
	}
	return &Service{
		log:           log,
		messages:      messages,
		users:         users,
		uploader:      uploader,
		publisher:     publisher,
		presence:      presence,
		uploadTimeout: uploadTimeout,
	}
}

// Send uploads the image if any, validates, persists and fans out a message.
//
// Nothing is persisted unless upload and validation both succeed. An
// uploaded image is not removed when a later step fails.
func (s *Service) Send(ctx context.Context, req SendRequest) (*message.Message, error) {
	log := s.log.With("sender", req.SenderID, "receiver", req.ReceiverID)

	var imageURL string
	if len(req.Image) > 0 {
		url, err := s.upload(ctx, req.Image)
		if err != nil {
			log.Warn("image upload failed", "error", err)
			return nil, fmt.Errorf("%w: %v", ErrUpload, err)
		}
		imageURL = url
	}

	draft := message.Draft{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    strings.TrimSpace(req.Content),
		ImageURL:   imageURL,
	}
	if err := draft.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if _, err := s.users.GetByID(ctx, req.ReceiverID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: receiver %s", ErrNotFound, req.ReceiverID)
		}
		return nil, fmt.Errorf("%w: lookup receiver: %w", ErrTransport, err)
	}

	// The caller may have gone away during the upload.
	if err := ctx.Err(); err != nil {
		log.Info("send aborted before persisting", "error", err)
		return nil, fmt.Errorf("send aborted: %w", err)
	}

	msg, err := s.messages.Append(ctx, draft)
	switch {
	case errors.Is(err, message.ErrReceiverNotFound):
		return nil, fmt.Errorf("%w: receiver %s", ErrNotFound, req.ReceiverID)
	case errors.Is(err, message.ErrEmptyMessage), errors.Is(err, message.ErrInvalidDraft):
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	case err != nil:
		log.Error("append message", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	delivered := s.publisher.Publish(*msg)
	log.Debug("message sent", "id", msg.ID, "delivered", delivered)
	return msg, nil
}

func (s *Service) upload(ctx context.Context, data []byte) (string, error) {
	if s.uploader == nil {
		return "", errors.New("no media host configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout)
	defer cancel()
	return s.uploader.Upload(ctx, data)
}

// ListOtherUsers returns every user except excludingID, with presence.
func (s *Service) ListOtherUsers(ctx context.Context, excludingID string) ([]UserSummary, error) {
	users, err := s.users.ListExcept(ctx, excludingID)
	if err != nil {
		return nil, fmt.Errorf("%w: list users: %w", ErrTransport, err)
	}
	return lo.Map(users, func(u user.User, _ int) UserSummary {
		return UserSummary{
			ID:          u.ID,
			DisplayName: u.DisplayName,
			AvatarURL:   u.AvatarURL,
			Online:      s.presence.Online(u.ID),
			LastSeen:    u.LastSeen,
		}
	}), nil
}

// GetConversation returns the messages between selfID and otherID,
// oldest first.
func (s *Service) GetConversation(ctx context.Context, selfID, otherID string) ([]message.Message, error) {
	if _, err := s.users.GetByID(ctx, otherID); err != nil {
		if errors.Is(err, user.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, otherID)
		}
		return nil, fmt.Errorf("%w: lookup user: %w", ErrTransport, err)
	}

	messages, err := s.messages.QueryConversation(ctx, selfID, otherID)
	if err != nil {
		return nil, fmt.Errorf("%w: query conversation: %w", ErrTransport, err)
	}
	return messages, nil
}
