package chat

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/store"
)

type Messages struct {
	store   store.Store
	maxText int
}

// NewMessages returns the message store. maxText bounds text length in
// characters; zero means unbounded.
func NewMessages(s store.Store, maxText int) *Messages {
	return &Messages{store: s, maxText: maxText}
}

// Validate checks content without writing anything.
func (m *Messages) Validate(content models.Content) error {
	content = content.Normalize()
	if content.Empty() {
		return ErrEmptyMessage
	}
	if m.maxText > 0 && utf8.RuneCountInString(content.Text) > m.maxText {
		return fmt.Errorf("%w: text longer than %d characters", ErrValidation, m.maxText)
	}
	return nil
}

// Create stores a new unseen message from senderID.
func (m *Messages) Create(ctx context.Context, senderID string, content models.Content) (*models.Message, error) {
	if senderID == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if err := m.Validate(content); err != nil {
		return nil, err
	}
	content = content.Normalize()
	msg := &models.Message{
		ID:        uuid.NewString(),
		Text:      content.Text,
		ImageURL:  content.ImageURL,
		VideoURL:  content.VideoURL,
		MsgByUser: senderID,
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// MarkSeenBatch flags every message among ids sent by bySender as seen.
// Missing or already seen ids are skipped.
func (m *Messages) MarkSeenBatch(ctx context.Context, ids []string, bySender string) (int, error) {
	if len(ids) == 0 || bySender == "" {
		return 0, nil
	}
	n, err := m.store.MarkSeen(ctx, ids, bySender)
	if err != nil {
		return 0, fmt.Errorf("mark seen by %s: %w", bySender, err)
	}
	return n, nil
}
