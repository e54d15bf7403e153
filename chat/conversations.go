package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/store"
	"github.com/karthikraju391/go-nats-dm-relay/store/locks"
)

// Conversations coordinates conversation documents. Creation is serialized
// per unordered participant pair so concurrent first messages share one
// conversation.
type Conversations struct {
	store store.Store
	pairs *locks.Keyed
}

func NewConversations(s store.Store) *Conversations {
	return &Conversations{store: s, pairs: locks.NewKeyed()}
}

// FindOrCreate returns the conversation between a and b, creating an empty
// one on first contact.
func (c *Conversations) FindOrCreate(ctx context.Context, a, b string) (*models.Conversation, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both participants are required", ErrValidation)
	}
	unlock := c.pairs.Lock(models.PairKey(a, b))
	defer unlock()

	conv, err := c.store.FindConversation(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !store.IsNotFound(err) {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	conv = &models.Conversation{
		ID:       uuid.NewString(),
		Sender:   a,
		Receiver: b,
		Messages: []string{},
	}
	err = c.store.CreateConversation(ctx, conv)
	if errors.Is(err, store.ErrDuplicate) {
		// another relay process won the race
		logger.Debug("conversation_create_raced", "pair", models.PairKey(a, b))
		return c.store.FindConversation(ctx, a, b)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	logger.Info("conversation_created", "conversation", conv.ID, "sender", a, "receiver", b)
	return conv, nil
}

// FindByPair reads the existing conversation between a and b with its
// messages resolved. It never creates one.
func (c *Conversations) FindByPair(ctx context.Context, a, b string) (*models.Thread, error) {
	conv, err := c.store.FindConversation(ctx, a, b)
	if err != nil {
		return nil, translate(err, "conversation between %s and %s", a, b)
	}
	return c.resolve(ctx, conv)
}

// AppendMessage adds messageID to the end of the conversation.
func (c *Conversations) AppendMessage(ctx context.Context, conversationID, messageID string) (*models.Thread, error) {
	conv, err := c.store.PushMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, translate(err, "append to conversation %s", conversationID)
	}
	return c.resolve(ctx, conv)
}

// FindByParticipant lists the user's conversations, most recently updated
// first, with messages resolved.
func (c *Conversations) FindByParticipant(ctx context.Context, userID string) ([]*models.Thread, error) {
	convs, err := c.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations of %s: %w", userID, err)
	}
	out := make([]*models.Thread, 0, len(convs))
	for _, conv := range convs {
		t, err := c.resolve(ctx, conv)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (c *Conversations) resolve(ctx context.Context, conv *models.Conversation) (*models.Thread, error) {
	msgs, err := c.store.GetMessages(ctx, conv.Messages)
	if err != nil {
		return nil, fmt.Errorf("resolve messages of %s: %w", conv.ID, err)
	}
	return &models.Thread{Conversation: conv, Messages: msgs}, nil
}
