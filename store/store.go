package store

import (
	"context"
	"errors"

	"github.com/karthikraju391/go-nats-dm-relay/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

// Store is the document store over the users, conversations and messages
// collections.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	// GetUsers returns the users found among ids, keyed by id.
	GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error)

	// CreateConversation fails with ErrDuplicate when a conversation for the
	// same unordered pair already exists.
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// FindConversation looks a conversation up by its participants in
	// either order.
	FindConversation(ctx context.Context, a, b string) (*models.Conversation, error)
	// PushMessage atomically appends messageID to the conversation and
	// bumps its update time.
	PushMessage(ctx context.Context, conversationID, messageID string) (*models.Conversation, error)
	// ListConversations returns every conversation userID takes part in,
	// most recently updated first.
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)

	CreateMessage(ctx context.Context, m *models.Message) error
	// GetMessages returns the messages found among ids in the order of ids.
	GetMessages(ctx context.Context, ids []string) ([]*models.Message, error)
	// MarkSeen flags unseen messages among ids sent by sender and returns
	// how many changed.
	MarkSeen(ctx context.Context, ids []string, sender string) (int, error)

	Close() error
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
