package chat

import (
	"context"
	"fmt"

	"github.com/karthikraju391/go-nats-dm-relay/models"
)

// UserDirectory resolves participant ids to profiles.
type UserDirectory interface {
	GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error)
}

// Aggregator builds the per-user sidebar: every conversation with the count
// of messages the user has not seen yet.
type Aggregator struct {
	conversations *Conversations
	users         UserDirectory
}

func NewAggregator(conversations *Conversations, users UserDirectory) *Aggregator {
	return &Aggregator{conversations: conversations, users: users}
}

func (a *Aggregator) Summarize(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	out := []models.ConversationSummary{}
	if userID == "" {
		return out, nil
	}
	threads, err := a.conversations.FindByParticipant(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(threads) == 0 {
		return out, nil
	}

	ids := make([]string, 0, 2*len(threads))
	for _, t := range threads {
		ids = append(ids, t.Conversation.Sender, t.Conversation.Receiver)
	}
	users, err := a.users.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve participants: %w", err)
	}
	lookup := func(id string) *models.User {
		if u, ok := users[id]; ok {
			return u
		}
		return &models.User{ID: id}
	}

	for _, t := range threads {
		s := models.ConversationSummary{
			ID:        t.Conversation.ID,
			Sender:    lookup(t.Conversation.Sender),
			Receiver:  lookup(t.Conversation.Receiver),
			UnseenMsg: UnseenCount(t.Messages, userID),
		}
		if n := len(t.Messages); n > 0 {
			s.LastMsg = t.Messages[n-1]
		}
		out = append(out, s)
	}
	return out, nil
}

// UnseenCount counts messages not sent by userID that are still unseen.
func UnseenCount(msgs []*models.Message, userID string) int {
	n := 0
	for _, m := range msgs {
		if m.MsgByUser != userID && !m.Seen {
			n++
		}
	}
	return n
}
