package models

import "time"

// Conversation is the thread between exactly two users. Sender and Receiver
// hold the pair in first-contact order; lookups treat the pair as unordered.
type Conversation struct {
	ID        string    `json:"_id" bson:"_id"`
	Sender    string    `json:"sender" bson:"sender"`
	Receiver  string    `json:"receiver" bson:"receiver"`
	PairKey   string    `json:"-" bson:"pairKey"`
	Messages  []string  `json:"messages" bson:"messages"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// PairKey returns the order-independent key of a participant pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Has reports whether userID takes part in the conversation.
func (c *Conversation) Has(userID string) bool {
	return c.Sender == userID || c.Receiver == userID
}

// Peer returns the other participant.
func (c *Conversation) Peer(userID string) string {
	if c.Sender == userID {
		return c.Receiver
	}
	return c.Sender
}

// Thread is a conversation with its message references resolved, in
// chronological order.
type Thread struct {
	Conversation *Conversation
	Messages     []*Message
}

// ConversationSummary is one sidebar row for a given user.
type ConversationSummary struct {
	ID        string   `json:"_id"`
	Sender    *User    `json:"sender"`
	Receiver  *User    `json:"receiver"`
	UnseenMsg int      `json:"unseenMsg"`
	LastMsg   *Message `json:"lastMsg"`
}
