// Package mongostore implements store.Store on MongoDB collections users,
// conversations and messages.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/store"
)

const (
	usersCollection         = "users"
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
)

type Store struct {
	client        *mongo.Client
	users         *mongo.Collection
	conversations *mongo.Collection
	messages      *mongo.Collection
	now           func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to uri, pings the server and ensures the indexes the store
// relies on, in particular the unique pair index on conversations.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := New(client, client.Database(database))
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	logger.Info("mongo_store_opened", "database", database)
	return s, nil
}

// New builds a Store on db without touching the server. Close disconnects
// client.
func New(client *mongo.Client, db *mongo.Database) *Store {
	return &Store{
		client:        client,
		users:         db.Collection(usersCollection),
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		now:           time.Now,
	}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pairKey", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "updatedAt", Value: -1}}},
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "updatedAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create conversation indexes: %w", err)
	}
	_, err = s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "msgByUser", Value: 1}, {Key: "seen", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	now := s.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if _, err := s.users.InsertOne(ctx, u); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create user %s: %w", u.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound(err, "get user "+id)
	}
	return &u, nil
}

func (s *Store) GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error) {
	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	var users []*models.User
	if err := cur.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	out := make(map[string]*models.User, len(users))
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *Store) CreateConversation(ctx context.Context, c *models.Conversation) error {
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.PairKey = models.PairKey(c.Sender, c.Receiver)
	if c.Messages == nil {
		c.Messages = []string{}
	}
	if _, err := s.conversations.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("conversation for %s: %w", c.PairKey, store.ErrDuplicate)
		}
		return fmt.Errorf("create conversation %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, notFound(err, "get conversation "+id)
	}
	return &c, nil
}

func (s *Store) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": a, "receiver": b},
		bson.M{"sender": b, "receiver": a},
	}}
	var c models.Conversation
	if err := s.conversations.FindOne(ctx, filter).Decode(&c); err != nil {
		return nil, notFound(err, "conversation for "+models.PairKey(a, b))
	}
	return &c, nil
}

func (s *Store) PushMessage(ctx context.Context, conversationID, messageID string) (*models.Conversation, error) {
	update := bson.M{
		"$push": bson.M{"messages": messageID},
		"$set":  bson.M{"updatedAt": s.now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c models.Conversation
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": conversationID}, update, opts).Decode(&c)
	if err != nil {
		return nil, notFound(err, "push message to "+conversationID)
	}
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	filter := bson.M{"$or": bson.A{bson.M{"sender": userID}, bson.M{"receiver": userID}}}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find conversations of %s: %w", userID, err)
	}
	out := []*models.Conversation{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode conversations of %s: %w", userID, err)
	}
	return out, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if _, err := s.messages.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("create message %s: %w", m.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("create message %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMessages(ctx context.Context, ids []string) ([]*models.Message, error) {
	cur, err := s.messages.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var found []*models.Message
	if err := cur.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	byID := make(map[string]*models.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out := make([]*models.Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) MarkSeen(ctx context.Context, ids []string, sender string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "msgByUser": sender, "seen": false}
	res, err := s.messages.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"seen": true}})
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return int(res.ModifiedCount), nil
}
