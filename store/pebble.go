package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/store/locks"
)

// Pebble is the embedded Store. Writers of one key are serialized through
// keyed locks; multi-key writes go through a single batch.
type Pebble struct {
	db   *pebble.DB
	keys *locks.Keyed

	seenMu sync.Mutex

	clockMu sync.Mutex
	last    time.Time
	now     func() time.Time
}

// conversation record without its message references, which live under
// their own keys so appends never rewrite the list.
type convRecord struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OpenPebble opens or creates the database at path. opts may be nil.
func OpenPebble(path string, opts *pebble.Options) (*Pebble, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &Pebble{db: db, keys: locks.NewKeyed(), now: time.Now}, nil
}

func (p *Pebble) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Flush persists memtables to sstables.
func (p *Pebble) Flush() error {
	return p.db.Flush()
}

// DiskUsage returns the bytes used by the database on disk.
func (p *Pebble) DiskUsage() uint64 {
	return p.db.Metrics().DiskSpaceUsage()
}

// stamp returns a strictly increasing UTC time so recency ordering never ties.
func (p *Pebble) stamp() time.Time {
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	t := p.now().UTC()
	if !t.After(p.last) {
		t = p.last.Add(time.Nanosecond)
	}
	p.last = t
	return t
}

func (p *Pebble) getJSON(key []byte, v any) error {
	val, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, v)
}

func (p *Pebble) exists(key []byte) (bool, error) {
	_, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (p *Pebble) setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

// createOnce writes v at key unless the key already exists.
func (p *Pebble) createOnce(key []byte, v any) error {
	unlock := p.keys.Lock(string(key))
	defer unlock()

	ok, err := p.exists(key)
	if err != nil {
		return err
	}
	if ok {
		return ErrDuplicate
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := p.setJSON(b, key, v); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (p *Pebble) CreateUser(_ context.Context, u *models.User) error {
	if err := checkID("user", u.ID); err != nil {
		return err
	}
	now := p.now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if err := p.createOnce(userKey(u.ID), u); err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

func (p *Pebble) GetUser(_ context.Context, id string) (*models.User, error) {
	var u models.User
	if err := p.getJSON(userKey(id), &u); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (p *Pebble) GetUsers(ctx context.Context, ids []string) (map[string]*models.User, error) {
	out := make(map[string]*models.User, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		u, err := p.GetUser(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

func (p *Pebble) CreateConversation(_ context.Context, c *models.Conversation) error {
	if err := checkID("conversation", c.ID); err != nil {
		return err
	}
	if err := checkID("user", c.Sender); err != nil {
		return err
	}
	if err := checkID("user", c.Receiver); err != nil {
		return err
	}

	pk := pairIndexKey(c.Sender, c.Receiver)
	unlock := p.keys.Lock(string(pk))
	defer unlock()

	taken, err := p.exists(pk)
	if err != nil {
		return fmt.Errorf("check pair %s: %w", pk, err)
	}
	if taken {
		return fmt.Errorf("conversation for %s: %w", models.PairKey(c.Sender, c.Receiver), ErrDuplicate)
	}

	now := p.stamp()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.PairKey = models.PairKey(c.Sender, c.Receiver)
	if c.Messages == nil {
		c.Messages = []string{}
	}
	rec := convRecord{
		ID:        c.ID,
		Sender:    c.Sender,
		Receiver:  c.Receiver,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := p.setJSON(b, convMetaKey(c.ID), rec); err != nil {
		return err
	}
	if err := b.Set(pk, []byte(c.ID), nil); err != nil {
		return err
	}
	if err := b.Set(partIndexKey(c.Sender, c.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Set(partIndexKey(c.Receiver, c.ID), nil, nil); err != nil {
		return err
	}
	for i, id := range c.Messages {
		if err := b.Set(convMsgKey(c.ID, uint64(i+1)), []byte(id), nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("pebble_create_conversation_failed", "conversation", c.ID, "error", err)
		return fmt.Errorf("create conversation %s: %w", c.ID, err)
	}
	return nil
}

func (p *Pebble) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	return p.loadConversation(id)
}

func (p *Pebble) loadConversation(id string) (*models.Conversation, error) {
	var rec convRecord
	if err := p.getJSON(convMetaKey(id), &rec); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	refs, err := p.messageRefs(id)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", id, err)
	}
	return &models.Conversation{
		ID:        rec.ID,
		Sender:    rec.Sender,
		Receiver:  rec.Receiver,
		PairKey:   models.PairKey(rec.Sender, rec.Receiver),
		Messages:  refs,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func (p *Pebble) messageRefs(convID string) ([]string, error) {
	prefix := convMsgPrefix(convID)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	refs := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		refs = append(refs, string(iter.Value()))
	}
	return refs, iter.Error()
}

func (p *Pebble) FindConversation(ctx context.Context, a, b string) (*models.Conversation, error) {
	val, closer, err := p.db.Get(pairIndexKey(a, b))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("conversation for %s: %w", models.PairKey(a, b), ErrNotFound)
		}
		return nil, err
	}
	id := string(val)
	closer.Close()
	return p.GetConversation(ctx, id)
}

func (p *Pebble) PushMessage(_ context.Context, conversationID, messageID string) (*models.Conversation, error) {
	if err := checkID("message", messageID); err != nil {
		return nil, err
	}
	key := convMetaKey(conversationID)
	unlock := p.keys.Lock(string(key))
	defer unlock()

	var rec convRecord
	if err := p.getJSON(key, &rec); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", conversationID, err)
	}
	rec.Seq++
	rec.UpdatedAt = p.stamp()

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(convMsgKey(conversationID, rec.Seq), []byte(messageID), nil); err != nil {
		return nil, err
	}
	if err := p.setJSON(b, key, rec); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("pebble_push_message_failed", "conversation", conversationID, "message", messageID, "error", err)
		return nil, fmt.Errorf("push message to %s: %w", conversationID, err)
	}
	return p.loadConversation(conversationID)
}

func (p *Pebble) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	prefix := partIndexPrefix(userID)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for iter.First(); iter.Valid(); iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	err = iter.Error()
	iter.Close()
	if err != nil {
		return nil, fmt.Errorf("scan conversations of %s: %w", userID, err)
	}

	out := make([]*models.Conversation, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := p.loadConversation(id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (p *Pebble) CreateMessage(_ context.Context, m *models.Message) error {
	if err := checkID("message", m.ID); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = p.now().UTC()
	}
	if err := p.createOnce(msgKey(m.ID), m); err != nil {
		return fmt.Errorf("create message %s: %w", m.ID, err)
	}
	return nil
}

func (p *Pebble) GetMessages(_ context.Context, ids []string) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		var m models.Message
		if err := p.getJSON(msgKey(id), &m); err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get message %s: %w", id, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

func (p *Pebble) MarkSeen(_ context.Context, ids []string, sender string) (int, error) {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	changed := 0
	for _, id := range ids {
		var m models.Message
		if err := p.getJSON(msgKey(id), &m); err != nil {
			if IsNotFound(err) {
				continue
			}
			return 0, fmt.Errorf("get message %s: %w", id, err)
		}
		if m.Seen || m.MsgByUser != sender {
			continue
		}
		m.Seen = true
		if err := p.setJSON(b, msgKey(id), &m); err != nil {
			return 0, err
		}
		changed++
	}
	if changed == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("pebble_mark_seen_failed", "sender", sender, "error", err)
		return 0, fmt.Errorf("mark seen: %w", err)
	}
	return changed, nil
}
