package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/store"
)

type fixture struct {
	store         *store.Pebble
	conversations *Conversations
	messages      *Messages
	aggregator    *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, u := range []*models.User{
		{ID: "u1", Name: "Ann"},
		{ID: "u2", Name: "Bob"},
		{ID: "u3", Name: "Cyd"},
	} {
		require.NoError(t, s.CreateUser(ctx, u))
	}
	conversations := NewConversations(s)
	return &fixture{
		store:         s,
		conversations: conversations,
		messages:      NewMessages(s, 100),
		aggregator:    NewAggregator(conversations, s),
	}
}

// send runs the newMessage write path.
func (f *fixture) send(t *testing.T, from, to, text string) *models.Thread {
	t.Helper()
	ctx := context.Background()
	conv, err := f.conversations.FindOrCreate(ctx, from, to)
	require.NoError(t, err)
	msg, err := f.messages.Create(ctx, from, models.Content{Text: text})
	require.NoError(t, err)
	thread, err := f.conversations.AppendMessage(ctx, conv.ID, msg.ID)
	require.NoError(t, err)
	return thread
}

func (f *fixture) unseen(t *testing.T, userID, convID string) int {
	t.Helper()
	sums, err := f.aggregator.Summarize(context.Background(), userID)
	require.NoError(t, err)
	for _, s := range sums {
		if s.ID == convID {
			return s.UnseenMsg
		}
	}
	t.Fatalf("conversation %s not in summary of %s", convID, userID)
	return 0
}

func TestSummarizeWithoutConversationsIsEmpty(t *testing.T) {
	f := newFixture(t)
	sums, err := f.aggregator.Summarize(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, sums)
	assert.Empty(t, sums)

	sums, err = f.aggregator.Summarize(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestFirstMessageCreatesConversation(t *testing.T) {
	f := newFixture(t)
	thread := f.send(t, "u1", "u2", "hi")

	require.Len(t, thread.Messages, 1)
	assert.Equal(t, "hi", thread.Messages[0].Text)
	assert.False(t, thread.Messages[0].Seen)
	assert.Equal(t, "u1", thread.Messages[0].MsgByUser)

	sums, err := f.aggregator.Summarize(context.Background(), "u2")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, thread.Conversation.ID, sums[0].ID)
	assert.Equal(t, 1, sums[0].UnseenMsg)
	assert.Equal(t, "Ann", sums[0].Sender.Name)
	assert.Equal(t, "Bob", sums[0].Receiver.Name)
	require.NotNil(t, sums[0].LastMsg)
	assert.Equal(t, "hi", sums[0].LastMsg.Text)

	assert.Equal(t, 0, f.unseen(t, "u1", thread.Conversation.ID))
}

func TestUnseenCountArithmetic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.send(t, "u1", "u2", "one").Conversation.ID
	f.send(t, "u2", "u1", "reply")
	f.send(t, "u1", "u2", "two")

	assert.Equal(t, 2, f.unseen(t, "u2", convID))
	assert.Equal(t, 1, f.unseen(t, "u1", convID))

	f.send(t, "u1", "u2", "three")
	assert.Equal(t, 3, f.unseen(t, "u2", convID))

	thread, err := f.conversations.FindByPair(ctx, "u2", "u1")
	require.NoError(t, err)
	ids := thread.Conversation.Messages
	n, err := f.messages.MarkSeenBatch(ctx, ids, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, 0, f.unseen(t, "u2", convID))
	assert.Equal(t, 1, f.unseen(t, "u1", convID))

	n, err = f.messages.MarkSeenBatch(ctx, ids, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSummaryOrderFollowsRecency(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "u1", "u2", "to bob").Conversation.ID
	second := f.send(t, "u3", "u1", "from cyd").Conversation.ID

	sums, err := f.aggregator.Summarize(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sums, 2)
	assert.Equal(t, second, sums[0].ID)
	assert.Equal(t, first, sums[1].ID)

	f.send(t, "u2", "u1", "bump")
	sums, err = f.aggregator.Summarize(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, first, sums[0].ID)
}

func TestFindOrCreateConcurrentYieldsOneConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// a second coordinator over the same store stands in for another relay
	// process, so the store-level pair index is exercised as well
	other := NewConversations(f.store)

	var wg sync.WaitGroup
	ids := make([]string, 64)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := f.conversations
			a, b := "u1", "u2"
			if i%2 == 1 {
				c = other
				a, b = b, a
			}
			conv, err := c.FindOrCreate(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := f.store.ListConversations(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFindByPairDoesNotCreate(t *testing.T) {
	f := newFixture(t)
	_, err := f.conversations.FindByPair(context.Background(), "u1", "u3")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.store.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAppendToMissingConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.conversations.AppendMessage(context.Background(), "nope", "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.messages.Create(ctx, "u1", models.Content{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.messages.Create(ctx, "", models.Content{Text: "hi"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.messages.Create(ctx, "u1", models.Content{Text: strings.Repeat("x", 101)})
	assert.ErrorIs(t, err, ErrValidation)

	msg, err := f.messages.Create(ctx, "u1", models.Content{ImageURL: " https://cdn/x.png "})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.png", msg.ImageURL)
	assert.Empty(t, msg.Text)
}

func TestSummaryWithDanglingParticipant(t *testing.T) {
	f := newFixture(t)
	f.send(t, "u1", "ghost", "anyone?")

	sums, err := f.aggregator.Summarize(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "ghost", sums[0].Receiver.ID)
	assert.Empty(t, sums[0].Receiver.Name)
}
