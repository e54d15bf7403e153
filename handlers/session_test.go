package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/go-nats-dm-relay/auth"
	"github.com/karthikraju391/go-nats-dm-relay/chat"
	"github.com/karthikraju391/go-nats-dm-relay/config"
	"github.com/karthikraju391/go-nats-dm-relay/delivery"
	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/presence"
	"github.com/karthikraju391/go-nats-dm-relay/store"
)

// conn records frames delivered to one fake connection.
type conn struct {
	mu     sync.Mutex
	frames []models.Envelope
	closed bool
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) Deliver(frame []byte) bool {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, env)
	return true
}

func (c *conn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

// last decodes the data of the latest frame carrying event.
func (c *conn) last(t *testing.T, event string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			require.NoError(t, json.Unmarshal(c.frames[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s frame among %d", event, len(c.frames))
}

func (c *conn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

type archive struct {
	mu   sync.Mutex
	msgs []*models.Message
	err  error
}

func (a *archive) ArchiveMessage(_ context.Context, _, _ string, msg *models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
	return a.err
}

type fixture struct {
	store    *store.Pebble
	resolver *auth.Resolver
	presence *presence.Tracker
	router   *Router
	archive  *archive
}

// flakyStore fails or panics on selected calls and passes the rest
// through.
type flakyStore struct {
	store.Store
	pushErr   error
	listErr   error
	listPanic bool
}

func (f *flakyStore) PushMessage(ctx context.Context, conversationID, messageID string) (*models.Conversation, error) {
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	return f.Store.PushMessage(ctx, conversationID, messageID)
}

func (f *flakyStore) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	if f.listPanic {
		panic("cursor exhausted")
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListConversations(ctx, userID)
}

func newFixture(t *testing.T, cfg config.SessionConfig) *fixture {
	return newFixtureWith(t, cfg, func(s store.Store) store.Store { return s })
}

// newFixtureWith routes every store call through wrap(s).
func newFixtureWith(t *testing.T, cfg config.SessionConfig, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	s, err := store.OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, u := range []*models.User{
		{ID: "u1", Name: "Ann", Email: "ann@example.com"},
		{ID: "u2", Name: "Bob", Email: "bob@example.com"},
		{ID: "u3", Name: "Cyd", Email: "cyd@example.com"},
	} {
		require.NoError(t, s.CreateUser(ctx, u))
	}

	w := wrap(s)
	hub := delivery.NewHub()
	tracker := presence.NewTracker(hub)
	conversations := chat.NewConversations(w)
	resolver := auth.NewResolver("test-secret", w)
	arch := &archive{}
	router := NewRouter(Deps{
		Resolver:      resolver,
		Users:         w,
		Presence:      tracker,
		Conversations: conversations,
		Messages:      chat.NewMessages(w, 100),
		Aggregator:    chat.NewAggregator(conversations, w),
		Out:           hub,
		Archive:       arch,
		Config:        cfg,
	})
	return &fixture{store: s, resolver: resolver, presence: tracker, router: router, archive: arch}
}

func (f *fixture) open(t *testing.T, userID, connID string) (*Session, *conn) {
	t.Helper()
	token, err := f.resolver.Issue(userID, time.Hour)
	require.NoError(t, err)
	c := &conn{}
	s, err := f.router.Open(context.Background(), connID, token, c)
	require.NoError(t, err)
	return s, c
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := delivery.Encode(event, data)
	require.NoError(t, err)
	return b
}

func errorMessage(t *testing.T, c *conn) string {
	t.Helper()
	var p models.ErrorPayload
	c.last(t, models.EventError, &p)
	return p.Message
}

func TestOpenRejectsBadTokens(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})

	c := &conn{}
	_, err := f.router.Open(context.Background(), "c1", "", c)
	assert.ErrorIs(t, err, auth.ErrMissingToken)
	assert.Equal(t, "token not provided", errorMessage(t, c))

	c = &conn{}
	_, err = f.router.Open(context.Background(), "c2", "not-a-jwt", c)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.Equal(t, "user not authenticated", errorMessage(t, c))

	token, err := f.resolver.Issue("ghost", time.Hour)
	require.NoError(t, err)
	c = &conn{}
	_, err = f.router.Open(context.Background(), "c3", token, c)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)

	assert.Empty(t, f.presence.Online())
}

func TestOpenBroadcastsPresence(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})

	s1, c1 := f.open(t, "u1", "c1")
	assert.Equal(t, StateActive, s1.State())
	var online []string
	c1.last(t, models.EventOnlineUser, &online)
	assert.Equal(t, []string{"u1"}, online)

	_, c2 := f.open(t, "u2", "c2")
	c1.last(t, models.EventOnlineUser, &online)
	assert.Equal(t, []string{"u1", "u2"}, online)
	c2.last(t, models.EventOnlineUser, &online)
	assert.Equal(t, []string{"u1", "u2"}, online)
}

func TestFirstMessage(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()
	s1, c1 := f.open(t, "u1", "c1")
	_, c2 := f.open(t, "u2", "c2")

	err := s1.Handle(ctx, frame(t, models.EventNewMessage, map[string]string{
		"sender": "u1", "receiver": "u2", "text": "hi", "msgByUserId": "u1",
	}))
	require.NoError(t, err)

	for _, c := range []*conn{c1, c2} {
		var msgs []models.Message
		c.last(t, models.EventMessage, &msgs)
		require.Len(t, msgs, 1)
		assert.Equal(t, "hi", msgs[0].Text)
		assert.Equal(t, "u1", msgs[0].MsgByUser)
		assert.False(t, msgs[0].Seen)
	}

	var mine, theirs []models.ConversationSummary
	c1.last(t, models.EventConversation, &mine)
	c2.last(t, models.EventConversation, &theirs)
	require.Len(t, mine, 1)
	require.Len(t, theirs, 1)
	assert.Equal(t, 0, mine[0].UnseenMsg)
	assert.Equal(t, 1, theirs[0].UnseenMsg)
	assert.Equal(t, "Ann", theirs[0].Sender.Name)
	assert.Equal(t, "Bob", theirs[0].Receiver.Name)
	require.NotNil(t, theirs[0].LastMsg)
	assert.Equal(t, "hi", theirs[0].LastMsg.Text)

	require.Len(t, f.archive.msgs, 1)
	assert.Equal(t, "hi", f.archive.msgs[0].Text)
}

func TestNewMessageReachesEveryTab(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	s1, _ := f.open(t, "u1", "c1")
	_, tabA := f.open(t, "u2", "c2a")
	_, tabB := f.open(t, "u2", "c2b")

	require.NoError(t, s1.Handle(context.Background(), frame(t, models.EventNewMessage, map[string]string{
		"sender": "u1", "receiver": "u2", "imageUrl": "https://img.example/1.png",
	})))

	for _, c := range []*conn{tabA, tabB} {
		var msgs []models.Message
		c.last(t, models.EventMessage, &msgs)
		require.Len(t, msgs, 1)
		assert.Equal(t, "https://img.example/1.png", msgs[0].ImageURL)
	}
}

func TestNewMessageRejections(t *testing.T) {
	cases := []struct {
		name    string
		payload map[string]string
		want    error
	}{
		{"missing receiver", map[string]string{"sender": "u1", "text": "x"}, chat.ErrValidation},
		{"spoofed sender", map[string]string{"sender": "u2", "receiver": "u3", "text": "x"}, chat.ErrValidation},
		{"mismatched author", map[string]string{"sender": "u1", "receiver": "u2", "text": "x", "msgByUserId": "u3"}, chat.ErrValidation},
		{"unknown receiver", map[string]string{"sender": "u1", "receiver": "nobody", "text": "x"}, chat.ErrNotFound},
		{"empty content", map[string]string{"sender": "u1", "receiver": "u2", "text": "   "}, chat.ErrEmptyMessage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, config.SessionConfig{})
			s1, c1 := f.open(t, "u1", "c1")

			err := s1.Handle(context.Background(), frame(t, models.EventNewMessage, tc.payload))
			assert.ErrorIs(t, err, tc.want)
			assert.NotEmpty(t, errorMessage(t, c1))
			assert.NotEqual(t, internalErrorMessage, errorMessage(t, c1))
			assert.Equal(t, StateActive, s1.State())

			convs, err := f.store.ListConversations(context.Background(), "u1")
			require.NoError(t, err)
			assert.Empty(t, convs, "rejected message must not create a conversation")
		})
	}
}

func TestMessagePageWithoutConversation(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	s1, c1 := f.open(t, "u1", "c1")
	_, _ = f.open(t, "u2", "c2")
	c1.reset()

	require.NoError(t, s1.Handle(context.Background(), frame(t, models.EventMessagePage, "u2")))
	assert.Equal(t, []string{models.EventMessageUser, models.EventMessage}, c1.events())

	var profile models.Profile
	c1.last(t, models.EventMessageUser, &profile)
	assert.Equal(t, "u2", profile.ID)
	assert.Equal(t, "Bob", profile.Name)
	assert.True(t, profile.Online)

	var msgs []models.Message
	c1.last(t, models.EventMessage, &msgs)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)

	_, err := f.store.FindConversation(context.Background(), "u1", "u2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMessagePageReturnsHistory(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()
	s1, _ := f.open(t, "u1", "c1")
	s3, c3 := f.open(t, "u3", "c3")

	for _, text := range []string{"one", "two"} {
		require.NoError(t, s1.Handle(ctx, frame(t, models.EventNewMessage, map[string]string{
			"sender": "u1", "receiver": "u3", "text": text,
		})))
	}
	c3.reset()

	require.NoError(t, s3.Handle(ctx, frame(t, models.EventMessagePage, map[string]string{"peerId": "u1"})))
	var msgs []models.Message
	c3.last(t, models.EventMessage, &msgs)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Text)
	assert.Equal(t, "two", msgs[1].Text)

	var profile models.Profile
	c3.last(t, models.EventMessageUser, &profile)
	assert.True(t, profile.Online)
}

func TestMessagePageUnknownPeer(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	s1, c1 := f.open(t, "u1", "c1")

	err := s1.Handle(context.Background(), frame(t, models.EventMessagePage, "nobody"))
	assert.ErrorIs(t, err, chat.ErrNotFound)
	assert.Contains(t, errorMessage(t, c1), "not found")
}

func TestSeenResetsUnseenCount(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()
	s1, c1 := f.open(t, "u1", "c1")
	s2, c2 := f.open(t, "u2", "c2")

	for _, text := range []string{"a", "b", "c"} {
		require.NoError(t, s1.Handle(ctx, frame(t, models.EventNewMessage, map[string]string{
			"sender": "u1", "receiver": "u2", "text": text,
		})))
	}
	require.NoError(t, s2.Handle(ctx, frame(t, models.EventNewMessage, map[string]string{
		"sender": "u2", "receiver": "u1", "text": "d",
	})))

	var sums []models.ConversationSummary
	c2.last(t, models.EventConversation, &sums)
	require.Len(t, sums, 1)
	assert.Equal(t, 3, sums[0].UnseenMsg)
	c1.last(t, models.EventConversation, &sums)
	assert.Equal(t, 1, sums[0].UnseenMsg)

	c1.reset()
	c2.reset()
	require.NoError(t, s2.Handle(ctx, frame(t, models.EventSeen, "u1")))

	c2.last(t, models.EventConversation, &sums)
	assert.Equal(t, 0, sums[0].UnseenMsg)
	c1.last(t, models.EventConversation, &sums)
	assert.Equal(t, 1, sums[0].UnseenMsg, "u1 has not read d yet")
}

func TestSeenWithoutConversation(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	s1, c1 := f.open(t, "u1", "c1")
	_, c3 := f.open(t, "u3", "c3")
	c1.reset()
	c3.reset()

	require.NoError(t, s1.Handle(context.Background(), frame(t, models.EventSeen, "u3")))

	var sums []models.ConversationSummary
	c1.last(t, models.EventConversation, &sums)
	assert.Empty(t, sums)
	c3.last(t, models.EventConversation, &sums)
	assert.Empty(t, sums)
}

func TestSidebarIsAlwaysSelf(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()
	s1, _ := f.open(t, "u1", "c1")
	s3, c3 := f.open(t, "u3", "c3")

	require.NoError(t, s1.Handle(ctx, frame(t, models.EventNewMessage, map[string]string{
		"sender": "u1", "receiver": "u2", "text": "hey",
	})))
	c3.reset()

	require.NoError(t, s3.Handle(ctx, frame(t, models.EventSidebar, "u1")))
	assert.Equal(t, []string{models.EventConversation}, c3.events())

	var sums []models.ConversationSummary
	c3.last(t, models.EventConversation, &sums)
	assert.NotNil(t, sums)
	assert.Empty(t, sums)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	ctx := context.Background()
	s1, _ := f.open(t, "u1", "c1")
	_, c2 := f.open(t, "u2", "c2")

	require.NoError(t, s1.Handle(ctx, frame(t, models.EventDisconnect, nil)))
	assert.Equal(t, StateClosed, s1.State())
	assert.False(t, f.presence.IsOnline("u1"))

	var online []string
	c2.last(t, models.EventOnlineUser, &online)
	assert.Equal(t, []string{"u2"}, online)

	assert.ErrorIs(t, s1.Handle(ctx, frame(t, models.EventSidebar, nil)), ErrClosed)
	s1.Close()
}

func TestPresenceSurvivesOtherTab(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	a, _ := f.open(t, "u1", "c1a")
	b, _ := f.open(t, "u1", "c1b")

	a.Close()
	assert.True(t, f.presence.IsOnline("u1"))
	b.Close()
	assert.False(t, f.presence.IsOnline("u1"))
}

func TestMalformedFrames(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	s1, c1 := f.open(t, "u1", "c1")
	ctx := context.Background()

	for _, raw := range []string{
		`not json`,
		`{"event":"typing","data":"u2"}`,
		`{"event":"messagePage","data":42}`,
		`{"event":"newMessage","data":"hello"}`,
	} {
		err := s1.Handle(ctx, []byte(raw))
		assert.ErrorIs(t, err, chat.ErrValidation, raw)
	}
	assert.Contains(t, errorMessage(t, c1), "invalid request")
	assert.Equal(t, StateActive, s1.State())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, config.SessionConfig{EventsPerSecond: 0.001, EventBurst: 2})
	s1, c1 := f.open(t, "u1", "c1")
	ctx := context.Background()

	require.NoError(t, s1.Handle(ctx, frame(t, models.EventSidebar, nil)))
	require.NoError(t, s1.Handle(ctx, frame(t, models.EventSidebar, nil)))
	assert.ErrorIs(t, s1.Handle(ctx, frame(t, models.EventSidebar, nil)), ErrRateLimited)
	assert.Equal(t, ErrRateLimited.Error(), errorMessage(t, c1))
}

func TestArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	f.archive.err = errors.New("stream unavailable")
	s1, c1 := f.open(t, "u1", "c1")

	require.NoError(t, s1.Handle(context.Background(), frame(t, models.EventNewMessage, map[string]string{
		"sender": "u1", "receiver": "u2", "text": "still stored",
	})))
	var msgs []models.Message
	c1.last(t, models.EventMessage, &msgs)
	require.Len(t, msgs, 1)
}

func TestTokenFromRequest(t *testing.T) {
	assert.Equal(t, "q", TokenFromRequest(" q ", "Bearer h"))
	assert.Equal(t, "h", TokenFromRequest("", "Bearer h"))
	assert.Equal(t, "", TokenFromRequest("", ""))
}

func TestNewMessageStoreFailure(t *testing.T) {
	var logs bytes.Buffer
	logger.InitWithWriter("debug", &logs)
	t.Cleanup(func() { logger.Log = nil })

	flaky := &flakyStore{pushErr: errors.New("disk full")}
	f := newFixtureWith(t, config.SessionConfig{}, func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	})
	s1, c1 := f.open(t, "u1", "c1")
	_, c2 := f.open(t, "u2", "c2")
	c1.reset()
	c2.reset()

	err := s1.Handle(context.Background(), frame(t, models.EventNewMessage, map[string]string{
		"sender": "u1", "receiver": "u2", "text": "hi",
	}))
	require.Error(t, err)
	assert.Equal(t, []string{models.EventError}, c1.events())
	assert.Equal(t, "internal error", errorMessage(t, c1))
	assert.NotContains(t, errorMessage(t, c1), "disk full")
	assert.Empty(t, c2.events())
	assert.Equal(t, StateActive, s1.State())
	assert.Empty(t, f.archive.msgs)

	out := logs.String()
	assert.Contains(t, out, "message_orphaned")
	assert.Contains(t, out, "disk full")
}

func TestSidebarStoreFailure(t *testing.T) {
	flaky := &flakyStore{listErr: errors.New("connection reset")}
	f := newFixtureWith(t, config.SessionConfig{}, func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	})
	s1, c1 := f.open(t, "u1", "c1")
	_, c2 := f.open(t, "u2", "c2")
	c1.reset()
	c2.reset()

	require.Error(t, s1.Handle(context.Background(), frame(t, models.EventSidebar, nil)))
	assert.Equal(t, []string{models.EventError}, c1.events())
	assert.Equal(t, "internal error", errorMessage(t, c1))
	assert.Empty(t, c2.events())
	assert.Equal(t, StateActive, s1.State())
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	flaky := &flakyStore{listPanic: true}
	f := newFixtureWith(t, config.SessionConfig{}, func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	})
	s1, c1 := f.open(t, "u1", "c1")
	c1.reset()

	var err error
	require.NotPanics(t, func() {
		err = s1.Handle(context.Background(), frame(t, models.EventSidebar, nil))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, "internal error", errorMessage(t, c1))
	assert.Equal(t, StateActive, s1.State())

	flaky.listPanic = false
	c1.reset()
	require.NoError(t, s1.Handle(context.Background(), frame(t, models.EventSidebar, nil)))
	assert.Equal(t, []string{models.EventConversation}, c1.events())
}

func TestShutdownClosesSessions(t *testing.T) {
	f := newFixture(t, config.SessionConfig{})
	s1, c1 := f.open(t, "u1", "c1")
	s2, c2 := f.open(t, "u2", "c2")
	require.Equal(t, 2, f.router.Sessions())

	f.router.Shutdown()

	assert.Equal(t, StateClosed, s1.State())
	assert.Equal(t, StateClosed, s2.State())
	assert.True(t, c1.isClosed())
	assert.True(t, c2.isClosed())
	assert.Empty(t, f.presence.Online())
	assert.Zero(t, f.router.Sessions())
	assert.ErrorIs(t, s1.Handle(context.Background(), frame(t, models.EventSidebar, nil)), ErrClosed)

	token, err := f.resolver.Issue("u3", time.Hour)
	require.NoError(t, err)
	c3 := &conn{}
	_, err = f.router.Open(context.Background(), "c3", token, c3)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Equal(t, ErrShuttingDown.Error(), errorMessage(t, c3))
	assert.False(t, f.presence.IsOnline("u3"))
}
