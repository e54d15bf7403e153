package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/karthikraju391/go-nats-dm-relay/auth"
	"github.com/karthikraju391/go-nats-dm-relay/chat"
	"github.com/karthikraju391/go-nats-dm-relay/config"
	"github.com/karthikraju391/go-nats-dm-relay/delivery"
	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/metrics"
	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/presence"
	"github.com/karthikraju391/go-nats-dm-relay/store"
)

var (
	ErrClosed       = errors.New("session closed")
	ErrRateLimited  = errors.New("too many events, slow down")
	ErrShuttingDown = errors.New("server shutting down")
)

const internalErrorMessage = "internal error"

type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*models.User, error)
}

type UserGetter interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Archiver keeps a copy of every created message outside the store.
type Archiver interface {
	ArchiveMessage(ctx context.Context, conversationID, receiverID string, msg *models.Message) error
}

// Deps wires a Router. Archive may be nil.
type Deps struct {
	Resolver      TokenResolver
	Users         UserGetter
	Presence      *presence.Tracker
	Conversations *chat.Conversations
	Messages      *chat.Messages
	Aggregator    *chat.Aggregator
	Out           delivery.Channel
	Archive       Archiver
	Config        config.SessionConfig
}

// Router opens sessions and dispatches their events.
type Router struct {
	Deps

	// gate is held shared by Open and Handle, exclusively by Shutdown.
	gate    sync.RWMutex
	closing bool

	mu       sync.Mutex
	sessions map[*Session]struct{}
}

func NewRouter(d Deps) *Router {
	return &Router{Deps: d, sessions: make(map[*Session]struct{})}
}

// Sessions returns the number of active sessions.
func (r *Router) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown refuses new sessions and events, waits for events already being
// handled, then closes every session and its connection. It must run before
// the store and the NATS link are closed.
func (r *Router) Shutdown() {
	r.gate.Lock()
	r.closing = true
	r.gate.Unlock()

	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		s.Close()
		if c, ok := s.sink.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Debug("session_conn_close_failed", "conn", s.connID, "error", err)
			}
		}
	}
	logger.Info("router_shutdown", "sessions", len(open))
}

type State int

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one authenticated connection. Handle must be called from a
// single goroutine; Close may be called from any.
type Session struct {
	router  *Router
	connID  string
	user    *models.User
	sink    delivery.Sink
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
}

// Open authenticates token and activates the session: the connection joins
// the user's private channel and the user is marked online. On failure an
// error event is written to sink and the caller should close the
// connection.
func (r *Router) Open(ctx context.Context, connID, token string, sink delivery.Sink) (*Session, error) {
	s := &Session{router: r, connID: connID, sink: sink, state: StateConnecting}

	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.closing {
		s.state = StateClosed
		s.emit(models.EventError, models.ErrorPayload{Message: ErrShuttingDown.Error()})
		return nil, ErrShuttingDown
	}

	user, err := r.Resolver.Resolve(ctx, token)
	if err != nil {
		msg := internalErrorMessage
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			msg = auth.ErrMissingToken.Error()
		case errors.Is(err, auth.ErrInvalidToken):
			msg = auth.ErrInvalidToken.Error()
		default:
			logger.Error("session_auth_failed", "conn", connID, "error", err)
		}
		s.state = StateClosed
		s.emit(models.EventError, models.ErrorPayload{Message: msg})
		metrics.Events.WithLabelValues("connect", metrics.OutcomeRejected).Inc()
		return nil, err
	}

	s.user = user
	s.limiter = newLimiter(r.Config)
	r.Out.Join(connID, user.ID, sink)
	r.Presence.MarkOnline(user.ID, connID)

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()

	metrics.Events.WithLabelValues("connect", metrics.OutcomeOK).Inc()
	logger.Info("session_opened", "conn", connID, "user", user.ID)
	return s, nil
}

func newLimiter(cfg config.SessionConfig) *rate.Limiter {
	if cfg.EventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.EventBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), burst)
}

func (s *Session) User() *models.User { return s.user }

func (s *Session) ConnID() string { return s.connID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close marks the user offline for this connection and leaves the private
// channel. Calling it again does nothing.
func (s *Session) Close() {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	s.mu.Unlock()
	if prev != StateActive {
		return
	}

	s.router.mu.Lock()
	delete(s.router.sessions, s)
	s.router.mu.Unlock()

	s.router.Presence.MarkOffline(s.user.ID, s.connID)
	s.router.Out.Leave(s.connID)
	logger.Info("session_closed", "conn", s.connID, "user", s.user.ID)
}

// Handle decodes and dispatches one inbound frame. Failures are reported to
// the client as an error event and returned; only ErrClosed means the
// session is over.
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	s.router.gate.RLock()
	defer s.router.gate.RUnlock()
	if s.router.closing || s.State() != StateActive {
		return ErrClosed
	}

	if !s.limiter.Allow() {
		metrics.Events.WithLabelValues("rate_limited", metrics.OutcomeRejected).Inc()
		s.fail("rate_limited", ErrRateLimited)
		return ErrRateLimited
	}

	ev, err := DecodeEvent(frame)
	if err != nil {
		metrics.Events.WithLabelValues("invalid", metrics.OutcomeRejected).Inc()
		s.fail("invalid", err)
		return err
	}

	name := ev.Name()
	start := time.Now()
	err = s.dispatch(ctx, ev)
	metrics.EventDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		outcome := s.fail(name, err)
		metrics.Events.WithLabelValues(name, outcome).Inc()
		return err
	}
	metrics.Events.WithLabelValues(name, metrics.OutcomeOK).Inc()
	return nil
}

func (s *Session) dispatch(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", ev.Name(), r)
		}
	}()

	switch e := ev.(type) {
	case MessagePage:
		return s.messagePage(ctx, e)
	case NewMessage:
		return s.newMessage(ctx, e)
	case Sidebar:
		return s.sidebar(ctx)
	case Seen:
		return s.seen(ctx, e)
	case Disconnect:
		s.Close()
		return nil
	default:
		return fmt.Errorf("%w: unhandled event %s", chat.ErrValidation, ev.Name())
	}
}

func (s *Session) messagePage(ctx context.Context, e MessagePage) error {
	peer, err := s.lookupUser(ctx, e.PeerID)
	if err != nil {
		return err
	}
	s.emit(models.EventMessageUser, peer.Profile(s.router.Presence.IsOnline(peer.ID)))

	msgs := []*models.Message{}
	thread, err := s.router.Conversations.FindByPair(ctx, s.user.ID, peer.ID)
	switch {
	case err == nil:
		if thread.Messages != nil {
			msgs = thread.Messages
		}
	case errors.Is(err, chat.ErrNotFound):
	default:
		return err
	}
	s.emit(models.EventMessage, msgs)
	return nil
}

func (s *Session) newMessage(ctx context.Context, e NewMessage) error {
	if e.Sender != s.user.ID {
		return fmt.Errorf("%w: sender must be the connected user", chat.ErrValidation)
	}
	if e.MsgByUserID != "" && e.MsgByUserID != e.Sender {
		return fmt.Errorf("%w: msgByUserId must match sender", chat.ErrValidation)
	}
	if _, err := s.lookupUser(ctx, e.Receiver); err != nil {
		return err
	}
	content := e.Content()
	if err := s.router.Messages.Validate(content); err != nil {
		return err
	}

	conv, err := s.router.Conversations.FindOrCreate(ctx, e.Sender, e.Receiver)
	if err != nil {
		return err
	}
	msg, err := s.router.Messages.Create(ctx, e.Sender, content)
	if err != nil {
		return err
	}
	metrics.MessagesCreated.Inc()

	thread, err := s.router.Conversations.AppendMessage(ctx, conv.ID, msg.ID)
	if err != nil {
		logger.Error("message_orphaned", "message", msg.ID, "conversation", conv.ID, "sender", e.Sender, "error", err)
		return err
	}
	for _, id := range uniq(e.Sender, e.Receiver) {
		if err := s.router.Out.EmitTo(id, models.EventMessage, thread.Messages); err != nil {
			logger.Warn("emit_failed", "event", models.EventMessage, "user", id, "error", err)
		}
	}
	if err := s.pushSummaries(ctx, e.Sender, e.Receiver); err != nil {
		return err
	}

	if s.router.Archive != nil {
		if err := s.router.Archive.ArchiveMessage(ctx, conv.ID, e.Receiver, msg); err != nil {
			logger.Warn("message_archive_failed", "conversation", conv.ID, "message", msg.ID, "error", err)
		}
	}
	logger.Debug("message_sent", "conversation", conv.ID, "message", msg.ID, "sender", e.Sender, "receiver", e.Receiver)
	return nil
}

func (s *Session) sidebar(ctx context.Context) error {
	sums, err := s.router.Aggregator.Summarize(ctx, s.user.ID)
	if err != nil {
		return err
	}
	s.emit(models.EventConversation, sums)
	return nil
}

func (s *Session) seen(ctx context.Context, e Seen) error {
	thread, err := s.router.Conversations.FindByPair(ctx, s.user.ID, e.PeerID)
	switch {
	case err == nil:
		n, err := s.router.Messages.MarkSeenBatch(ctx, thread.Conversation.Messages, e.PeerID)
		if err != nil {
			return err
		}
		logger.Debug("messages_seen", "conversation", thread.Conversation.ID, "user", s.user.ID, "count", n)
	case errors.Is(err, chat.ErrNotFound):
	default:
		return err
	}
	return s.pushSummaries(ctx, s.user.ID, e.PeerID)
}

// pushSummaries sends each user their fresh sidebar on their private
// channel.
func (s *Session) pushSummaries(ctx context.Context, userIDs ...string) error {
	for _, id := range uniq(userIDs...) {
		sums, err := s.router.Aggregator.Summarize(ctx, id)
		if err != nil {
			return err
		}
		if err := s.router.Out.EmitTo(id, models.EventConversation, sums); err != nil {
			logger.Warn("emit_failed", "event", models.EventConversation, "user", id, "error", err)
		}
	}
	return nil
}

func (s *Session) lookupUser(ctx context.Context, id string) (*models.User, error) {
	u, err := s.router.Users.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: user %s", chat.ErrNotFound, id)
	}
	return nil, fmt.Errorf("load user %s: %w", id, err)
}

// emit writes an event to this connection only.
func (s *Session) emit(event string, payload any) {
	frame, err := delivery.Encode(event, payload)
	if err != nil {
		logger.Error("encode_failed", "event", event, "conn", s.connID, "error", err)
		return
	}
	if !s.sink.Deliver(frame) {
		metrics.DeliveriesDropped.Inc()
		logger.Debug("delivery_dropped", "conn", s.connID, "event", event)
	}
}

// fail reports err to the client and returns the metrics outcome. Client
// errors keep their message, anything else is logged and masked.
func (s *Session) fail(event string, err error) string {
	if isClientError(err) {
		s.emit(models.EventError, models.ErrorPayload{Message: err.Error()})
		return metrics.OutcomeRejected
	}
	logger.Error("event_failed", "event", event, "conn", s.connID, "user", s.user.ID, "error", err)
	s.emit(models.EventError, models.ErrorPayload{Message: internalErrorMessage})
	return metrics.OutcomeFailed
}

func isClientError(err error) bool {
	return errors.Is(err, chat.ErrValidation) ||
		errors.Is(err, chat.ErrNotFound) ||
		errors.Is(err, ErrRateLimited)
}

func uniq(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		dup := false
		for _, o := range out {
			if o == id {
				dup = true
				break
			}
		}
		if !dup && id != "" {
			out = append(out, id)
		}
	}
	return out
}
