package nats_service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/go-nats-dm-relay/config"
	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/models"
)

type NatsService struct {
	js  jetstream.JetStream
	nc  *nats.Conn
	cfg config.NatsConfig
}

// ArchivedMessage is what the archive stream stores per created message.
type ArchivedMessage struct {
	ConversationID string          `json:"conversationId"`
	ReceiverID     string          `json:"receiverId"`
	Message        *models.Message `json:"message"`
}

// NewNatsService connects to NATS and makes sure the archive stream exists.
func NewNatsService(cfg config.NatsConfig) (*NatsService, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("dm-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		logger.Info("nats_stream_missing", "stream", cfg.StreamName)
		streamCfg := jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Archive of direct messages",
			Subjects:    []string{archiveSubject(cfg.SubjectPrefix, "*")},
			MaxAge:      cfg.StreamMaxAge.Duration(),
			Storage:     jetstream.FileStorage,
		}
		stream, err = js.CreateStream(ctx, streamCfg)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
		logger.Info("nats_stream_created", "stream", cfg.StreamName)
	} else {
		logger.Info("nats_stream_found", "stream", stream.CachedInfo().Config.Name)
	}

	return &NatsService{js: js, nc: nc, cfg: cfg}, nil
}

// Close drains subscriptions and closes the connection.
func (s *NatsService) Close() {
	if s.nc == nil {
		return
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
	}
}

// archiveSubject generates the stream subject for a conversation.
func archiveSubject(prefix, conversationID string) string {
	return fmt.Sprintf("%s.messages.%s", prefix, conversationID)
}

// ArchiveMessage appends a created message to the archive stream.
func (s *NatsService) ArchiveMessage(ctx context.Context, conversationID, receiverID string, msg *models.Message) error {
	subject := archiveSubject(s.cfg.SubjectPrefix, conversationID)
	data, err := json.Marshal(ArchivedMessage{ConversationID: conversationID, ReceiverID: receiverID, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID)); err != nil {
		return fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}
	logger.Debug("message_archived", "subject", subject, "message", msg.ID)
	return nil
}

// Publish sends data on a core NATS subject.
func (s *NatsService) Publish(subject string, data []byte) error {
	return s.nc.Publish(subject, data)
}

// Subscribe calls handler for every message on subject (wildcards allowed)
// and returns the matching unsubscribe func.
func (s *NatsService) Subscribe(subject string, handler func(subject string, data []byte)) (func() error, error) {
	sub, err := s.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to '%s': %w", subject, err)
	}
	logger.Info("nats_subscribed", "subject", subject)
	return sub.Unsubscribe, nil
}
