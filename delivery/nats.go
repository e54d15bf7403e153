package delivery

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
)

// PubSub is the subject-based transport NatsBus publishes through.
type PubSub interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (unsubscribe func() error, err error)
}

// NatsBus fans pushes out across relay processes. Private channel frames go
// to <prefix>.user.<channel> and broadcasts to <prefix>.broadcast; every
// process subscribes to both and hands what arrives to its local Hub.
type NatsBus struct {
	*Hub
	ps     PubSub
	prefix string

	mu     sync.Mutex
	unsubs []func() error
}

var _ Channel = (*NatsBus)(nil)

func NewNatsBus(hub *Hub, ps PubSub, prefix string) *NatsBus {
	return &NatsBus{Hub: hub, ps: ps, prefix: prefix}
}

func (b *NatsBus) userSubject(channel string) string {
	return fmt.Sprintf("%s.user.%s", b.prefix, subjectToken(channel))
}

// encodedMark starts a subject token that carries a base64 encoded channel.
const encodedMark = "~"

// subjectToken maps a channel to a single NATS subject token. Ids made of
// letters, digits, '-' and '_' are used as is; anything else, including
// '.', '*', '>' and whitespace, is base64url encoded behind encodedMark.
func subjectToken(channel string) string {
	if channel != "" && plainToken(channel) {
		return channel
	}
	return encodedMark + base64.RawURLEncoding.EncodeToString([]byte(channel))
}

func channelFromToken(token string) (string, error) {
	enc, ok := strings.CutPrefix(token, encodedMark)
	if !ok {
		return token, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode subject token %q: %w", token, err)
	}
	return string(raw), nil
}

func plainToken(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (b *NatsBus) broadcastSubject() string {
	return b.prefix + ".broadcast"
}

// Start subscribes to the fan-out subjects.
func (b *NatsBus) Start() error {
	userPrefix := b.prefix + ".user."
	unsubUser, err := b.ps.Subscribe(userPrefix+"*", func(subject string, data []byte) {
		channel, err := channelFromToken(strings.TrimPrefix(subject, userPrefix))
		if err != nil {
			logger.Warn("delivery_subject_invalid", "subject", subject, "error", err)
			return
		}
		b.Hub.DeliverFrame(channel, data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s*: %w", userPrefix, err)
	}
	unsubAll, err := b.ps.Subscribe(b.broadcastSubject(), func(_ string, data []byte) {
		b.Hub.BroadcastFrame(data)
	})
	if err != nil {
		_ = unsubUser()
		return fmt.Errorf("subscribe %s: %w", b.broadcastSubject(), err)
	}
	b.mu.Lock()
	b.unsubs = append(b.unsubs, unsubUser, unsubAll)
	b.mu.Unlock()
	logger.Info("delivery_bus_started", "prefix", b.prefix)
	return nil
}

func (b *NatsBus) EmitTo(channel, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(b.userSubject(channel), frame); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event, channel, err)
	}
	return nil
}

func (b *NatsBus) Broadcast(event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	if err := b.ps.Publish(b.broadcastSubject(), frame); err != nil {
		return fmt.Errorf("publish %s broadcast: %w", event, err)
	}
	return nil
}

// Close drops the subscriptions.
func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for _, unsub := range b.unsubs {
		if err := unsub(); err != nil && first == nil {
			first = err
		}
	}
	b.unsubs = nil
	return first
}
