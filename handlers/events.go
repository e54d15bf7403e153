package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/karthikraju391/go-nats-dm-relay/chat"
	"github.com/karthikraju391/go-nats-dm-relay/models"
)

// Event is one decoded inbound frame.
type Event interface {
	Name() string
}

// MessagePage opens the thread with a peer.
type MessagePage struct {
	PeerID string
}

// NewMessage sends content to Receiver.
type NewMessage struct {
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Text        string `json:"text"`
	ImageURL    string `json:"imageUrl"`
	VideoURL    string `json:"videoUrl"`
	MsgByUserID string `json:"msgByUserId"`
}

// Sidebar asks for the conversation summaries. UserID is accepted for
// compatibility and ignored.
type Sidebar struct {
	UserID string
}

// Seen marks the peer's messages as read.
type Seen struct {
	PeerID string
}

type Disconnect struct{}

func (MessagePage) Name() string { return models.EventMessagePage }
func (NewMessage) Name() string  { return models.EventNewMessage }
func (Sidebar) Name() string     { return models.EventSidebar }
func (Seen) Name() string        { return models.EventSeen }
func (Disconnect) Name() string  { return models.EventDisconnect }

func (m NewMessage) Content() models.Content {
	return models.Content{Text: m.Text, ImageURL: m.ImageURL, VideoURL: m.VideoURL}
}

// DecodeEvent parses a `{"event","data"}` frame. Errors wrap
// chat.ErrValidation.
func DecodeEvent(frame []byte) (Event, error) {
	var env models.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed frame", chat.ErrValidation)
	}

	switch env.Event {
	case models.EventMessagePage:
		id, err := decodeID(env.Data, "peerId", "userId")
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: peer id is required", chat.ErrValidation)
		}
		return MessagePage{PeerID: id}, nil

	case models.EventNewMessage:
		var m NewMessage
		if len(env.Data) == 0 || json.Unmarshal(env.Data, &m) != nil {
			return nil, fmt.Errorf("%w: invalid message data", chat.ErrValidation)
		}
		m.Sender = strings.TrimSpace(m.Sender)
		m.Receiver = strings.TrimSpace(m.Receiver)
		m.MsgByUserID = strings.TrimSpace(m.MsgByUserID)
		if m.Sender == "" || m.Receiver == "" {
			return nil, fmt.Errorf("%w: invalid message data", chat.ErrValidation)
		}
		return m, nil

	case models.EventSidebar:
		// the id is advisory, a malformed one is not worth rejecting
		id, _ := decodeID(env.Data, "userId")
		return Sidebar{UserID: id}, nil

	case models.EventSeen:
		id, err := decodeID(env.Data, "peerId", "msgByUser", "userId")
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, fmt.Errorf("%w: peer id is required", chat.ErrValidation)
		}
		return Seen{PeerID: id}, nil

	case models.EventDisconnect:
		return Disconnect{}, nil

	case "":
		return nil, fmt.Errorf("%w: event name is required", chat.ErrValidation)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", chat.ErrValidation, env.Event)
	}
}

// decodeID accepts a bare JSON string or an object carrying one of keys.
func decodeID(data json.RawMessage, keys ...string) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("%w: malformed id", chat.ErrValidation)
		}
		return strings.TrimSpace(s), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: expected an id", chat.ErrValidation)
	}
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: %s must be a string", chat.ErrValidation, k)
		}
		return strings.TrimSpace(s), nil
	}
	return "", nil
}
