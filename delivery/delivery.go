// Package delivery routes outbound events to connections: to every
// connection joined to a private channel, or to all connections.
package delivery

import (
	"encoding/json"
	"fmt"

	"github.com/karthikraju391/go-nats-dm-relay/models"
)

// Sink accepts an encoded frame for one connection without blocking. It
// returns false when the frame was dropped.
type Sink interface {
	Deliver(frame []byte) bool
}

// Channel is the delivery surface the session router pushes through.
type Channel interface {
	Join(connID, channel string, sink Sink)
	Leave(connID string)
	EmitTo(channel, event string, payload any) error
	Broadcast(event string, payload any) error
}

// Encode builds the wire frame for event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return frame, nil
}
