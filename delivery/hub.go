package delivery

import (
	"sync"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/metrics"
)

// Hub is the in-process Channel. Frames for channels nobody has joined are
// discarded.
type Hub struct {
	mu      sync.RWMutex
	sinks   map[string]Sink                // conn -> sink
	members map[string]map[string]struct{} // channel -> conns
	joined  map[string]map[string]struct{} // conn -> channels
}

var _ Channel = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{
		sinks:   make(map[string]Sink),
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Join(connID, channel string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[connID] = sink
	if h.members[channel] == nil {
		h.members[channel] = make(map[string]struct{})
	}
	h.members[channel][connID] = struct{}{}
	if h.joined[connID] == nil {
		h.joined[connID] = make(map[string]struct{})
	}
	h.joined[connID][channel] = struct{}{}
}

// Leave removes the connection from every channel it joined.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.joined[connID] {
		delete(h.members[channel], connID)
		if len(h.members[channel]) == 0 {
			delete(h.members, channel)
		}
	}
	delete(h.joined, connID)
	delete(h.sinks, connID)
}

func (h *Hub) EmitTo(channel, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	h.DeliverFrame(channel, frame)
	return nil
}

func (h *Hub) Broadcast(event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	h.BroadcastFrame(frame)
	return nil
}

// DeliverFrame hands frame to every connection in channel and returns how
// many accepted it.
func (h *Hub) DeliverFrame(channel string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for connID := range h.members[channel] {
		if h.deliver(connID, h.sinks[connID], frame) {
			n++
		}
	}
	return n
}

// BroadcastFrame hands frame to every connection.
func (h *Hub) BroadcastFrame(frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for connID, sink := range h.sinks {
		if h.deliver(connID, sink, frame) {
			n++
		}
	}
	return n
}

func (h *Hub) deliver(connID string, sink Sink, frame []byte) bool {
	if sink == nil {
		return false
	}
	if sink.Deliver(frame) {
		return true
	}
	metrics.DeliveriesDropped.Inc()
	logger.Debug("delivery_dropped", "conn", connID)
	return false
}

// Connections returns the number of joined connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}
