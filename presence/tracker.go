// Package presence tracks which users hold at least one open connection,
// across every relay process sharing a NATS link.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/metrics"
	"github.com/karthikraju391/go-nats-dm-relay/models"
)

// Broadcaster delivers an event to every connection of this process.
type Broadcaster interface {
	Broadcast(event string, payload any) error
}

// Tracker owns the presence set. Membership is kept per connection so a
// user with several tabs stays online until the last one closes. Every
// change is broadcast under the same lock as the mutation, so broadcasts
// leave in mutation order.
//
// When attached to a Link, the local set is announced to the other
// processes and their sets are merged in; Online, IsOnline and the
// broadcast list all report the merged set.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{} // user -> connection ids
	out   Broadcaster

	link    *link
	remotes map[string]*remoteSet // node -> last announce
	seq     uint64
	now     func() time.Time
}

type remoteSet struct {
	seq   uint64
	users map[string]struct{}
	seen  time.Time
}

func NewTracker(out Broadcaster) *Tracker {
	return &Tracker{
		conns:   make(map[string]map[string]struct{}),
		out:     out,
		remotes: make(map[string]*remoteSet),
		now:     time.Now,
	}
}

// MarkOnline records connID for userID and broadcasts the presence list.
// Repeating the call for the same connection changes nothing.
func (t *Tracker) MarkOnline(userID, connID string) {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userID] = set
	}
	set[connID] = struct{}{}
	a := t.changedLocked()
	t.mu.Unlock()
	t.announce(a)
}

// MarkOffline drops connID. The user leaves the set with its last
// connection.
func (t *Tracker) MarkOffline(userID, connID string) {
	t.mu.Lock()
	if set, ok := t.conns[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(t.conns, userID)
		}
	}
	a := t.changedLocked()
	t.mu.Unlock()
	t.announce(a)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[userID]; ok {
		return true
	}
	for _, r := range t.remotes {
		if _, ok := r.users[userID]; ok {
			return true
		}
	}
	return false
}

// Online returns the sorted ids of online users.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

// Local returns the sorted ids of users connected to this process.
func (t *Tracker) Local() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localLocked()
}

func (t *Tracker) localLocked() []string {
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) onlineLocked() []string {
	merged := make(map[string]struct{}, len(t.conns))
	for id := range t.conns {
		merged[id] = struct{}{}
	}
	for _, r := range t.remotes {
		for id := range r.users {
			merged[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// changedLocked broadcasts the merged set and returns the announce for the
// other processes, nil when unlinked.
func (t *Tracker) changedLocked() *announce {
	t.broadcastLocked()
	if t.link == nil {
		return nil
	}
	t.seq++
	return &announce{Node: t.link.node, Seq: t.seq, Users: t.localLocked(), via: t.link}
}

func (t *Tracker) broadcastLocked() {
	ids := t.onlineLocked()
	metrics.OnlineUsers.Set(float64(len(ids)))
	if t.out == nil {
		return
	}
	if err := t.out.Broadcast(models.EventOnlineUser, ids); err != nil {
		logger.Warn("presence_broadcast_failed", "online", len(ids), "error", err)
	}
}
