package presence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/karthikraju391/go-nats-dm-relay/logger"
)

// Link is the subject-based transport presence announces travel on.
type Link interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (unsubscribe func() error, err error)
}

// missedBeats is how many heartbeat intervals a node may stay silent
// before its users are dropped.
const missedBeats = 3

// announce carries one node's local set. Hello asks every other node to
// answer with its own set; Gone withdraws the node.
type announce struct {
	Node  string   `json:"node"`
	Seq   uint64   `json:"seq"`
	Users []string `json:"users"`
	Hello bool     `json:"hello,omitempty"`
	Gone  bool     `json:"gone,omitempty"`

	via *link
}

type link struct {
	Link
	node     string
	subject  string
	interval time.Duration
	unsub    func() error
	stop     chan struct{}
}

// Attach joins the presence exchange on subject as node. Every interval the
// local set is announced again and nodes silent for three intervals are
// dropped; interval <= 0 disables both.
func (t *Tracker) Attach(l Link, subject, node string, interval time.Duration) error {
	lk := &link{Link: l, node: node, subject: subject, interval: interval, stop: make(chan struct{})}
	t.mu.Lock()
	if t.link != nil {
		t.mu.Unlock()
		return errors.New("presence: already attached")
	}
	t.link = lk
	t.mu.Unlock()

	unsub, err := l.Subscribe(subject, func(_ string, data []byte) {
		t.receive(data)
	})
	if err != nil {
		t.mu.Lock()
		t.link = nil
		t.mu.Unlock()
		return fmt.Errorf("subscribe presence %s: %w", subject, err)
	}
	lk.unsub = unsub

	t.mu.Lock()
	t.seq++
	hello := &announce{Node: node, Seq: t.seq, Users: t.localLocked(), Hello: true, via: lk}
	t.mu.Unlock()
	t.announce(hello)

	if interval > 0 {
		go t.heartbeatLoop(lk)
	}
	logger.Info("presence_attached", "node", node, "subject", subject)
	return nil
}

// Detach withdraws this node from the exchange and forgets every remote set.
func (t *Tracker) Detach() {
	t.mu.Lock()
	lk := t.link
	if lk == nil {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.seq++
	gone := &announce{Node: lk.node, Seq: t.seq, Users: []string{}, Gone: true, via: lk}
	if len(t.remotes) > 0 {
		t.remotes = make(map[string]*remoteSet)
		t.broadcastLocked()
	}
	t.mu.Unlock()

	close(lk.stop)
	t.announce(gone)
	if lk.unsub != nil {
		if err := lk.unsub(); err != nil {
			logger.Warn("presence_unsubscribe_failed", "node", lk.node, "error", err)
		}
	}
	logger.Info("presence_detached", "node", lk.node)
}

func (t *Tracker) receive(data []byte) {
	var a announce
	if err := json.Unmarshal(data, &a); err != nil || a.Node == "" {
		logger.Warn("presence_announce_invalid", "error", err)
		return
	}

	t.mu.Lock()
	if t.link == nil || a.Node == t.link.node {
		t.mu.Unlock()
		return
	}
	prev := t.remotes[a.Node]
	switch {
	case a.Gone:
		if prev != nil {
			delete(t.remotes, a.Node)
			t.broadcastLocked()
		}
	case prev != nil && a.Seq <= prev.seq && !a.Hello:
		// out of date
	default:
		users := make(map[string]struct{}, len(a.Users))
		for _, id := range a.Users {
			users[id] = struct{}{}
		}
		t.remotes[a.Node] = &remoteSet{seq: a.Seq, users: users, seen: t.now()}
		if prev == nil || !sameSet(prev.users, users) {
			t.broadcastLocked()
		}
	}

	var reply *announce
	if a.Hello {
		t.seq++
		reply = &announce{Node: t.link.node, Seq: t.seq, Users: t.localLocked(), via: t.link}
	}
	t.mu.Unlock()
	t.announce(reply)
}

func (t *Tracker) heartbeatLoop(lk *link) {
	ticker := time.NewTicker(lk.interval)
	defer ticker.Stop()
	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
			t.heartbeat()
		}
	}
}

// heartbeat drops silent nodes and announces the local set again.
func (t *Tracker) heartbeat() {
	t.mu.Lock()
	lk := t.link
	if lk == nil {
		t.mu.Unlock()
		return
	}
	if lk.interval > 0 {
		cutoff := t.now().Add(-missedBeats * lk.interval)
		dropped := 0
		for node, r := range t.remotes {
			if r.seen.Before(cutoff) {
				delete(t.remotes, node)
				dropped++
				logger.Warn("presence_node_expired", "node", node, "users", len(r.users))
			}
		}
		if dropped > 0 {
			t.broadcastLocked()
		}
	}
	t.seq++
	a := &announce{Node: lk.node, Seq: t.seq, Users: t.localLocked(), via: lk}
	t.mu.Unlock()
	t.announce(a)
}

// announce publishes a outside the tracker lock.
func (t *Tracker) announce(a *announce) {
	if a == nil || a.via == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		logger.Error("presence_announce_encode_failed", "error", err)
		return
	}
	if err := a.via.Publish(a.via.subject, data); err != nil {
		logger.Warn("presence_announce_failed", "node", a.Node, "error", err)
	}
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
