// Package progress diffs objective-completion snapshots and surfaces
// increases as short-lived toast notifications.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"roleplay-chat-demo/backend/internal/models"
)

// DefaultNotificationTTL is how long a progress toast stays visible.
const DefaultNotificationTTL = 5 * time.Second

// Notification is one transient "objective advanced" toast.
type Notification struct {
	ID            string  `json:"id"`
	ObjectiveID   string  `json:"objective_id"`
	Label         string  `json:"label"`
	Change        float64 `json:"change"`
	NewPercentage float64 `json:"new_percentage"`
	Status        string  `json:"status"`
}

// ChangeFunc receives the active notification set after every emission
// or expiry.
type ChangeFunc func(active []Notification)

// Notifier keeps the previous snapshot per conversation and emits one
// notification per objective whose completion strictly increased.
// Decreases and no-ops update state silently. Each notification expires
// on its own timer, independent of the others.
type Notifier struct {
	mu       sync.Mutex
	prev     models.ProgressSnapshot
	ttl      time.Duration
	active   map[string]Notification
	timers   map[string]*time.Timer
	order    []string
	onChange ChangeFunc
	closed   bool
}

func NewNotifier(ttl time.Duration, onChange ChangeFunc) *Notifier {
	if ttl <= 0 {
		ttl = DefaultNotificationTTL
	}
	return &Notifier{
		ttl:      ttl,
		active:   make(map[string]Notification),
		timers:   make(map[string]*time.Timer),
		onChange: onChange,
	}
}

// Update commits a new snapshot. Value-identical snapshots are dropped
// before any diffing, so referentially-new but unchanged updates cost
// nothing downstream.
func (n *Notifier) Update(next models.ProgressSnapshot) []Notification {
	n.mu.Lock()
	if n.closed || n.prev.Equal(next) {
		n.mu.Unlock()
		return nil
	}

	// The first committed snapshot is a baseline, not progress.
	if n.prev == nil {
		n.prev = next
		n.mu.Unlock()
		return nil
	}

	var emitted []Notification
	for id, cur := range next {
		before, known := n.prev[id]
		delta := cur.Completion
		if known {
			delta = cur.Completion - before.Completion
		}
		if delta <= 0 {
			continue
		}
		note := Notification{
			ID:            uuid.New().String(),
			ObjectiveID:   id,
			Label:         cur.Label,
			Change:        delta,
			NewPercentage: cur.Completion,
			Status:        cur.Status,
		}
		emitted = append(emitted, note)
		n.active[note.ID] = note
		n.order = append(n.order, note.ID)
		n.timers[note.ID] = time.AfterFunc(n.ttl, func() { n.expire(note.ID) })
	}
	n.prev = next

	var notify func()
	if len(emitted) > 0 {
		notify = n.changeFnLocked()
	}
	n.mu.Unlock()
	if notify != nil {
		notify()
	}
	return emitted
}

// Active returns the not-yet-expired notifications in emission order.
func (n *Notifier) Active() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.activeLocked()
}

// Snapshot returns the last committed progress snapshot.
func (n *Notifier) Snapshot() models.ProgressSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prev
}

// Close cancels every pending expiry timer. Required on teardown; a
// timer left running after the host view unmounts is a leak.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, t := range n.timers {
		t.Stop()
		delete(n.timers, id)
	}
	n.active = make(map[string]Notification)
	n.order = nil
}

func (n *Notifier) expire(id string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if _, ok := n.active[id]; !ok {
		n.mu.Unlock()
		return
	}
	delete(n.active, id)
	delete(n.timers, id)
	notify := n.changeFnLocked()
	n.mu.Unlock()
	notify()
}

func (n *Notifier) activeLocked() []Notification {
	out := make([]Notification, 0, len(n.active))
	kept := n.order[:0]
	for _, id := range n.order {
		if note, ok := n.active[id]; ok {
			out = append(out, note)
			kept = append(kept, id)
		}
	}
	n.order = kept
	return out
}

func (n *Notifier) changeFnLocked() func() {
	if n.onChange == nil {
		return func() {}
	}
	cb := n.onChange
	snapshot := n.activeLocked()
	return func() { cb(snapshot) }
}
