// Package stream gates the first display of AI and narrator messages: a
// scheduler that plays them back one at a time in timeline order, and a
// flusher that throttles token updates down to a fixed render cadence.
package stream

import (
	"sync"

	"roleplay-chat-demo/backend/internal/models"
)

// EntryState is the lifecycle of a scheduler entry.
type EntryState string

const (
	StateQueued    EntryState = "queued"
	StateStreaming EntryState = "streaming"
	StateCompleted EntryState = "completed"
)

// Entry is the scheduler's view of one message awaiting or undergoing
// its streamed display. Position is 1-based and only meaningful for
// queued entries.
type Entry struct {
	MessageID string     `json:"message_id"`
	State     EntryState `json:"state"`
	Position  int        `json:"position,omitempty"`
}

// QueueChangeFunc receives the queue length and whether any message is
// currently streaming, after every state transition that changed either.
type QueueChangeFunc func(queueLength int, anyStreaming bool)

// Scheduler owns the playback order for streamable messages. At most one
// entry streams at a time; promotion is the only code path that sets the
// head, so a second concurrent stream cannot exist by construction.
type Scheduler struct {
	mu        sync.Mutex
	active    string
	queue     []string
	maxQueue  int
	completed map[string]struct{}
	onChange  QueueChangeFunc
}

func NewScheduler(onChange QueueChangeFunc) *Scheduler {
	return &Scheduler{
		completed: make(map[string]struct{}),
		onChange:  onChange,
	}
}

// Sync rebuilds the queue from the current ordered message list. Eligible
// messages keep their timeline order; the active stream stays active, and
// if nothing is streaming the new head is promoted before Sync returns,
// so the queue is never left headless.
func (s *Scheduler) Sync(ordered []models.Message) {
	s.mu.Lock()
	eligible := make([]string, 0, len(ordered))
	for _, m := range ordered {
		key := m.IdentityKey()
		if !m.Streamable() {
			continue
		}
		if _, done := s.completed[key]; done {
			continue
		}
		if key == s.active {
			continue
		}
		eligible = append(eligible, key)
	}
	s.queue = eligible
	if s.active == "" && len(s.queue) > 0 {
		s.active = s.queue[0]
		s.queue = s.queue[1:]
	}
	if s.maxQueue > 0 && len(s.queue) > s.maxQueue {
		for _, id := range s.queue[s.maxQueue:] {
			s.completed[id] = struct{}{}
		}
		s.queue = s.queue[:s.maxQueue]
	}
	notify := s.changeFn()
	s.mu.Unlock()
	notify()
}

// SetQueueBound caps how many messages may wait behind the active
// stream. Overflow past the bound is completed on the spot and renders
// in full instead of queueing. Zero means unbounded.
func (s *Scheduler) SetQueueBound(n int) {
	s.mu.Lock()
	s.maxQueue = n
	s.mu.Unlock()
}

// CompleteActive marks the streaming entry completed and promotes the
// next queue head. Returns the id that completed, or "" if nothing was
// streaming.
func (s *Scheduler) CompleteActive() string {
	s.mu.Lock()
	done := s.finishActiveLocked()
	notify := s.changeFn()
	s.mu.Unlock()
	notify()
	return done
}

// Skip immediately completes the currently streaming message and
// advances. It is a no-op for any id other than the active one; queued
// messages are skipped only via SkipAll.
func (s *Scheduler) Skip(id string) string {
	s.mu.Lock()
	if id == "" || id != s.active {
		s.mu.Unlock()
		return ""
	}
	done := s.finishActiveLocked()
	notify := s.changeFn()
	s.mu.Unlock()
	notify()
	return done
}

// SkipAll completes the active stream and every queued entry in one
// operation, draining the queue. Returns all ids that completed.
func (s *Scheduler) SkipAll() []string {
	s.mu.Lock()
	var done []string
	if s.active != "" {
		s.completed[s.active] = struct{}{}
		done = append(done, s.active)
		s.active = ""
	}
	for _, id := range s.queue {
		s.completed[id] = struct{}{}
		done = append(done, id)
	}
	s.queue = nil
	notify := s.changeFn()
	s.mu.Unlock()
	notify()
	return done
}

// finishActiveLocked is the single promotion path: it retires the active
// entry and, if the queue is non-empty, installs the new head in the same
// critical section.
func (s *Scheduler) finishActiveLocked() string {
	done := s.active
	if done != "" {
		s.completed[done] = struct{}{}
	}
	s.active = ""
	if len(s.queue) > 0 {
		s.active = s.queue[0]
		s.queue = s.queue[1:]
	}
	return done
}

// StreamingID returns the id of the currently streaming message, or ""
// when the queue is drained.
func (s *Scheduler) StreamingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueueLength returns the number of queued entries, excluding the active
// stream.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// AnyStreaming reports whether a stream is active.
func (s *Scheduler) AnyStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != ""
}

// Position returns the 1-based queue position for a queued id, 0
// otherwise. Shown in the UI as "#N in queue".
func (s *Scheduler) Position(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, qid := range s.queue {
		if qid == id {
			return i + 1
		}
	}
	return 0
}

// Completed reports whether the id already finished its streamed display.
func (s *Scheduler) Completed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[id]
	return ok
}

// Entries returns the live entries: the streaming head followed by the
// queued tail with positions. Completed entries are gone; their terminal
// state lives only in the completed set.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.queue)+1)
	if s.active != "" {
		out = append(out, Entry{MessageID: s.active, State: StateStreaming})
	}
	for i, id := range s.queue {
		out = append(out, Entry{MessageID: id, State: StateQueued, Position: i + 1})
	}
	return out
}

// Reset drops all scheduler state. Used when the raw feed itself resets;
// completed marks do not survive it.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.active = ""
	s.queue = nil
	s.completed = make(map[string]struct{})
	notify := s.changeFn()
	s.mu.Unlock()
	notify()
}

// changeFn captures the current queue stats while locked and returns a
// closure that fires the callback after unlock, so subscribers can call
// back into the scheduler.
func (s *Scheduler) changeFn() func() {
	if s.onChange == nil {
		return func() {}
	}
	length, streaming := len(s.queue), s.active != ""
	cb := s.onChange
	return func() { cb(length, streaming) }
}
