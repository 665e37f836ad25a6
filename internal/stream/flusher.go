package stream

import (
	"maps"
	"sync"
	"time"
)

// DefaultFlushInterval is the render cadence for streaming content.
const DefaultFlushInterval = 50 * time.Millisecond

// FlushFunc receives the read-side snapshot after each flush tick. The
// map belongs to the receiver; the flusher never touches it again.
type FlushFunc func(visible map[string]string)

// Flusher decouples token arrival rate from render rate. Token writes go
// into a write-side accumulator and never trigger a render themselves; a
// single ticker copies the accumulator into a fresh read-side snapshot at
// a fixed cadence and hands it to the subscriber. The swap-by-copy is
// what keeps the write side safe to keep mutating between ticks.
type Flusher struct {
	mu       sync.Mutex
	interval time.Duration
	pending  map[string]string
	visible  map[string]string
	done     map[string]struct{}
	dirty    bool
	flushing bool
	onFlush  FlushFunc
	stop     chan struct{}
	running  bool
	wg       sync.WaitGroup
}

func NewFlusher(interval time.Duration, onFlush FlushFunc) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		interval: interval,
		pending:  make(map[string]string),
		visible:  make(map[string]string),
		done:     make(map[string]struct{}),
		onFlush:  onFlush,
	}
}

// Write records the accumulated partial content for a streaming message.
// Cheap enough to call on every token; nothing becomes visible until the
// next tick.
func (f *Flusher) Write(id, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.done[id]; ok {
		return
	}
	f.pending[id] = content
	f.dirty = true
}

// Append adds a token delta to the accumulated content, for producers
// that send deltas instead of cumulative partials.
func (f *Flusher) Append(id, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.done[id]; ok {
		return
	}
	f.pending[id] += token
	f.dirty = true
}

// Complete pins the final full content for a message. From here on reads
// for this id always return the complete text, never a stale partial.
func (f *Flusher) Complete(id, full string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[id] = full
	f.done[id] = struct{}{}
	f.dirty = true
}

// Finalize marks a message complete without replacing its accumulated
// content, for streams whose full text never arrived out of band.
func (f *Flusher) Finalize(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[id] = struct{}{}
	f.dirty = true
}

// Visible returns the renderable content for a message as of the most
// recent flush. Completed messages short-circuit to their final content
// even if the last tick has not run yet.
func (f *Flusher) Visible(id string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.done[id]; ok {
		c, ok := f.pending[id]
		return c, ok
	}
	c, ok := f.visible[id]
	return c, ok
}

// Start launches the flush ticker. Idempotent; the engine calls it
// whenever streaming or queueing begins.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.running = true
	f.stop = make(chan struct{})
	f.wg.Add(1)
	go f.run(f.stop)
}

// Stop halts the ticker after one final flush, so content written since
// the last tick is never lost. Idempotent, and safe to call from inside
// the flush callback: a re-entrant Stop signals the ticker goroutine and
// returns without waiting for it, since it is the goroutine running the
// callback.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stop := f.stop
	reentrant := f.flushing
	f.mu.Unlock()
	close(stop)
	if !reentrant {
		f.wg.Wait()
	}
}

// Clear drops all buffered content. Used on full feed reset.
func (f *Flusher) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = make(map[string]string)
	f.visible = make(map[string]string)
	f.done = make(map[string]struct{})
	f.dirty = false
}

func (f *Flusher) run(stop chan struct{}) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.flush()
		case <-stop:
			f.flush()
			return
		}
	}
}

// flush publishes the write-side accumulator as a fresh snapshot. The
// accumulator itself is copied, not handed out, so token writes racing
// the tick can never mutate what a subscriber is rendering.
func (f *Flusher) flush() {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return
	}
	f.visible = maps.Clone(f.pending)
	f.dirty = false
	cb := f.onFlush
	var out map[string]string
	if cb != nil {
		out = maps.Clone(f.pending)
		f.flushing = true
	}
	f.mu.Unlock()
	if cb != nil {
		cb(out)
		f.mu.Lock()
		f.flushing = false
		f.mu.Unlock()
	}
}
