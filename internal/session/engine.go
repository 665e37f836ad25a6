// Package session wires the message pipeline together: raw feed in,
// canonical ordered list out, with streaming playback, throttled token
// rendering, scroll intents and progress toasts hanging off it. One
// Engine serves one conversation view.
package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"roleplay-chat-demo/backend/internal/models"
	"roleplay-chat-demo/backend/internal/progress"
	"roleplay-chat-demo/backend/internal/scroll"
	"roleplay-chat-demo/backend/internal/stream"
	"roleplay-chat-demo/backend/internal/timeline"
	"roleplay-chat-demo/backend/pkg/logger"
	"roleplay-chat-demo/backend/shared/observability"
)

// RenderStatus is how a message currently presents in the view.
type RenderStatus string

const (
	// StatusShown renders the full content in place.
	StatusShown RenderStatus = "shown"
	// StatusStreaming renders the buffered partial content.
	StatusStreaming RenderStatus = "streaming"
	// StatusQueued renders a placeholder with a queue position.
	StatusQueued RenderStatus = "queued"
)

// RenderState is the per-message output of the engine, ready for the UI.
type RenderState struct {
	Message  models.Message `json:"message"`
	Status   RenderStatus   `json:"status"`
	Content  string         `json:"content"`
	Position int            `json:"position,omitempty"`
}

// Callbacks are the host-facing outputs of an engine. All fields are
// optional; nil callbacks are skipped. Callbacks may call back into the
// engine.
type Callbacks struct {
	// Render fires with the full render-state list on structural changes
	// and on every flush tick that changed visible content.
	Render func(states []RenderState)
	// QueueChange fires when queue length or streaming activity changes.
	QueueChange stream.QueueChangeFunc
	// Scroll receives scroll-to-bottom intents.
	Scroll scroll.Sink
	// Progress receives the active toast set on emission and expiry.
	Progress progress.ChangeFunc
	// PresentationMode fires when streaming activity starts or stops,
	// for hosts that reduce ambient motion while text is streaming.
	PresentationMode func(streaming bool)
	// MarkStreamed reports messages that finished their first streamed
	// display, so the host can persist the flag.
	MarkStreamed func(ids []string)
}

// Config tunes an engine. Zero values fall back to package defaults.
type Config struct {
	FlushInterval       time.Duration
	NotificationTTL     time.Duration
	NearBottomThreshold float64
	// MaxQueueDepth caps how many messages may wait behind the active
	// stream; overflow renders in full immediately. Zero is unbounded.
	MaxQueueDepth int
}

// playbackRunesPerTick is how many runes of an already-complete message
// are revealed per flush tick when the engine drives the typing itself.
const playbackRunesPerTick = 3

var (
	metricsOnce   sync.Once
	flushCounter  metric.Int64Counter
	queueDepthObs metric.Int64Histogram
)

func sessionMetrics() (metric.Int64Counter, metric.Int64Histogram) {
	metricsOnce.Do(func() {
		meter := observability.Meter()
		flushCounter, _ = meter.Int64Counter("session_render_flushes_total",
			metric.WithDescription("render snapshots emitted from flush ticks"))
		queueDepthObs, _ = meter.Int64Histogram("session_stream_queue_depth",
			metric.WithDescription("messages waiting behind the active stream"))
	})
	return flushCounter, queueDepthObs
}

// Engine owns the full pipeline for one conversation. The raw feed only
// ever grows (redelivery included); every ingest re-derives the ordered
// list rather than patching it, so arrival order can never leak into
// display order.
type Engine struct {
	mu       sync.Mutex
	raw      []models.Message
	opening  string
	ordered  []models.Message
	byKey    map[string]models.Message
	replayed map[string]struct{}
	closed   bool

	presMu     sync.Mutex
	presActive bool

	// playMu guards the self-driven playback goroutine: the typist that
	// reveals messages whose generation already finished before this
	// engine existed (the synthetic opening, replayed rows).
	playMu   sync.Mutex
	playID   string
	playStop chan struct{}

	flushInterval time.Duration

	sched    *stream.Scheduler
	flusher  *stream.Flusher
	scroll   *scroll.Coordinator
	notifier *progress.Notifier

	flushes metric.Int64Counter
	depth   metric.Int64Histogram

	cb  Callbacks
	log *logger.Logger
}

func New(cfg Config, cb Callbacks, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.GetGlobal()
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = stream.DefaultFlushInterval
	}
	e := &Engine{
		byKey:         make(map[string]models.Message),
		replayed:      make(map[string]struct{}),
		flushInterval: interval,
		cb:            cb,
		log:           log,
	}
	e.flushes, e.depth = sessionMetrics()
	e.sched = stream.NewScheduler(e.handleQueueChange)
	if cfg.MaxQueueDepth > 0 {
		e.sched.SetQueueBound(cfg.MaxQueueDepth)
	}
	e.flusher = stream.NewFlusher(interval, e.handleFlush)
	e.scroll = scroll.NewCoordinator(cb.Scroll, cfg.NearBottomThreshold)
	e.notifier = progress.NewNotifier(cfg.NotificationTTL, cb.Progress)
	return e
}

// SetOpening seeds the scenario opening narration. Read once per
// conversation; it only materializes as a synthetic message while the
// feed has no turn-0 narration of its own.
func (e *Engine) SetOpening(text string) {
	e.mu.Lock()
	e.opening = text
	e.mu.Unlock()
	e.recompute(false)
}

// IngestReplay seeds persisted history on connect. Unstreamed rows in a
// replay have no live generator behind them anymore, so once they reach
// the head of the queue the engine types them out itself from their
// stored content.
func (e *Engine) IngestReplay(msgs ...models.Message) {
	e.mu.Lock()
	for _, m := range msgs {
		if m.Streamable() {
			e.replayed[m.IdentityKey()] = struct{}{}
		}
	}
	e.mu.Unlock()
	e.Ingest(msgs...)
}

// Ingest appends feed records to the raw set and re-derives everything.
// Duplicates and out-of-order arrivals are expected and harmless.
func (e *Engine) Ingest(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.raw = append(e.raw, msgs...)
	e.mu.Unlock()
	e.recompute(true)
}

// recompute runs the canonicalization pass and pushes the results to the
// scheduler and scroll coordinator. Side-effecting calls happen outside
// the engine lock so callbacks can re-enter.
func (e *Engine) recompute(observeScroll bool) {
	e.mu.Lock()
	ordered := timeline.Canonicalize(e.raw, e.opening)
	e.ordered = ordered
	e.byKey = make(map[string]models.Message, len(ordered))
	for _, m := range ordered {
		e.byKey[m.IdentityKey()] = m
	}
	e.mu.Unlock()

	e.sched.Sync(ordered)
	if observeScroll {
		e.scroll.ObserveMessages(ordered)
	}
	e.emitRender()
}

// WriteContent records a cumulative partial for the active stream. Token
// signals addressed to anything but the currently streaming message are
// dropped; the generation contract only covers the active stream.
func (e *Engine) WriteContent(id, partial string) {
	if id == "" || id != e.sched.StreamingID() {
		return
	}
	e.cancelPlayback(id)
	e.flusher.Write(id, partial)
}

// AppendToken records a token delta for the active stream.
func (e *Engine) AppendToken(id, token string) {
	if id == "" || id != e.sched.StreamingID() {
		return
	}
	e.cancelPlayback(id)
	e.flusher.Append(id, token)
}

// CompleteStream marks the active stream's generation finished. The
// message's full content becomes the render source and the next queue
// head is promoted before this returns.
func (e *Engine) CompleteStream(id string) {
	if id == "" || id != e.sched.StreamingID() {
		return
	}
	e.finishEntries(e.sched.Skip(id))
}

// SkipStreaming jumps the active stream straight to its full content.
// No-op for queued or already shown messages.
func (e *Engine) SkipStreaming(id string) {
	e.finishEntries(e.sched.Skip(id))
}

// SkipAllStreaming completes the active stream and drains the whole
// queue in one operation.
func (e *Engine) SkipAllStreaming() {
	e.finishEntries(e.sched.SkipAll()...)
}

func (e *Engine) finishEntries(ids ...string) {
	done := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		done = append(done, id)
		e.mu.Lock()
		m, ok := e.byKey[id]
		e.mu.Unlock()
		if ok {
			e.flusher.Complete(id, m.RenderText())
		} else {
			e.flusher.Finalize(id)
		}
	}
	if len(done) == 0 {
		return
	}
	e.log.Debug("stream entries completed", "count", len(done))
	if e.cb.MarkStreamed != nil {
		e.cb.MarkStreamed(done)
	}
	e.emitRender()
}

// UpdateProgress commits a new objective snapshot and returns any toasts
// it produced.
func (e *Engine) UpdateProgress(snapshot models.ProgressSnapshot) []progress.Notification {
	return e.notifier.Update(snapshot)
}

// ObserveScroll forwards the viewport's distance from the bottom.
func (e *Engine) ObserveScroll(offsetFromBottom float64) {
	e.scroll.ObserveScroll(offsetFromBottom)
}

// NotifyUserSend scrolls to the bottom for an explicit user send.
func (e *Engine) NotifyUserSend() {
	e.scroll.NotifyUserSend()
}

// IsNearBottom reports whether the viewport was last seen near the
// bottom.
func (e *Engine) IsNearBottom() bool {
	return e.scroll.IsNearBottom()
}

// Messages returns the current ordered, deduplicated list.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.ordered))
	copy(out, e.ordered)
	return out
}

// RenderStates derives the UI-facing state for every ordered message.
func (e *Engine) RenderStates() []RenderState {
	e.mu.Lock()
	ordered := make([]models.Message, len(e.ordered))
	copy(ordered, e.ordered)
	e.mu.Unlock()

	active := e.sched.StreamingID()
	states := make([]RenderState, 0, len(ordered))
	for _, m := range ordered {
		key := m.IdentityKey()
		switch {
		case !m.Streamable() || e.sched.Completed(key):
			states = append(states, RenderState{Message: m, Status: StatusShown, Content: m.RenderText()})
		case key == active:
			visible, _ := e.flusher.Visible(key)
			states = append(states, RenderState{Message: m, Status: StatusStreaming, Content: visible})
		default:
			states = append(states, RenderState{Message: m, Status: StatusQueued, Position: e.sched.Position(key)})
		}
	}
	return states
}

// QueueLength returns the number of messages waiting behind the active
// stream.
func (e *Engine) QueueLength() int { return e.sched.QueueLength() }

// CurrentlyStreamingID returns the active stream's id, or "".
func (e *Engine) CurrentlyStreamingID() string { return e.sched.StreamingID() }

// QueuePosition returns the 1-based position of a queued message, 0
// otherwise.
func (e *Engine) QueuePosition(id string) int { return e.sched.Position(id) }

// ActiveNotifications returns the currently visible progress toasts.
func (e *Engine) ActiveNotifications() []progress.Notification {
	return e.notifier.Active()
}

// Reset drops all state for a full feed reset. Stream entries and
// completed marks do not survive it.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.raw = nil
	e.ordered = nil
	e.byKey = make(map[string]models.Message)
	e.replayed = make(map[string]struct{})
	e.mu.Unlock()
	e.sched.Reset()
	e.flusher.Clear()
	e.scroll.Reset()
	e.emitRender()
}

// Close tears the engine down, stopping the flush ticker and cancelling
// every notification timer.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.playMu.Lock()
	if e.playStop != nil {
		close(e.playStop)
		e.playStop = nil
		e.playID = ""
	}
	e.playMu.Unlock()
	e.flusher.Stop()
	e.notifier.Close()
}

// handleQueueChange runs after every scheduler transition. The flusher
// ticker lives exactly as long as there is something streaming or
// queued; its Stop performs the final flush.
func (e *Engine) handleQueueChange(queueLength int, anyStreaming bool) {
	if anyStreaming || queueLength > 0 {
		e.flusher.Start()
	} else {
		e.flusher.Stop()
	}
	e.syncPlayback()
	if e.depth != nil {
		e.depth.Record(context.Background(), int64(queueLength))
	}
	e.setPresentationMode(anyStreaming)
	if e.cb.QueueChange != nil {
		e.cb.QueueChange(queueLength, anyStreaming)
	}
}

func (e *Engine) handleFlush(map[string]string) {
	if e.flushes != nil {
		e.flushes.Add(context.Background(), 1)
	}
	e.emitRender()
}

// syncPlayback keeps the self-driven typist pointed at the scheduler's
// head. Heads with a live generator behind them are left alone; heads
// whose content is already complete (the synthetic opening, replayed
// rows) get typed out by the engine, since no token or done event can
// ever arrive for them.
func (e *Engine) syncPlayback() {
	active := e.sched.StreamingID()
	e.playMu.Lock()
	defer e.playMu.Unlock()
	if e.playID == active {
		return
	}
	if e.playStop != nil {
		close(e.playStop)
		e.playStop = nil
		e.playID = ""
	}
	if active == "" || !e.selfDriven(active) {
		return
	}
	e.mu.Lock()
	m, ok := e.byKey[active]
	e.mu.Unlock()
	if !ok {
		return
	}
	stop := make(chan struct{})
	e.playID = active
	e.playStop = stop
	go e.drivePlayback(active, m.RenderText(), stop)
}

func (e *Engine) selfDriven(id string) bool {
	if id == models.SyntheticOpeningID {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.replayed[id]
	return ok
}

// drivePlayback reveals an already-complete message a few runes per
// flush tick, then finishes the stream the same way an external done
// event would. The scheduler's own notification tears this instance
// down and starts the next one.
func (e *Engine) drivePlayback(id, text string, stop chan struct{}) {
	runes := []rune(text)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	shown := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			shown += playbackRunesPerTick
			if shown >= len(runes) {
				e.flusher.Write(id, text)
				e.finishEntries(e.sched.Skip(id))
				return
			}
			e.flusher.Write(id, string(runes[:shown]))
		}
	}
}

// cancelPlayback hands a message back to a live generator that started
// addressing it. The accumulated self-typed prefix is dropped so the
// generator's own partials rebuild from empty.
func (e *Engine) cancelPlayback(id string) {
	e.playMu.Lock()
	cancelled := e.playID == id
	if cancelled {
		close(e.playStop)
		e.playStop = nil
		e.playID = ""
	}
	e.playMu.Unlock()
	if !cancelled {
		return
	}
	e.mu.Lock()
	delete(e.replayed, id)
	e.mu.Unlock()
	e.flusher.Write(id, "")
}

func (e *Engine) emitRender() {
	if e.cb.Render == nil {
		return
	}
	e.cb.Render(e.RenderStates())
}

// setPresentationMode forwards streaming activity as a single owned
// signal instead of letting components toggle shared UI state directly.
func (e *Engine) setPresentationMode(streaming bool) {
	e.presMu.Lock()
	changed := e.presActive != streaming
	e.presActive = streaming
	e.presMu.Unlock()
	if changed && e.cb.PresentationMode != nil {
		e.cb.PresentationMode(streaming)
	}
}
