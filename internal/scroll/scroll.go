// Package scroll decides when the conversation viewport follows new
// content. It pins to the bottom for readers who are already there and
// stays out of the way of anyone who scrolled up.
package scroll

import (
	"sync"

	"roleplay-chat-demo/backend/internal/models"
)

// Behavior selects how a scroll-to-bottom intent should animate.
type Behavior string

const (
	BehaviorInstant Behavior = "instant"
	BehaviorSmooth  Behavior = "smooth"
)

// Sink receives scroll intents from the coordinator. The host UI is the
// only implementer; the coordinator never measures or moves anything
// itself.
type Sink interface {
	ScrollToBottom(behavior Behavior)
}

// DefaultNearBottomThreshold is how close to the bottom, in pixels, still
// counts as "at the bottom".
const DefaultNearBottomThreshold = 120.0

// Coordinator derives auto-scroll behavior from the ordered message list
// and the user's reported scroll position. It reacts only to a genuinely
// new last message or an explicit user send, never to queue or streaming
// state churn.
type Coordinator struct {
	mu         sync.Mutex
	sink       Sink
	threshold  float64
	nearBottom bool
	autoScroll bool
	lastID     string
	loaded     bool
}

func NewCoordinator(sink Sink, threshold float64) *Coordinator {
	if threshold <= 0 {
		threshold = DefaultNearBottomThreshold
	}
	return &Coordinator{
		sink:       sink,
		threshold:  threshold,
		nearBottom: true,
		autoScroll: true,
	}
}

// ObserveScroll records the user's distance from the bottom of the
// viewport. Scrolling away disables auto-follow; returning re-enables it.
func (c *Coordinator) ObserveScroll(offsetFromBottom float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nearBottom = offsetFromBottom <= c.threshold
	c.autoScroll = c.nearBottom
}

// ObserveMessages inspects the ordered list after each pipeline pass.
// The first non-empty list triggers one instant scroll; afterwards only
// an identity change of the last element can scroll, and only when the
// user was near the bottom or auto-follow is on.
func (c *Coordinator) ObserveMessages(ordered []models.Message) {
	c.mu.Lock()
	if len(ordered) == 0 {
		c.mu.Unlock()
		return
	}
	last := ordered[len(ordered)-1].IdentityKey()

	if !c.loaded {
		c.loaded = true
		c.lastID = last
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			sink.ScrollToBottom(BehaviorInstant)
		}
		return
	}

	if last == c.lastID {
		c.mu.Unlock()
		return
	}
	c.lastID = last
	follow := c.nearBottom || c.autoScroll
	sink := c.sink
	c.mu.Unlock()
	if follow && sink != nil {
		sink.ScrollToBottom(BehaviorSmooth)
	}
}

// NotifyUserSend scrolls unconditionally: sending a message is an
// explicit statement of where the user wants to be.
func (c *Coordinator) NotifyUserSend() {
	c.mu.Lock()
	c.nearBottom = true
	c.autoScroll = true
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.ScrollToBottom(BehaviorSmooth)
	}
}

// IsNearBottom reports the last observed proximity to the bottom.
func (c *Coordinator) IsNearBottom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nearBottom
}

// Reset returns the coordinator to its initial state for a fresh feed.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nearBottom = true
	c.autoScroll = true
	c.lastID = ""
	c.loaded = false
}
