package scroll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roleplay-chat-demo/backend/internal/models"
)

type recordingSink struct {
	calls []Behavior
}

func (r *recordingSink) ScrollToBottom(behavior Behavior) {
	r.calls = append(r.calls, behavior)
}

func messageList(ids ...string) []models.Message {
	out := make([]models.Message, len(ids))
	for i, id := range ids {
		out[i] = models.Message{ID: id, TurnNumber: i}
	}
	return out
}

func TestFirstLoadScrollsInstantly(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)

	c.ObserveMessages(messageList("m1", "m2"))

	require.Len(t, sink.calls, 1)
	assert.Equal(t, BehaviorInstant, sink.calls[0])
}

func TestEmptyListNeverScrolls(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)

	c.ObserveMessages(nil)

	assert.Empty(t, sink.calls)
}

func TestNewLastMessageScrollsWhenNearBottom(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)
	c.ObserveMessages(messageList("m1"))
	c.ObserveScroll(10) // within the default threshold

	c.ObserveMessages(messageList("m1", "m2"))

	require.Len(t, sink.calls, 2)
	assert.Equal(t, BehaviorSmooth, sink.calls[1])
}

func TestNoInterferenceWhenScrolledUp(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)
	c.ObserveMessages(messageList("m1"))
	c.ObserveScroll(800) // reading history

	c.ObserveMessages(messageList("m1", "m2"))

	// Only the initial instant scroll; the new message leaves the
	// reader's position alone.
	assert.Len(t, sink.calls, 1)
	assert.False(t, c.IsNearBottom())
}

func TestSameLastMessageScrollsOnce(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)
	c.ObserveMessages(messageList("m1"))

	// Re-derivations with an unchanged last element must not scroll,
	// no matter how often the pipeline reruns.
	c.ObserveMessages(messageList("m1"))
	c.ObserveMessages(messageList("m1"))

	assert.Len(t, sink.calls, 1)

	c.ObserveMessages(messageList("m1", "m2"))
	assert.Len(t, sink.calls, 2)
}

func TestReturningToBottomReenablesFollow(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)
	c.ObserveMessages(messageList("m1"))

	c.ObserveScroll(900)
	c.ObserveMessages(messageList("m1", "m2"))
	require.Len(t, sink.calls, 1)

	c.ObserveScroll(0)
	c.ObserveMessages(messageList("m1", "m2", "m3"))
	require.Len(t, sink.calls, 2)
	assert.Equal(t, BehaviorSmooth, sink.calls[1])
}

func TestUserSendAlwaysScrolls(t *testing.T) {
	sink := &recordingSink{}
	c := NewCoordinator(sink, 0)
	c.ObserveMessages(messageList("m1"))
	c.ObserveScroll(900)

	c.NotifyUserSend()

	require.Len(t, sink.calls, 2)
	assert.Equal(t, BehaviorSmooth, sink.calls[1])
	assert.True(t, c.IsNearBottom())
}
