package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roleplay-chat-demo/backend/internal/models"
)

func seq(n int) *int {
	return &n
}

func aiMessage(id string, turn, sequence int) models.Message {
	return models.Message{
		ID:             id,
		Type:           models.TypeAIResponse,
		TurnNumber:     turn,
		SequenceNumber: seq(sequence),
	}
}

func countStreaming(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.State == StateStreaming {
			n++
		}
	}
	return n
}

func TestSyncPromotesHead(t *testing.T) {
	s := NewScheduler(nil)
	s.Sync([]models.Message{
		aiMessage("a", 1, 1),
		aiMessage("b", 1, 2),
		aiMessage("c", 1, 3),
	})

	assert.Equal(t, "a", s.StreamingID())
	assert.Equal(t, 2, s.QueueLength())
	assert.Equal(t, 1, s.Position("b"))
	assert.Equal(t, 2, s.Position("c"))
	assert.Equal(t, 1, countStreaming(s.Entries()))
}

func TestIneligibleMessagesBypass(t *testing.T) {
	s := NewScheduler(nil)
	s.Sync([]models.Message{
		{ID: "u", Type: models.TypeUserMessage, TurnNumber: 1, SequenceNumber: seq(1)},
		{ID: "sys", Type: models.TypeSystem, TurnNumber: 1, SequenceNumber: seq(2)},
		{ID: "old", Type: models.TypeAIResponse, TurnNumber: 1, SequenceNumber: seq(3), Streamed: true},
	})

	assert.Equal(t, "", s.StreamingID())
	assert.Equal(t, 0, s.QueueLength())
	assert.Empty(t, s.Entries())
}

func TestCompleteAdvances(t *testing.T) {
	s := NewScheduler(nil)
	s.Sync([]models.Message{aiMessage("a", 1, 1), aiMessage("b", 1, 2)})

	done := s.CompleteActive()

	assert.Equal(t, "a", done)
	assert.True(t, s.Completed("a"))
	assert.Equal(t, "b", s.StreamingID())
	assert.Equal(t, 0, s.QueueLength())
}

func TestSkipOnlyAffectsActive(t *testing.T) {
	s := NewScheduler(nil)
	s.Sync([]models.Message{aiMessage("a", 1, 1), aiMessage("b", 1, 2)})

	assert.Equal(t, "", s.Skip("b"))
	assert.Equal(t, "a", s.StreamingID())

	assert.Equal(t, "a", s.Skip("a"))
	assert.Equal(t, "b", s.StreamingID())
}

func TestSkipAllDrainsQueue(t *testing.T) {
	var lastLen int
	var lastStreaming bool
	s := NewScheduler(func(queueLength int, anyStreaming bool) {
		lastLen = queueLength
		lastStreaming = anyStreaming
	})
	s.Sync([]models.Message{
		aiMessage("a", 1, 1),
		aiMessage("b", 1, 2),
		aiMessage("c", 1, 3),
		aiMessage("d", 1, 4),
	})

	done := s.SkipAll()

	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, done)
	assert.Equal(t, 0, s.QueueLength())
	assert.Equal(t, "", s.StreamingID())
	assert.False(t, s.AnyStreaming())
	assert.Equal(t, 0, lastLen)
	assert.False(t, lastStreaming)
	for _, id := range done {
		assert.True(t, s.Completed(id))
	}
}

func TestSingleActiveInvariant(t *testing.T) {
	s := NewScheduler(nil)
	msgs := []models.Message{
		aiMessage("a", 1, 1),
		aiMessage("b", 1, 2),
		aiMessage("c", 2, 1),
	}
	s.Sync(msgs)

	for i := 0; i < len(msgs); i++ {
		entries := s.Entries()
		streaming := countStreaming(entries)
		if len(entries) == 0 {
			assert.Equal(t, 0, streaming)
		} else {
			assert.Equal(t, 1, streaming)
		}
		s.CompleteActive()
	}

	assert.Empty(t, s.Entries())
	assert.False(t, s.AnyStreaming())
}

func TestCompletedNeverRequeued(t *testing.T) {
	s := NewScheduler(nil)
	ordered := []models.Message{aiMessage("a", 1, 1), aiMessage("b", 1, 2)}
	s.Sync(ordered)
	s.SkipAll()

	// Feed redelivery re-syncs the same list; nothing comes back.
	s.Sync(ordered)

	assert.Equal(t, "", s.StreamingID())
	assert.Equal(t, 0, s.QueueLength())
}

func TestHeadPromotedAfterLateArrival(t *testing.T) {
	s := NewScheduler(nil)
	s.Sync([]models.Message{aiMessage("a", 1, 1)})
	s.CompleteActive()
	require.False(t, s.AnyStreaming())

	// Queue becomes non-empty while nothing streams; Sync must promote
	// synchronously.
	s.Sync([]models.Message{aiMessage("a", 1, 1), aiMessage("b", 1, 2)})

	assert.Equal(t, "b", s.StreamingID())
	assert.Equal(t, 0, s.QueueLength())
}

func TestQueueBoundCompletesOverflow(t *testing.T) {
	s := NewScheduler(nil)
	s.SetQueueBound(2)
	s.Sync([]models.Message{
		aiMessage("a", 1, 1),
		aiMessage("b", 1, 2),
		aiMessage("c", 1, 3),
		aiMessage("d", 1, 4),
		aiMessage("e", 1, 5),
	})

	assert.Equal(t, "a", s.StreamingID())
	assert.Equal(t, 2, s.QueueLength())
	assert.Equal(t, 1, s.Position("b"))
	assert.Equal(t, 2, s.Position("c"))

	// Overflow past the bound never waits; it finishes on the spot.
	assert.True(t, s.Completed("d"))
	assert.True(t, s.Completed("e"))

	// And stays finished across redelivery.
	s.Sync([]models.Message{
		aiMessage("a", 1, 1),
		aiMessage("b", 1, 2),
		aiMessage("c", 1, 3),
		aiMessage("d", 1, 4),
		aiMessage("e", 1, 5),
	})
	assert.Equal(t, 2, s.QueueLength())
}

func TestResetDropsCompletedMarks(t *testing.T) {
	s := NewScheduler(nil)
	s.Sync([]models.Message{aiMessage("a", 1, 1)})
	s.SkipAll()
	s.Reset()

	s.Sync([]models.Message{aiMessage("a", 1, 1)})

	assert.Equal(t, "a", s.StreamingID())
}
