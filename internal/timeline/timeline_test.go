package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roleplay-chat-demo/backend/internal/models"
)

func seq(n int) *int {
	return &n
}

func TestCanonicalizeIdempotent(t *testing.T) {
	raw := []models.Message{
		{ID: "m2", SenderName: "Kara", Type: models.TypeAIResponse, TurnNumber: 1, SequenceNumber: seq(2)},
		{ID: "m1", SenderName: "player", Type: models.TypeUserMessage, TurnNumber: 1, SequenceNumber: seq(1)},
		{ID: "m2", SenderName: "Kara", Type: models.TypeAIResponse, TurnNumber: 1, SequenceNumber: seq(2)},
	}

	first := Canonicalize(raw, "")
	second := Canonicalize(raw, "")

	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
	assert.Equal(t, "m1", first[0].ID)
	assert.Equal(t, "m2", first[1].ID)
}

func TestDedupFirstOccurrenceWins(t *testing.T) {
	raw := []models.Message{
		{SenderName: "Narrator", Type: models.TypeNarration, TurnNumber: 1, SequenceNumber: seq(1), Content: "original"},
		{SenderName: "Narrator", Type: models.TypeNarration, TurnNumber: 1, SequenceNumber: seq(1), Content: "redelivered"},
	}

	out := Canonicalize(raw, "")

	require.Len(t, out, 1)
	assert.Equal(t, "original", out[0].Content)
	assert.Equal(t, "1-1-Narrator", out[0].IdentityKey())
}

func TestMissingSequenceSortsLastWithinTurn(t *testing.T) {
	a := models.Message{ID: "A", TurnNumber: 1, SequenceNumber: seq(2), Type: models.TypeAIResponse}
	b := models.Message{ID: "B", TurnNumber: 1, Type: models.TypeUserMessage}
	c := models.Message{ID: "C", TurnNumber: 1, SequenceNumber: seq(1), Type: models.TypeUserMessage}

	out := Canonicalize([]models.Message{a, b, c}, "")

	require.Len(t, out, 3)
	assert.Equal(t, "C", out[0].ID)
	assert.Equal(t, "A", out[1].ID)
	assert.Equal(t, "B", out[2].ID)
}

func TestTurnOrderDominates(t *testing.T) {
	out := Canonicalize([]models.Message{
		{ID: "late", TurnNumber: 3, SequenceNumber: seq(1)},
		{ID: "early", TurnNumber: 1, SequenceNumber: seq(9)},
		{ID: "mid", TurnNumber: 2},
	}, "")

	require.Len(t, out, 3)
	assert.Equal(t, "early", out[0].ID)
	assert.Equal(t, "mid", out[1].ID)
	assert.Equal(t, "late", out[2].ID)
}

func TestUnparsableTimestampSortsLast(t *testing.T) {
	out := Canonicalize([]models.Message{
		{ID: "bad", TurnNumber: 1, SequenceNumber: seq(1), Timestamp: "not-a-time"},
		{ID: "good", TurnNumber: 1, SequenceNumber: seq(1), SenderName: "other", Timestamp: "2025-06-01T10:00:00Z"},
	}, "")

	require.Len(t, out, 2)
	assert.Equal(t, "good", out[0].ID)
	assert.Equal(t, "bad", out[1].ID)
}

func TestStableFallbackPreservesArrivalOrder(t *testing.T) {
	// Same turn, same sequence rank, same (absent) timestamp: arrival
	// order decides, reproducibly.
	out := Canonicalize([]models.Message{
		{ID: "first", TurnNumber: 2, SenderName: "a"},
		{ID: "second", TurnNumber: 2, SenderName: "b"},
	}, "")

	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].ID)
	assert.Equal(t, "second", out[1].ID)
}

func TestSyntheticOpeningSeeded(t *testing.T) {
	raw := []models.Message{
		{ID: "m1", TurnNumber: 1, SequenceNumber: seq(1), Type: models.TypeUserMessage},
	}

	out := Canonicalize(raw, "Alarms blare.")

	require.Len(t, out, 2)
	opening := out[0]
	assert.Equal(t, models.SyntheticOpeningID, opening.ID)
	assert.Equal(t, models.TypeNarration, opening.Type)
	assert.Equal(t, 0, opening.TurnNumber)
	require.NotNil(t, opening.SequenceNumber)
	assert.Equal(t, 0, *opening.SequenceNumber)
	assert.Equal(t, "Alarms blare.", opening.Content)
}

func TestSyntheticOpeningSkippedWhenFeedHasOne(t *testing.T) {
	raw := []models.Message{
		{ID: "real-opening", TurnNumber: 0, SequenceNumber: seq(0), Type: models.TypeNarration, Content: "The feed's own opening."},
		{ID: "m1", TurnNumber: 1, SequenceNumber: seq(1), Type: models.TypeUserMessage},
	}

	out := Canonicalize(raw, "Alarms blare.")

	require.Len(t, out, 2)
	assert.Equal(t, "real-opening", out[0].ID)
}

func TestSyntheticOpeningSkippedWithoutText(t *testing.T) {
	raw := []models.Message{
		{ID: "m1", TurnNumber: 1, SequenceNumber: seq(1), Type: models.TypeUserMessage},
	}

	out := Canonicalize(raw, "")

	assert.Len(t, out, 1)
}
