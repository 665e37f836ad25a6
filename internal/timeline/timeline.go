// Package timeline turns the raw realtime feed into the canonical,
// totally ordered message list the rest of the engine consumes. The feed
// redelivers, reorders and drops fields freely; everything downstream
// assumes this package already absorbed that.
package timeline

import (
	"sort"

	"roleplay-chat-demo/backend/internal/models"
)

// entry pairs a deduplicated message with its arrival rank so the sort
// has a reproducible fallback when every comparison key ties. The rank is
// explicit rather than relying on any map iteration or insertion-order
// behavior.
type entry struct {
	msg  models.Message
	rank int
}

// Canonicalize collapses the raw message list into a deduplicated set and
// applies the total order. Pure function: the inputs are never mutated.
//
// Dedup is first-occurrence-wins keyed by Message.IdentityKey, which makes
// the function idempotent under feed redelivery. When opening is non-empty
// and the raw list carries no turn-0 narration, a synthetic opening
// message is seeded ahead of everything else.
func Canonicalize(raw []models.Message, opening string) []models.Message {
	entries := make([]entry, 0, len(raw)+1)
	seen := make(map[string]struct{}, len(raw)+1)

	add := func(m models.Message) {
		key := m.IdentityKey()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		entries = append(entries, entry{msg: m, rank: len(entries)})
	}

	if opening != "" && !hasOpening(raw) {
		add(syntheticOpening(opening))
	}
	for _, m := range raw {
		add(m)
	}

	sort.Slice(entries, func(i, j int) bool {
		if c := Compare(entries[i].msg, entries[j].msg); c != 0 {
			return c < 0
		}
		return entries[i].rank < entries[j].rank
	})

	out := make([]models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}

// Compare defines the display order: turn ascending, then sequence
// ascending with absent sequences last, then timestamp ascending with
// unparsable timestamps last. Returns <0, 0 or >0.
func Compare(a, b models.Message) int {
	if a.TurnNumber != b.TurnNumber {
		if a.TurnNumber < b.TurnNumber {
			return -1
		}
		return 1
	}
	as, bs := sequenceRank(a), sequenceRank(b)
	if as != bs {
		if as < bs {
			return -1
		}
		return 1
	}
	at, bt := a.Time(), b.Time()
	if at.Before(bt) {
		return -1
	}
	if at.After(bt) {
		return 1
	}
	return 0
}

// sequenceRank maps an absent sequence number to a rank past every real
// one, so fresh optimistic messages land after sequenced ones in-turn.
func sequenceRank(m models.Message) int64 {
	if m.SequenceNumber == nil {
		return int64(1) << 62
	}
	return int64(*m.SequenceNumber)
}

func hasOpening(raw []models.Message) bool {
	for _, m := range raw {
		if m.Type == models.TypeNarration && m.TurnNumber == 0 {
			return true
		}
	}
	return false
}

func syntheticOpening(text string) models.Message {
	seq := 0
	return models.Message{
		ID:             models.SyntheticOpeningID,
		SenderName:     "Narrator",
		Content:        text,
		Type:           models.TypeNarration,
		TurnNumber:     0,
		SequenceNumber: &seq,
		Timestamp:      "1970-01-01T00:00:00Z",
	}
}
