package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MessageType discriminates who produced a message and how it renders.
type MessageType string

const (
	TypeUserMessage MessageType = "user_message"
	TypeAIResponse  MessageType = "ai_response"
	TypeSystem      MessageType = "system"
	TypeNarration   MessageType = "narration"
)

// Mode is an optional presentation hint attached by the author.
type Mode string

const (
	ModeChat   Mode = "chat"
	ModeAction Mode = "action"
)

// SyntheticOpeningID is the identity of the opening narration synthesized
// for turn 0 when the feed never delivered one.
const SyntheticOpeningID = "opening-synthetic"

// Message is a single conversation entry as delivered by the realtime
// feed. It is immutable once normalized; the pipeline only ever derives
// new ordered lists from a growing raw set.
//
// SequenceNumber is a pointer because "absent" is meaningful: optimistic
// local echoes arrive without one and must sort after all sequenced
// messages within their turn. Timestamp stays a raw string because the
// feed delivers anything from RFC 3339 to garbage; it is parsed lazily
// with an explicit sentinel for unparsable values.
type Message struct {
	ID             string      `json:"id,omitempty"`
	SenderName     string      `json:"sender_name"`
	Content        string      `json:"message"`
	Type           MessageType `json:"message_type"`
	TurnNumber     int         `json:"turn_number"`
	SequenceNumber *int        `json:"sequence_number,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
	Mode           Mode        `json:"mode,omitempty"`
	Streamed       bool        `json:"streamed,omitempty"`
}

// IdentityKey returns the stable dedup key for the message: the id when
// the backend assigned one, otherwise a composite of turn, sequence and
// sender so optimistic echoes without ids still deduplicate.
func (m Message) IdentityKey() string {
	if m.ID != "" {
		return m.ID
	}
	seq := ""
	if m.SequenceNumber != nil {
		seq = strconv.Itoa(*m.SequenceNumber)
	}
	return fmt.Sprintf("%d-%s-%s", m.TurnNumber, seq, m.SenderName)
}

// Streamable reports whether the message goes through the streaming
// scheduler on first display. User and system messages never stream, and
// a persisted streamed flag means the message already had its one
// streamed showing.
func (m Message) Streamable() bool {
	if m.Streamed {
		return false
	}
	return m.Type == TypeAIResponse || m.Type == TypeNarration
}

// timestampSentinel orders unparsable or absent timestamps after every
// real one.
var timestampSentinel = time.Unix(1<<62, 0)

// Time parses the message timestamp. Unparsable or absent values return
// the maximum sentinel so they sort last among remaining ties.
func (m Message) Time() time.Time {
	if m.Timestamp == "" {
		return timestampSentinel
	}
	if t, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
		return t
	}
	return timestampSentinel
}

// AIPayload is the rich envelope AI-originated messages may carry inside
// Message.Content. It is opaque to ordering and dedup; only the renderer
// decodes it.
type AIPayload struct {
	Content            string             `json:"content"`
	CharacterName      string             `json:"character_name,omitempty"`
	InternalState      json.RawMessage    `json:"internal_state,omitempty"`
	SuggestedFollowUps []string           `json:"suggested_follow_ups,omitempty"`
	Metrics            map[string]float64 `json:"metrics,omitempty"`
	Flags              []string           `json:"flags,omitempty"`
}

// DecodeAIPayload parses the rich AI envelope out of raw message content.
// Malformed JSON is not an error: the whole raw string degrades to plain
// content, which is the rendering contract for hand-written or legacy
// messages.
func DecodeAIPayload(raw string) AIPayload {
	var p AIPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Content == "" {
		return AIPayload{Content: raw}
	}
	return p
}

// RenderText returns the display text for a message: the decoded envelope
// content for AI-originated messages, the raw content otherwise.
func (m Message) RenderText() string {
	if m.Type == TypeAIResponse || m.Type == TypeNarration {
		return DecodeAIPayload(m.Content).Content
	}
	return m.Content
}
