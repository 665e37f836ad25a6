package models

import (
	"time"

	domain "roleplay-chat-demo/backend/internal/models"
)

// Message is the persisted form of a feed record. Rows are append-only;
// the only mutation ever applied is flipping Streamed after a message
// finishes its first streamed display.
type Message struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ExternalID     string    `json:"external_id" gorm:"uniqueIndex:idx_messages_conv_external"`
	ConversationID string    `json:"conversation_id" gorm:"uniqueIndex:idx_messages_conv_external;index"`
	SenderName     string    `json:"sender_name"`
	Content        string    `json:"content" gorm:"type:text"`
	MessageType    string    `json:"message_type"`
	TurnNumber     int       `json:"turn_number"`
	SequenceNumber *int      `json:"sequence_number"`
	Timestamp      string    `json:"timestamp"`
	Mode           string    `json:"mode"`
	Streamed       bool      `json:"streamed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Domain converts a row into the engine's message shape.
func (m Message) Domain() domain.Message {
	return domain.Message{
		ID:             m.ExternalID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Type:           domain.MessageType(m.MessageType),
		TurnNumber:     m.TurnNumber,
		SequenceNumber: m.SequenceNumber,
		Timestamp:      m.Timestamp,
		Mode:           domain.Mode(m.Mode),
		Streamed:       m.Streamed,
	}
}

// FromDomain builds a row from a feed record for a conversation.
func FromDomain(conversationID string, d domain.Message) Message {
	return Message{
		ExternalID:     d.IdentityKey(),
		ConversationID: conversationID,
		SenderName:     d.SenderName,
		Content:        d.Content,
		MessageType:    string(d.Type),
		TurnNumber:     d.TurnNumber,
		SequenceNumber: d.SequenceNumber,
		Timestamp:      d.Timestamp,
		Mode:           string(d.Mode),
		Streamed:       d.Streamed,
	}
}
