package repository

import (
	"roleplay-chat-demo/backend/conversation/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository interface {
	// CreateIfAbsent persists a row unless one with the same conversation
	// and external id already exists. Redelivery is normal, not an error.
	CreateIfAbsent(message *models.Message) error
	GetByConversation(conversationID string) ([]models.Message, error)
	// MarkStreamed flips the streamed flag for the given external ids, so
	// reconnecting clients render them instantly instead of replaying the
	// streamed display.
	MarkStreamed(conversationID string, externalIDs []string) error
}

type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) CreateIfAbsent(message *models.Message) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(message).Error
}

func (r *GormMessageRepository) GetByConversation(conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}

func (r *GormMessageRepository) MarkStreamed(conversationID string, externalIDs []string) error {
	if len(externalIDs) == 0 {
		return nil
	}
	return r.db.Model(&models.Message{}).
		Where("conversation_id = ? AND external_id IN ?", conversationID, externalIDs).
		Update("streamed", true).Error
}
