package repository

import (
	"roleplay-chat-demo/backend/conversation/models"

	"gorm.io/gorm"
)

type ScenarioRepository interface {
	GetByExternalID(externalID string) (*models.Scenario, error)
}

type GormScenarioRepository struct {
	db *gorm.DB
}

func NewGormScenarioRepository(db *gorm.DB) *GormScenarioRepository {
	return &GormScenarioRepository{db: db}
}

func (r *GormScenarioRepository) GetByExternalID(externalID string) (*models.Scenario, error) {
	var scenario models.Scenario
	err := r.db.Where("external_id = ?", externalID).First(&scenario).Error
	if err != nil {
		return nil, err
	}
	return &scenario, nil
}
