package models

import (
	"encoding/json"
	"time"

	domain "roleplay-chat-demo/backend/internal/models"
)

// Scenario holds the authored metadata the engine reads: the opening
// narration seeded at turn 0 and the objective definitions progress
// snapshots are keyed by.
type Scenario struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	ExternalID     string    `json:"external_id" gorm:"uniqueIndex"`
	Name           string    `json:"name"`
	Opening        string    `json:"opening" gorm:"type:text"`
	ObjectivesJSON string    `json:"objectives" gorm:"type:text"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Objectives decodes the stored objective definitions into an initial
// progress snapshot. An empty or malformed column yields an empty
// snapshot rather than an error; authoring bugs must not break playback.
func (s Scenario) Objectives() domain.ProgressSnapshot {
	if s.ObjectivesJSON == "" {
		return domain.ProgressSnapshot{}
	}
	var objectives []domain.ObjectiveProgress
	if err := json.Unmarshal([]byte(s.ObjectivesJSON), &objectives); err != nil {
		return domain.ProgressSnapshot{}
	}
	snapshot := make(domain.ProgressSnapshot, len(objectives))
	for _, o := range objectives {
		snapshot[o.ID] = o
	}
	return snapshot
}
