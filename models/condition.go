package models

import (
	"time"
)

// Condition ist eine Indikation bzw. Erkrankung.
type Condition struct {
	ID          string    `json:"id" gorm:"primaryKey;size:160"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Name        string    `json:"name" gorm:"index;not null"`
	Description string    `json:"description,omitempty" gorm:"type:text"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Condition) TableName() string {
	return "conditions"
}

// DrugCondition verknüpft einen Wirkstoff mit einer Indikation.
// Die ID ist immer "<drug_id>:<condition_id>".
type DrugCondition struct {
	ID            string    `json:"id" gorm:"primaryKey;size:255"`
	CreatedAt     time.Time `json:"created_at"`
	DrugID        string    `json:"drug_id" gorm:"index;not null;size:64"`
	ConditionID   string    `json:"condition_id" gorm:"index;not null;size:160"`
	UsageNote     string    `json:"usage_note,omitempty" gorm:"type:text"`
	EvidenceLevel string    `json:"evidence_level,omitempty" gorm:"size:32"`

	Condition *Condition `json:"condition,omitempty" gorm:"foreignKey:ConditionID"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (DrugCondition) TableName() string {
	return "drug_conditions"
}

// DrugConditionID baut die zusammengesetzte ID einer Indikation.
func DrugConditionID(drugID, conditionID string) string {
	return drugID + ":" + conditionID
}
