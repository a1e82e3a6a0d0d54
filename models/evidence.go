package models

import "time"

// EvidenceSource ist eine bibliographische Quelle zu einer Wechselwirkung.
type EvidenceSource struct {
	ID         string    `json:"id" gorm:"primaryKey;size:64"`
	CreatedAt  time.Time `json:"created_at"`
	Title      string    `json:"title" gorm:"not null"`
	URL        string    `json:"url,omitempty"`
	SourceType string    `json:"source_type,omitempty" gorm:"size:32"` // z.B. "label", "study", "review"
	Abstract   string    `json:"abstract,omitempty" gorm:"type:text"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (EvidenceSource) TableName() string {
	return "evidence_sources"
}

// InteractionEvidence verknüpft eine Quelle mit einer Wechselwirkung.
type InteractionEvidence struct {
	ID            string    `json:"id" gorm:"primaryKey;size:64"`
	CreatedAt     time.Time `json:"created_at"`
	InteractionID string    `json:"interaction_id" gorm:"index;not null;size:160"`
	EvidenceID    string    `json:"evidence_id" gorm:"index;not null;size:64"`
	Summary       string    `json:"summary,omitempty" gorm:"type:text"`
	Confidence    string    `json:"confidence,omitempty" gorm:"size:16"` // high | medium | low

	Evidence *EvidenceSource `json:"evidence,omitempty" gorm:"foreignKey:EvidenceID"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (InteractionEvidence) TableName() string {
	return "interaction_evidence"
}
