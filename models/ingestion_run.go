package models

import (
	"time"

	"gorm.io/datatypes"
)

// IngestionRun protokolliert einen Batch-Lauf samt Report pro Quelle.
type IngestionRun struct {
	ID         string         `json:"id" gorm:"primaryKey;size:36"`
	StartedAt  time.Time      `json:"started_at" gorm:"index"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DryRun     bool           `json:"dry_run"`
	Status     string         `json:"status" gorm:"size:32"`
	Report     datatypes.JSON `json:"report,omitempty" gorm:"type:jsonb"`
	ArchiveURL string         `json:"archive_url,omitempty"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (IngestionRun) TableName() string {
	return "ingestion_runs"
}

// All listet alle Modelle für die Auto-Migration.
func All() []any {
	return []any{
		&Drug{},
		&Condition{},
		&DrugCondition{},
		&DrugInteraction{},
		&EvidenceSource{},
		&InteractionEvidence{},
		&IngestionRun{},
	}
}
