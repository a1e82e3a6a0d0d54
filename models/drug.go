package models

import (
	"time"
)

// Drug ist ein kanonischer Wirkstoff. ATCCode ist der fachliche Schlüssel:
// pro Code existiert höchstens eine Zeile.
type Drug struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name        string `json:"name" gorm:"index;not null"`
	Description string `json:"description,omitempty" gorm:"type:text"`
	ATCCode     string `json:"atc_code" gorm:"column:atc_code;uniqueIndex;size:64;not null"`

	// Herkunft
	RxCUI          string `json:"rxcui,omitempty" gorm:"column:rxcui;size:32"`
	SourceRecordID string `json:"source_record_id,omitempty" gorm:"size:128"`

	// Besitzer der Herkunftsspalten, siehe services.StoreWriter
	RxCUIOrigin  string `json:"-" gorm:"column:rxcui_origin;size:80"`
	RecordOrigin string `json:"-" gorm:"column:record_origin;size:80"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Drug) TableName() string {
	return "drugs"
}
