package models

import (
	"strings"
	"time"
)

// Severity ist die Schweregrad-Klasse einer Wechselwirkung.
type Severity string

const (
	SeverityContraindicated Severity = "contraindicated"
	SeverityMajor           Severity = "major"
	SeverityModerate        Severity = "moderate"
	SeverityMinor           Severity = "minor"
	SeverityUnknown         Severity = "unknown"
)

// Severities listet alle kanonischen Schweregrade, vom schwersten zum leichtesten.
var Severities = []Severity{
	SeverityContraindicated,
	SeverityMajor,
	SeverityModerate,
	SeverityMinor,
	SeverityUnknown,
}

// ParseSeverity bildet beliebige Eingaben auf einen kanonischen Schweregrad ab.
func ParseSeverity(s string) Severity {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Severities {
		if v == known {
			return v
		}
	}
	return SeverityUnknown
}

// DrugInteraction ist eine gespeicherte Wechselwirkung zwischen zwei Wirkstoffen.
// Gespeichert wird gerichtet, gelesen wird symmetrisch.
type DrugInteraction struct {
	ID                string    `json:"id" gorm:"primaryKey;size:160"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	DrugID            string    `json:"drug_id" gorm:"index;not null;size:64"`
	InteractingDrugID string    `json:"interacting_drug_id" gorm:"index;not null;size:64"`
	Severity          Severity  `json:"severity" gorm:"size:32;index"`
	Mechanism         string    `json:"mechanism,omitempty" gorm:"type:text"`
	Management        string    `json:"management,omitempty" gorm:"type:text"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (DrugInteraction) TableName() string {
	return "drug_interactions"
}

// InteractionID liefert die deterministische ID für ein Wirkstoffpaar,
// unabhängig von der Reihenfolge der Argumente.
func InteractionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// Partner liefert die jeweils andere Seite der Wechselwirkung.
func (i DrugInteraction) Partner(drugID string) string {
	if i.DrugID == drugID {
		return i.InteractingDrugID
	}
	return i.DrugID
}
