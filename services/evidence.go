package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"drugnet/models"
	"drugnet/providers"
)

// ErrInteractionNotFound: zur ID ist keine Wechselwirkung gespeichert.
var ErrInteractionNotFound = errors.New("interaction not found")

const dailyMedSearch = "https://dailymed.nlm.nih.gov/dailymed/search.cfm?labeltype=all&query="

// Reference ist eine nummerierte, anzeigefertige Quelle zu einer Wechselwirkung.
type Reference struct {
	Number     int    `json:"number"`
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Excerpt    string `json:"excerpt,omitempty"`
	Citation   string `json:"citation"`
}

// LabelEvidence baut Quelle und Verknüpfung für ein Label, dessen
// Interaktionsabschnitt eine gespeicherte Wechselwirkung belegt.
func LabelEvidence(interactionID, drugName string, row providers.Row, res InteractionAnalysis) (models.EvidenceSource, models.InteractionEvidence) {
	evidenceID := uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:drugnet:label:"+row.Source+":"+row.RecordID)).String()

	name := row.GenericName
	if name == "" {
		name = drugName
	}
	title := name
	if row.BrandName != "" && !strings.EqualFold(row.BrandName, name) {
		title = fmt.Sprintf("%s (%s)", row.BrandName, name)
	}

	src := models.EvidenceSource{
		ID:         evidenceID,
		Title:      title + " prescribing information",
		URL:        dailyMedSearch + url.QueryEscape(name),
		SourceType: "label",
		Abstract:   strings.Join(row.DrugInteractions, "\n"),
	}
	link := models.InteractionEvidence{
		ID:            uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:drugnet:evidence:"+interactionID+":"+evidenceID)).String(),
		InteractionID: interactionID,
		EvidenceID:    evidenceID,
		Summary:       res.ClinicalSignificance,
		Confidence:    confidenceFor(res.Severity),
	}
	return src, link
}

// confidenceFor: ausdrücklich eingestufte Label-Aussagen gelten als belastbarer.
func confidenceFor(s models.Severity) string {
	switch s {
	case models.SeverityContraindicated, models.SeverityMajor:
		return "high"
	case models.SeverityModerate, models.SeverityMinor:
		return "medium"
	default:
		return "low"
	}
}

var confidenceRank = map[string]int{"high": 0, "medium": 1, "low": 2}

func rankOf(c string) int {
	if r, ok := confidenceRank[strings.ToLower(c)]; ok {
		return r
	}
	return len(confidenceRank)
}

// EvidenceService liest die Belege zu einer Wechselwirkung.
type EvidenceService struct {
	DB *gorm.DB
}

// NewEvidenceService erstellt einen EvidenceService.
func NewEvidenceService(db *gorm.DB) *EvidenceService {
	return &EvidenceService{DB: db}
}

// ForInteraction liefert die Belege, sortiert nach Konfidenz und Titel und durchnummeriert.
func (s *EvidenceService) ForInteraction(ctx context.Context, interactionID string) ([]Reference, error) {
	db := s.DB.WithContext(ctx)

	var n int64
	if err := db.Model(&models.DrugInteraction{}).Where("id = ?", interactionID).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("load interaction %s: %w", interactionID, err)
	}
	if n == 0 {
		return nil, ErrInteractionNotFound
	}

	var links []models.InteractionEvidence
	if err := db.Preload("Evidence").Where("interaction_id = ?", interactionID).Find(&links).Error; err != nil {
		return nil, fmt.Errorf("load evidence for %s: %w", interactionID, err)
	}

	refs := make([]Reference, 0, len(links))
	for _, l := range links {
		if l.Evidence == nil {
			continue
		}
		refs = append(refs, Reference{
			Title:      l.Evidence.Title,
			URL:        l.Evidence.URL,
			SourceType: l.Evidence.SourceType,
			Summary:    l.Summary,
			Confidence: l.Confidence,
			Excerpt:    truncateRunes(l.Evidence.Abstract, interactionTextMax),
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		if ri, rj := rankOf(refs[i].Confidence), rankOf(refs[j].Confidence); ri != rj {
			return ri < rj
		}
		return refs[i].Title < refs[j].Title
	})
	for i := range refs {
		refs[i].Number = i + 1
		refs[i].Citation = FormatReference(refs[i])
	}
	return refs, nil
}

// FormatReference rendert eine Quelle als kompakte Literaturangabe.
func FormatReference(r Reference) string {
	title := r.Title
	if title == "" {
		title = "Untitled"
	}
	kind := r.SourceType
	if kind == "" {
		kind = "source"
	}
	out := fmt.Sprintf("[%d] %s. %s", r.Number, title, kind)
	if r.Confidence != "" {
		out += fmt.Sprintf(" (confidence: %s)", r.Confidence)
	}
	out += "."
	if r.URL != "" {
		out += " " + r.URL
	}
	return out
}
