package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"gorm.io/gorm"

	"drugnet/models"
)

const (
	defaultDrugPageSize = 50
	maxDrugPageSize     = 100
)

// InteractionView ist eine Wechselwirkung aus Sicht eines Wirkstoffs.
type InteractionView struct {
	ID          string          `json:"id"`
	PartnerID   string          `json:"partner_id"`
	PartnerName string          `json:"partner_name"`
	Severity    models.Severity `json:"severity"`
	Mechanism   string          `json:"mechanism,omitempty"`
	Management  string          `json:"management,omitempty"`
}

// DrugDetail ist ein Wirkstoff samt Indikationen und Wechselwirkungen.
type DrugDetail struct {
	models.Drug
	Indications  []models.DrugCondition `json:"indications"`
	Interactions []InteractionView      `json:"interactions"`
}

// DrugService liest Wirkstoffe aus dem Store.
type DrugService struct {
	DB *gorm.DB
}

func NewDrugService(db *gorm.DB) *DrugService {
	return &DrugService{DB: db}
}

// List sucht case-insensitiv in Name und ATC-Code, sortiert nach Name.
// limit wird auf 1..100 begrenzt, 0 bedeutet 50.
func (s *DrugService) List(ctx context.Context, q string, skip, limit int) ([]models.Drug, error) {
	switch {
	case limit <= 0:
		limit = defaultDrugPageSize
	case limit > maxDrugPageSize:
		limit = maxDrugPageSize
	}
	if skip < 0 {
		skip = 0
	}

	query := s.DB.WithContext(ctx).Model(&models.Drug{}).Order("name asc, id asc")
	if q = strings.TrimSpace(q); q != "" {
		pattern := "%" + strings.ToLower(q) + "%"
		query = query.Where("LOWER(name) LIKE ? OR LOWER(atc_code) LIKE ?", pattern, pattern)
	}

	drugs := []models.Drug{}
	if err := query.Offset(skip).Limit(limit).Find(&drugs).Error; err != nil {
		return nil, err
	}
	return drugs, nil
}

// Get lädt einen Wirkstoff mit Indikationen und Wechselwirkungen.
func (s *DrugService) Get(ctx context.Context, id string) (*DrugDetail, error) {
	db := s.DB.WithContext(ctx)

	var drug models.Drug
	if err := db.Where("id = ?", id).Take(&drug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDrugNotFound
		}
		return nil, err
	}

	detail := &DrugDetail{Drug: drug, Indications: []models.DrugCondition{}}
	if err := db.Preload("Condition").Where("drug_id = ?", id).Order("id").Find(&detail.Indications).Error; err != nil {
		return nil, err
	}
	views, err := s.interactions(ctx, id)
	if err != nil {
		return nil, err
	}
	detail.Interactions = views
	return detail, nil
}

// Interactions listet die Wechselwirkungen eines Wirkstoffs in beiden
// Speicherrichtungen, schwerste zuerst.
func (s *DrugService) Interactions(ctx context.Context, id string) ([]InteractionView, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&models.Drug{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrDrugNotFound
	}
	return s.interactions(ctx, id)
}

func (s *DrugService) interactions(ctx context.Context, id string) ([]InteractionView, error) {
	db := s.DB.WithContext(ctx)

	var rows []models.DrugInteraction
	if err := db.Where("drug_id = ? OR interacting_drug_id = ?", id, id).Find(&rows).Error; err != nil {
		return nil, err
	}

	partnerIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		partnerIDs = append(partnerIDs, r.Partner(id))
	}
	names := map[string]string{}
	if len(partnerIDs) > 0 {
		var partners []models.Drug
		if err := db.Where("id IN ?", partnerIDs).Find(&partners).Error; err != nil {
			return nil, err
		}
		for _, p := range partners {
			names[p.ID] = p.Name
		}
	}

	views := make([]InteractionView, 0, len(rows))
	for _, r := range rows {
		partner := r.Partner(id)
		if partner == id {
			continue
		}
		name := names[partner]
		if name == "" {
			name = partner
		}
		views = append(views, InteractionView{
			ID:          r.ID,
			PartnerID:   partner,
			PartnerName: name,
			Severity:    models.ParseSeverity(string(r.Severity)),
			Mechanism:   r.Mechanism,
			Management:  r.Management,
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		ri, rj := severityRank(views[i].Severity), severityRank(views[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return views[i].PartnerName < views[j].PartnerName
	})
	return views, nil
}

func severityRank(s models.Severity) int {
	for i, known := range models.Severities {
		if s == known {
			return i
		}
	}
	return len(models.Severities)
}
