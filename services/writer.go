package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"drugnet/metrics"
	"drugnet/models"
	"drugnet/providers"
)

const conditionNameMax = 120

// ConstraintViolationError: ein Eindeutigkeits-Constraint hat eine Zeile abgewiesen.
// Das deutet auf einen Fehler in der Normalisierung hin; die Zeile wird übersprungen.
type ConstraintViolationError struct {
	Code     string
	DrugID   string
	RecordID string
	Err      error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation for code %s (drug %s, record %s): %v", e.Code, e.DrugID, e.RecordID, e.Err)
}

func (e *ConstraintViolationError) Unwrap() error {
	return e.Err
}

// WriteReport fasst das Ergebnis eines Upsert-Batches zusammen.
type WriteReport struct {
	Inserted   int               `json:"inserted"`
	Updated    int               `json:"updated"`
	Skipped    int               `json:"skipped"`
	Failed     int               `json:"failed"`
	DrugIDs    map[string]string `json:"drug_ids"` // Code -> Drug-ID
	Violations []string          `json:"violations,omitempty"`
	Errors     []string          `json:"errors,omitempty"`
}

// StoreWriter schreibt kanonische Zeilen idempotent in den Store.
type StoreWriter struct {
	DB          *gorm.DB
	Logger      *zap.Logger
	Concurrency int

	locks *keyedMutex
}

// NewStoreWriter erstellt einen StoreWriter mit vier parallelen Schreibvorgängen.
func NewStoreWriter(db *gorm.DB, logger *zap.Logger) *StoreWriter {
	return &StoreWriter{DB: db, Logger: logger, Concurrency: 4, locks: newKeyedMutex()}
}

// DrugIDForCode leitet die Drug-ID deterministisch aus dem Code ab, damit
// wiederholte Läufe und verschiedene Quellen dieselbe ID erzeugen.
func DrugIDForCode(code string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:drugnet:atc:"+strings.ToUpper(code))).String()
}

// ConditionID baut die ID der idx-ten Indikation eines Wirkstoffs.
func ConditionID(drugID string, idx int) string {
	return fmt.Sprintf("%s:cond:%d", drugID, idx)
}

// Upsert schreibt alle Zeilen. Zeilen mit unterschiedlichen Codes laufen parallel,
// Zeilen mit gleichem Code nacheinander. Fehler einzelner Zeilen brechen den Batch nicht ab.
func (w *StoreWriter) Upsert(ctx context.Context, rows []CanonicalRow) WriteReport {
	report := WriteReport{DrugIDs: map[string]string{}}

	limit := w.Concurrency
	if limit < 1 {
		limit = 1
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	semaphore := make(chan struct{}, limit)

	for _, row := range rows {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(row CanonicalRow) {
			defer wg.Done()
			defer func() { <-semaphore }()

			drugID, inserted, err := w.UpsertOne(ctx, row)

			mu.Lock()
			defer mu.Unlock()
			var cve *ConstraintViolationError
			switch {
			case errors.As(err, &cve):
				report.Skipped++
				report.Violations = append(report.Violations, cve.Error())
				metrics.DrugUpserts.WithLabelValues("skipped").Inc()
			case err != nil:
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", row.Code, err))
				metrics.DrugUpserts.WithLabelValues("failed").Inc()
			case inserted:
				report.Inserted++
				report.DrugIDs[row.Code] = drugID
				metrics.DrugUpserts.WithLabelValues("inserted").Inc()
			default:
				report.Updated++
				report.DrugIDs[row.Code] = drugID
				metrics.DrugUpserts.WithLabelValues("updated").Inc()
			}
		}(row)
	}
	wg.Wait()
	return report
}

// UpsertOne schreibt eine Zeile samt Indikationen in einer Transaktion.
func (w *StoreWriter) UpsertOne(ctx context.Context, row CanonicalRow) (string, bool, error) {
	log := w.Logger.With(zap.String("code", row.Code), zap.String("substance", row.Substance),
		zap.String("source", row.Row.Source), zap.String("record_id", row.Row.RecordID))

	unlock, err := w.locks.Lock(ctx, "drug:"+row.Code)
	if err != nil {
		return "", false, err
	}
	defer unlock()

	var drugID string
	var inserted, ownsRecord bool
	err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Drug
		err := tx.Where("atc_code = ?", row.Code).Take(&existing).Error
		switch {
		case err == nil:
			updates := map[string]any{
				"name":       row.Substance,
				"updated_at": time.Now(),
			}
			ownsRecord = claims(existing.RecordOrigin, recordOrigin(row.Row))
			if ownsRecord {
				if d := row.Row.Description; d != "" {
					updates["description"] = d
				}
				updates["source_record_id"] = row.Row.RecordID
				updates["record_origin"] = recordOrigin(row.Row)
			}
			if o := rxcuiOrigin(row.Row); claims(existing.RxCUIOrigin, o) {
				updates["rxcui"] = row.Row.RxCUI
				updates["rxcui_origin"] = o
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
			drugID = existing.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			drug := models.Drug{
				ID:      DrugIDForCode(row.Code),
				Name:    row.Substance,
				ATCCode: row.Code,
			}
			if o := recordOrigin(row.Row); o != "" {
				drug.Description = row.Row.Description
				drug.SourceRecordID = row.Row.RecordID
				drug.RecordOrigin = o
				ownsRecord = true
			}
			if o := rxcuiOrigin(row.Row); o != "" {
				drug.RxCUI = row.Row.RxCUI
				drug.RxCUIOrigin = o
			}
			if err := tx.Create(&drug).Error; err != nil {
				return err
			}
			drugID = drug.ID
			inserted = true
		default:
			return err
		}
		if !ownsRecord {
			return nil
		}
		return w.writeIndications(tx, drugID, row)
	})

	if err != nil {
		if isUniqueViolation(err) {
			cve := &ConstraintViolationError{Code: row.Code, DrugID: DrugIDForCode(row.Code), RecordID: row.Row.RecordID, Err: err}
			log.Error("Unique constraint rejected row, skipping", zap.Error(err))
			return "", false, cve
		}
		log.Error("Failed to upsert drug", zap.Error(err))
		return "", false, err
	}
	log.Debug("Drug upserted", zap.String("drug_id", drugID), zap.Bool("inserted", inserted))
	return drugID, inserted, nil
}

// Jede Herkunftsspalte hat genau einen Besitzer. Der kleinste Origin-Schlüssel
// gewinnt, damit das Ergebnis nicht von der Reihenfolge der Quellen abhängt:
// rxcui gehört RxNorm vor Labels, source_record_id, description und die
// Indikationen gehören allein den Label-Quellen.
func rxcuiOrigin(r providers.Row) string {
	switch {
	case r.RxCUI == "":
		return ""
	case r.Standardized:
		return "0/" + r.Source
	default:
		return "1/" + r.Source
	}
}

func recordOrigin(r providers.Row) string {
	if r.Standardized || r.RecordID == "" {
		return ""
	}
	return "1/" + r.Source
}

// claims meldet, ob incoming die Spalte von stored übernehmen darf.
func claims(stored, incoming string) bool {
	return incoming != "" && (stored == "" || incoming <= stored)
}

// writeIndications legt Conditions und DrugCondition-Links an und entfernt die,
// die das aktuelle Label nicht mehr nennt. Die IDs werden immer aus der
// kanonischen Drug-ID gebildet, nie aus Roh-IDs der Quelle.
func (w *StoreWriter) writeIndications(tx *gorm.DB, drugID string, row CanonicalRow) error {
	var keep []string
	for idx, text := range row.Row.Indications {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		cond := models.Condition{
			ID:          ConditionID(drugID, idx),
			Name:        truncateRunes(text, conditionNameMax),
			Description: text,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "description", "updated_at"}),
		}).Create(&cond).Error; err != nil {
			return fmt.Errorf("upsert condition %s: %w", cond.ID, err)
		}

		link := models.DrugCondition{
			ID:            models.DrugConditionID(drugID, cond.ID),
			DrugID:        drugID,
			ConditionID:   cond.ID,
			UsageNote:     fmt.Sprintf("%s label %s", row.Row.Source, row.Row.RecordID),
			EvidenceLevel: "label",
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"usage_note", "evidence_level"}),
		}).Create(&link).Error; err != nil {
			return fmt.Errorf("upsert drug_condition %s: %w", link.ID, err)
		}
		keep = append(keep, cond.ID)
	}
	return pruneIndications(tx, drugID, keep)
}

// pruneIndications löscht die Label-Indikationen eines Wirkstoffs außer keep.
func pruneIndications(tx *gorm.DB, drugID string, keep []string) error {
	prefix := drugID + ":cond:%"

	links := tx.Where("drug_id = ? AND condition_id LIKE ?", drugID, prefix)
	conds := tx.Where("id LIKE ?", prefix)
	if len(keep) > 0 {
		links = links.Where("condition_id NOT IN ?", keep)
		conds = conds.Where("id NOT IN ?", keep)
	}
	if err := links.Delete(&models.DrugCondition{}).Error; err != nil {
		return fmt.Errorf("prune drug_conditions of %s: %w", drugID, err)
	}
	if err := conds.Delete(&models.Condition{}).Error; err != nil {
		return fmt.Errorf("prune conditions of %s: %w", drugID, err)
	}
	return nil
}

// UpsertInteraction speichert eine abgeleitete Wechselwirkung unter ihrer Paar-ID.
func (w *StoreWriter) UpsertInteraction(ctx context.Context, in models.DrugInteraction) error {
	if in.ID == "" {
		in.ID = models.InteractionID(in.DrugID, in.InteractingDrugID)
	}
	unlock, err := w.locks.Lock(ctx, "interaction:"+in.ID)
	if err != nil {
		return err
	}
	defer unlock()

	return w.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"severity", "mechanism", "management", "updated_at"}),
	}).Create(&in).Error
}

// UpsertEvidence speichert eine Quelle und ihre Verknüpfung mit einer Wechselwirkung.
func (w *StoreWriter) UpsertEvidence(ctx context.Context, src models.EvidenceSource, link models.InteractionEvidence) error {
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "url", "source_type", "abstract"}),
		}).Create(&src).Error; err != nil {
			return fmt.Errorf("upsert evidence source %s: %w", src.ID, err)
		}
		link.EvidenceID = src.ID
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"summary", "confidence"}),
		}).Create(&link).Error; err != nil {
			return fmt.Errorf("upsert interaction evidence %s: %w", link.ID, err)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// keyedMutex serialisiert Arbeit pro Schlüssel; das Warten ist per Context abbrechbar.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
