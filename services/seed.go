package services

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"drugnet/models"
)

// SeedSampleData legt einen kleinen Beispielbestand an, wenn noch kein
// Wirkstoff existiert. Rückgabe true, wenn geschrieben wurde.
func SeedSampleData(ctx context.Context, db *gorm.DB, logger *zap.Logger) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.Drug{}).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	aspirin := DrugIDForCode("B01AC06")
	clopidogrel := DrugIDForCode("B01AC04")

	drugs := []models.Drug{
		{ID: aspirin, Name: "aspirin", ATCCode: "B01AC06",
			Description: "Relief of mild to moderate pain and fever; antiplatelet therapy."},
		{ID: clopidogrel, Name: "clopidogrel", ATCCode: "B01AC04",
			Description: "Antiplatelet agent for prevention of atherothrombotic events."},
	}
	conditions := []models.Condition{
		{ID: "cond:acute-coronary-syndrome", Name: "acute coronary syndrome",
			Description: "Clinical syndrome caused by acutely reduced coronary blood flow."},
		{ID: "cond:mild-pain", Name: "mild pain", Description: "Mild to moderate pain."},
	}
	links := []models.DrugCondition{
		{DrugID: aspirin, ConditionID: "cond:mild-pain", EvidenceLevel: "B",
			UsageNote: "Take as needed; watch for gastrointestinal reactions."},
		{DrugID: aspirin, ConditionID: "cond:acute-coronary-syndrome", EvidenceLevel: "A",
			UsageNote: "Base drug of dual antiplatelet therapy."},
		{DrugID: clopidogrel, ConditionID: "cond:acute-coronary-syndrome", EvidenceLevel: "A",
			UsageNote: "Usually combined with aspirin."},
	}
	for i := range links {
		links[i].ID = models.DrugConditionID(links[i].DrugID, links[i].ConditionID)
	}
	interaction := models.DrugInteraction{
		ID:                models.InteractionID(aspirin, clopidogrel),
		DrugID:            aspirin,
		InteractingDrugID: clopidogrel,
		Severity:          models.SeverityModerate,
		Mechanism:         "Dual antiplatelet therapy increases the risk of bleeding.",
		Management:        "Monitor for signs of bleeding and adjust dosing after risk assessment.",
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, v := range []any{&drugs, &conditions, &links, &interaction} {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(v).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Warn("Failed to seed sample data", zap.Error(err))
		return false, err
	}
	logger.Info("Sample data seeded.", zap.Int("drugs", len(drugs)), zap.Int("conditions", len(conditions)))
	return true, nil
}
