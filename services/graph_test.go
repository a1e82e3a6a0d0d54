package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drugnet/models"
)

func seedGraph(t *testing.T) (*GraphBuilder, string) {
	t.Helper()
	w, db := newTestWriter(t)
	ctx := context.Background()

	report := w.Upsert(ctx, []CanonicalRow{warfarinRow(), aspirinRow(), {
		Substance: "amiodarone", Code: "C01BD01",
	}})
	require.Equal(t, 3, report.Inserted)

	warfarin := DrugIDForCode("B01AA03")
	aspirin := DrugIDForCode("B01AC06")
	amiodarone := DrugIDForCode("C01BD01")

	// einmal mit Warfarin als Partner gespeichert, einmal als Ausgangsseite
	require.NoError(t, w.UpsertInteraction(ctx, models.DrugInteraction{
		DrugID: aspirin, InteractingDrugID: warfarin, Severity: models.SeverityMajor,
		Mechanism: "pharmacodynamic", Management: "Avoid.",
	}))
	require.NoError(t, w.UpsertInteraction(ctx, models.DrugInteraction{
		DrugID: warfarin, InteractingDrugID: amiodarone, Severity: "Moderate",
		Mechanism: "metabolic_cyp",
	}))
	// nicht mit Warfarin verbunden
	require.NoError(t, w.UpsertInteraction(ctx, models.DrugInteraction{
		DrugID: aspirin, InteractingDrugID: amiodarone, Severity: models.SeverityMinor,
	}))
	return NewGraphBuilder(db), warfarin
}

func TestBuildGraphOneHop(t *testing.T) {
	b, warfarin := seedGraph(t)
	g, err := b.Build(context.Background(), warfarin)
	require.NoError(t, err)

	require.Len(t, g.Nodes, 5)
	assert.Equal(t, warfarin, g.Nodes[0].ID)
	assert.Equal(t, NodeTypeDrug, g.Nodes[0].Type)
	assert.Equal(t, "Anticoagulant", g.Nodes[0].Description)

	s := g.Summary
	assert.Equal(t, len(g.Nodes), s.TotalNodes)
	assert.Equal(t, len(g.Links), s.TotalLinks)
	assert.Equal(t, 2, s.ConditionCount)
	assert.Equal(t, 2, s.InteractionCount)
	assert.Equal(t, 2, s.PartnerCount)

	interactions := 0
	for _, l := range g.Links {
		assert.Equal(t, warfarin, l.Source)
		if l.Type == LinkTypeInteraction {
			interactions++
		} else {
			assert.Equal(t, "label", l.Label)
		}
	}
	assert.Equal(t, s.InteractionCount, interactions)
}

func TestSeverityBreakdownHasEveryBucket(t *testing.T) {
	b, warfarin := seedGraph(t)
	g, err := b.Build(context.Background(), warfarin)
	require.NoError(t, err)

	require.Len(t, g.Summary.SeverityBreakdown, len(models.Severities))
	assert.Equal(t, map[models.Severity]int{
		models.SeverityContraindicated: 0,
		models.SeverityMajor:           1,
		models.SeverityModerate:        1,
		models.SeverityMinor:           0,
		models.SeverityUnknown:         0,
	}, g.Summary.SeverityBreakdown)
}

func TestBuildGraphWithoutEdges(t *testing.T) {
	w, db := newTestWriter(t)
	w.Upsert(context.Background(), []CanonicalRow{{Substance: "paracetamol", Code: "N02BE01"}})

	g, err := NewGraphBuilder(db).Build(context.Background(), DrugIDForCode("N02BE01"))
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 1)
	assert.Empty(t, g.Links)
	assert.Equal(t, 1, g.Summary.TotalNodes)
	assert.Len(t, g.Summary.SeverityBreakdown, 5)
	assert.Empty(t, g.Neighbors(DrugIDForCode("N02BE01")))
}

func TestBuildGraphUnknownDrug(t *testing.T) {
	b := NewGraphBuilder(newTestDB(t))
	_, err := b.Build(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrDrugNotFound)
}

func TestNeighborsAndFocus(t *testing.T) {
	b, warfarin := seedGraph(t)
	g, err := b.Build(context.Background(), warfarin)
	require.NoError(t, err)

	aspirin := DrugIDForCode("B01AC06")
	assert.Len(t, g.Neighbors(warfarin), 4)
	assert.Equal(t, []string{warfarin}, g.Neighbors(aspirin))
	assert.Nil(t, g.Neighbors("nope"))

	view, ok := g.Focus(aspirin)
	require.True(t, ok)
	assert.Equal(t, "aspirin", view.Node.Label)
	require.Len(t, view.Neighbors, 1)
	assert.Equal(t, warfarin, view.Neighbors[0].ID)
	require.Len(t, view.Links, 1)
	assert.Equal(t, models.SeverityMajor, view.Links[0].Severity)
	assert.Equal(t, "Avoid.", view.Links[0].Management)

	_, ok = g.Focus("nope")
	assert.False(t, ok)
}
