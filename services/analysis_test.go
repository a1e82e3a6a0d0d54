package services

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"drugnet/cache"
	"drugnet/models"
	"drugnet/providers"
)

// labelSource beantwortet Namenssuchen aus einer festen Label-Tabelle.
type labelSource struct {
	labels map[string]providers.Row
	err    error
	calls  int32
}

func (s *labelSource) Name() string { return "openfda" }

func (s *labelSource) Fetch(_ context.Context, q providers.Query) ([]providers.Row, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	for name, row := range s.labels {
		if strings.Contains(q.Term, `"`+name+`"`) {
			return []providers.Row{row}, nil
		}
	}
	return []providers.Row{}, nil
}

func sampleLabels() map[string]providers.Row {
	return map[string]providers.Row{
		"aspirin": {
			Source: "openfda", RecordID: "a-1", GenericName: "aspirin", SubstanceNames: []string{"ASPIRIN"},
			AdverseReactions: []string{"GI upset"},
			Indications:      []string{"Pain"},
		},
		"Plavix": {
			Source: "openfda", RecordID: "p-1", BrandName: "Plavix", GenericName: "clopidogrel bisulfate",
			SubstanceNames:   []string{"CLOPIDOGREL BISULFATE"},
			AdverseReactions: []string{"bleeding"},
			DrugInteractions: []string{"Coadministration with aspirin may increase the risk of bleeding; monitor patients closely."},
		},
	}
}

func TestAnalyzeDetectsInteraction(t *testing.T) {
	svc := NewAnalysisService(&labelSource{labels: sampleLabels()}, nil, zap.NewNop())
	res, err := svc.Analyze(context.Background(), "aspirin", "Plavix")
	require.NoError(t, err)

	assert.True(t, res.Found)
	assert.Equal(t, models.SeverityModerate, res.Severity)
	assert.Equal(t, []string{"bleeding"}, res.IncreasedRiskEffects)
	assert.Equal(t, []string{"GI upset"}, res.BaselineA.Common)
	assert.Equal(t, []string{"bleeding"}, res.BaselineB.Common)
	assert.Equal(t, []string{"Pain"}, res.IndicationsA)
}

func TestAnalyzeMissingLabelIsNotAnError(t *testing.T) {
	svc := NewAnalysisService(&labelSource{labels: sampleLabels()}, nil, zap.NewNop())
	res, err := svc.Analyze(context.Background(), "aspirin", "unobtainium")
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.Equal(t, "no FDA label found for unobtainium", res.Note)
	assert.Equal(t, models.SeverityUnknown, res.Severity)
}

func TestAnalyzeSourceFailureIsAnError(t *testing.T) {
	src := &labelSource{err: providers.FromStatus("openfda", http.StatusBadGateway, "")}
	svc := NewAnalysisService(src, nil, zap.NewNop())
	_, err := svc.Analyze(context.Background(), "aspirin", "Plavix")
	require.Error(t, err)
	assert.Equal(t, providers.KindTransient, providers.KindOf(err))
}

func TestAnalyzeRejectsEmptyNames(t *testing.T) {
	svc := NewAnalysisService(&labelSource{}, nil, zap.NewNop())
	_, err := svc.Analyze(context.Background(), " ", "Plavix")
	assert.ErrorIs(t, err, ErrInvalidPair)
}

func TestAnalyzeIsCached(t *testing.T) {
	src := &labelSource{labels: sampleLabels()}
	c := cache.NewService(cache.NewMemoryStore(), "test", nil, zap.NewNop())
	svc := NewAnalysisService(src, c, zap.NewNop())

	first, err := svc.Analyze(context.Background(), "aspirin", "Plavix")
	require.NoError(t, err)
	second, err := svc.Analyze(context.Background(), "Aspirin ", "plavix")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
	assert.Equal(t, first.Severity, second.Severity)
	assert.Equal(t, first.IncreasedRiskEffects, second.IncreasedRiskEffects)
}

func TestLabelAliases(t *testing.T) {
	row := sampleLabels()["Plavix"]
	assert.Equal(t, []string{"Plavix", "clopidogrel bisulfate"}, labelAliases(&row))
}
