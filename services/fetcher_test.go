package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"drugnet/config"
	"drugnet/models"
	"drugnet/providers"
	"drugnet/providers/openfda"
	"drugnet/providers/rxnorm"
)

const testSources = `
sources:
  openfda:
    enabled: true
    substances:
      - name: warfarin
        atc_code: B01AA03
      - name: aspirin
        atc_code: B01AC06
  fda_labels:
    enabled: false
    substances: [warfarin]
`

type scriptedSource struct {
	name  string
	fetch func(q providers.Query) ([]providers.Row, error)
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(_ context.Context, q providers.Query) ([]providers.Row, error) {
	return s.fetch(q)
}

// threeWarfarinRows liefert drei Dubletten für Warfarin und ein Aspirin-Label.
func threeWarfarinRows(providers.Query) ([]providers.Row, error) {
	warfarin := func(id string) providers.Row {
		return providers.Row{
			Source: "openfda", RecordID: id, SubstanceNames: []string{"WARFARIN"},
			Description: "Anticoagulant", AdverseReactions: []string{"bleeding"},
			Indications: []string{"Venous thrombosis"},
		}
	}
	return []providers.Row{
		warfarin("w-1"),
		warfarin("w-2"),
		{
			Source: "openfda", RecordID: "a-1", SubstanceNames: []string{"ASPIRIN"},
			BrandName: "Bayer", GenericName: "aspirin",
			DrugInteractions: []string{"Aspirin may increase the anticoagulant effect of warfarin and the risk of bleeding; monitor INR."},
		},
		warfarin("w-3"),
	}, nil
}

type ingestFixture struct {
	svc      *IngestionService
	writer   *StoreWriter
	mirrored []string
	archived map[string][]byte
	mu       sync.Mutex
}

func (f *ingestFixture) MirrorGraph(_ context.Context, g *Graph) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrored = append(f.mirrored, g.Nodes[0].ID)
	return nil
}

func (f *ingestFixture) ArchiveReport(_ context.Context, runID string, report []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived[runID] = report
	return "s3://reports/" + runID + ".json", nil
}

func newIngestFixture(t *testing.T, fetch func(providers.Query) ([]providers.Row, error)) *ingestFixture {
	t.Helper()
	sources, err := config.ParseSources([]byte(testSources))
	require.NoError(t, err)

	w, db := newTestWriter(t)
	cfg := &config.Config{
		RetryMaxAttempts: 2,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		IngestWorkers:    2,
	}
	svc := NewIngestionService(cfg, sources, w, nil, zap.NewNop())
	svc.Factory = func(src *config.Source) (providers.Source, error) {
		return &scriptedSource{name: src.Name, fetch: fetch}, nil
	}

	f := &ingestFixture{svc: svc, writer: w, archived: map[string][]byte{}}
	svc.Outputs = RunOutputs{Reports: f, Mirror: f, Graphs: NewGraphBuilder(db)}
	return f
}

func resultFor(t *testing.T, r *RunReport, source string) SourceResult {
	t.Helper()
	for _, s := range r.Sources {
		if s.Source == source {
			return s
		}
	}
	t.Fatalf("no result for source %s", source)
	return SourceResult{}
}

func TestRunKeepsOneDrugPerCode(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)
	report, err := f.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, report.Status)
	res := resultFor(t, report, "openfda")
	assert.Equal(t, StatusLoaded, res.Status)
	assert.Equal(t, 4, res.Rows)
	assert.Equal(t, 2, res.Canonical)
	assert.Equal(t, 2, res.Duplicates)
	require.NotNil(t, res.Write)
	assert.Equal(t, 2, res.Write.Inserted)
	assert.Equal(t, StatusSkipped, resultFor(t, report, "fda_labels").Status)

	var drugs []models.Drug
	require.NoError(t, f.writer.DB.Where("atc_code = ?", "B01AA03").Find(&drugs).Error)
	require.Len(t, drugs, 1)
	assert.Equal(t, "w-1", drugs[0].SourceRecordID)
	assert.Equal(t, DrugIDForCode("B01AA03"), drugs[0].ID)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)
	ctx := context.Background()

	_, err := f.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)
	second, err := f.svc.Run(ctx, RunOptions{})
	require.NoError(t, err)

	w := resultFor(t, second, "openfda").Write
	require.NotNil(t, w)
	assert.Equal(t, 0, w.Inserted)
	assert.Equal(t, 2, w.Updated)
	assert.Equal(t, int64(2), countRows(t, f.writer, &models.Drug{}))
	assert.Equal(t, int64(1), countRows(t, f.writer, &models.Condition{}))
	assert.Equal(t, int64(1), countRows(t, f.writer, &models.DrugInteraction{}))
	assert.Equal(t, int64(2), countRows(t, f.writer, &models.IngestionRun{}))
}

func TestRunLinksInteractionsWithEvidence(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)
	report, err := f.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Interactions)

	id := models.InteractionID(DrugIDForCode("B01AA03"), DrugIDForCode("B01AC06"))
	var in models.DrugInteraction
	require.NoError(t, f.writer.DB.First(&in, "id = ?", id).Error)
	assert.Equal(t, models.SeverityModerate, in.Severity)
	assert.NotEmpty(t, in.Management)

	refs, err := NewEvidenceService(f.writer.DB).ForInteraction(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "Bayer (aspirin) prescribing information", refs[0].Title)
	assert.Equal(t, "medium", refs[0].Confidence)
	assert.Equal(t, 1, refs[0].Number)
	assert.Contains(t, refs[0].Citation, "[1] Bayer (aspirin) prescribing information. label (confidence: medium).")
}

func TestRunArchivesAndMirrors(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)
	report, err := f.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, "s3://reports/"+report.RunID+".json", report.ArchiveURL)
	assert.Contains(t, f.archived, report.RunID)
	assert.ElementsMatch(t, []string{DrugIDForCode("B01AA03"), DrugIDForCode("B01AC06")}, f.mirrored)

	var run models.IngestionRun
	require.NoError(t, f.writer.DB.First(&run, "id = ?", report.RunID).Error)
	assert.Equal(t, RunCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, report.ArchiveURL, run.ArchiveURL)
	assert.Contains(t, string(run.Report), `"status":"loaded"`)
}

func TestDryRunWritesNothing(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)
	report, err := f.svc.Run(context.Background(), RunOptions{DryRun: true})
	require.NoError(t, err)

	res := resultFor(t, report, "openfda")
	assert.Equal(t, StatusCaptured, res.Status)
	assert.Nil(t, res.Write)
	assert.Equal(t, 0, report.Interactions)
	assert.Equal(t, int64(0), countRows(t, f.writer, &models.Drug{}))
	assert.Empty(t, f.mirrored)
}

func TestRunSelection(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)

	_, err := f.svc.Run(context.Background(), RunOptions{Sources: []string{"nope"}})
	var ve *config.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, int64(0), countRows(t, f.writer, &models.IngestionRun{}))

	report, err := f.svc.Run(context.Background(), RunOptions{Sources: []string{"fda_labels"}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, StatusFiltered, resultFor(t, report, "openfda").Status)
}

func TestRunSkipsSubstancesOnTransientFailure(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	f := newIngestFixture(t, func(providers.Query) ([]providers.Row, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, providers.FromStatus("openfda", http.StatusServiceUnavailable, "")
	})
	report, err := f.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	res := resultFor(t, report, "openfda")
	assert.Equal(t, StatusAdapterError, res.Status)
	assert.Equal(t, []string{"warfarin", "aspirin"}, res.SkippedSubstances)
	assert.Equal(t, RunCompletedWithErrors, report.Status)
	assert.Equal(t, 2, calls)
}

func TestRunTreatsNotFoundAsEmpty(t *testing.T) {
	f := newIngestFixture(t, func(providers.Query) ([]providers.Row, error) {
		return nil, providers.FromStatus("openfda", http.StatusNotFound, "")
	})
	core, logs := observer.New(zap.InfoLevel)
	f.svc.Logger = zap.New(core)

	report, err := f.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	warned := logs.FilterMessage("Source reported no match, continuing with empty result").
		FilterField(zap.String("source", "openfda"))
	assert.NotZero(t, warned.Len())
	for _, e := range warned.All() {
		assert.Equal(t, zap.WarnLevel, e.Level)
	}

	res := resultFor(t, report, "openfda")
	assert.Equal(t, StatusEmpty, res.Status)
	assert.Empty(t, res.Errors)
	assert.ElementsMatch(t, []string{"aspirin", "warfarin"}, res.Missing)
	assert.Equal(t, RunCompleted, report.Status)
	assert.Equal(t, int64(0), countRows(t, f.writer, &models.Drug{}))
}

const labelAndRxNormSources = `
sources:
  openfda:
    enabled: true
    substances:
      - name: warfarin
        atc_code: B01AA03
  rxnorm:
    enabled: true
    substances:
      - name: warfarin
        atc_code: B01AA03
`

func TestRunFieldOwnershipIgnoresSourceOrder(t *testing.T) {
	sources, err := config.ParseSources([]byte(labelAndRxNormSources))
	require.NoError(t, err)
	w, _ := newTestWriter(t)
	cfg := &config.Config{RetryMaxAttempts: 1, IngestWorkers: 2}
	svc := NewIngestionService(cfg, sources, w, nil, zap.NewNop())

	// slow hält die genannte Quelle zurück, damit die andere zuerst schreibt
	var slow atomic.Value
	slow.Store("")
	svc.Factory = func(src *config.Source) (providers.Source, error) {
		name := src.Name
		return &scriptedSource{name: name, fetch: func(providers.Query) ([]providers.Row, error) {
			if slow.Load().(string) == name {
				time.Sleep(50 * time.Millisecond)
			}
			if name == "rxnorm" {
				return []providers.Row{{
					Source: "rxnorm", RecordID: "11289", RxCUI: "11289",
					SubstanceNames: []string{"warfarin"}, Standardized: true,
				}}, nil
			}
			return []providers.Row{{
				Source: "openfda", RecordID: "0056-0172", RxCUI: "855288",
				SubstanceNames: []string{"WARFARIN"}, Description: "Anticoagulant",
				Indications: []string{"Venous thrombosis"},
			}}, nil
		}}, nil
	}

	var seen []models.Drug
	for _, late := range []string{"openfda", "rxnorm", "openfda"} {
		slow.Store(late)
		report, err := svc.Run(context.Background(), RunOptions{})
		require.NoError(t, err)
		require.Equal(t, RunCompleted, report.Status)

		var drug models.Drug
		require.NoError(t, w.DB.Where("atc_code = ?", "B01AA03").Take(&drug).Error)
		seen = append(seen, drug)
	}

	for i, drug := range seen {
		assert.Equal(t, "11289", drug.RxCUI, "run %d", i+1)
		assert.Equal(t, "0056-0172", drug.SourceRecordID, "run %d", i+1)
		assert.Equal(t, "Anticoagulant", drug.Description, "run %d", i+1)
	}
	assert.Equal(t, int64(1), countRows(t, w, &models.Drug{}))
	assert.Equal(t, int64(1), countRows(t, w, &models.Condition{}))
}

func TestRunBatchesSubstances(t *testing.T) {
	var mu sync.Mutex
	var batches [][]string
	f := newIngestFixture(t, func(q providers.Query) ([]providers.Row, error) {
		mu.Lock()
		batches = append(batches, q.Substances)
		mu.Unlock()
		return []providers.Row{}, nil
	})
	f.svc.Sources.Sources["openfda"].BatchSize = 1

	report, err := f.svc.Run(context.Background(), RunOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, resultFor(t, report, "openfda").Jobs)
	assert.ElementsMatch(t, [][]string{{"warfarin"}, {"aspirin"}}, batches)
}

func TestDefaultSourceFactory(t *testing.T) {
	factory := DefaultSourceFactory(&config.Config{}, zap.NewNop())

	src, err := factory(&config.Source{Name: "labels", Fetcher: config.FetcherOpenFDA})
	require.NoError(t, err)
	assert.False(t, src.(*openfda.Fetcher).InteractionsOnly)
	assert.Equal(t, "labels", src.Name())

	src, err = factory(&config.Source{Name: "interactions", Fetcher: config.FetcherFDALabels})
	require.NoError(t, err)
	assert.True(t, src.(*openfda.Fetcher).InteractionsOnly)

	src, err = factory(&config.Source{Name: "names", Fetcher: config.FetcherRxNorm})
	require.NoError(t, err)
	assert.IsType(t, &rxnorm.Fetcher{}, src)

	_, err = factory(&config.Source{Name: "x", Fetcher: "pubchem"})
	assert.ErrorIs(t, err, ErrUnknownFetcher)
}

func TestUnknownFetcherIsInvalidConfig(t *testing.T) {
	f := newIngestFixture(t, threeWarfarinRows)
	f.svc.Factory = func(src *config.Source) (providers.Source, error) {
		return nil, fmt.Errorf("%w %q", ErrUnknownFetcher, src.Fetcher)
	}
	report, err := f.svc.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusInvalidConfig, resultFor(t, report, "openfda").Status)
	assert.Equal(t, RunCompletedWithErrors, report.Status)
}
