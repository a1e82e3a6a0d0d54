package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"drugnet/cache"
	"drugnet/config"
	"drugnet/metrics"
	"drugnet/models"
	"drugnet/providers"
	"drugnet/providers/openfda"
	"drugnet/providers/rxnorm"
)

var (
	// ErrRunInProgress: es läuft bereits eine Ingestion in diesem Prozess.
	ErrRunInProgress = errors.New("ingestion run already in progress")
	// ErrUnknownFetcher: der Fetcher-Alias ist in der Registry nicht bekannt.
	ErrUnknownFetcher = errors.New("unknown fetcher")
)

// DispatchStatus ist das Ergebnis einer Quelle in einem Lauf.
type DispatchStatus string

const (
	StatusLoaded         DispatchStatus = "loaded"
	StatusCaptured       DispatchStatus = "captured" // Dry-Run: gelesen, nicht geschrieben
	StatusSkipped        DispatchStatus = "skipped"  // Quelle deaktiviert
	StatusFiltered       DispatchStatus = "filtered" // nicht ausgewählt
	StatusEmpty          DispatchStatus = "empty"
	StatusInvalidConfig  DispatchStatus = "invalid_config"
	StatusAdapterError   DispatchStatus = "adapter_error"
	StatusExecutionError DispatchStatus = "execution_error"
)

// Status eines ganzen Laufs.
const (
	RunRunning             = "running"
	RunCompleted           = "completed"
	RunCompletedWithErrors = "completed_with_errors"
)

// SourceResult fasst eine Quelle eines Laufs zusammen.
type SourceResult struct {
	Source            string         `json:"source"`
	Fetcher           string         `json:"fetcher"`
	Status            DispatchStatus `json:"status"`
	Jobs              int            `json:"jobs"`
	Rows              int            `json:"rows"`
	Canonical         int            `json:"canonical"`
	Filtered          int            `json:"filtered"`
	Duplicates        int            `json:"duplicates"`
	Missing           []string       `json:"missing,omitempty"`
	SkippedSubstances []string       `json:"skipped_substances,omitempty"`
	Write             *WriteReport   `json:"write,omitempty"`
	DurationMS        int64          `json:"duration_ms"`
	Errors            []string       `json:"errors,omitempty"`
}

// RunOptions steuert einen Lauf.
type RunOptions struct {
	Sources []string // Quellennamen oder Fetcher-Aliase; leer = alle
	DryRun  bool
	Workers int // 0 = Config.IngestWorkers
}

// RunReport ist der vollständige Bericht eines Laufs.
type RunReport struct {
	RunID        string         `json:"run_id"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	DryRun       bool           `json:"dry_run"`
	Status       string         `json:"status"`
	Sources      []SourceResult `json:"sources"`
	Interactions int            `json:"interactions"`
	ArchiveURL   string         `json:"archive_url,omitempty"`
}

// SourceFactory baut den Adapter für eine konfigurierte Quelle.
type SourceFactory func(src *config.Source) (providers.Source, error)

// ReportArchiver legt Lauf-Berichte extern ab (z.B. S3).
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, runID string, report []byte) (string, error)
}

// GraphMirror spiegelt gebaute Graphen in einen externen Graph-Store.
type GraphMirror interface {
	MirrorGraph(ctx context.Context, g *Graph) error
}

// IngestionService orchestriert Source Adapter -> Normalizer -> Writer.
type IngestionService struct {
	Config  *config.Config
	Sources *config.Sources
	Writer  *StoreWriter
	Cache   *cache.Service
	Logger  *zap.Logger
	Factory SourceFactory
	Outputs RunOutputs

	mu      sync.Mutex
	running bool
}

// RunOutputs bündelt die optionalen Ausgänge eines Laufs.
type RunOutputs struct {
	Reports ReportArchiver
	Mirror  GraphMirror
	Graphs  *GraphBuilder
}

// NewIngestionService erstellt den Service mit der Standard-Adapter-Registry.
func NewIngestionService(cfg *config.Config, sources *config.Sources, writer *StoreWriter, c *cache.Service, logger *zap.Logger) *IngestionService {
	return &IngestionService{
		Config:  cfg,
		Sources: sources,
		Writer:  writer,
		Cache:   c,
		Logger:  logger,
		Factory: DefaultSourceFactory(cfg, logger),
	}
}

// DefaultSourceFactory löst Fetcher-Aliase auf die Adapter auf.
func DefaultSourceFactory(cfg *config.Config, logger *zap.Logger) SourceFactory {
	return func(src *config.Source) (providers.Source, error) {
		switch src.Fetcher {
		case config.FetcherOpenFDA:
			return openfda.NewFetcher(src.Name, cfg, logger), nil
		case config.FetcherFDALabels:
			f := openfda.NewFetcher(src.Name, cfg, logger)
			f.InteractionsOnly = true
			return f, nil
		case config.FetcherRxNorm:
			return rxnorm.NewFetcher(src.Name, cfg, logger), nil
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownFetcher, src.Fetcher)
		}
	}
}

// RetryPolicy leitet die Retry-Parameter aus der Konfiguration ab.
func (s *IngestionService) RetryPolicy() providers.RetryPolicy {
	p := providers.DefaultRetryPolicy()
	if s.Config == nil {
		return p
	}
	if s.Config.RetryMaxAttempts > 0 {
		p.MaxAttempts = s.Config.RetryMaxAttempts
	}
	if s.Config.RetryBaseDelay > 0 {
		p.BaseDelay = s.Config.RetryBaseDelay
	}
	if s.Config.RetryMaxDelay > 0 {
		p.MaxDelay = s.Config.RetryMaxDelay
	}
	return p
}

func (s *IngestionService) workers(opts RunOptions) int {
	switch {
	case opts.Workers > 0:
		return opts.Workers
	case s.Config != nil && s.Config.IngestWorkers > 0:
		return s.Config.IngestWorkers
	default:
		return 4
	}
}

// job ist ein Abruf einer Quelle für einen Wirkstoff-Batch (oder die Legacy-Suche).
type job struct {
	source     *config.Source
	adapter    providers.Source
	substances []config.Substance
	result     *sourceAccumulator
}

type sourceAccumulator struct {
	mu        sync.Mutex
	res       SourceResult
	started   time.Time
	failed    int
	execFail  bool
	canonical []CanonicalRow
	aliases   map[string][]string
}

// Run führt einen vollständigen Lauf aus. Nur eine ungültige Konfiguration und ein
// bereits laufender Lauf ergeben einen Fehler; alles andere steht im Bericht.
func (s *IngestionService) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	if err := s.Sources.Validate(); err != nil {
		return nil, err
	}
	selected, err := s.selection(opts.Sources)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	report := &RunReport{RunID: uuid.NewString(), StartedAt: time.Now().UTC(), DryRun: opts.DryRun, Status: RunRunning}
	log := s.Logger.With(zap.String("run_id", report.RunID), zap.Bool("dry_run", opts.DryRun))
	log.Info("Starting ingestion run", zap.Strings("selected", opts.Sources))
	s.recordRun(ctx, report, log)

	accs, jobs := s.plan(selected, log)
	workers := s.workers(opts)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, j := range jobs {
		g.Go(func() error {
			s.execute(gctx, j, opts.DryRun)
			return nil
		})
	}
	_ = g.Wait()

	for _, acc := range accs {
		report.Sources = append(report.Sources, acc.finish(opts.DryRun))
	}

	if !opts.DryRun {
		report.Interactions = s.linkInteractions(ctx, accs, log)
	}

	report.Status = RunCompleted
	for _, r := range report.Sources {
		if r.Status == StatusAdapterError || r.Status == StatusExecutionError || r.Status == StatusInvalidConfig || len(r.Errors) > 0 {
			report.Status = RunCompletedWithErrors
			break
		}
	}
	report.FinishedAt = time.Now().UTC()

	s.archive(ctx, report, log)
	if !opts.DryRun {
		s.mirror(ctx, accs, log)
	}
	s.recordRun(ctx, report, log)
	metrics.IngestionRuns.WithLabelValues(report.Status).Inc()

	log.Info("Ingestion run finished",
		zap.String("status", report.Status),
		zap.Int("sources", len(report.Sources)),
		zap.Int("interactions", report.Interactions),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// Running meldet, ob gerade ein Lauf aktiv ist.
func (s *IngestionService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// selection prüft die Auswahl gegen Quellennamen und Fetcher-Aliase.
func (s *IngestionService) selection(names []string) (map[string]bool, error) {
	selected := map[string]bool{}
	var unknown []string
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		known := false
		for name, src := range s.Sources.Sources {
			if name == n || (src != nil && src.Fetcher == n) {
				known = true
			}
		}
		if !known {
			unknown = append(unknown, n)
		}
		selected[n] = true
	}
	if len(unknown) > 0 {
		return nil, &config.ValidationError{Problems: []string{"unknown sources: " + strings.Join(unknown, ", ")}}
	}
	return selected, nil
}

// plan legt pro Quelle einen Akkumulator an und zerlegt aktive Quellen in Jobs.
func (s *IngestionService) plan(selected map[string]bool, log *zap.Logger) ([]*sourceAccumulator, []job) {
	var accs []*sourceAccumulator
	var jobs []job

	for _, name := range s.Sources.Names() {
		src := s.Sources.Sources[name]
		acc := &sourceAccumulator{res: SourceResult{Source: name, Fetcher: src.Fetcher}, started: time.Now(), aliases: map[string][]string{}}
		accs = append(accs, acc)

		switch {
		case !src.Enabled:
			log.Info("Skipping disabled source", zap.String("source", name))
			acc.res.Status = StatusSkipped
			continue
		case len(selected) > 0 && !selected[name] && !selected[src.Fetcher]:
			log.Info("Skipping source due to selection filter", zap.String("source", name))
			acc.res.Status = StatusFiltered
			continue
		}

		inner, err := s.Factory(src)
		if err != nil {
			log.Error("Could not build adapter", zap.String("source", name), zap.Error(err))
			acc.res.Status = StatusAdapterError
			if errors.Is(err, ErrUnknownFetcher) {
				acc.res.Status = StatusInvalidConfig
			}
			acc.res.Errors = append(acc.res.Errors, err.Error())
			continue
		}
		adapter := providers.NewResilient(inner, s.Cache, s.RetryPolicy(), src.CacheTTL, s.Logger)

		for _, sub := range src.Substances {
			acc.aliases[CanonicalCode(sub)] = append([]string{}, sub.Aliases...)
		}

		if len(src.Substances) == 0 {
			jobs = append(jobs, job{source: src, adapter: adapter, result: acc})
			acc.res.Jobs++
			continue
		}
		for start := 0; start < len(src.Substances); start += src.BatchSize {
			end := start + src.BatchSize
			if end > len(src.Substances) {
				end = len(src.Substances)
			}
			jobs = append(jobs, job{source: src, adapter: adapter, substances: src.Substances[start:end], result: acc})
			acc.res.Jobs++
		}
	}
	return accs, jobs
}

// execute holt, normalisiert und schreibt einen Batch. Fehler bleiben im Batch.
func (s *IngestionService) execute(ctx context.Context, j job, dryRun bool) {
	names := make([]string, 0, len(j.substances))
	for _, sub := range j.substances {
		names = append(names, sub.Name)
	}
	log := s.Logger.With(zap.String("source", j.source.Name), zap.Strings("substances", names))

	rows, err := j.adapter.Fetch(ctx, providers.Query{
		Term:       j.source.Search,
		Substances: names,
		Filters:    j.source.Filters,
		Limit:      j.source.Limit,
	})
	if err != nil {
		j.result.fail(err, names, log)
		return
	}

	norm := NewSubstanceNormalizer(j.substances).Normalize(rows)
	if len(norm.Missing) > 0 {
		log.Warn("Substances without matching rows", zap.Strings("missing", norm.Missing))
	}

	var write *WriteReport
	if !dryRun && len(norm.Rows) > 0 {
		w := s.Writer.Upsert(ctx, norm.Rows)
		write = &w
	}
	j.result.add(len(rows), norm, write)
	log.Info("Batch processed",
		zap.Int("rows", len(rows)),
		zap.Int("canonical", len(norm.Rows)),
		zap.Int("filtered", norm.Filtered),
		zap.Int("duplicates", norm.Duplicates))
}

func (a *sourceAccumulator) fail(err error, names []string, log *zap.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed++

	var ae *providers.AdapterError
	switch {
	case errors.As(err, &ae) && ae.Kind == providers.KindTransient:
		log.Warn("Source still failing after retries, skipping substances", zap.Error(err))
		a.res.SkippedSubstances = append(a.res.SkippedSubstances, names...)
	case errors.As(err, &ae):
		log.Error("Source rejected query", zap.Error(err))
	default:
		log.Error("Batch execution failed", zap.Error(err))
		a.execFail = true
	}
	a.res.Errors = append(a.res.Errors, err.Error())
}

func (a *sourceAccumulator) add(rows int, norm NormalizeResult, write *WriteReport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.res.Rows += rows
	a.res.Canonical += len(norm.Rows)
	a.res.Filtered += norm.Filtered
	a.res.Duplicates += norm.Duplicates
	a.res.Missing = append(a.res.Missing, norm.Missing...)
	a.canonical = append(a.canonical, norm.Rows...)

	if write == nil {
		return
	}
	if a.res.Write == nil {
		a.res.Write = &WriteReport{DrugIDs: map[string]string{}}
	}
	w := a.res.Write
	w.Inserted += write.Inserted
	w.Updated += write.Updated
	w.Skipped += write.Skipped
	w.Failed += write.Failed
	w.Violations = append(w.Violations, write.Violations...)
	w.Errors = append(w.Errors, write.Errors...)
	for code, id := range write.DrugIDs {
		w.DrugIDs[code] = id
	}
}

func (a *sourceAccumulator) finish(dryRun bool) SourceResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.res
	if r.Status != "" {
		return r
	}
	r.DurationMS = time.Since(a.started).Milliseconds()
	sort.Strings(r.Missing)
	switch {
	case a.execFail && r.Rows == 0:
		r.Status = StatusExecutionError
	case a.failed == r.Jobs && r.Jobs > 0:
		r.Status = StatusAdapterError
	case r.Canonical == 0:
		r.Status = StatusEmpty
	case dryRun:
		r.Status = StatusCaptured
	default:
		r.Status = StatusLoaded
	}
	return r
}

// drugLabel ist ein geschriebener Wirkstoff mit Label-Text für die Verknüpfung.
type drugLabel struct {
	drugID string
	ctx    *DrugContext
	row    providers.Row
}

// linkInteractions leitet paarweise Wechselwirkungen zwischen den Labels des
// Laufs ab und speichert gefundene über den Writer.
func (s *IngestionService) linkInteractions(ctx context.Context, accs []*sourceAccumulator, log *zap.Logger) int {
	byCode := map[string]*drugLabel{}
	var codes []string
	for _, acc := range accs {
		if acc.res.Write == nil {
			continue
		}
		for _, cr := range acc.canonical {
			if _, done := byCode[cr.Code]; done || !hasLabelText(cr.Row) {
				continue
			}
			drugID, ok := acc.res.Write.DrugIDs[cr.Code]
			if !ok {
				continue
			}
			aliases := append(append([]string{}, acc.aliases[cr.Code]...), labelAliases(&cr.Row)...)
			byCode[cr.Code] = &drugLabel{drugID: drugID, ctx: ContextFromRow(cr.Substance, aliases, cr.Row), row: cr.Row}
			codes = append(codes, cr.Code)
		}
	}
	sort.Strings(codes)

	linked := 0
	for i := 0; i < len(codes); i++ {
		for k := i + 1; k < len(codes); k++ {
			if ctx.Err() != nil {
				return linked
			}
			a, b := byCode[codes[i]], byCode[codes[k]]
			res, err := Infer(a.ctx, b.ctx)
			if err != nil || !res.Found {
				continue
			}
			in := models.DrugInteraction{
				ID:                models.InteractionID(a.drugID, b.drugID),
				DrugID:            a.drugID,
				InteractingDrugID: b.drugID,
				Severity:          res.Severity,
				Mechanism:         joinMechanisms(res.Mechanism),
				Management:        strings.Join(res.Recommendations, " "),
			}
			if err := s.Writer.UpsertInteraction(ctx, in); err != nil {
				log.Error("Failed to store interaction", zap.String("interaction_id", in.ID), zap.Error(err))
				continue
			}
			for _, p := range [][2]*drugLabel{{a, b}, {b, a}} {
				if !sectionsMention(p[0].row.DrugInteractions, p[1].ctx) {
					continue
				}
				src, link := LabelEvidence(in.ID, p[0].ctx.Name, p[0].row, res)
				if err := s.Writer.UpsertEvidence(ctx, src, link); err != nil {
					log.Warn("Failed to store interaction evidence", zap.String("interaction_id", in.ID), zap.Error(err))
				}
			}
			linked++
		}
	}
	log.Info("Interaction linking finished", zap.Int("labels", len(codes)), zap.Int("interactions", linked))
	return linked
}

func sectionsMention(sections []string, d *DrugContext) bool {
	for _, sec := range sections {
		if mentions(sec, d) {
			return true
		}
	}
	return false
}

func hasLabelText(r providers.Row) bool {
	return len(r.DrugInteractions) > 0 || len(r.AdverseReactions) > 0 || len(r.BoxedWarnings) > 0 || len(r.Warnings) > 0
}

func joinMechanisms(ms []Mechanism) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = string(m)
	}
	return strings.Join(parts, ",")
}

// recordRun legt den Lauf an bzw. aktualisiert ihn. Fehler werden nur geloggt.
func (s *IngestionService) recordRun(ctx context.Context, report *RunReport, log *zap.Logger) {
	if s.Writer == nil || s.Writer.DB == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		log.Error("Could not encode run report", zap.Error(err))
		return
	}
	run := models.IngestionRun{
		ID:         report.RunID,
		StartedAt:  report.StartedAt,
		DryRun:     report.DryRun,
		Status:     report.Status,
		Report:     datatypes.JSON(data),
		ArchiveURL: report.ArchiveURL,
	}
	if !report.FinishedAt.IsZero() {
		finished := report.FinishedAt
		run.FinishedAt = &finished
	}
	if err := s.Writer.DB.WithContext(context.WithoutCancel(ctx)).Save(&run).Error; err != nil {
		log.Error("Could not record ingestion run", zap.Error(err))
	}
}

func (s *IngestionService) archive(ctx context.Context, report *RunReport, log *zap.Logger) {
	if s.Outputs.Reports == nil {
		return
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Error("Could not encode run report for archive", zap.Error(err))
		return
	}
	url, err := s.Outputs.Reports.ArchiveReport(ctx, report.RunID, data)
	if err != nil {
		log.Warn("Archiving run report failed", zap.Error(err))
		return
	}
	report.ArchiveURL = url
	log.Info("Run report archived", zap.String("url", url))
}

// mirror spiegelt die Graphen aller geschriebenen Wirkstoffe.
func (s *IngestionService) mirror(ctx context.Context, accs []*sourceAccumulator, log *zap.Logger) {
	if s.Outputs.Mirror == nil || s.Outputs.Graphs == nil {
		return
	}
	seen := map[string]bool{}
	for _, acc := range accs {
		if acc.res.Write == nil {
			continue
		}
		for _, id := range acc.res.Write.DrugIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			g, err := s.Outputs.Graphs.Build(ctx, id)
			if err != nil {
				log.Warn("Could not build graph for mirror", zap.String("drug_id", id), zap.Error(err))
				continue
			}
			if err := s.Outputs.Mirror.MirrorGraph(ctx, g); err != nil {
				log.Warn("Graph mirror failed", zap.String("drug_id", id), zap.Error(err))
			}
		}
	}
}

// ListRuns liefert die letzten Läufe, neueste zuerst.
func (s *IngestionService) ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	runs := []models.IngestionRun{}
	err := s.Writer.DB.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&runs).Error
	return runs, err
}
