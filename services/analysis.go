package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"drugnet/cache"
	"drugnet/providers"
	"drugnet/providers/openfda"
)

// ErrInvalidPair: einer der beiden Wirkstoffnamen fehlt.
var ErrInvalidPair = errors.New("analysis: drug_a and drug_b are required")

// AnalysisService analysiert ein Wirkstoffpaar auf Basis der aktuellen Labels.
type AnalysisService struct {
	Labels providers.Source
	Cache  *cache.Service
	Logger *zap.Logger
}

// NewAnalysisService erstellt den Service. labels ist typischerweise ein
// *providers.Resilient um den openFDA-Fetcher; cache darf nil sein.
func NewAnalysisService(labels providers.Source, c *cache.Service, logger *zap.Logger) *AnalysisService {
	return &AnalysisService{Labels: labels, Cache: c, Logger: logger}
}

// Analyze liefert die Analyse für drugA und drugB. Fehlende Labels ergeben
// found=false mit Hinweis; nur Systemfehler der Quelle werden als error gemeldet.
func (s *AnalysisService) Analyze(ctx context.Context, drugA, drugB string) (InteractionAnalysis, error) {
	drugA, drugB = strings.TrimSpace(drugA), strings.TrimSpace(drugB)
	if drugA == "" || drugB == "" {
		return InteractionAnalysis{}, ErrInvalidPair
	}
	if s.Cache == nil {
		return s.analyze(ctx, drugA, drugB)
	}

	key := s.Cache.Key(cache.NamespaceInteraction, FoldName(drugA), FoldName(drugB))
	data, err := s.Cache.GetOrLoad(ctx, cache.NamespaceInteraction, key, func(ctx context.Context) ([]byte, error) {
		res, err := s.analyze(ctx, drugA, drugB)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return InteractionAnalysis{}, err
	}

	var res InteractionAnalysis
	if err := json.Unmarshal(data, &res); err != nil {
		s.Logger.Warn("Corrupt analysis cache entry, recomputing", zap.String("key", key), zap.Error(err))
		return s.analyze(ctx, drugA, drugB)
	}
	return res, nil
}

func (s *AnalysisService) analyze(ctx context.Context, drugA, drugB string) (InteractionAnalysis, error) {
	var labelA, labelB *providers.Row

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		labelA, err = s.label(gctx, drugA)
		return err
	})
	g.Go(func() (err error) {
		labelB, err = s.label(gctx, drugB)
		return err
	})
	if err := g.Wait(); err != nil {
		return InteractionAnalysis{}, err
	}

	ctxA, ctxB := &DrugContext{Name: drugA}, &DrugContext{Name: drugB}
	if labelA != nil {
		ctxA = ContextFromRow(drugA, labelAliases(labelA), *labelA)
	}
	if labelB != nil {
		ctxB = ContextFromRow(drugB, labelAliases(labelB), *labelB)
	}

	res, err := Infer(ctxA, ctxB)
	if err != nil {
		return InteractionAnalysis{}, err
	}

	var missing []string
	if labelA == nil {
		missing = append(missing, drugA)
	}
	if labelB == nil {
		missing = append(missing, drugB)
	}
	if !res.Found && len(missing) > 0 {
		res.Note = fmt.Sprintf("no FDA label found for %s", strings.Join(missing, " and "))
	}

	s.Logger.Info("Interaction analysed",
		zap.String("drug_a", drugA),
		zap.String("drug_b", drugB),
		zap.Bool("found", res.Found),
		zap.String("severity", string(res.Severity)))
	return res, nil
}

// label holt das erste passende Label; nil bedeutet "kein Label".
func (s *AnalysisService) label(ctx context.Context, name string) (*providers.Row, error) {
	rows, err := s.Labels.Fetch(ctx, providers.Query{Term: openfda.NameSearch(name), Limit: 1})
	if err != nil {
		if providers.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch label for %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// labelAliases sind die Namen, unter denen andere Labels den Wirkstoff nennen.
func labelAliases(row *providers.Row) []string {
	var out []string
	seen := map[string]bool{}
	add := func(v string) {
		if f := FoldName(v); f != "" && !seen[f] {
			seen[f] = true
			out = append(out, v)
		}
	}
	add(row.BrandName)
	add(row.GenericName)
	for _, s := range row.SubstanceNames {
		add(s)
	}
	return out
}
