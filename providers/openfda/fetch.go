package openfda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"drugnet/config"
	"drugnet/providers"
)

// Fetcher implementiert das Source-Interface für openFDA Drug Labels.
type Fetcher struct {
	name   string
	base   string
	apiKey string
	client *http.Client
	logger *zap.Logger

	// InteractionsOnly beschränkt die Suche auf Labels mit Interaktionsabschnitt.
	InteractionsOnly bool
}

// NewFetcher erstellt einen openFDA-Fetcher unter dem gegebenen Quellennamen.
func NewFetcher(name string, cfg *config.Config, logger *zap.Logger) *Fetcher {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		name:   name,
		base:   cfg.OpenFDABaseURL,
		apiKey: cfg.OpenFDAAPIKey,
		client: providers.NewHTTPClient(timeout),
		logger: logger,
	}
}

// Name gibt den Namen der Quelle zurück.
func (f *Fetcher) Name() string {
	return f.name
}

// BuildSearch baut die openFDA-Suchsyntax für eine Liste von Wirkstoffen.
func BuildSearch(substances []string) string {
	terms := make([]string, 0, len(substances))
	for _, s := range substances {
		s = strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"`))
		if s == "" {
			continue
		}
		terms = append(terms, fmt.Sprintf(`openfda.substance_name:"%s"`, s))
	}
	return strings.Join(terms, " OR ")
}

// NameSearch sucht ein Label über Marken- oder Generikanamen.
func NameSearch(name string) string {
	name = strings.TrimSpace(strings.Trim(strings.TrimSpace(name), `"`))
	if name == "" {
		return ""
	}
	return fmt.Sprintf(`openfda.brand_name:"%s" OR openfda.generic_name:"%s"`, name, name)
}

func (f *Fetcher) search(q providers.Query) string {
	search := BuildSearch(q.Substances)
	if search == "" {
		search = providers.DecodeTerm(q.Term)
	}
	if search == "" {
		return ""
	}

	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	clauses := []string{"(" + search + ")"}
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf(`%s:"%s"`, k, q.Filters[k]))
	}
	if f.InteractionsOnly {
		clauses = append(clauses, "_exists_:drug_interactions")
	}
	if len(clauses) == 1 {
		return search
	}
	return strings.Join(clauses, " AND ")
}

// Fetch führt die Label-Suche aus.
func (f *Fetcher) Fetch(ctx context.Context, q providers.Query) ([]providers.Row, error) {
	search := f.search(q)
	if search == "" {
		return nil, providers.NewAdapterError(providers.KindClientFault, f.name, "empty query: neither substances nor term given", nil)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	params := url.Values{}
	params.Set("search", search)
	params.Set("limit", strconv.Itoa(limit))
	if f.apiKey != "" {
		params.Set("api_key", f.apiKey)
	}
	reqURL := f.base + "?" + params.Encode()

	log := f.logger.With(zap.String("source", f.name), zap.String("search", search))
	log.Debug("Calling openFDA label endpoint")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, providers.NewAdapterError(providers.KindClientFault, f.name, "build request", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, providers.FromTransport(f.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, providers.FromTransport(f.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		ae := providers.FromStatus(f.name, resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusNotFound {
			var payload LabelResponse
			if json.Unmarshal(body, &payload) == nil && payload.Error != nil {
				ae.Message = payload.Error.Code + ": " + payload.Error.Message
			}
		}
		return nil, ae
	}

	var payload LabelResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, providers.NewAdapterError(providers.KindClientFault, f.name, "decode label response", err)
	}

	rows := make([]providers.Row, 0, len(payload.Results))
	for i := range payload.Results {
		row, ok := toRow(f.name, &payload.Results[i])
		if !ok {
			log.Warn("Quarantining label without identifying fields", zap.String("label_id", payload.Results[i].ID))
			continue
		}
		rows = append(rows, row)
	}
	log.Info("openFDA search finished", zap.Int("labels", len(payload.Results)), zap.Int("rows", len(rows)))
	return rows, nil
}

// toRow validiert ein Label und bildet es auf eine Row ab. Labels ohne
// product_ndc, generic_name und substance_name werden verworfen.
func toRow(source string, l *Label) (providers.Row, bool) {
	id := recordID(l)
	if id == "" {
		return providers.Row{}, false
	}

	var substances []string
	for _, s := range l.OpenFDA.SubstanceName {
		if s = strings.TrimSpace(s); s != "" {
			substances = append(substances, s)
		}
	}
	if len(substances) == 0 && l.OpenFDA.GenericName.first() != "" {
		substances = []string{l.OpenFDA.GenericName.first()}
	}

	description := strings.TrimSpace(strings.Join(l.Purpose, "\n"))
	if description == "" {
		description = l.Description.first()
	}

	warnings := append([]string{}, l.Warnings...)
	warnings = append(warnings, l.WarningsAndCautions...)

	return providers.Row{
		Source:           source,
		RecordID:         id,
		SubstanceNames:   substances,
		BrandName:        l.OpenFDA.BrandName.first(),
		GenericName:      l.OpenFDA.GenericName.first(),
		Description:      description,
		RxCUI:            l.OpenFDA.RxCUI.first(),
		Indications:      nonEmpty(l.IndicationsAndUsage),
		AdverseReactions: nonEmpty(l.AdverseReactions),
		BoxedWarnings:    nonEmpty(l.BoxedWarning),
		Warnings:         nonEmpty(warnings),
		DrugInteractions: nonEmpty(l.DrugInteractions),
	}, true
}

func recordID(l *Label) string {
	if ndc := l.OpenFDA.ProductNDC.first(); ndc != "" {
		return ndc
	}
	if g := l.OpenFDA.GenericName.first(); g != "" {
		return strings.ReplaceAll(strings.ToUpper(g), " ", "_")
	}
	if s := l.OpenFDA.SubstanceName.first(); s != "" {
		return strings.ReplaceAll(strings.ToUpper(s), " ", "_")
	}
	return ""
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
