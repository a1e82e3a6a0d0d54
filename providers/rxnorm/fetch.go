package rxnorm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"drugnet/config"
	"drugnet/providers"
)

// Fetcher löst Wirkstoffnamen über RxNav in standardisierte RxNorm-Konzepte auf.
type Fetcher struct {
	name   string
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewFetcher erstellt einen RxNorm-Fetcher.
func NewFetcher(name string, cfg *config.Config, logger *zap.Logger) *Fetcher {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		name:   name,
		base:   strings.TrimRight(cfg.RxNormBaseURL, "/"),
		client: providers.NewHTTPClient(timeout),
		logger: logger,
	}
}

// Name gibt den Namen der Quelle zurück.
func (f *Fetcher) Name() string {
	return f.name
}

// Fetch löst jeden Begriff der Query einzeln auf. Begriffe ohne Treffer werden
// übersprungen; liefert kein Begriff einen Treffer, ist das Ergebnis NotFound.
func (f *Fetcher) Fetch(ctx context.Context, q providers.Query) ([]providers.Row, error) {
	terms := q.Substances
	if len(terms) == 0 && q.Term != "" {
		terms = []string{providers.DecodeTerm(q.Term)}
	}
	if len(terms) == 0 {
		return nil, providers.NewAdapterError(providers.KindClientFault, f.name, "empty query", nil)
	}

	var rows []providers.Row
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		rxcui, err := f.lookupRxCUI(ctx, term)
		if err != nil {
			return nil, err
		}
		if rxcui == "" {
			f.logger.Debug("No RxCUI for term", zap.String("source", f.name), zap.String("term", term))
			continue
		}
		props, err := f.properties(ctx, rxcui)
		if err != nil {
			return nil, err
		}

		row := providers.Row{
			Source:         f.name,
			RecordID:       rxcui,
			SubstanceNames: []string{term},
			RxCUI:          rxcui,
			Standardized:   true,
		}
		if props != nil && props.Name != "" {
			row.GenericName = props.Name
			if !strings.EqualFold(props.Name, term) {
				row.SubstanceNames = append(row.SubstanceNames, props.Name)
			}
			if props.Synonym != "" {
				row.BrandName = props.Synonym
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, &providers.AdapterError{
			Kind:    providers.KindNotFound,
			Source:  f.name,
			Status:  http.StatusNotFound,
			Message: "no rxcui for " + strings.Join(terms, ", "),
		}
	}
	return rows, nil
}

func (f *Fetcher) lookupRxCUI(ctx context.Context, term string) (string, error) {
	params := url.Values{}
	params.Set("name", term)
	params.Set("search", "2")

	var resp IDGroupResponse
	if err := f.getJSON(ctx, f.base+"/rxcui.json?"+params.Encode(), &resp); err != nil {
		if providers.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	for _, id := range resp.IDGroup.RxNormID {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
	}
	return "", nil
}

func (f *Fetcher) properties(ctx context.Context, rxcui string) (*Properties, error) {
	var resp PropertiesResponse
	if err := f.getJSON(ctx, f.base+"/rxcui/"+url.PathEscape(rxcui)+"/properties.json", &resp); err != nil {
		if providers.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.Properties, nil
}

func (f *Fetcher) getJSON(ctx context.Context, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return providers.NewAdapterError(providers.KindClientFault, f.name, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return providers.FromTransport(f.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return providers.FromTransport(f.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return providers.FromStatus(f.name, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return providers.NewAdapterError(providers.KindClientFault, f.name, "decode response", err)
	}
	return nil
}
