package providers

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Source ist das Interface, das jede externe Registry (z.B. openFDA, RxNorm) implementieren muss.
type Source interface {
	// Fetch führt eine Abfrage aus und liefert die Zeilen in Antwortreihenfolge.
	// Fehler sind immer vom Typ *AdapterError.
	Fetch(ctx context.Context, q Query) ([]Row, error)

	// Name gibt den eindeutigen Namen der Quelle zurück (z.B. "openfda").
	Name() string
}

// Query beschreibt eine Anfrage an eine Quelle. Term ist immer dekodiert.
type Query struct {
	Term       string            `json:"term,omitempty"`
	Substances []string          `json:"substances,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// Row ist eine validierte Zeile einer Quelle in einheitlicher Form.
type Row struct {
	Source   string `json:"source"`
	RecordID string `json:"record_id,omitempty"`

	SubstanceNames []string `json:"substance_names,omitempty"`
	BrandName      string   `json:"brand_name,omitempty"`
	GenericName    string   `json:"generic_name,omitempty"`
	Description    string   `json:"description,omitempty"`
	RxCUI          string   `json:"rxcui,omitempty"`
	// Standardized markiert RxNorm-Konzepte; sie liefern keine Label-Inhalte.
	Standardized bool `json:"standardized,omitempty"`

	Indications      []string `json:"indications,omitempty"`
	AdverseReactions []string `json:"adverse_reactions,omitempty"`
	BoxedWarnings    []string `json:"boxed_warnings,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	DrugInteractions []string `json:"drug_interactions,omitempty"`
}

// DecodeTerm dekodiert einen eventuell URL-kodierten Suchbegriff ("+" wird zu Leerzeichen).
// Nicht dekodierbare Eingaben werden unverändert (getrimmt) zurückgegeben.
func DecodeTerm(term string) string {
	term = strings.TrimSpace(term)
	if term == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(term)
	if err != nil {
		return term
	}
	return strings.TrimSpace(decoded)
}

// Normalized liefert die kanonische Form der Query für Cache-Schlüssel.
func (q Query) Normalized() []string {
	subs := make([]string, 0, len(q.Substances))
	for _, s := range q.Substances {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			subs = append(subs, s)
		}
	}
	sort.Strings(subs)

	filters := make([]string, 0, len(q.Filters))
	for k, v := range q.Filters {
		filters = append(filters, strings.ToLower(strings.TrimSpace(k))+"="+strings.TrimSpace(v))
	}
	sort.Strings(filters)

	return []string{
		"term=" + strings.ToLower(DecodeTerm(q.Term)),
		"substances=" + strings.Join(subs, ","),
		"filters=" + strings.Join(filters, "&"),
		"limit=" + strconv.Itoa(q.Limit),
	}
}
