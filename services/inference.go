package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"drugnet/models"
	"drugnet/providers"
)

// ErrNilContext ist ein Programmierfehler des Aufrufers.
var ErrNilContext = errors.New("inference: drug context must not be nil")

const interactionTextMax = 1000

// Baseline sind die Label-Abschnitte eines Einzelwirkstoffs.
type Baseline struct {
	Common   []string `json:"common"`
	Serious  []string `json:"serious"`
	Warnings []string `json:"warnings"`
}

// DrugContext bündelt alles, was die Inferenz über einen Wirkstoff wissen muss.
type DrugContext struct {
	Name            string   `json:"name"`
	Aliases         []string `json:"aliases,omitempty"`
	Baseline        Baseline `json:"baseline"`
	Indications     []string `json:"indications"`
	InteractionText []string `json:"interaction_text"`
}

// EfficacyImpact beschreibt die Wirkungsänderung beider Partner.
type EfficacyImpact struct {
	DrugA       Efficacy `json:"drugA"`
	DrugB       Efficacy `json:"drugB"`
	Description string   `json:"description"`
}

// InteractionAnalysis ist das (transiente) Ergebnis einer Inferenz.
type InteractionAnalysis struct {
	DrugA                string          `json:"drug_a"`
	DrugB                string          `json:"drug_b"`
	Found                bool            `json:"found"`
	Severity             models.Severity `json:"severity"`
	Mechanism            []Mechanism     `json:"mechanism"`
	NewAdverseEffects    []string        `json:"new_adverse_effects"`
	IncreasedRiskEffects []string        `json:"increased_risk_effects"`
	EfficacyImpact       EfficacyImpact  `json:"efficacy_impact"`
	ClinicalSignificance string          `json:"clinical_significance,omitempty"`
	Recommendations      []string        `json:"recommendations"`
	InteractionText      string          `json:"interaction_text,omitempty"`
	Note                 string          `json:"note,omitempty"`

	BaselineA    Baseline `json:"baseline_a"`
	BaselineB    Baseline `json:"baseline_b"`
	IndicationsA []string `json:"indications_a"`
	IndicationsB []string `json:"indications_b"`
}

// Infer leitet aus den Label-Texten zweier Wirkstoffe eine Wechselwirkungsanalyse ab.
// Die Funktion ist rein und deterministisch; sie schlägt nur bei nil-Kontexten fehl.
func Infer(a, b *DrugContext) (InteractionAnalysis, error) {
	if a == nil || b == nil {
		return InteractionAnalysis{}, ErrNilContext
	}

	res := InteractionAnalysis{
		DrugA:                a.Name,
		DrugB:                b.Name,
		Severity:             models.SeverityUnknown,
		Mechanism:            []Mechanism{},
		NewAdverseEffects:    []string{},
		IncreasedRiskEffects: []string{},
		Recommendations:      []string{},
		BaselineA:            normalizeBaseline(a.Baseline),
		BaselineB:            normalizeBaseline(b.Baseline),
		IndicationsA:         orEmpty(a.Indications),
		IndicationsB:         orEmpty(b.Indications),
	}

	text := detect(a, b)
	if text == "" {
		res.Note = fmt.Sprintf("no interaction between %s and %s found in the available label text", a.Name, b.Name)
		return res, nil
	}
	res.Found = true
	res.InteractionText = truncateRunes(text, interactionTextMax)

	res.Severity = classifySeverity(text)
	res.Mechanism = classifyMechanisms(text)
	res.NewAdverseEffects, res.IncreasedRiskEffects = classifyEffects(text)
	res.EfficacyImpact = efficacyImpact(a, b, text)
	res.ClinicalSignificance = clinicalSignificance[res.Severity]
	res.Recommendations = recommendations(res)
	return res, nil
}

// detect sammelt die Interaktionsabschnitte, die den jeweils anderen Wirkstoff nennen:
// zuerst die von A über B, dann die von B über A.
func detect(a, b *DrugContext) string {
	var parts []string
	for _, section := range a.InteractionText {
		if mentions(section, b) {
			parts = append(parts, strings.TrimSpace(section))
		}
	}
	for _, section := range b.InteractionText {
		if mentions(section, a) {
			parts = append(parts, strings.TrimSpace(section))
		}
	}
	return strings.Join(parts, "\n")
}

func namePatterns(d *DrugContext) []*regexp.Regexp {
	var out []*regexp.Regexp
	for _, n := range append([]string{d.Name}, d.Aliases...) {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(n)+`\b`))
	}
	return out
}

func mentions(text string, d *DrugContext) bool {
	for _, p := range namePatterns(d) {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func classifySeverity(text string) models.Severity {
	for _, rule := range severityRules {
		if rule.keywords.matches(text) {
			return rule.severity
		}
	}
	return models.SeverityUnknown
}

func classifyMechanisms(text string) []Mechanism {
	out := []Mechanism{}
	for _, rule := range mechanismRules {
		if rule.keywords.matches(text) {
			out = append(out, rule.mechanism)
		}
	}
	return out
}

func classifyEffects(text string) (newEffects, increased []string) {
	newEffects, increased = []string{}, []string{}
	for _, rule := range effectRules {
		if !rule.keywords.matches(text) {
			continue
		}
		if rule.bucket == bucketNew {
			newEffects = append(newEffects, rule.effect)
		} else {
			increased = append(increased, rule.effect)
		}
	}
	return newEffects, increased
}

var sentenceSplit = regexp.MustCompile(`[.;!?]\s+|\n+`)

// efficacyFor bewertet die Sätze, die den Wirkstoff nennen; nennt ihn kein Satz,
// wird der gesamte Text bewertet.
func efficacyFor(d *DrugContext, text string) Efficacy {
	var scoped []string
	for _, s := range sentenceSplit.Split(text, -1) {
		if mentions(s, d) {
			scoped = append(scoped, s)
		}
	}
	scope := text
	if len(scoped) > 0 {
		scope = strings.Join(scoped, ". ")
	}

	enhanced := enhanceKeywords.matches(scope)
	reduced := reduceKeywords.matches(scope)
	switch {
	case enhanced && reduced:
		return EfficacyAltered
	case enhanced:
		return EfficacyEnhanced
	case reduced:
		return EfficacyReduced
	default:
		return EfficacyNeutral
	}
}

func efficacyImpact(a, b *DrugContext, text string) EfficacyImpact {
	ea, eb := efficacyFor(a, text), efficacyFor(b, text)
	return EfficacyImpact{
		DrugA:       ea,
		DrugB:       eb,
		Description: fmt.Sprintf("%s: %s; %s: %s", a.Name, describeEfficacy(ea), b.Name, describeEfficacy(eb)),
	}
}

func describeEfficacy(e Efficacy) string {
	switch e {
	case EfficacyEnhanced:
		return "effect may be enhanced"
	case EfficacyReduced:
		return "effect may be reduced"
	case EfficacyAltered:
		return "effect may be altered (conflicting signals in label text)"
	default:
		return "no change in efficacy described"
	}
}

func recommendations(res InteractionAnalysis) []string {
	out := append([]string{}, severityRecommendations[res.Severity]...)
	for _, m := range res.Mechanism {
		if r, ok := mechanismRecommendations[m]; ok {
			out = append(out, r)
		}
	}
	for _, group := range [][]string{res.NewAdverseEffects, res.IncreasedRiskEffects} {
		for _, e := range group {
			if r, ok := effectRecommendations[e]; ok {
				out = append(out, r)
			}
		}
	}
	return out
}

func normalizeBaseline(b Baseline) Baseline {
	return Baseline{Common: orEmpty(b.Common), Serious: orEmpty(b.Serious), Warnings: orEmpty(b.Warnings)}
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// ContextFromRow baut den Inferenz-Kontext aus einer Label-Zeile.
func ContextFromRow(name string, aliases []string, row providers.Row) *DrugContext {
	return &DrugContext{
		Name:    name,
		Aliases: aliases,
		Baseline: Baseline{
			Common:   row.AdverseReactions,
			Serious:  row.BoxedWarnings,
			Warnings: row.Warnings,
		},
		Indications:     row.Indications,
		InteractionText: row.DrugInteractions,
	}
}
