package services

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"drugnet/config"
	"drugnet/providers"
)

// CanonicalRow ist die eine Zeile, die für einen konfigurierten Wirkstoff übrig bleibt.
type CanonicalRow struct {
	Substance string        `json:"substance"`
	Code      string        `json:"code"`
	Row       providers.Row `json:"row"`
}

// NormalizeResult bündelt die kanonischen Zeilen und die Zählwerte der Filterung.
type NormalizeResult struct {
	Rows       []CanonicalRow `json:"rows"`
	Filtered   int            `json:"filtered"`   // Zeilen ohne Zielwirkstoff
	Duplicates int            `json:"duplicates"` // weitere Zeilen für bereits belegte Wirkstoffe
	Missing    []string       `json:"missing,omitempty"`
}

// SubstanceNormalizer ordnet Rohzeilen den konfigurierten Wirkstoffen zu.
type SubstanceNormalizer struct {
	substances []config.Substance
	index      map[string]int // gefalteter Name/Alias -> Position in substances
}

// NewSubstanceNormalizer baut den Index aus Namen und Aliasen.
func NewSubstanceNormalizer(substances []config.Substance) *SubstanceNormalizer {
	n := &SubstanceNormalizer{substances: substances, index: map[string]int{}}
	for i, sub := range substances {
		if key := FoldName(sub.Name); key != "" {
			if _, taken := n.index[key]; !taken {
				n.index[key] = i
			}
		}
		for _, alias := range sub.Aliases {
			if key := FoldName(alias); key != "" {
				if _, taken := n.index[key]; !taken {
					n.index[key] = i
				}
			}
		}
	}
	return n
}

// FoldName normalisiert einen Wirkstoffnamen für den Vergleich: Unicode-Zerlegung,
// Entfernen von Akzenten, Kleinschreibung und zusammengefasste Leerzeichen.
func FoldName(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if folded, _, err := transform.String(t, s); err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// CanonicalCode liefert den identifizierenden Code eines Wirkstoffs: den
// konfigurierten ATC-Code oder ersatzweise den Namen in Großbuchstaben.
func CanonicalCode(sub config.Substance) string {
	if code := strings.ToUpper(strings.TrimSpace(sub.ATCCode)); code != "" {
		return code
	}
	return strings.ToUpper(FoldName(sub.Name))
}

// Match sucht den konfigurierten Wirkstoff zu einem Namen.
func (n *SubstanceNormalizer) Match(value string) (config.Substance, bool) {
	i, ok := n.index[FoldName(value)]
	if !ok {
		return config.Substance{}, false
	}
	return n.substances[i], true
}

// matchRow prüft die Wirkstoffnamen der Zeile in Reihenfolge, danach den generischen Namen.
func (n *SubstanceNormalizer) matchRow(row providers.Row) (config.Substance, bool) {
	for _, v := range row.SubstanceNames {
		if sub, ok := n.Match(v); ok {
			return sub, true
		}
	}
	if row.GenericName != "" {
		return n.Match(row.GenericName)
	}
	return config.Substance{}, false
}

// Normalize reduziert die Rohzeilen auf höchstens eine Zeile pro Wirkstoff.
// Bei mehreren Treffern gewinnt die erste Zeile in Antwortreihenfolge.
// Ohne konfigurierte Wirkstoffe wird jeder erste Wirkstoffname zum Ziel.
func (n *SubstanceNormalizer) Normalize(rows []providers.Row) NormalizeResult {
	var res NormalizeResult
	seen := map[string]bool{}

	for _, row := range rows {
		var sub config.Substance
		var ok bool
		if len(n.substances) == 0 {
			sub, ok = passthroughSubstance(row)
		} else {
			sub, ok = n.matchRow(row)
		}
		if !ok {
			res.Filtered++
			continue
		}

		code := CanonicalCode(sub)
		if seen[code] {
			res.Duplicates++
			continue
		}
		seen[code] = true
		res.Rows = append(res.Rows, CanonicalRow{Substance: sub.Name, Code: code, Row: row})
	}

	for _, sub := range n.substances {
		if !seen[CanonicalCode(sub)] {
			res.Missing = append(res.Missing, sub.Name)
		}
	}
	return res
}

func passthroughSubstance(row providers.Row) (config.Substance, bool) {
	for _, v := range row.SubstanceNames {
		if name := FoldName(v); name != "" {
			return config.Substance{Name: name}, true
		}
	}
	return config.Substance{}, false
}
