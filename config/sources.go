package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Bekannte Fetcher-Aliase. "fda_labels" nutzt denselben Adapter wie "openfda",
// beschränkt die Suche aber auf Labels mit Interaktionsabschnitt.
const (
	FetcherOpenFDA   = "openfda"
	FetcherFDALabels = "fda_labels"
	FetcherRxNorm    = "rxnorm"
)

var knownFetchers = map[string]bool{
	FetcherOpenFDA:   true,
	FetcherFDALabels: true,
	FetcherRxNorm:    true,
}

// Default-TTLs je Fetcher: Labels ändern sich häufiger als Namensstandards.
var defaultTTLs = map[string]time.Duration{
	FetcherOpenFDA:   12 * time.Hour,
	FetcherFDALabels: 12 * time.Hour,
	FetcherRxNorm:    24 * time.Hour,
}

const (
	defaultLimit     = 100
	defaultBatchSize = 10
)

// Substance ist ein Zielwirkstoff einer Quelle. In YAML ist sowohl ein
// einfacher String ("warfarin") als auch die ausführliche Form erlaubt.
type Substance struct {
	Name    string   `yaml:"name" json:"name"`
	ATCCode string   `yaml:"atc_code" json:"atc_code,omitempty"`
	Aliases []string `yaml:"aliases" json:"aliases,omitempty"`
}

// UnmarshalYAML akzeptiert Skalar- und Mapping-Knoten.
func (s *Substance) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Name = node.Value
		return nil
	}
	type plain Substance
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = Substance(p)
	return nil
}

// Source beschreibt eine konfigurierte Datenquelle.
type Source struct {
	Name       string            `yaml:"-" json:"name"`
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Fetcher    string            `yaml:"fetcher" json:"fetcher"`
	Substances []Substance       `yaml:"substances" json:"substances"`
	Search     string            `yaml:"search" json:"search,omitempty"`
	Filters    map[string]string `yaml:"filters" json:"filters,omitempty"`
	Limit      int               `yaml:"limit" json:"limit"`
	BatchSize  int               `yaml:"batch_size" json:"batch_size"`
	CacheTTL   time.Duration     `yaml:"cache_ttl" json:"cache_ttl"`
}

// Sources ist die geladene Quellen-Datei.
type Sources struct {
	Sources map[string]*Source `yaml:"sources"`
}

// LoadSources liest und validiert die YAML-Datei mit den Quellen.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("read sources file %s: %v", path, err)}}
	}
	return ParseSources(data)
}

// ParseSources parst YAML-Inhalt, setzt Defaults und validiert.
func ParseSources(data []byte) (*Sources, error) {
	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("parse sources: %v", err)}}
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Sources) applyDefaults() {
	for name, src := range s.Sources {
		if src == nil {
			continue
		}
		src.Name = name
		if src.Fetcher == "" {
			src.Fetcher = name
		}
		if src.Limit <= 0 {
			src.Limit = defaultLimit
		}
		if src.BatchSize <= 0 {
			src.BatchSize = defaultBatchSize
		}
		if src.CacheTTL == 0 {
			src.CacheTTL = defaultTTLs[src.Fetcher]
		}
		for i := range src.Substances {
			sub := &src.Substances[i]
			sub.Name = strings.TrimSpace(strings.Trim(strings.TrimSpace(sub.Name), `"`))
			sub.ATCCode = strings.ToUpper(strings.TrimSpace(sub.ATCCode))
		}
	}
}

// Validate prüft alle Quellen und liefert einen *ValidationError mit allen Problemen.
func (s *Sources) Validate() error {
	v := &ValidationError{}
	if len(s.Sources) == 0 {
		v.add("no sources configured")
		return v
	}
	for _, name := range s.Names() {
		src := s.Sources[name]
		if src == nil {
			v.add("source %q: empty definition", name)
			continue
		}
		if !knownFetchers[src.Fetcher] {
			v.add("source %q: unknown fetcher %q", name, src.Fetcher)
		}
		if src.CacheTTL < 0 {
			v.add("source %q: cache_ttl must not be negative", name)
		}
		if src.Enabled && len(src.Substances) == 0 && strings.TrimSpace(src.Search) == "" {
			v.add("source %q: enabled but neither substances nor search configured", name)
		}
		if src.Fetcher == FetcherRxNorm && src.Enabled && len(src.Substances) == 0 {
			v.add("source %q: rxnorm requires a substance list", name)
		}

		owner := map[string]string{}
		codes := map[string]string{}
		for _, sub := range src.Substances {
			if sub.Name == "" {
				v.add("source %q: substance with empty name", name)
				continue
			}
			if sub.ATCCode != "" {
				if prev, ok := codes[sub.ATCCode]; ok {
					v.add("source %q: atc_code %q of %q already used by %q", name, sub.ATCCode, sub.Name, prev)
				} else {
					codes[sub.ATCCode] = sub.Name
				}
			}
			key := strings.ToLower(sub.Name)
			if prev, ok := owner[key]; ok {
				v.add("source %q: duplicate substance %q (already used by %q)", name, sub.Name, prev)
				continue
			}
			owner[key] = sub.Name
			for _, alias := range sub.Aliases {
				ak := strings.ToLower(strings.TrimSpace(alias))
				if ak == "" {
					continue
				}
				if prev, ok := owner[ak]; ok && prev != sub.Name {
					v.add("source %q: alias %q of %q collides with %q", name, alias, sub.Name, prev)
					continue
				}
				owner[ak] = sub.Name
			}
		}
	}
	return v.orNil()
}

// Names liefert die Quellennamen sortiert, damit Läufe deterministisch geplant werden.
func (s *Sources) Names() []string {
	names := make([]string, 0, len(s.Sources))
	for name := range s.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select liefert die gewünschten Quellen in sortierter Reihenfolge. Eine leere
// Auswahl bedeutet alle Quellen.
func (s *Sources) Select(selected []string) ([]*Source, error) {
	if len(selected) == 0 {
		out := make([]*Source, 0, len(s.Sources))
		for _, name := range s.Names() {
			out = append(out, s.Sources[name])
		}
		return out, nil
	}
	var out []*Source
	var missing []string
	for _, name := range selected {
		src, ok := s.Sources[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, src)
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Problems: []string{"unknown sources: " + strings.Join(missing, ", ")}}
	}
	return out, nil
}
