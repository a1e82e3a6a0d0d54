package openfda

import (
	"encoding/json"
	"strings"
)

// stringList akzeptiert sowohl einzelne Strings als auch Arrays, wie sie in
// openFDA-Labels je nach Feld und Jahrgang vorkommen.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*s = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*s = []string{single}
	return nil
}

func (s stringList) first() string {
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// LabelResponse ist die Antwort von /drug/label.json.
type LabelResponse struct {
	Meta struct {
		Results struct {
			Skip  int `json:"skip"`
			Limit int `json:"limit"`
			Total int `json:"total"`
		} `json:"results"`
	} `json:"meta"`
	Results []Label   `json:"results"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError ist der Fehlerblock von openFDA, z.B. {"code":"NOT_FOUND"}.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Label ist ein einzelnes Arzneimittel-Label.
type Label struct {
	ID                  string     `json:"id"`
	SetID               string     `json:"set_id"`
	Purpose             stringList `json:"purpose"`
	Description         stringList `json:"description"`
	IndicationsAndUsage stringList `json:"indications_and_usage"`
	AdverseReactions    stringList `json:"adverse_reactions"`
	BoxedWarning        stringList `json:"boxed_warning"`
	Warnings            stringList `json:"warnings"`
	WarningsAndCautions stringList `json:"warnings_and_cautions"`
	DrugInteractions    stringList `json:"drug_interactions"`
	OpenFDA             Fields     `json:"openfda"`
}

// Fields sind die harmonisierten openfda-Felder eines Labels.
type Fields struct {
	BrandName     stringList `json:"brand_name"`
	GenericName   stringList `json:"generic_name"`
	SubstanceName stringList `json:"substance_name"`
	ProductNDC    stringList `json:"product_ndc"`
	RxCUI         stringList `json:"rxcui"`
}
