package rxnorm

// IDGroupResponse ist die Antwort von /rxcui.json?name=...
type IDGroupResponse struct {
	IDGroup struct {
		Name     string   `json:"name"`
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

// PropertiesResponse ist die Antwort von /rxcui/{id}/properties.json.
type PropertiesResponse struct {
	Properties *Properties `json:"properties"`
}

// Properties eines RxNorm-Konzepts.
type Properties struct {
	RxCUI    string `json:"rxcui"`
	Name     string `json:"name"`
	Synonym  string `json:"synonym"`
	TTY      string `json:"tty"`
	Language string `json:"language"`
	Suppress string `json:"suppress"`
}
