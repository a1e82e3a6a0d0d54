package services

import (
	"regexp"

	"drugnet/models"
)

// Mechanism ist eine Kategorie des Wechselwirkungsmechanismus.
type Mechanism string

const (
	MechanismMetabolic       Mechanism = "metabolic_cyp"
	MechanismAbsorption      Mechanism = "absorption"
	MechanismProteinBinding  Mechanism = "protein_binding"
	MechanismRenalClearance  Mechanism = "renal_clearance"
	MechanismPharmacodynamic Mechanism = "pharmacodynamic"
)

// Efficacy beschreibt, wie die Kombination die Wirkung eines Wirkstoffs verändert.
type Efficacy string

const (
	EfficacyEnhanced Efficacy = "enhanced"
	EfficacyReduced  Efficacy = "reduced"
	EfficacyAltered  Efficacy = "altered"
	EfficacyNeutral  Efficacy = "neutral"
)

type effectBucket int

const (
	bucketNew effectBucket = iota
	bucketIncreased
)

// keywords ist eine Menge von Schlüsselwörtern, die case-insensitiv ab
// Wortanfang gesucht werden. Ein Eintrag wie "potentiat" trifft also auch
// "potentiates" und "potentiation".
type keywords struct {
	words    []string
	patterns []*regexp.Regexp
}

func kw(words ...string) keywords {
	k := keywords{words: words}
	for _, w := range words {
		k.patterns = append(k.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)))
	}
	return k
}

func (k keywords) matches(text string) bool {
	for _, p := range k.patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

type severityRule struct {
	severity models.Severity
	keywords keywords
}

// severityRules wird von oben nach unten ausgewertet; die erste passende Regel gewinnt.
var severityRules = []severityRule{
	{models.SeverityContraindicated, kw("contraindicated", "contraindication", "do not use", "should not be used", "must not be used", "avoid concomitant use")},
	{models.SeverityMajor, kw("life-threatening", "fatal", "death", "serious", "severe", "major")},
	{models.SeverityModerate, kw("moderate", "significant", "caution", "monitor")},
	{models.SeverityMinor, kw("minor", "mild", "minimal", "slight")},
}

type mechanismRule struct {
	mechanism Mechanism
	keywords  keywords
}

// mechanismRules: die Schlüsselwortmengen sind disjunkt, mehrere Treffer ergeben mehrere Tags.
var mechanismRules = []mechanismRule{
	{MechanismMetabolic, kw("cyp", "cytochrome", "p450", "hepatic metabolism", "enzyme inhibit", "enzyme induc")},
	{MechanismAbsorption, kw("absorption", "bioavailability", "chelat", "gastric ph")},
	{MechanismProteinBinding, kw("protein binding", "protein-binding", "plasma protein", "displace")},
	{MechanismRenalClearance, kw("renal clearance", "renal excretion", "renal elimination", "tubular secretion")},
	{MechanismPharmacodynamic, kw("pharmacodynamic", "additive", "synergistic", "antagonis", "serotonergic")},
}

type effectRule struct {
	effect   string
	bucket   effectBucket
	keywords keywords
}

// effectRules ordnet jedes Schlüsselwort fest einem Bucket zu. Neue Effekte treten
// nur in Kombination auf, erhöhte Risiken sind bekannte Einzelwirkstoff-Effekte.
var effectRules = []effectRule{
	{"serotonin syndrome", bucketNew, kw("serotonin syndrome")},
	{"neuroleptic malignant syndrome", bucketNew, kw("neuroleptic malignant syndrome")},
	{"torsades de pointes", bucketNew, kw("torsade")},
	{"rhabdomyolysis", bucketNew, kw("rhabdomyolysis")},
	{"hypertensive crisis", bucketNew, kw("hypertensive crisis")},
	{"lactic acidosis", bucketNew, kw("lactic acidosis")},
	{"stevens-johnson syndrome", bucketNew, kw("stevens-johnson")},

	{"bleeding", bucketIncreased, kw("bleeding", "hemorrhage", "haemorrhage", "anticoagulant effect")},
	{"cardiac arrhythmia", bucketIncreased, kw("qt prolongation", "qt interval", "arrhythmia", "cardiac")},
	{"hypotension", bucketIncreased, kw("hypotension", "blood pressure lowering")},
	{"cns depression", bucketIncreased, kw("sedation", "cns depression", "respiratory depression", "drowsiness")},
	{"hepatotoxicity", bucketIncreased, kw("hepatotoxicity", "liver", "hepatic injury")},
	{"nephrotoxicity", bucketIncreased, kw("nephrotoxicity", "renal impairment", "renal failure", "kidney")},
	{"hypoglycemia", bucketIncreased, kw("hypoglycemia", "hypoglycaemia")},
	{"hyperkalemia", bucketIncreased, kw("hyperkalemia", "hyperkalaemia")},
	{"myopathy", bucketIncreased, kw("myopathy", "muscle pain")},
	{"drug toxicity", bucketIncreased, kw("toxicity")},
}

var (
	enhanceKeywords = kw("potentiat", "enhanc", "increased effect", "increase the effect", "increases the effect", "augment", "intensif")
	reduceKeywords  = kw("reduc", "diminish", "decreased effect", "decrease the effect", "decreases the effect", "antagoniz", "attenuat")
)

// clinicalSignificance je Schweregrad.
var clinicalSignificance = map[models.Severity]string{
	models.SeverityContraindicated: "Combination is contraindicated; concurrent use should be avoided.",
	models.SeverityMajor:           "Potentially serious interaction; use only if the benefit clearly outweighs the risk.",
	models.SeverityModerate:        "Clinically relevant interaction; dose adjustment or closer monitoring may be required.",
	models.SeverityMinor:           "Limited clinical relevance; usually no intervention required.",
	models.SeverityUnknown:         "Interaction reported without a stated severity; review the full label text.",
}

var severityRecommendations = map[models.Severity][]string{
	models.SeverityContraindicated: {
		"Do not co-administer; select an alternative agent.",
		"If exposure already occurred, monitor closely and consult a specialist.",
	},
	models.SeverityMajor: {
		"Avoid the combination where possible.",
		"If required, adjust doses and monitor clinical and laboratory parameters closely.",
	},
	models.SeverityModerate: {
		"Monitor for the described effects after starting or stopping either drug.",
		"Consider dose adjustment based on response.",
	},
	models.SeverityMinor: {
		"No routine action required; inform the patient about possible effects.",
	},
	models.SeverityUnknown: {
		"Review the complete prescribing information for both drugs.",
	},
}

var mechanismRecommendations = map[Mechanism]string{
	MechanismMetabolic:      "Check for CYP-mediated dose adjustments of the affected drug.",
	MechanismAbsorption:     "Separate administration times where the label allows it.",
	MechanismRenalClearance: "Monitor renal function and plasma levels.",
}

var effectRecommendations = map[string]string{
	"bleeding":           "Monitor for signs of bleeding and coagulation parameters (e.g. INR).",
	"serotonin syndrome": "Watch for agitation, hyperthermia and clonus after dose changes.",
	"cardiac arrhythmia": "Obtain a baseline ECG and monitor the QT interval.",
	"hyperkalemia":       "Monitor serum potassium.",
	"hypoglycemia":       "Monitor blood glucose.",
}
