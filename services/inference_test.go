package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drugnet/models"
	"drugnet/providers"
)

func pair(textA string) (*DrugContext, *DrugContext) {
	a := &DrugContext{
		Name:            "warfarin",
		Baseline:        Baseline{Common: []string{"bleeding"}, Serious: []string{"major hemorrhage"}},
		Indications:     []string{"venous thrombosis"},
		InteractionText: []string{textA},
	}
	b := &DrugContext{Name: "sertraline", Baseline: Baseline{Common: []string{"nausea"}}}
	return a, b
}

func TestInferRejectsNilContext(t *testing.T) {
	_, err := Infer(nil, &DrugContext{Name: "x"})
	assert.ErrorIs(t, err, ErrNilContext)
	_, err = Infer(&DrugContext{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInferNotFoundIsTerminal(t *testing.T) {
	a, b := pair("Aspirin increases the risk of bleeding.")
	res, err := Infer(a, b)
	require.NoError(t, err)

	assert.False(t, res.Found)
	assert.NotEmpty(t, res.Note)
	assert.Equal(t, models.SeverityUnknown, res.Severity)
	assert.Empty(t, res.Mechanism)
	assert.Empty(t, res.NewAdverseEffects)
	assert.Empty(t, res.IncreasedRiskEffects)
	assert.Empty(t, res.InteractionText)
	// Baselines werden trotzdem durchgereicht
	assert.Equal(t, []string{"bleeding"}, res.BaselineA.Common)
	assert.Equal(t, []string{"nausea"}, res.BaselineB.Common)
	assert.Equal(t, []string{}, res.BaselineB.Warnings)
}

func TestSeverityHighestRuleWins(t *testing.T) {
	cases := []struct {
		text string
		want models.Severity
	}{
		{"Use with sertraline is contraindicated; serious bleeding was reported.", models.SeverityContraindicated},
		{"Sertraline: severe bleeding; monitor INR closely.", models.SeverityMajor},
		{"Monitor INR when sertraline is started.", models.SeverityModerate},
		{"Sertraline causes a mild change in INR.", models.SeverityMinor},
		{"Sertraline changes plasma levels.", models.SeverityUnknown},
		{"SERTRALINE: DO NOT USE together.", models.SeverityContraindicated},
	}
	for _, tc := range cases {
		a, b := pair(tc.text)
		res, err := Infer(a, b)
		require.NoError(t, err)
		require.True(t, res.Found, tc.text)
		assert.Equal(t, tc.want, res.Severity, tc.text)
		assert.Equal(t, clinicalSignificance[tc.want], res.ClinicalSignificance)
	}
}

func TestMechanismSet(t *testing.T) {
	a, b := pair("Sertraline inhibits CYP2C9 and displaces warfarin from plasma protein binding sites; additive antiplatelet effects.")
	res, err := Infer(a, b)
	require.NoError(t, err)
	assert.Equal(t, []Mechanism{MechanismMetabolic, MechanismProteinBinding, MechanismPharmacodynamic}, res.Mechanism)
}

func TestEffectBucketsStayDisjoint(t *testing.T) {
	a, b := pair("Coadministration with sertraline increases the risk of bleeding and may precipitate serotonin syndrome.")
	res, err := Infer(a, b)
	require.NoError(t, err)

	assert.Equal(t, []string{"serotonin syndrome"}, res.NewAdverseEffects)
	assert.Equal(t, []string{"bleeding"}, res.IncreasedRiskEffects)
	assert.Contains(t, res.Recommendations, effectRecommendations["bleeding"])
	assert.Contains(t, res.Recommendations, effectRecommendations["serotonin syndrome"])
}

func TestToxicityKeywordNeedsWordStart(t *testing.T) {
	a, b := pair("Sertraline may cause hepatotoxicity.")
	res, err := Infer(a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"hepatotoxicity"}, res.IncreasedRiskEffects)
}

func TestEfficacyConflictingSignalsIsAltered(t *testing.T) {
	a, b := pair("Sertraline may potentiate the anticoagulant response but can also reduce its duration.")
	res, err := Infer(a, b)
	require.NoError(t, err)
	assert.Equal(t, EfficacyAltered, res.EfficacyImpact.DrugB)
	assert.Equal(t, EfficacyAltered, res.EfficacyImpact.DrugA)
	assert.Contains(t, res.EfficacyImpact.Description, "altered")
}

func TestEfficacyIsScopedPerDrug(t *testing.T) {
	a := &DrugContext{Name: "warfarin"}
	b := &DrugContext{
		Name:            "cimetidine",
		InteractionText: []string{"The anticoagulant effect of warfarin may be potentiated. Cimetidine absorption is unaffected."},
	}
	res, err := Infer(a, b)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, EfficacyEnhanced, res.EfficacyImpact.DrugA)
	assert.Equal(t, EfficacyNeutral, res.EfficacyImpact.DrugB)
	assert.Equal(t, []Mechanism{MechanismAbsorption}, res.Mechanism)
}

func TestEfficacyNeutralWhenNoDirection(t *testing.T) {
	a, b := pair("Sertraline: monitor INR.")
	res, err := Infer(a, b)
	require.NoError(t, err)
	assert.Equal(t, EfficacyNeutral, res.EfficacyImpact.DrugA)
	assert.Equal(t, EfficacyNeutral, res.EfficacyImpact.DrugB)
}

func TestDetectionUsesAliasesAndBothDirections(t *testing.T) {
	a := &DrugContext{Name: "aspirin", Aliases: []string{"acetylsalicylic acid"}}
	b := &DrugContext{Name: "clopidogrel", InteractionText: []string{
		"Proton pump inhibitors reduce activation.",
		"Acetylsalicylic acid: additive bleeding risk.",
	}}
	res, err := Infer(a, b)
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, "Acetylsalicylic acid: additive bleeding risk.", res.InteractionText)

	// kein Teilwort-Treffer
	c := &DrugContext{Name: "aspirin", InteractionText: []string{"antiaspirinogen effects"}}
	res, err = Infer(&DrugContext{Name: "x"}, c)
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestInferIsDeterministic(t *testing.T) {
	text := "Sertraline inhibits CYP2C9; serious bleeding and serotonin syndrome reported. Sertraline may potentiate warfarin."
	a, b := pair(text)
	first, err := Infer(a, b)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Infer(a, b)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestInteractionTextIsTruncated(t *testing.T) {
	a, b := pair("Sertraline " + strings.Repeat("x", 2000))
	res, err := Infer(a, b)
	require.NoError(t, err)
	assert.Len(t, []rune(res.InteractionText), interactionTextMax)
}

func TestRuleTablesAreDisjoint(t *testing.T) {
	seen := map[string]Mechanism{}
	for _, r := range mechanismRules {
		for _, w := range r.keywords.words {
			prev, dup := seen[w]
			assert.False(t, dup, "mechanism keyword %q in %s and %s", w, prev, r.mechanism)
			seen[w] = r.mechanism
		}
	}

	buckets := map[string]effectBucket{}
	for _, r := range effectRules {
		for _, w := range r.keywords.words {
			prev, dup := buckets[w]
			assert.False(t, dup && prev != r.bucket, "effect keyword %q in both buckets", w)
			buckets[w] = r.bucket
		}
	}

	for _, w := range enhanceKeywords.words {
		assert.False(t, reduceKeywords.matches(w), "enhance keyword %q also matches reduce", w)
	}
}

func TestContextFromRow(t *testing.T) {
	row := providers.Row{
		AdverseReactions: []string{"nausea"},
		BoxedWarnings:    []string{"bleeding"},
		Warnings:         []string{"hepatic"},
		Indications:      []string{"pain"},
		DrugInteractions: []string{"x"},
	}
	ctx := ContextFromRow("aspirin", []string{"asa"}, row)
	assert.Equal(t, Baseline{Common: []string{"nausea"}, Serious: []string{"bleeding"}, Warnings: []string{"hepatic"}}, ctx.Baseline)
	assert.Equal(t, []string{"pain"}, ctx.Indications)
	assert.Equal(t, []string{"x"}, ctx.InteractionText)
}
