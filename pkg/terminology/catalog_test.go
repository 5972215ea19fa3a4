package terminology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesValidate(t *testing.T) {
	rules := DefaultRules()
	require.NoError(t, rules.Validate())
	assert.Equal(t, []string{"age", "bmi", "systolic_bp", "diastolic_bp", "cholesterol", "diabetes_history", "smoker"}, rules.Schema())
}

func TestRuleMatching(t *testing.T) {
	rule := DefaultRules().Rules[2]
	assert.True(t, rule.MatchesCode("8480-6"))
	assert.False(t, rule.MatchesCode(""))
	assert.True(t, rule.MatchesDisplay("Systolic Blood Pressure"))
	assert.False(t, rule.MatchesDisplay("Diastolic Blood Pressure"))
}

func TestUnitFactor(t *testing.T) {
	chol := DefaultRules().Rules[4]
	f, ok := chol.UnitFactor("mmol/L")
	require.True(t, ok)
	assert.InDelta(t, 38.67, f, 1e-9)

	f, ok = chol.UnitFactor("")
	require.True(t, ok)
	assert.Equal(t, 1.0, f)

	_, ok = chol.UnitFactor("g/L")
	assert.False(t, ok)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - feature: age
    kind: age
    resource: Patient
  - feature: heart_rate
    kind: quantity
    resource: Observation
    codes: ["8867-4"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	set, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"age", "heart_rate"}, set.Schema())
}

func TestValidateRejectsBadRules(t *testing.T) {
	cases := map[string]RuleSet{
		"empty":     {},
		"duplicate": {Rules: []Rule{{Feature: "a", Kind: KindAge}, {Feature: "a", Kind: KindAge}}},
		"kind":      {Rules: []Rule{{Feature: "a", Kind: "guess"}}},
		"quantity":  {Rules: []Rule{{Feature: "a", Kind: KindQuantity}}},
	}
	for name, set := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, set.Validate())
		})
	}
}
