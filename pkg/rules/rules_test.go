package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusRule(id string) Rule {
	return Rule{
		ID:             id,
		Name:           "status",
		Severity:       SeverityHigh,
		ValidationType: ValidationStatus,
		Required:       true,
	}
}

func TestRegistry_RegisterAndOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(statusRule("B")))
	require.NoError(t, reg.Register(statusRule("A")))
	require.NoError(t, reg.Register(statusRule("C")))

	all := reg.All()
	require.Len(t, all, 3)
	assert.Equal(t, "B", all[0].ID)
	assert.Equal(t, "A", all[1].ID)
	assert.Equal(t, "C", all[2].ID)
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(statusRule("ECOSOC_RULE_1")))

	err := reg.Register(statusRule("ECOSOC_RULE_1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateRule)

	var dup *DuplicateRuleError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "ECOSOC_RULE_1", dup.RuleID)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_RejectsInvalidRule(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(Rule{ID: "X", Severity: "URGENT", ValidationType: ValidationStatus})
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = reg.Register(Rule{ID: "", Severity: SeverityLow, ValidationType: ValidationStatus})
	assert.ErrorIs(t, err, ErrInvalidRule)

	err = reg.Register(Rule{ID: "X@not-a-version", Severity: SeverityLow, ValidationType: ValidationStatus})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestRegistry_CopiesAreIsolated(t *testing.T) {
	reg := NewRegistry()
	r := statusRule("R")
	r.Parameters = Parameters{ParamRequiredStatus: "Active"}
	require.NoError(t, reg.Register(r))

	// Mutating the caller's copy or a returned copy must not leak in.
	r.Parameters[ParamRequiredStatus] = "Closed"
	got := reg.All()[0]
	got.Parameters[ParamRequiredStatus] = "Suspended"

	stored, err := reg.Get("R")
	require.NoError(t, err)
	assert.Equal(t, "Active", stored.Parameters[ParamRequiredStatus])
}

func TestRegistry_Latest(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(statusRule("RULE")))
	require.NoError(t, reg.Register(statusRule("RULE@v1.2.0")))
	require.NoError(t, reg.Register(statusRule("RULE@v1.10.0")))
	require.NoError(t, reg.Register(statusRule("OTHER@v9.0.0")))

	latest, err := reg.Latest("RULE")
	require.NoError(t, err)
	assert.Equal(t, "RULE@v1.10.0", latest.ID)

	_, err = reg.Latest("MISSING")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestParameters_Int(t *testing.T) {
	p := Parameters{"a": 365, "b": float64(30), "c": "7", "d": 1.5, "e": true}

	v, ok, err := p.Int("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 365, v)

	v, _, err = p.Int("b")
	require.NoError(t, err)
	assert.Equal(t, 30, v)

	v, _, err = p.Int("c")
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, _, err = p.Int("d")
	assert.Error(t, err)
	_, _, err = p.Int("e")
	assert.Error(t, err)

	_, ok, err = p.Int("missing")
	assert.NoError(t, err)
	assert.False(t, ok)
}

const sampleYAML = `
ECOSOC_RULE_1:
  name: Active Status Check
  description: Fund must have active compliance status
  severity: HIGH
  validation_type: status
  parameters:
    required_status: Active
  required: true
ECOSOC_RULE_2:
  name: Annual Review
  severity: HIGH
  validation_type: date
  parameters:
    max_days_since_review: 365
CLEARANCE:
  name: Clearance
  severity: MEDIUM
  validation_type: security
  parameters:
    min_security_level: 2
  required: false
`

func TestParse_YAMLPreservesOrder(t *testing.T) {
	rules, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, "ECOSOC_RULE_1", rules[0].ID)
	assert.Equal(t, "ECOSOC_RULE_2", rules[1].ID)
	assert.Equal(t, "CLEARANCE", rules[2].ID)

	assert.True(t, rules[1].Required, "required defaults to true")
	assert.False(t, rules[2].Required)

	days, ok, err := rules[1].Parameters.Int(ParamMaxDaysSinceReview)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 365, days)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"R1": {"severity": "LOW", "validation_type": "frequency", "parameters": {"period_days": 90}, "required": false}}`
	rules, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, ValidationFrequency, rules[0].ValidationType)
}

func TestParse_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"bad severity":      "R: {severity: URGENT, validation_type: status}",
		"bad type":          "R: {severity: LOW, validation_type: quantum}",
		"missing severity":  "R: {validation_type: status}",
		"unknown field":     "R: {severity: LOW, validation_type: status, blockchain: true}",
		"negative days":     "R: {severity: LOW, validation_type: date, parameters: {max_days_since_review: -1}}",
		"fractional period": "R: {severity: LOW, validation_type: frequency, parameters: {period_days: 1.5}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestParse_DuplicateKey(t *testing.T) {
	doc := "R: {severity: LOW, validation_type: status}\nR: {severity: HIGH, validation_type: status}\n"
	_, err := Parse([]byte(doc))
	assert.ErrorIs(t, err, ErrDuplicateRule)
}

func TestParse_NotAMapping(t *testing.T) {
	_, err := Parse([]byte("- a\n- b\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	rules, err := Load(filepath.Join(t.TempDir(), "compliance_rules.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, rules)
	assert.Equal(t, "ECOSOC_RULE_1", rules[0].ID)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	rules, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	reg, err := NewRegistryFrom(rules)
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())
}

func TestNewRegistryFrom_Duplicate(t *testing.T) {
	_, err := NewRegistryFrom([]Rule{statusRule("A"), statusRule("A")})
	assert.ErrorIs(t, err, ErrDuplicateRule)
}
