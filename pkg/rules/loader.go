package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed rules.schema.json
var ruleSchemaJSON string

const ruleSchemaURL = "https://fundaudit.schemas.local/rules.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func ruleSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(ruleSchemaURL, strings.NewReader(ruleSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("rules: schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(ruleSchemaURL)
	})
	return compiledSchema, schemaErr
}

// fileRule is the on-disk shape of one rule; the id is the mapping key.
type fileRule struct {
	Name           string         `yaml:"name"`
	Description    string         `yaml:"description"`
	Severity       Severity       `yaml:"severity"`
	ValidationType ValidationType `yaml:"validation_type"`
	Parameters     map[string]any `yaml:"parameters"`
	Required       *bool          `yaml:"required"`
}

// Defaults returns the built-in rule set used when no configuration file exists.
func Defaults() []Rule {
	return []Rule{
		{
			ID:             "ECOSOC_RULE_1",
			Name:           "Active Status Check",
			Description:    "Fund must have active compliance status",
			Severity:       SeverityHigh,
			ValidationType: ValidationStatus,
			Parameters:     Parameters{ParamRequiredStatus: "Active"},
			Required:       true,
		},
		{
			ID:             "ECOSOC_RULE_2",
			Name:           "Annual Review",
			Description:    "Funding must be reviewed at least once a year",
			Severity:       SeverityHigh,
			ValidationType: ValidationDate,
			Parameters:     Parameters{ParamMaxDaysSinceReview: 365},
			Required:       true,
		},
	}
}

// Load reads a rule configuration file (YAML or JSON). An empty path or a
// missing file yields Defaults.
func Load(path string) ([]Rule, error) {
	logger := slog.Default().With("component", "rules")
	if path == "" {
		logger.Warn("no rule configuration given, using built-in defaults")
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule configuration not found, using built-in defaults", "path", path)
			return Defaults(), nil
		}
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", path, err)
	}
	logger.Info("rule configuration loaded", "path", path, "rules", len(rules))
	return rules, nil
}

// Parse decodes a rule mapping, validating it against the rule schema.
// Rules are returned in document order.
func Parse(data []byte) ([]Rule, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse: empty rule configuration")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse: rule configuration must be a mapping of rule_id to rule")
	}

	seen := make(map[string]bool, len(root.Content)/2)
	for i := 0; i < len(root.Content); i += 2 {
		id := root.Content[i].Value
		if seen[id] {
			return nil, &DuplicateRuleError{RuleID: id}
		}
		seen[id] = true
	}

	if err := validateDocument(root); err != nil {
		return nil, err
	}

	out := make([]Rule, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		id := root.Content[i].Value
		var fr fileRule
		if err := root.Content[i+1].Decode(&fr); err != nil {
			return nil, fmt.Errorf("rule %s: %w", id, err)
		}
		required := true
		if fr.Required != nil {
			required = *fr.Required
		}
		out = append(out, Rule{
			ID:             id,
			Name:           fr.Name,
			Description:    fr.Description,
			Severity:       fr.Severity,
			ValidationType: fr.ValidationType,
			Parameters:     Parameters(fr.Parameters),
			Required:       required,
		})
	}
	return out, nil
}

func validateDocument(root *yaml.Node) error {
	schema, err := ruleSchema()
	if err != nil {
		return err
	}
	var generic any
	if err := root.Decode(&generic); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// NewRegistryFrom registers rules in order. A duplicate id aborts with
// *DuplicateRuleError.
func NewRegistryFrom(rules []Rule) (*Registry, error) {
	reg := NewRegistry()
	for _, r := range rules {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
