package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrDuplicateRule matches every *DuplicateRuleError.
	ErrDuplicateRule = errors.New("rules: duplicate rule id")
	// ErrInvalidRule is returned when a rule fails structural validation.
	ErrInvalidRule = errors.New("rules: invalid rule")
	// ErrRuleNotFound is returned by Get and Latest.
	ErrRuleNotFound = errors.New("rules: rule not found")
)

// DuplicateRuleError reports a registration conflict.
type DuplicateRuleError struct {
	RuleID string
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rules: rule %q already registered", e.RuleID)
}

func (e *DuplicateRuleError) Is(target error) bool {
	return target == ErrDuplicateRule
}

// Registry holds rules in registration order. Rules are copied on the way
// in and on the way out so registered definitions cannot change.
type Registry struct {
	mu       sync.RWMutex
	rules    []Rule
	byID     map[string]int
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]int),
		validate: validator.New(),
	}
}

// Register adds a rule. It fails with *DuplicateRuleError when the id is taken.
func (r *Registry) Register(rule Rule) error {
	if err := r.validate.Struct(rule); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidRule, rule.ID, err)
	}
	if _, err := rule.Version(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[rule.ID]; exists {
		return &DuplicateRuleError{RuleID: rule.ID}
	}
	r.byID[rule.ID] = len(r.rules)
	r.rules = append(r.rules, rule.clone())
	return nil
}

// All returns the rules in registration order.
func (r *Registry) All() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Rule, len(r.rules))
	for i, rule := range r.rules {
		out[i] = rule.clone()
	}
	return out
}

// Get returns a rule by its exact id.
func (r *Registry) Get(id string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byID[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r.rules[idx].clone(), nil
}

// Latest returns the highest-versioned rule sharing baseID.
func (r *Registry) Latest(baseID string) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best    Rule
		bestVer *semver.Version
		found   bool
	)
	for _, rule := range r.rules {
		if rule.BaseID() != baseID {
			continue
		}
		v, err := rule.Version()
		if err != nil {
			continue
		}
		if !found || v.GreaterThan(bestVer) {
			best, bestVer, found = rule, v, true
		}
	}
	if !found {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, baseID)
	}
	return best.clone(), nil
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}
