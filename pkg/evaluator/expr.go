package evaluator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

// exprEvaluator compiles CEL rule expressions once and caches the programs.
type exprEvaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func newExprEvaluator() (*exprEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now", cel.TimestampType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &exprEvaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (x *exprEvaluator) program(expr string) (cel.Program, error) {
	x.mu.RLock()
	prg, hit := x.prgCache[expr]
	x.mu.RUnlock()
	if hit {
		return prg, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if prg, hit = x.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := x.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := x.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	x.prgCache[expr] = prg
	return prg, nil
}

func recordInput(rec funding.Record) map[string]any {
	approved, _ := rec.ApprovedFunding.Float64()
	budget, _ := rec.TotalBudget.Float64()
	in := map[string]any{
		"project_id":       rec.ProjectID,
		"approved_funding": approved,
		"total_budget":     budget,
		"status":           string(rec.Status),
		"security_level":   int64(rec.SecurityLevel),
		"region_id":        rec.RegionID,
		"date":             rec.Date,
	}
	if p, err := rec.Proportion(); err == nil {
		in["proportion"], _ = p.Float64()
	}
	return in
}

func (x *exprEvaluator) check(rule rules.Rule, rec funding.Record, now time.Time) (bool, string) {
	expr, ok := rule.Parameters.String(rules.ParamExpression)
	if !ok || expr == "" {
		return false, fmt.Sprintf("%s not configured", rules.ParamExpression)
	}
	prg, err := x.program(expr)
	if err != nil {
		return false, "expression error: " + err.Error()
	}
	out, _, err := prg.Eval(map[string]any{
		"record": recordInput(rec),
		"now":    now,
	})
	if err != nil {
		return false, "expression error: eval: " + err.Error()
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, "expression error: result not bool"
	}
	if !val {
		return false, fmt.Sprintf("expression %q is false", expr)
	}
	return true, fmt.Sprintf("expression %q holds", expr)
}
