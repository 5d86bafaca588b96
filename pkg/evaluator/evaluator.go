// Package evaluator applies the registered compliance rules to funding
// records, one audit entry per record.
//
// Every rule is evaluated for every record; a failed rule never short-circuits
// the others. A record is compliant when all of its required rules pass.
// Evaluation is fail-closed: if the audit entry cannot be written, no outcome
// is returned.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
	"github.com/Mindburn-Labs/fundaudit/pkg/auth"
	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/history"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

var (
	// ErrNoRules is returned by New for an empty registry.
	ErrNoRules = errors.New("evaluator: no rules registered")
	// ErrHistoryUnavailable wraps failures reading prior records.
	ErrHistoryUnavailable = errors.New("evaluator: history unavailable")
)

// Evaluator evaluates records against a fixed snapshot of the rule registry.
type Evaluator struct {
	rules   []rules.Rule
	history history.Store
	log     *audit.Log
	exprs   *exprEvaluator
	locks   keyedMutex
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used for date checks and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) { e.clock = clock }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New builds an Evaluator. A nil history store defaults to an in-memory one;
// a nil audit log is rejected. Expression rules are compiled up front so
// syntax errors surface at startup.
func New(reg *rules.Registry, hist history.Store, log *audit.Log, opts ...Option) (*Evaluator, error) {
	if log == nil {
		return nil, audit.ErrSinkNotConfigured
	}
	if reg == nil || reg.Len() == 0 {
		return nil, ErrNoRules
	}
	if hist == nil {
		hist = history.NewMemoryStore()
	}
	exprs, err := newExprEvaluator()
	if err != nil {
		return nil, err
	}
	e := &Evaluator{
		rules:   reg.All(),
		history: hist,
		log:     log,
		exprs:   exprs,
		clock:   time.Now,
		logger:  slog.Default().With("component", "evaluator"),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, r := range e.rules {
		if r.ValidationType != rules.ValidationExpression {
			continue
		}
		expr, _ := r.Parameters.String(rules.ParamExpression)
		if _, err := e.exprs.program(expr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", rules.ErrInvalidRule, r.ID, err)
		}
	}
	return e, nil
}

// Rules returns the rule snapshot in evaluation order.
func (e *Evaluator) Rules() []rules.Rule {
	out := make([]rules.Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// History returns the store consulted for prior records.
func (e *Evaluator) History() history.Store { return e.history }

// Evaluate applies every rule to rec and appends exactly one audit entry.
// Errors are systemic only (history, audit sink, context); rule failures are
// reported in the outcome.
func (e *Evaluator) Evaluate(ctx context.Context, rec funding.Record) (Outcome, error) {
	unlock := e.locks.lock(rec.ProjectID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	prior, err := e.history.Prior(ctx, rec.ProjectID, rec.Date)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, rec.ID(), err)
	}

	now := e.clock().UTC()
	id := rec.ID()
	results := make([]Result, 0, len(e.rules))
	compliant := true
	for _, rule := range e.rules {
		passed, reason := e.check(rule, rec, prior, now)
		results = append(results, Result{
			RecordID:    id,
			RuleID:      rule.ID,
			Passed:      passed,
			Reason:      reason,
			EvaluatedAt: now,
			Severity:    rule.Severity,
			Required:    rule.Required,
		})
		if rule.Required && !passed {
			compliant = false
		}
	}

	entry, err := e.log.Append(ctx, auth.ActorID(ctx), id, auditPayload{
		RecordID:  id,
		ProjectID: rec.ProjectID,
		Compliant: compliant,
		Results:   results,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "audit append failed", "record_id", id, "error", err)
		return Outcome{}, fmt.Errorf("evaluator: %s: %w", id, err)
	}

	e.logger.DebugContext(ctx, "record evaluated", "record_id", id, "compliant", compliant, "sequence", entry.Sequence)
	return Outcome{Record: rec, Compliant: compliant, Results: results, Entry: entry}, nil
}

// keyedMutex serializes work per key; idle keys are released.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
