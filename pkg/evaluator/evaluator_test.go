package evaluator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
	"github.com/Mindburn-Labs/fundaudit/pkg/auth"
	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/history"
	"github.com/Mindburn-Labs/fundaudit/pkg/ingest"
	"github.com/Mindburn-Labs/fundaudit/pkg/observability"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

func day(s string) time.Time {
	t, err := time.Parse(funding.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func fixedClock(s string) func() time.Time {
	t := day(s).Add(9 * time.Hour)
	return func() time.Time { return t }
}

func record(project, date string, approved, budget int64) funding.Record {
	return funding.Record{
		ProjectID:       project,
		ApprovedFunding: decimal.NewFromInt(approved),
		TotalBudget:     decimal.NewFromInt(budget),
		Status:          funding.StatusActive,
		SecurityLevel:   2,
		Date:            day(date),
		RegionID:        "EU",
	}
}

type fixture struct {
	eval *Evaluator
	log  *audit.Log
	sink *audit.MemorySink
	hist *history.MemoryStore
}

func newFixture(t *testing.T, ruleSet []rules.Rule, clock string) *fixture {
	t.Helper()
	reg, err := rules.NewRegistryFrom(ruleSet)
	require.NoError(t, err)
	sink := audit.NewMemorySink()
	log, err := audit.Open(context.Background(), sink)
	require.NoError(t, err)
	hist := history.NewMemoryStore()
	ev, err := New(reg, hist, log, WithClock(fixedClock(clock)))
	require.NoError(t, err)
	return &fixture{eval: ev, log: log, sink: sink, hist: hist}
}

func rule(id string, vt rules.ValidationType, params rules.Parameters, required bool) rules.Rule {
	return rules.Rule{
		ID:             id,
		Name:           id,
		Severity:       rules.SeverityHigh,
		ValidationType: vt,
		Parameters:     params,
		Required:       required,
	}
}

func TestEvaluateActiveRecordCompliant(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")

	out, err := f.eval.Evaluate(context.Background(), record("P1", "2024-06-01", 50, 1000))
	require.NoError(t, err)

	assert.True(t, out.Compliant)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "ECOSOC_RULE_1", out.Results[0].RuleID)
	assert.Equal(t, "ECOSOC_RULE_2", out.Results[1].RuleID)
	for _, r := range out.Results {
		assert.True(t, r.Passed, r.Reason)
		assert.Equal(t, "P1@2024-06-01", r.RecordID)
	}
	require.NotNil(t, out.Entry)
	assert.Equal(t, uint64(1), out.Entry.Sequence)
	assert.Equal(t, "P1@2024-06-01", out.Entry.RecordID)
	assert.Equal(t, auth.SystemActor, out.Entry.Actor)
	assert.Equal(t, uint64(1), f.log.Len())
}

func TestEvaluateReviewGapExceeded(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-02-05")
	ctx := context.Background()

	first := record("P2", "2023-01-01", 10, 100)
	second := record("P2", "2024-02-05", 10, 100)
	require.Equal(t, 400, funding.DaysBetween(first.Date, second.Date))
	require.NoError(t, f.hist.Append(ctx, first))

	out, err := f.eval.Evaluate(ctx, second)
	require.NoError(t, err)

	assert.False(t, out.Compliant)
	assert.True(t, out.Results[0].Passed)
	assert.False(t, out.Results[1].Passed)
	assert.Contains(t, out.Results[1].Reason, "400 days since previous review P2@2023-01-01")
}

func TestEvaluateStaleReview(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2025-06-02")

	out, err := f.eval.Evaluate(context.Background(), record("P1", "2024-06-01", 50, 1000))
	require.NoError(t, err)
	assert.False(t, out.Compliant)
	assert.Contains(t, out.Results[1].Reason, "exceeds 365")
}

func TestEvaluateZeroDateFails(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	rec := record("P1", "2024-06-01", 50, 1000)
	rec.Date = time.Time{}

	out, err := f.eval.Evaluate(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, out.Results[1].Passed)
	assert.Equal(t, "invalid review date", out.Results[1].Reason)
}

func TestEvaluateNoShortCircuit(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2026-01-01")
	rec := record("P1", "2024-06-01", 50, 1000)
	rec.Status = funding.StatusClosed

	out, err := f.eval.Evaluate(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.False(t, out.Results[0].Passed)
	assert.False(t, out.Results[1].Passed)
	assert.Len(t, out.Failures(), 2)
}

func TestAdvisoryFailureKeepsCompliance(t *testing.T) {
	f := newFixture(t, []rules.Rule{
		rule("STATUS", rules.ValidationStatus, rules.Parameters{rules.ParamRequiredStatus: "Active"}, true),
		rule("SEC", rules.ValidationSecurity, rules.Parameters{rules.ParamMinSecurityLevel: 3}, false),
	}, "2024-06-15")

	out, err := f.eval.Evaluate(context.Background(), record("P1", "2024-06-01", 50, 1000))
	require.NoError(t, err)
	assert.True(t, out.Compliant)
	assert.False(t, out.Results[1].Passed)
	assert.Equal(t, "security level 2 below minimum 3", out.Results[1].Reason)
}

func TestSecurityRuleWithoutMinimumFails(t *testing.T) {
	f := newFixture(t, []rules.Rule{
		rule("SEC", rules.ValidationSecurity, nil, true),
	}, "2024-06-15")

	out, err := f.eval.Evaluate(context.Background(), record("P1", "2024-06-01", 50, 1000))
	require.NoError(t, err)
	assert.False(t, out.Compliant)
	assert.Contains(t, out.Results[0].Reason, "min_security_level not configured")
}

func TestFrequencyRule(t *testing.T) {
	f := newFixture(t, []rules.Rule{
		rule("FREQ", rules.ValidationFrequency, rules.Parameters{rules.ParamPeriodDays: 90}, true),
	}, "2024-06-15")
	ctx := context.Background()

	out, err := f.eval.Evaluate(ctx, record("P3", "2024-01-01", 1, 10))
	require.NoError(t, err)
	assert.False(t, out.Compliant, "first record has no predecessor")

	require.NoError(t, f.hist.Append(ctx, record("P3", "2024-01-01", 1, 10)))
	out, err = f.eval.Evaluate(ctx, record("P3", "2024-03-01", 1, 10))
	require.NoError(t, err)
	assert.True(t, out.Compliant, out.Results[0].Reason)

	out, err = f.eval.Evaluate(ctx, record("P3", "2024-06-01", 1, 10))
	require.NoError(t, err)
	assert.False(t, out.Compliant, "history only holds 2024-01-01, 152 days back")
	assert.Equal(t, "no prior record within 90 days", out.Results[0].Reason)
}

func TestExpressionRule(t *testing.T) {
	f := newFixture(t, []rules.Rule{
		rule("CAP", rules.ValidationExpression, rules.Parameters{
			rules.ParamExpression: `has(record.proportion) && record.proportion <= 0.1`,
		}, true),
		rule("REGION", rules.ValidationExpression, rules.Parameters{
			rules.ParamExpression: `record.region_id == "EU" && record.date < now`,
		}, true),
	}, "2024-06-15")
	ctx := context.Background()

	out, err := f.eval.Evaluate(ctx, record("P1", "2024-06-01", 50, 1000))
	require.NoError(t, err)
	assert.True(t, out.Compliant, "%+v", out.Results)

	out, err = f.eval.Evaluate(ctx, record("P1", "2024-06-02", 500, 1000))
	require.NoError(t, err)
	assert.False(t, out.Results[0].Passed)
	assert.True(t, out.Results[1].Passed)

	out, err = f.eval.Evaluate(ctx, record("P1", "2024-06-03", 0, 0))
	require.NoError(t, err)
	assert.False(t, out.Results[0].Passed, "undefined proportion")
}

func TestExpressionRuleCompileErrorAtStartup(t *testing.T) {
	reg, err := rules.NewRegistryFrom([]rules.Rule{
		rule("BAD", rules.ValidationExpression, rules.Parameters{rules.ParamExpression: "record.("}, true),
	})
	require.NoError(t, err)
	log, err := audit.Open(context.Background(), audit.NewMemorySink())
	require.NoError(t, err)

	_, err = New(reg, nil, log)
	require.ErrorIs(t, err, rules.ErrInvalidRule)
}

func TestNewRequiresAuditLog(t *testing.T) {
	reg, err := rules.NewRegistryFrom(rules.Defaults())
	require.NoError(t, err)
	_, err = New(reg, nil, nil)
	require.ErrorIs(t, err, audit.ErrSinkNotConfigured)

	log, err := audit.Open(context.Background(), audit.NewMemorySink())
	require.NoError(t, err)
	_, err = New(rules.NewRegistry(), nil, log)
	require.ErrorIs(t, err, ErrNoRules)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rec := record("P1", "2024-06-01", 50, 1000)
	a := newFixture(t, rules.Defaults(), "2024-06-15")
	b := newFixture(t, rules.Defaults(), "2024-06-15")

	oa, err := a.eval.Evaluate(context.Background(), rec)
	require.NoError(t, err)
	ob, err := b.eval.Evaluate(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, oa.Results, ob.Results)
	assert.Equal(t, oa.Entry.ContentHash, ob.Entry.ContentHash)
}

func TestEvaluateUsesActorFromContext(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "auditor-7"})

	out, err := f.eval.Evaluate(ctx, record("P1", "2024-06-01", 50, 1000))
	require.NoError(t, err)
	assert.Equal(t, "auditor-7", out.Entry.Actor)
}

func TestAuditFailureYieldsNoOutcome(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	f.sink.FailWrites = true

	out, err := f.eval.Evaluate(context.Background(), record("P1", "2024-06-01", 50, 1000))
	require.ErrorIs(t, err, audit.ErrUnavailable)
	assert.Empty(t, out.Results)
	assert.Nil(t, out.Entry)
	assert.Equal(t, uint64(0), f.log.Len())
}

type failingHistory struct{ history.Store }

func (failingHistory) Prior(context.Context, string, time.Time) ([]funding.Record, error) {
	return nil, history.ErrUnavailable
}

func TestHistoryFailureIsSystemic(t *testing.T) {
	reg, err := rules.NewRegistryFrom(rules.Defaults())
	require.NoError(t, err)
	log, err := audit.Open(context.Background(), audit.NewMemorySink())
	require.NoError(t, err)
	ev, err := New(reg, failingHistory{}, log)
	require.NoError(t, err)

	_, err = ev.Evaluate(context.Background(), record("P1", "2024-06-01", 50, 1000))
	require.ErrorIs(t, err, ErrHistoryUnavailable)
	require.ErrorIs(t, err, history.ErrUnavailable)
	assert.Equal(t, uint64(0), log.Len())
}

func seq(items ...any) iter.Seq2[funding.Record, error] {
	return func(yield func(funding.Record, error) bool) {
		for _, it := range items {
			var ok bool
			switch v := it.(type) {
			case funding.Record:
				ok = yield(v, nil)
			case error:
				ok = yield(funding.Record{}, v)
			}
			if !ok {
				return
			}
		}
	}
}

func TestRunnerOrdersAndRecordsHistory(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-02-05")
	telemetry, err := observability.New(context.Background(), nil)
	require.NoError(t, err)

	r := &Runner{
		Evaluator: f.eval,
		Workers:   4,
		Limiter:   rate.NewLimiter(rate.Inf, 1),
		Telemetry: telemetry,
	}
	sum, err := r.Run(context.Background(), seq(
		record("P2", "2024-02-05", 10, 100),
		&ingest.SchemaError{Row: 3, Field: "date", Reason: "unparseable date"},
		record("P1", "2024-01-20", 50, 1000),
		record("P2", "2023-01-01", 10, 100),
	))
	require.NoError(t, err)

	require.NotEmpty(t, sum.RunID)
	require.Len(t, sum.Rejected, 1)
	require.ErrorIs(t, sum.Rejected[0], ingest.ErrSchema)
	var se *ingest.SchemaError
	require.ErrorAs(t, sum.Rejected[0], &se)
	assert.Equal(t, "date", se.Field)
	assert.NotErrorIs(t, sum.Rejected[0], ingest.ErrInvariant)

	require.Len(t, sum.Outcomes, 3)
	assert.Equal(t, "P1@2024-01-20", sum.Outcomes[0].RecordID())
	assert.Equal(t, "P2@2023-01-01", sum.Outcomes[1].RecordID())
	assert.Equal(t, "P2@2024-02-05", sum.Outcomes[2].RecordID())
	assert.True(t, sum.Outcomes[0].Compliant)
	assert.False(t, sum.Outcomes[2].Compliant)
	assert.Contains(t, sum.Outcomes[2].Results[1].Reason, "since previous review")

	assert.Equal(t, 3, f.hist.Len())
	assert.Equal(t, uint64(3), f.log.Len())
	require.NoError(t, f.log.VerifyChain(context.Background()))
}

func TestRunnerAbortsOnSourceError(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	r := &Runner{Evaluator: f.eval}

	_, err := r.Run(context.Background(), seq(
		record("P1", "2024-06-01", 50, 1000),
		fmt.Errorf("%w: disk gone", ingest.ErrSource),
	))
	require.ErrorIs(t, err, ingest.ErrSource)
	assert.Equal(t, uint64(0), f.log.Len())
}

func TestRunnerAbortsOnAuditFailure(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	f.sink.FailWrites = true
	r := &Runner{Evaluator: f.eval, Workers: 2}

	sum, err := r.Run(context.Background(), seq(
		record("P1", "2024-06-01", 50, 1000),
		record("P2", "2024-06-01", 50, 1000),
	))
	require.ErrorIs(t, err, audit.ErrUnavailable)
	assert.Empty(t, sum.Outcomes)
	assert.Equal(t, 0, f.hist.Len())
}

func TestRunnerParallelGapFreeAudit(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	r := &Runner{Evaluator: f.eval, Workers: 8}

	var recs []any
	for p := range 20 {
		for d := range 5 {
			recs = append(recs, record(fmt.Sprintf("P%02d", p), fmt.Sprintf("2024-05-%02d", d+1), 1, 10))
		}
	}
	sum, err := r.Run(context.Background(), seq(recs...))
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 100)
	for _, o := range sum.Outcomes {
		assert.True(t, o.Compliant, o.RecordID())
	}
	require.NoError(t, f.log.VerifyChain(context.Background()))
	assert.Equal(t, uint64(100), f.log.Len())
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	var km keyedMutex
	var wg sync.WaitGroup
	counter := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.lock("P1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, km.locks)
}

func TestProjectPlanner(t *testing.T) {
	groups := ProjectPlanner{}.Plan([]funding.Record{
		record("B", "2024-03-01", 1, 1),
		record("A", "2024-02-01", 1, 1),
		record("B", "2024-01-01", 1, 1),
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "A", groups[0][0].ProjectID)
	assert.Equal(t, "B@2024-01-01", groups[1][0].ID())
	assert.Equal(t, "B@2024-03-01", groups[1][1].ID())
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, rules.Defaults(), "2024-06-15")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eval.Evaluate(ctx, record("P1", "2024-06-01", 50, 1000))
	require.True(t, errors.Is(err, context.Canceled))
}
