package evaluator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/ingest"
	"github.com/Mindburn-Labs/fundaudit/pkg/observability"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

// Planner partitions a run's records into groups. Groups are evaluated
// concurrently; records within a group run in order.
type Planner interface {
	Plan(records []funding.Record) [][]funding.Record
}

// ProjectPlanner groups records by project id, ordered by date within each
// project. Groups are sorted by project id.
type ProjectPlanner struct{}

// Plan implements Planner.
func (ProjectPlanner) Plan(records []funding.Record) [][]funding.Record {
	byProject := make(map[string][]funding.Record)
	for _, r := range records {
		byProject[r.ProjectID] = append(byProject[r.ProjectID], r)
	}
	ids := make([]string, 0, len(byProject))
	for id := range byProject {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	groups := make([][]funding.Record, 0, len(ids))
	for _, id := range ids {
		g := byProject[id]
		slices.SortStableFunc(g, func(a, b funding.Record) int {
			return a.Date.Compare(b.Date)
		})
		groups = append(groups, g)
	}
	return groups
}

// Summary is the result of one run.
type Summary struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Rules      []rules.Rule  `json:"rules"`
	Outcomes   []Outcome     `json:"outcomes"`
	Rejected   []RejectedRow `json:"rejected,omitempty"`
}

// RejectedRow is an input row that failed schema or invariant checks.
type RejectedRow struct {
	Err error `json:"-"`
}

// Error returns the rejection reason.
func (r RejectedRow) Error() string { return r.Err.Error() }

// Unwrap exposes the ingest error so callers can match ErrSchema or ErrInvariant.
func (r RejectedRow) Unwrap() error { return r.Err }

// MarshalText renders the rejection reason.
func (r RejectedRow) MarshalText() ([]byte, error) { return []byte(r.Err.Error()), nil }

// Runner evaluates a record stream with bounded parallelism.
type Runner struct {
	Evaluator *Evaluator
	Planner   Planner
	// Workers bounds concurrent groups; zero means one.
	Workers int
	// Limiter, when set, paces record evaluations.
	Limiter   *rate.Limiter
	Telemetry *observability.Provider
	Logger    *slog.Logger
}

// Run drains records, evaluates them group by group and returns outcomes in
// plan order. Invalid rows are collected into Summary.Rejected. Any systemic
// failure aborts the run; the partial summary is returned alongside the error.
func (r *Runner) Run(ctx context.Context, records iter.Seq2[funding.Record, error]) (*Summary, error) {
	if r.Evaluator == nil {
		return nil, errors.New("evaluator: runner has no evaluator")
	}
	logger := cmp.Or(r.Logger, slog.Default()).With("component", "runner")
	planner := r.Planner
	if planner == nil {
		planner = ProjectPlanner{}
	}

	sum := &Summary{
		RunID:     uuid.NewString(),
		StartedAt: r.Evaluator.clock().UTC(),
		Rules:     r.Evaluator.Rules(),
	}

	var valid []funding.Record
	for rec, err := range records {
		if err != nil {
			if errors.Is(err, ingest.ErrSchema) || errors.Is(err, ingest.ErrInvariant) {
				logger.WarnContext(ctx, "row rejected", "run_id", sum.RunID, "error", err)
				sum.Rejected = append(sum.Rejected, RejectedRow{Err: err})
				reason := "schema"
				if errors.Is(err, ingest.ErrInvariant) {
					reason = "invariant"
				}
				r.Telemetry.RecordRejected(ctx, reason)
				continue
			}
			return sum, fmt.Errorf("evaluator: reading records: %w", err)
		}
		valid = append(valid, rec)
	}

	groups := planner.Plan(valid)
	results := make([][]Outcome, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.Workers, 1))
	for i, group := range groups {
		g.Go(func() error {
			out, err := r.runGroup(gctx, sum.RunID, group)
			results[i] = out
			return err
		})
	}
	err := g.Wait()

	for _, out := range results {
		sum.Outcomes = append(sum.Outcomes, out...)
	}
	sum.FinishedAt = r.Evaluator.clock().UTC()
	if err != nil {
		logger.ErrorContext(ctx, "run aborted", "run_id", sum.RunID, "evaluated", len(sum.Outcomes), "error", err)
		return sum, err
	}
	logger.InfoContext(ctx, "run complete",
		"run_id", sum.RunID,
		"evaluated", len(sum.Outcomes),
		"rejected", len(sum.Rejected),
	)
	return sum, nil
}

func (r *Runner) runGroup(ctx context.Context, runID string, group []funding.Record) ([]Outcome, error) {
	out := make([]Outcome, 0, len(group))
	for _, rec := range group {
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return out, err
			}
		}
		attrs := observability.EvaluationOperation(runID, rec.ProjectID, rec.ID(), rec.RegionID)
		opCtx, finish := r.Telemetry.TrackOperation(ctx, "fundaudit.evaluate", attrs...)
		o, err := r.Evaluator.Evaluate(opCtx, rec)
		finish(err)
		if err != nil {
			return out, err
		}
		r.Telemetry.RecordVerdict(opCtx, o.Compliant, observability.AttrRegionID.String(rec.RegionID))
		for _, f := range o.Failures() {
			r.Telemetry.RecordRuleFailure(opCtx, f.RuleID, string(f.Severity))
		}
		out = append(out, o)
		if err := r.Evaluator.history.Append(ctx, rec); err != nil {
			return out, fmt.Errorf("%w: %s: %w", ErrHistoryUnavailable, rec.ID(), err)
		}
	}
	return out, nil
}
