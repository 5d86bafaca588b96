package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type instruments struct {
	evaluations  metric.Int64Counter
	errors       metric.Int64Counter
	duration     metric.Float64Histogram
	inFlight     metric.Int64UpDownCounter
	verdicts     metric.Int64Counter
	ruleFailures metric.Int64Counter
	rejected     metric.Int64Counter
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)
	if in.evaluations, err = m.Int64Counter("fundaudit.evaluations",
		metric.WithDescription("Record evaluations started"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if in.errors, err = m.Int64Counter("fundaudit.evaluation.errors",
		metric.WithDescription("Evaluations aborted by a systemic failure"), metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if in.duration, err = m.Float64Histogram("fundaudit.evaluation.duration",
		metric.WithDescription("Time to evaluate and audit one record"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5)); err != nil {
		return nil, err
	}
	if in.inFlight, err = m.Int64UpDownCounter("fundaudit.evaluations.active",
		metric.WithDescription("Evaluations in progress"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if in.verdicts, err = m.Int64Counter("fundaudit.records.evaluated",
		metric.WithDescription("Evaluated records by compliance verdict"), metric.WithUnit("{record}")); err != nil {
		return nil, err
	}
	if in.ruleFailures, err = m.Int64Counter("fundaudit.rule.failures",
		metric.WithDescription("Failed rule checks by rule"), metric.WithUnit("{check}")); err != nil {
		return nil, err
	}
	if in.rejected, err = m.Int64Counter("fundaudit.rows.rejected",
		metric.WithDescription("Source rows rejected at ingestion"), metric.WithUnit("{row}")); err != nil {
		return nil, err
	}
	return &in, nil
}

// lowCardinality keeps the attributes safe to use as metric dimensions;
// record and run ids belong on spans only.
func lowCardinality(attrs []attribute.KeyValue) []attribute.KeyValue {
	kept := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch a.Key {
		case AttrRegionID, AttrRuleID, AttrSeverity, AttrCompliant, AttrReason:
			kept = append(kept, a)
		}
	}
	return kept
}

func metricAttrs(attrs []attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(lowCardinality(attrs)...)
}

// TrackOperation starts a span named name and counts the operation. The
// returned func ends both and records err when non-nil.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !p.Enabled() {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal), trace.WithAttributes(attrs...))
	mattrs := metricAttrs(attrs)
	p.inst.evaluations.Add(ctx, 1, mattrs)
	p.inst.inFlight.Add(ctx, 1, mattrs)

	return ctx, func(err error) {
		p.inst.inFlight.Add(ctx, -1, mattrs)
		p.inst.duration.Record(ctx, time.Since(start).Seconds(), mattrs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			p.inst.errors.Add(ctx, 1, mattrs)
		}
		span.End()
	}
}

// RecordVerdict counts one evaluated record by outcome.
func (p *Provider) RecordVerdict(ctx context.Context, compliant bool, attrs ...attribute.KeyValue) {
	if !p.Enabled() {
		return
	}
	p.inst.verdicts.Add(ctx, 1, metricAttrs(append(attrs[:len(attrs):len(attrs)], AttrCompliant.Bool(compliant))))
	trace.SpanFromContext(ctx).SetAttributes(AttrCompliant.Bool(compliant))
}

// RecordRuleFailure counts a failed rule check.
func (p *Provider) RecordRuleFailure(ctx context.Context, ruleID, severity string) {
	if !p.Enabled() {
		return
	}
	p.inst.ruleFailures.Add(ctx, 1, metric.WithAttributes(AttrRuleID.String(ruleID), AttrSeverity.String(severity)))
	trace.SpanFromContext(ctx).AddEvent("rule.failed", trace.WithAttributes(AttrRuleID.String(ruleID)))
}

// RecordRejected counts a source row rejected before evaluation. reason is
// a short class such as "schema" or "invariant".
func (p *Provider) RecordRejected(ctx context.Context, reason string) {
	if !p.Enabled() {
		return
	}
	p.inst.rejected.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}
