package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-flow/pkg/domain"
)

const instrumentationName = "polis.flow"

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	flushCounter        metric.Int64Counter
	stepCounter         metric.Int64Counter
	failedPolicyCounter metric.Int64Counter
	assemblyHistogram   metric.Float64Histogram
	bufferAgeHistogram  metric.Float64Histogram
)

// FlushMetrics captures the fields needed to record one buffer flush.
type FlushMetrics struct {
	Source   string
	Reason   domain.FlushReason
	Records  int
	Steps    int
	Assembly time.Duration
	// Age is the time between the first record of the cycle and the flush.
	Age time.Duration
	// FailedPolicies counts failed policy annotations across the steps.
	FailedPolicies int
}

// RecordFlush emits counters and histograms that describe a flush.
func RecordFlush(ctx context.Context, m FlushMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("flow.source", m.Source),
		attribute.String("flow.reason", string(m.Reason)),
	)

	flushCounter.Add(ctx, 1, attrs)
	stepCounter.Add(ctx, int64(m.Steps), attrs)
	if m.FailedPolicies > 0 {
		failedPolicyCounter.Add(ctx, int64(m.FailedPolicies), attrs)
	}
	if m.Assembly > 0 {
		assemblyHistogram.Record(ctx, float64(m.Assembly)/float64(time.Millisecond), attrs)
	}
	if m.Age > 0 {
		bufferAgeHistogram.Record(ctx, float64(m.Age)/float64(time.Millisecond), attrs)
	}
}

// Tracer returns the tracer used for flow spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// AnnotateTransaction sets the outcome attributes of an assembled
// transaction on span, passing them through redactor.
func AnnotateTransaction(span trace.Span, redactor *Redactor, tx domain.Transaction, requestSummary string) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("flow.transaction.id", tx.ID),
		attribute.String("flow.causal_id", tx.CausalID),
		attribute.String("flow.source", tx.Source),
		attribute.String("flow.reason", string(tx.Reason)),
		attribute.Int("flow.records", tx.Records),
		attribute.Int("flow.steps", len(tx.Steps)),
	}
	if requestSummary != "" {
		attrs = append(attrs, attribute.String("flow.request.summary", requestSummary))
	}

	var failed []string
	for _, s := range tx.Steps {
		for _, p := range s.Policies {
			if !p.Passed {
				failed = append(failed, p.Name)
			}
		}
	}
	if len(failed) > 0 {
		attrs = append(attrs, attribute.StringSlice("flow.policy.failed", failed))
	}

	span.SetAttributes(redactor.Apply(attrs)...)
}

// FailedPolicies counts failed policy annotations in steps.
func FailedPolicies(steps []domain.Step) int {
	n := 0
	for _, s := range steps {
		for _, p := range s.Policies {
			if !p.Passed {
				n++
			}
		}
	}
	return n
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		flushCounter, metricsInitErr = meter.Int64Counter(
			"flow.transactions_total",
			metric.WithDescription("Assembled transactions partitioned by flush reason"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepCounter, metricsInitErr = meter.Int64Counter(
			"flow.steps_total",
			metric.WithDescription("Timeline steps published in assembled transactions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		failedPolicyCounter, metricsInitErr = meter.Int64Counter(
			"flow.policy.failed_total",
			metric.WithDescription("Failed policy annotations in assembled transactions"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		assemblyHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.assembly.duration",
			metric.WithDescription("Time spent assembling a flushed buffer"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		bufferAgeHistogram, metricsInitErr = meter.Float64Histogram(
			"flow.buffer.age",
			metric.WithDescription("Time from first buffered record to flush"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
