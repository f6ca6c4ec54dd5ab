package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-flow/pkg/domain"
)

func TestRecordFlush(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()

	RecordFlush(ctx, FlushMetrics{
		Source:         domain.CompleteFlowLabel,
		Reason:         domain.FlushGrace,
		Records:        3,
		Steps:          11,
		Assembly:       2 * time.Millisecond,
		Age:            150 * time.Millisecond,
		FailedPolicies: 1,
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}

	flushes, ok := metrics["flow.transactions_total"]
	if !ok {
		t.Fatalf("missing flow.transactions_total metric")
	}
	flushData, ok := flushes.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for transactions metric")
	}
	if len(flushData.DataPoints) != 1 || flushData.DataPoints[0].Value != 1 {
		t.Fatalf("expected one transaction, got %+v", flushData.DataPoints)
	}
	if value, ok := flushData.DataPoints[0].Attributes.Value(attribute.Key("flow.reason")); !ok || value.AsString() != "grace" {
		t.Fatalf("expected flow.reason attribute to be grace, got %v", value)
	}

	steps := metrics["flow.steps_total"].Data.(metricdata.Sum[int64])
	if steps.DataPoints[0].Value != 11 {
		t.Fatalf("expected 11 steps, got %d", steps.DataPoints[0].Value)
	}

	failed := metrics["flow.policy.failed_total"].Data.(metricdata.Sum[int64])
	if failed.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 failed policy, got %d", failed.DataPoints[0].Value)
	}

	age, ok := metrics["flow.buffer.age"]
	if !ok {
		t.Fatalf("missing flow.buffer.age metric")
	}
	ageData := age.Data.(metricdata.Histogram[float64])
	if ageData.DataPoints[0].Count != 1 || ageData.DataPoints[0].Sum != 150 {
		t.Fatalf("unexpected buffer age datapoint %+v", ageData.DataPoints[0])
	}
}

func TestAnnotateTransaction(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	tx := domain.Transaction{
		ID:       "tx-1",
		CausalID: "T1",
		Source:   domain.CompleteFlowLabel,
		Reason:   domain.FlushSafety,
		Records:  2,
		Steps: []domain.Step{
			domain.Boundary("Guard Rail — Request Blocked"),
			domain.Transition(domain.ParticipantGateway, domain.ParticipantAgent, "400").
				WithPolicies([]domain.Policy{{Name: "Guard Rail", Passed: false}}),
		},
	}

	_, span := tracer.Start(context.Background(), "flow.assemble")
	AnnotateTransaction(span, NewRedactor(map[string]string{"flow.request.summary": "hash"}), tx, "Book a room in Paris")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value("flow.causal_id"); !ok || value.AsString() != "T1" {
		t.Fatalf("expected flow.causal_id T1, got %v", value)
	}
	if value, ok := attrs.Value("flow.steps"); !ok || value.AsInt64() != 2 {
		t.Fatalf("expected flow.steps 2, got %v", value)
	}
	if value, ok := attrs.Value("flow.policy.failed"); !ok || len(value.AsStringSlice()) != 1 {
		t.Fatalf("expected one failed policy, got %v", value)
	}
	if value, ok := attrs.Value("flow.request.summary"); !ok || value.AsString() == "Book a room in Paris" {
		t.Fatalf("expected hashed request summary, got %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestRedactor(t *testing.T) {
	r := NewRedactor(map[string]string{"a": "drop", "b": "MASK", "c": "hash"})

	out := r.Apply([]attribute.KeyValue{
		attribute.String("a", "secret"),
		attribute.String("b", "1234567890"),
		attribute.String("c", "value"),
		attribute.String("request.body", "{}"),
		attribute.String("d", "kept"),
	})

	got := attribute.NewSet(out...)
	if _, ok := got.Value("a"); ok {
		t.Fatalf("expected a to be dropped")
	}
	if _, ok := got.Value("request.body"); ok {
		t.Fatalf("expected request.body to be dropped")
	}
	if v, _ := got.Value("b"); v.AsString() != "1234***7890" {
		t.Fatalf("unexpected mask %q", v.AsString())
	}
	if v, _ := got.Value("c"); v.AsString() != hashValue("value") {
		t.Fatalf("unexpected hash %q", v.AsString())
	}
	if v, _ := got.Value("d"); v.AsString() != "kept" {
		t.Fatalf("unexpected passthrough %q", v.AsString())
	}

	var nilRedactor *Redactor
	if len(nilRedactor.Apply([]attribute.KeyValue{attribute.String("d", "x")})) != 1 {
		t.Fatalf("nil redactor must pass attributes through")
	}
}
