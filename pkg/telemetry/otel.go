package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName  string            `yaml:"service_name" json:"service_name"`
	Endpoint     string            `yaml:"endpoint" json:"endpoint"`
	Environment  string            `yaml:"environment" json:"environment"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	Headers      map[string]string `yaml:"headers" json:"headers"`
	ResourceTags map[string]string `yaml:"resource_tags" json:"resource_tags"`
	// Redactions maps span attribute keys to drop, mask or hash.
	Redactions map[string]string `yaml:"redactions" json:"redactions"`
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No endpoint configured, return no-op shutdown
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Redaction strategies accepted by Redactor.
const (
	RedactDrop = "drop"
	RedactMask = "mask"
	RedactHash = "hash"
)

// Redactor applies per-attribute redaction before span attributes are
// exported. Body-like attributes are always dropped.
type Redactor struct {
	strategies map[string]string
}

// NewRedactor builds a redactor from attribute key to strategy.
func NewRedactor(strategies map[string]string) *Redactor {
	r := &Redactor{strategies: make(map[string]string, len(strategies))}
	for key, strategy := range strategies {
		r.strategies[key] = strings.ToLower(strings.TrimSpace(strategy))
	}
	return r
}

var alwaysDropped = map[string]struct{}{
	"request.body":  {},
	"response.body": {},
}

// Apply returns attrs with the configured strategies applied.
func (r *Redactor) Apply(attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if _, drop := alwaysDropped[key]; drop {
			continue
		}

		strategy := ""
		if r != nil {
			strategy = r.strategies[key]
		}
		switch strategy {
		case RedactDrop:
			continue
		case RedactMask:
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case RedactHash:
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue shows the first and last 4 characters (e.g., "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic digest for correlation without exposing data.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:6]) + "]"
}
