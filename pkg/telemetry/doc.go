// Package telemetry wires OpenTelemetry exporters and meters and the
// Prometheus registry for the flow engine.
//
// It centralises trace provider setup, records per-flush instruments and
// span attributes, and owns the Prometheus metrics served on /metrics so
// operators can watch ingestion, classification and fan-out behaviour.
package telemetry
