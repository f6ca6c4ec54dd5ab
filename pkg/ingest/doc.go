// Package ingest accepts newline-delimited telemetry records over TCP and
// hands decoded records to the engine.
//
// Each connection is read by its own goroutine, which preserves the order
// of records within a connection. Malformed and oversized lines are dropped
// and counted; they never reach subscribers.
package ingest
