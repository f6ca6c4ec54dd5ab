// Package governance holds the small flow-control primitives shared by the
// engine's edges: a per-key token bucket throttle for progress notices, a
// circuit breaker guarding optional sinks, and exponential backoff for
// retrying loops.
package governance
