// Package domain defines the core types shared by the flow engine.
//
// This package contains pure domain types with no dependencies outside the Go
// standard library:
//
//   - Record: one gateway telemetry observation as decoded from the reporter stream
//   - Step: a display-agnostic unit of the reconstructed timeline (boundary or transition)
//   - AsyncEntry: the two halves of a publish/subscribe exchange
//   - Transaction: the assembled, ordered step list published to subscribers
//
// Other packages (classify, correlate, engine, broadcast) depend on these types.
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
