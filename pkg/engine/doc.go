// Package engine correlates telemetry records into transactions.
//
// Architecture:
//
// engine.go    - Event loop owning the dedup set, async table and buffers
// buffer.go    - Per causal id accumulation state
// assembler.go - Ordering of buffered records into one step list
//
// Records, timer expirations and reconfiguration all arrive as events on a
// single loop goroutine, so correlation state needs no locks. Timers only
// post flush events tagged with the buffer's cycle generation; events from
// superseded timers or already flushed cycles are ignored.
package engine
