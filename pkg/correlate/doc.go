// Package correlate holds the bounded lookup structures the flow engine uses
// to relate independently arriving records: a recency set for deduplication
// and a table pairing the two halves of asynchronous exchanges.
//
// Neither structure is safe for concurrent use. Both are owned by the engine
// loop goroutine.
package correlate
