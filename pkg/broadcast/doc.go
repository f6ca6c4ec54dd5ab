// Package broadcast fans assembled transactions and progress notices out to
// live subscribers.
//
// Publishing never blocks the engine: each subscriber owns a bounded queue
// and messages for a full queue are dropped and counted. New WebSocket
// subscribers are first sent the most recent transactions so a freshly
// opened viewer is not empty.
package broadcast
