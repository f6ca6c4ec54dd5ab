package domain

import "time"

// FlushReason names the trigger that flushed a buffer.
type FlushReason string

const (
	FlushGrace    FlushReason = "grace"
	FlushSafety   FlushReason = "safety"
	FlushShutdown FlushReason = "shutdown"
)

// AsyncHalf is one side of an asynchronous exchange.
type AsyncHalf struct {
	RecordID string
	Summary  string
	Payload  string
	At       time.Time
}

// AsyncEntry ties together the two independently arriving halves of one
// exchange.
type AsyncEntry struct {
	CausalID string
	Outbound *AsyncHalf
	Inbound  *AsyncHalf
}

// Complete reports whether both halves have been observed.
func (e AsyncEntry) Complete() bool {
	return e.Outbound != nil && e.Inbound != nil
}

// BodyBlob is a full opaque body referenced by a BodyRef.
type BodyBlob struct {
	Ref  BodyRef `json:"ref"`
	Data string  `json:"data"`
}

// Transaction is the assembled output of one buffer flush.
type Transaction struct {
	ID        string      `json:"id"`
	Source    string      `json:"source"`
	CausalID  string      `json:"causalId"`
	Timestamp time.Time   `json:"timestamp"`
	Reason    FlushReason `json:"reason"`
	Records   int         `json:"records"`
	Steps     []Step      `json:"steps"`

	// Bodies holds the full bodies referenced by the steps. They are served
	// on demand and never inlined into the published message.
	Bodies []BodyBlob `json:"-"`
}

// Complete reports whether the transaction was closed by a terminal record.
func (t Transaction) Complete() bool {
	return t.Source == CompleteFlowLabel
}

// CompleteFlowLabel is the source label of transactions that include their
// terminal record.
const CompleteFlowLabel = "Complete Flow"

// Progress is the lightweight notice sent while a buffer accumulates.
type Progress struct {
	CausalID string `json:"causalId"`
	Pending  int    `json:"pending"`
}
