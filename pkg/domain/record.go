package domain

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"time"
)

// Direction identifies one half of an asynchronous exchange.
type Direction string

const (
	// DirectionOutbound is the published half of an exchange.
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is the consumed (reply) half of an exchange.
	DirectionInbound Direction = "inbound"
)

// Operation tags carried by asynchronous records.
const (
	OperationPublish   = "PUBLISH"
	OperationSubscribe = "SUBSCRIBE"
)

// Body is one side of an opaque request/response body pair.
type Body struct {
	Present bool
	Raw     string
}

// Empty reports whether the body is absent or blank.
func (b Body) Empty() bool {
	return !b.Present || strings.TrimSpace(b.Raw) == ""
}

// AsyncMessage is the embedded payload of a publish/subscribe record.
type AsyncMessage struct {
	ID            string
	CorrelationID string
	Payload       string
}

// Record is one gateway-emitted telemetry observation.
type Record struct {
	ID             string
	CausalID       string
	Path           string
	Method         string
	Status         int
	GatewayLatency time.Duration
	ResponseTime   time.Duration
	Timestamp      time.Time
	API            string
	Plan           string
	Request        Body
	Response       Body

	// Operation and Message are set on asynchronous exchange records only.
	Operation string
	Message   *AsyncMessage

	// Sequence and ReceivedAt are assigned by the engine on arrival.
	Sequence   uint64
	ReceivedAt time.Time
}

// IsAsync reports whether the record is one half of a publish/subscribe
// exchange rather than a conventional HTTP observation.
func (r *Record) IsAsync() bool {
	if r.Path != "" {
		return false
	}
	return r.AsyncDirection() != ""
}

// AsyncDirection maps the operation tag to an exchange direction.
func (r *Record) AsyncDirection() Direction {
	switch strings.ToUpper(strings.TrimSpace(r.Operation)) {
	case OperationPublish:
		return DirectionOutbound
	case OperationSubscribe:
		return DirectionInbound
	default:
		return ""
	}
}

// CorrelationKey returns the identifier used to group the record into a
// transaction. Records without a causal identifier stand alone.
func (r *Record) CorrelationKey() string {
	if r.CausalID != "" {
		return r.CausalID
	}
	return r.ID
}

// OrderTime is the timestamp used for chronological ordering.
func (r *Record) OrderTime() time.Time {
	if !r.Timestamp.IsZero() {
		return r.Timestamp
	}
	return r.ReceivedAt
}

type wireRecord struct {
	ID                    string       `json:"id"`
	RequestID             string       `json:"requestId"`
	TransactionID         string       `json:"transactionId"`
	CorrelationID         string       `json:"correlationId"`
	Path                  string       `json:"path"`
	URI                   string       `json:"uri"`
	Method                string       `json:"method"`
	Status                int          `json:"status"`
	GatewayLatencyMs      float64      `json:"gatewayLatencyMs"`
	GatewayResponseTimeMs float64      `json:"gatewayResponseTimeMs"`
	Timestamp             int64        `json:"timestamp"`
	APIName               string       `json:"apiName"`
	Plan                  string       `json:"plan"`
	Request               *wireBody    `json:"request"`
	Response              *wireBody    `json:"response"`
	Operation             string       `json:"operation"`
	Message               *wireMessage `json:"message"`
}

type wireBody struct {
	Body *string `json:"body"`
}

type wireMessage struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// DecodeRecord parses one reporter line into a Record. The input must be a
// single JSON object carrying at least one identifier.
func DecodeRecord(line []byte) (*Record, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &DecodeError{Err: ErrMalformedRecord, Size: len(line)}
	}

	var w wireRecord
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{Err: err, Size: len(line)}
	}

	rec := &Record{
		ID:             firstNonEmpty(w.RequestID, w.ID),
		CausalID:       firstNonEmpty(w.TransactionID, w.CorrelationID),
		Path:           w.Path,
		Method:         strings.TrimSpace(w.Method),
		Status:         w.Status,
		GatewayLatency: millis(w.GatewayLatencyMs),
		ResponseTime:   millis(w.GatewayResponseTimeMs),
		API:            w.APIName,
		Plan:           w.Plan,
		Operation:      w.Operation,
	}
	if rec.Path == "" && w.URI != "" {
		rec.Path = pathFromURI(w.URI)
	}
	if w.Timestamp > 0 {
		rec.Timestamp = time.UnixMilli(w.Timestamp)
	}
	if w.Request != nil && w.Request.Body != nil {
		rec.Request = Body{Present: true, Raw: *w.Request.Body}
	}
	if w.Response != nil && w.Response.Body != nil {
		rec.Response = Body{Present: true, Raw: *w.Response.Body}
	}
	if w.Message != nil {
		rec.Message = &AsyncMessage{
			ID:            w.Message.ID,
			CorrelationID: w.Message.CorrelationID,
			Payload:       payloadText(w.Message.Payload),
		}
		if rec.CausalID == "" {
			rec.CausalID = w.Message.CorrelationID
		}
		if rec.ID == "" {
			rec.ID = w.Message.ID
		}
	}

	if rec.ID == "" {
		return nil, &DecodeError{Err: ErrMissingID, Size: len(line)}
	}
	return rec, nil
}

// payloadText returns a JSON string payload unquoted, and any other JSON
// value as its raw text.
func payloadText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func pathFromURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	return u.Path
}

func millis(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
