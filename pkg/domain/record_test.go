package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRecord(t *testing.T) {
	line := []byte(`{"requestId":"r1","transactionId":"T1","path":"/hotels/mcp","method":"POST",` +
		`"status":200,"gatewayLatencyMs":3,"gatewayResponseTimeMs":120.5,"timestamp":1700000000000,` +
		`"apiName":"Hotels MCP","plan":"Gold","request":{"body":"{\"a\":1}"},"response":{"body":""}}`)

	rec, err := DecodeRecord(line)
	require.NoError(t, err)

	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, "T1", rec.CausalID)
	assert.Equal(t, "/hotels/mcp", rec.Path)
	assert.Equal(t, 200, rec.Status)
	assert.Equal(t, 3*time.Millisecond, rec.GatewayLatency)
	assert.Equal(t, 120500*time.Microsecond, rec.ResponseTime)
	assert.Equal(t, time.UnixMilli(1700000000000), rec.Timestamp)
	assert.Equal(t, "Hotels MCP", rec.API)
	assert.Equal(t, "Gold", rec.Plan)
	assert.True(t, rec.Request.Present)
	assert.False(t, rec.Request.Empty())
	assert.True(t, rec.Response.Present)
	assert.True(t, rec.Response.Empty())
	assert.False(t, rec.IsAsync())
}

func TestDecodeRecord_Aliases(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"id":"r2","correlationId":"C","uri":"/bookings/42?x=1","method":"GET"}`))
	require.NoError(t, err)

	assert.Equal(t, "r2", rec.ID)
	assert.Equal(t, "C", rec.CausalID)
	assert.Equal(t, "/bookings/42", rec.Path)
	assert.False(t, rec.Request.Present)
}

func TestDecodeRecord_Async(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		dir     Direction
		payload string
	}{
		{
			name:    "string payload",
			line:    `{"operation":"PUBLISH","message":{"id":"m1","correlationId":"T9","payload":"convert 10 USD"}}`,
			dir:     DirectionOutbound,
			payload: "convert 10 USD",
		},
		{
			name:    "object payload",
			line:    `{"requestId":"m2","transactionId":"T9","operation":"subscribe","message":{"payload":{"rate":0.9}}}`,
			dir:     DirectionInbound,
			payload: `{"rate":0.9}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord([]byte(tt.line))
			require.NoError(t, err)
			assert.True(t, rec.IsAsync())
			assert.Equal(t, tt.dir, rec.AsyncDirection())
			assert.Equal(t, "T9", rec.CausalID)
			require.NotNil(t, rec.Message)
			assert.Equal(t, tt.payload, rec.Message.Payload)
		})
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"not json", "hello"},
		{"array", `[1,2]`},
		{"truncated", `{"requestId":"r1"`},
		{"no identifier", `{"path":"/agent"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord([]byte(tt.line))
			assert.Nil(t, rec)
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
		})
	}
}

func TestRecord_CorrelationKey(t *testing.T) {
	assert.Equal(t, "T1", (&Record{ID: "r1", CausalID: "T1"}).CorrelationKey())
	assert.Equal(t, "r1", (&Record{ID: "r1"}).CorrelationKey())
}

func TestStep_WithHelpersCopy(t *testing.T) {
	policies := []Policy{{Name: "Guard Rail", Passed: true}}
	base := Transition(ParticipantAgent, ParticipantGateway, "POST /llm")
	annotated := base.WithPolicies(policies).WithBadge(&Badge{Class: BadgeSuccess, Text: "10ms"})

	policies[0].Passed = false
	assert.True(t, annotated.Policies[0].Passed)
	assert.Nil(t, base.Policies)
	assert.Nil(t, base.Badge)

	msg := annotated.WithMessage("hi", &BodyRef{RecordID: "r1", Side: BodyRequest})
	require.NotNil(t, msg.Message)
	assert.Equal(t, ParticipantGateway, msg.Message.Target)
	assert.True(t, msg.Touches(ParticipantAgent))
	assert.False(t, Boundary("x").Touches(ParticipantAgent))
}
