package correlate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-flow/pkg/domain"
)

func half(summary string) domain.AsyncHalf {
	return domain.AsyncHalf{Summary: summary, Payload: summary, At: time.UnixMilli(1)}
}

func TestTable_EitherOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []domain.Direction
	}{
		{"outbound first", []domain.Direction{domain.DirectionOutbound, domain.DirectionInbound}},
		{"inbound first", []domain.Direction{domain.DirectionInbound, domain.DirectionOutbound}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable(10, nil)
			for _, dir := range tt.order {
				tbl.Record("c1", dir, half(string(dir)))
			}

			entry, ok := tbl.Consume("c1")
			require.True(t, ok)
			require.NotNil(t, entry.Outbound)
			require.NotNil(t, entry.Inbound)
			assert.Equal(t, "outbound", entry.Outbound.Summary)
			assert.Equal(t, "inbound", entry.Inbound.Summary)
			assert.True(t, entry.Complete())
			assert.Equal(t, 0, tbl.Len())
		})
	}
}

func TestTable_SingleHalf(t *testing.T) {
	tbl := NewTable(10, nil)
	tbl.Record("c1", domain.DirectionOutbound, half("hello"))

	peeked, ok := tbl.Peek("c1")
	require.True(t, ok)
	assert.False(t, peeked.Complete())
	assert.Equal(t, 1, tbl.Len())

	entry, ok := tbl.Consume("c1")
	require.True(t, ok)
	assert.NotNil(t, entry.Outbound)
	assert.Nil(t, entry.Inbound)

	_, ok = tbl.Consume("c1")
	assert.False(t, ok)
}

func TestTable_EvictsOldestHalfSkippingPending(t *testing.T) {
	pending := map[string]bool{"c0": true}
	tbl := NewTable(4, func(id string) bool { return pending[id] })

	for i := 0; i < 4; i++ {
		assert.Empty(t, tbl.Record(fmt.Sprintf("c%d", i), domain.DirectionOutbound, half("x")))
	}

	evicted := tbl.Record("c4", domain.DirectionOutbound, half("x"))
	assert.Equal(t, []string{"c1", "c2"}, evicted)

	_, ok := tbl.Peek("c0")
	assert.True(t, ok, "pending entry must survive eviction")
	_, ok = tbl.Peek("c4")
	assert.True(t, ok, "newest entry must survive eviction")
	assert.Equal(t, 3, tbl.Len())
}

func TestTable_AllPendingGrowsPastCapacity(t *testing.T) {
	tbl := NewTable(2, func(string) bool { return true })
	for i := 0; i < 5; i++ {
		assert.Empty(t, tbl.Record(fmt.Sprintf("c%d", i), domain.DirectionInbound, half("x")))
	}
	assert.Equal(t, 5, tbl.Len())
}

// Property: for any interleaving of halves across causal ids, Consume returns
// exactly the halves that were recorded for that id.
func TestTableConsumeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tbl := NewTable(1000, nil)
		type seen struct{ out, in bool }
		want := map[string]*seen{}

		n := rapid.IntRange(1, 100).Draw(t, "n")
		for i := 0; i < n; i++ {
			id := rapid.SampledFrom([]string{"a", "b", "c", "d"}).Draw(t, "id")
			out := rapid.Bool().Draw(t, "outbound")
			dir := domain.DirectionInbound
			if out {
				dir = domain.DirectionOutbound
			}
			tbl.Record(id, dir, half(id))
			if want[id] == nil {
				want[id] = &seen{}
			}
			if out {
				want[id].out = true
			} else {
				want[id].in = true
			}
		}

		for id, w := range want {
			entry, ok := tbl.Consume(id)
			if !ok {
				t.Fatalf("entry %q missing", id)
			}
			if (entry.Outbound != nil) != w.out || (entry.Inbound != nil) != w.in {
				t.Fatalf("entry %q halves mismatch: got out=%v in=%v", id, entry.Outbound != nil, entry.Inbound != nil)
			}
		}
		if tbl.Len() != 0 {
			t.Fatalf("table not empty after consuming all: %d", tbl.Len())
		}
	})
}
