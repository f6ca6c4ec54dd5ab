package engine

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/domain"
)

// Entry is one classified inner record of a buffer.
type Entry struct {
	Record *domain.Record
	Result classify.Result
}

// Buffer accumulates the records of one causal id until it is flushed.
type Buffer struct {
	CausalID string
	Terminal *domain.Record
	Inner    []Entry
	Opened   time.Time

	// generation identifies the accumulation cycle. graceToken identifies
	// the currently armed grace timer.
	generation uint64
	graceToken uint64
	grace      clockwork.Timer
	safety     clockwork.Timer
}

// Size is the number of records held, terminal included.
func (b *Buffer) Size() int {
	n := len(b.Inner)
	if b.Terminal != nil {
		n++
	}
	return n
}

// Ordered returns the inner entries sorted by gateway timestamp, then by
// arrival sequence.
func (b *Buffer) Ordered() []Entry {
	out := append([]Entry(nil), b.Inner...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].Record.OrderTime(), out[j].Record.OrderTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].Record.Sequence < out[j].Record.Sequence
	})
	return out
}

func (b *Buffer) stopTimers() {
	if b.grace != nil {
		b.grace.Stop()
		b.grace = nil
	}
	if b.safety != nil {
		b.safety.Stop()
		b.safety = nil
	}
}

// records returns every record of the cycle: terminal first, then inner
// entries in arrival order.
func (b *Buffer) records() []*domain.Record {
	out := make([]*domain.Record, 0, b.Size())
	if b.Terminal != nil {
		out = append(out, b.Terminal)
	}
	for _, e := range b.Inner {
		out = append(out, e.Record)
	}
	return out
}
