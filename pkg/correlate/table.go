package correlate

import (
	"sort"

	"github.com/polisai/polis-flow/pkg/domain"
)

// DefaultTableCapacity bounds the number of open asynchronous exchanges.
const DefaultTableCapacity = 1000

// PendingFunc reports whether a consumer is still waiting for the exchange
// keyed by causalID. Pending entries are never evicted.
type PendingFunc func(causalID string) bool

type tableEntry struct {
	entry domain.AsyncEntry
	seq   uint64
}

// Table pairs the outbound and inbound halves of asynchronous exchanges by
// causal identifier. Either half may arrive first.
type Table struct {
	capacity int
	pending  PendingFunc
	entries  map[string]*tableEntry
	seq      uint64
}

// NewTable creates a table bounded to capacity entries. A nil pending
// function treats every entry as evictable.
func NewTable(capacity int, pending PendingFunc) *Table {
	if capacity <= 0 {
		capacity = DefaultTableCapacity
	}
	if pending == nil {
		pending = func(string) bool { return false }
	}
	return &Table{
		capacity: capacity,
		pending:  pending,
		entries:  make(map[string]*tableEntry),
	}
}

// Record stores one half of an exchange. A later half for the same direction
// replaces the earlier one. It returns the causal ids evicted to stay within
// capacity.
func (t *Table) Record(causalID string, dir domain.Direction, half domain.AsyncHalf) []string {
	e, ok := t.entries[causalID]
	if !ok {
		t.seq++
		e = &tableEntry{entry: domain.AsyncEntry{CausalID: causalID}, seq: t.seq}
		t.entries[causalID] = e
	}

	h := half
	switch dir {
	case domain.DirectionOutbound:
		e.entry.Outbound = &h
	case domain.DirectionInbound:
		e.entry.Inbound = &h
	}

	if len(t.entries) <= t.capacity {
		return nil
	}
	return t.evict(causalID)
}

// Consume removes and returns whatever halves exist for causalID.
func (t *Table) Consume(causalID string) (domain.AsyncEntry, bool) {
	e, ok := t.entries[causalID]
	if !ok {
		return domain.AsyncEntry{}, false
	}
	delete(t.entries, causalID)
	return e.entry, true
}

// Peek returns the entry for causalID without removing it.
func (t *Table) Peek(causalID string) (domain.AsyncEntry, bool) {
	e, ok := t.entries[causalID]
	if !ok {
		return domain.AsyncEntry{}, false
	}
	return e.entry, true
}

// Len returns the number of open exchanges.
func (t *Table) Len() int {
	return len(t.entries)
}

// evict drops the oldest half of the evictable entries. The entry that
// triggered eviction is kept.
func (t *Table) evict(keep string) []string {
	candidates := make([]*tableEntry, 0, len(t.entries))
	for id, e := range t.entries {
		if id == keep || t.pending(id) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].seq < candidates[j].seq
	})

	n := len(t.entries) / 2
	if n > len(candidates) {
		n = len(candidates)
	}
	if n == 0 {
		n = 1
	}

	evicted := make([]string, 0, n)
	for _, e := range candidates[:n] {
		delete(t.entries, e.entry.CausalID)
		evicted = append(evicted, e.entry.CausalID)
	}
	return evicted
}
