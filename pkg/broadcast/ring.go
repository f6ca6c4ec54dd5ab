package broadcast

import (
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
)

// DefaultRecentSize is the number of transactions kept for replay.
const DefaultRecentSize = 20

// Recent is a thread-safe fixed-size circular buffer of the latest
// transactions with oldest-first eviction.
type Recent struct {
	items    []domain.Transaction
	head     int // Index of oldest element
	tail     int // Index where next element will be inserted
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRecent creates a ring holding up to capacity transactions.
func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = DefaultRecentSize
	}
	return &Recent{
		items:    make([]domain.Transaction, capacity),
		capacity: capacity,
	}
}

// Add inserts a transaction, evicting the oldest if necessary. It reports
// whether an eviction happened.
func (r *Recent) Add(tx domain.Transaction) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx.Bodies = nil
	r.items[r.tail] = tx
	r.tail = (r.tail + 1) % r.capacity

	if r.size < r.capacity {
		r.size++
		return false
	}
	r.head = (r.head + 1) % r.capacity
	return true
}

// All returns the held transactions from oldest to newest.
func (r *Recent) All() []domain.Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Transaction, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%r.capacity])
	}
	return out
}

// Get returns the held transaction with the given id.
func (r *Recent) Get(id string) (domain.Transaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 0; i < r.size; i++ {
		if tx := r.items[(r.head+i)%r.capacity]; tx.ID == id {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}

// Size returns the current number of transactions held.
func (r *Recent) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of transactions held.
func (r *Recent) Capacity() int {
	return r.capacity
}
