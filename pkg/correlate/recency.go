package correlate

// DefaultRecencyLimit bounds the number of identifiers remembered for
// deduplication.
const DefaultRecencyLimit = 5000

// RecencySet remembers the most recently seen identifiers. When an insert
// would exceed the bound, the oldest half of the set is forgotten at once so
// eviction cost is amortised over many inserts.
type RecencySet struct {
	limit     int
	seen      map[string]struct{}
	order     []string
	evictions int
}

// NewRecencySet creates a set bounded to limit identifiers.
func NewRecencySet(limit int) *RecencySet {
	if limit <= 0 {
		limit = DefaultRecencyLimit
	}
	return &RecencySet{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
		order: make([]string, 0, limit),
	}
}

// Add records id and reports whether it was new. A false return means the
// identifier is a duplicate within the current window.
func (s *RecencySet) Add(id string) bool {
	if _, ok := s.seen[id]; ok {
		return false
	}
	if len(s.order)+1 > s.limit {
		s.evictOldestHalf()
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

// Contains reports whether id is inside the current window.
func (s *RecencySet) Contains(id string) bool {
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of remembered identifiers.
func (s *RecencySet) Len() int {
	return len(s.order)
}

// Limit returns the configured bound.
func (s *RecencySet) Limit() int {
	return s.limit
}

// Evictions returns how many half-evictions have happened.
func (s *RecencySet) Evictions() int {
	return s.evictions
}

func (s *RecencySet) evictOldestHalf() {
	n := len(s.order) / 2
	if n == 0 {
		n = len(s.order)
	}
	for _, id := range s.order[:n] {
		delete(s.seen, id)
	}
	kept := make([]string, len(s.order)-n, s.limit)
	copy(kept, s.order[n:])
	s.order = kept
	s.evictions++
}
