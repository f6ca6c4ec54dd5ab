package broadcast

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/polisai/polis-flow/pkg/domain"
)

// DefaultBodyCacheSize bounds the number of bodies kept for inspection.
const DefaultBodyCacheSize = 2048

// BodyStore keeps the full bodies referenced by recently published steps.
// Least recently used bodies are evicted first.
type BodyStore struct {
	cache *lru.Cache[domain.BodyRef, string]
}

// NewBodyStore creates a store bounded to size bodies.
func NewBodyStore(size int) *BodyStore {
	if size <= 0 {
		size = DefaultBodyCacheSize
	}
	cache, err := lru.New[domain.BodyRef, string](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &BodyStore{cache: cache}
}

// Put stores every blob.
func (s *BodyStore) Put(blobs []domain.BodyBlob) {
	for _, b := range blobs {
		s.cache.Add(b.Ref, b.Data)
	}
}

// Get returns the body for ref.
func (s *BodyStore) Get(ref domain.BodyRef) (string, bool) {
	return s.cache.Get(ref)
}

// Len returns the number of stored bodies.
func (s *BodyStore) Len() int {
	return s.cache.Len()
}
