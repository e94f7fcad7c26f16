package testutil

import (
	"fmt"
	"sync"
)

// FixedIDGenerator returns predetermined ids in order, then falls back to
// "<fallback>-<n>" once the list is exhausted.
//
// Thread-safety: Generate is safe for concurrent use.
type FixedIDGenerator struct {
	mu       sync.Mutex
	ids      []string
	idx      int
	fallback string
}

// NewFixedIDGenerator creates a generator over ids. The fallback prefix is
// "id".
func NewFixedIDGenerator(ids ...string) *FixedIDGenerator {
	return &FixedIDGenerator{ids: ids, fallback: "id"}
}

// Generate returns the next id.
func (g *FixedIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.idx++
	if g.idx <= len(g.ids) {
		return g.ids[g.idx-1]
	}
	return fmt.Sprintf("%s-%d", g.fallback, g.idx)
}
