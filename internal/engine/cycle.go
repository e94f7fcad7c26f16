package engine

import "sync"

// CycleDetector tracks trait writes per cascade to stop oscillation.
//
// A cycle occurs when the same trait step would commit the same value
// twice inside one cascade. That happens when links or computed traits
// feed each other and flip between a fixed set of values:
//
//	a changes → link b=a commits → computed a=f(b) commits the old a
//	→ link b=a would commit the same value again ← CYCLE DETECTED
//
// The detector keeps, per cascade id, the (step, value hash) pairs that
// have already committed. Cascades that converge never revisit a pair.
type CycleDetector struct {
	mu      sync.Mutex
	history map[string]map[string]bool // map[cascade]map[cycle_key]bool
}

// NewCycleDetector creates a new cycle detector.
func NewCycleDetector() *CycleDetector {
	return &CycleDetector{
		history: make(map[string]map[string]bool),
	}
}

// WouldCycle reports whether (stepID, valueHash) already committed in
// this cascade.
func (c *CycleDetector) WouldCycle(cascade, stepID, valueHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.history[cascade] == nil {
		return false
	}
	return c.history[cascade][stepID+":"+valueHash]
}

// Record marks that (stepID, valueHash) committed in this cascade.
func (c *CycleDetector) Record(cascade, stepID, valueHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.history[cascade] == nil {
		c.history[cascade] = make(map[string]bool)
	}
	c.history[cascade][stepID+":"+valueHash] = true
}

// Clear removes all history for a cascade. Called when the cascade's
// initiating Transact returns.
func (c *CycleDetector) Clear(cascade string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.history, cascade)
}

// HistorySize returns the number of cascades with tracked history.
func (c *CycleDetector) HistorySize() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.history)
}

// CascadeHistorySize returns the number of pairs tracked for a cascade.
func (c *CycleDetector) CascadeHistorySize(cascade string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.history[cascade])
}
