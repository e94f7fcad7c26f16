package txn

import (
	"sync/atomic"

	"github.com/roach88/statekit/internal/ir"
)

// Cell is the observable state of one module instance.
//
// Reads are lock-free and always return a fully committed tree. Writes happen
// only through Manager.Commit, one per committed transaction.
type Cell struct {
	state   atomic.Pointer[ir.IRObject]
	version atomic.Int64
}

// NewCell creates a cell holding initial. A nil initial becomes an empty object.
func NewCell(initial ir.IRObject) *Cell {
	if initial == nil {
		initial = ir.IRObject{}
	}
	c := &Cell{}
	c.state.Store(&initial)
	return c
}

// Get returns the current committed state. Callers must not mutate it.
func (c *Cell) Get() ir.IRObject {
	return *c.state.Load()
}

// Version returns the number of writes the cell has seen.
func (c *Cell) Version() int64 {
	return c.version.Load()
}

func (c *Cell) set(next ir.IRObject) {
	c.state.Store(&next)
	c.version.Add(1)
}
