package engine

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/statekit/internal/ir"
)

// cascade is the chain of commits caused by one external Transact call.
type cascade struct {
	id    string
	quota *QuotaEnforcer
}

type cascadeKey struct{}

var cascadeSeq atomic.Int64

// cascadeFor returns the cascade ctx belongs to, or starts a new one.
// root is true when the caller owns the new cascade.
func (m *Module) cascadeFor(ctx context.Context) (c *cascade, _ context.Context, root bool) {
	if c, ok := ctx.Value(cascadeKey{}).(*cascade); ok {
		return c, ctx, false
	}
	c = &cascade{
		id:    "cascade-" + strconv.FormatInt(cascadeSeq.Add(1), 10),
		quota: NewQuotaEnforcer(m.cfg.maxSteps),
	}
	return c, context.WithValue(ctx, cascadeKey{}, c), true
}

// valueHash identifies a committed trait value for cycle detection.
func valueHash(v ir.IRValue) string {
	if v == nil {
		return "absent"
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return "unhashable"
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
