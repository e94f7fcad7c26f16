package trait

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/statekit/internal/ir"
)

// Resources resolves resource ids to loaders for source traits.
//
// Concurrent loads of the same (resource, key) pair share one call.
//
// Thread-safety: all methods are safe for concurrent use.
type Resources struct {
	mu      sync.RWMutex
	loaders map[string]ResourceLoader
	group   singleflight.Group
}

// NewResources creates an empty registry.
func NewResources() *Resources {
	return &Resources{loaders: make(map[string]ResourceLoader)}
}

// Register binds id to l, replacing any previous loader.
func (r *Resources) Register(id string, l ResourceLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[id] = l
}

// Has reports whether id is registered.
func (r *Resources) Has(id string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[id]
	return ok
}

// Load resolves id and loads key. found is false when id is not registered.
func (r *Resources) Load(ctx context.Context, id string, key ir.IRValue) (v ir.IRValue, found bool, err error) {
	if r == nil {
		return nil, false, nil
	}
	r.mu.RLock()
	l, ok := r.loaders[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	flightKey, err := ir.SourceKey(id, key)
	if err != nil {
		return nil, true, fmt.Errorf("resource %s: %w", id, err)
	}

	res, err, _ := r.group.Do(flightKey, func() (result any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("resource %s: loader panicked: %v", id, rec)
			}
		}()
		return l(ctx, key)
	})
	if err != nil {
		return nil, true, err
	}
	if res == nil {
		return ir.IRNull{}, true, nil
	}
	return res.(ir.IRValue), true, nil
}
