// Package fieldpath interns normalized state paths into small integer ids.
//
// A Registry is owned by exactly one module instance and is never shared or
// mutated concurrently; it carries no locks.
package fieldpath

import (
	"fmt"

	"github.com/roach88/statekit/internal/ir"
)

// Registry maps normalized paths to ids and back. Ids are assigned in
// first-seen order starting at 0 and are stable for the registry's lifetime.
type Registry struct {
	paths   []ir.Path
	strs    []string
	roots   []ir.PathID
	reverse map[string]ir.PathID
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{reverse: make(map[string]ir.PathID)}
}

// Intern returns the id for p, assigning one if p has not been seen.
// The root key of p is interned first so every id has a resolvable root.
func (r *Registry) Intern(p ir.Path) (ir.PathID, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	key := p.String()
	if id, ok := r.reverse[key]; ok {
		return id, nil
	}

	root := ir.PathID(len(r.paths))
	if len(p) > 1 {
		var err error
		root, err = r.Intern(p[:1])
		if err != nil {
			return 0, err
		}
	}

	id := ir.PathID(len(r.paths))
	if len(p) == 1 {
		root = id
	}
	r.paths = append(r.paths, p.Clone())
	r.strs = append(r.strs, key)
	r.roots = append(r.roots, root)
	r.reverse[key] = id
	return id, nil
}

// InternString parses s and interns the resulting path.
func (r *Registry) InternString(s string) (ir.PathID, error) {
	p, err := ir.ParsePath(s)
	if err != nil {
		return 0, err
	}
	return r.Intern(p)
}

// MustIntern is like InternString but panics on error.
// Use only in tests or for literal paths known to be valid.
func (r *Registry) MustIntern(s string) ir.PathID {
	id, err := r.InternString(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Lookup consults the reverse index only; it never interns.
// The string must already be in canonical form.
func (r *Registry) Lookup(s string) (ir.PathID, bool) {
	id, ok := r.reverse[s]
	return id, ok
}

// LookupPath is Lookup for a structured path.
func (r *Registry) LookupPath(p ir.Path) (ir.PathID, bool) {
	return r.Lookup(p.String())
}

// Has reports whether id was assigned by this registry.
func (r *Registry) Has(id ir.PathID) bool {
	return id >= 0 && int(id) < len(r.paths)
}

// Path returns the path for id.
func (r *Registry) Path(id ir.PathID) (ir.Path, bool) {
	if !r.Has(id) {
		return nil, false
	}
	return r.paths[id], true
}

// String returns the canonical string for id, or "" when unknown.
func (r *Registry) String(id ir.PathID) string {
	if !r.Has(id) {
		return ""
	}
	return r.strs[id]
}

// RootID returns the id of the top-level key that contains id.
func (r *Registry) RootID(id ir.PathID) (ir.PathID, bool) {
	if !r.Has(id) {
		return 0, false
	}
	return r.roots[id], true
}

// RootKey returns the unescaped top-level key that contains id.
func (r *Registry) RootKey(id ir.PathID) (string, bool) {
	root, ok := r.RootID(id)
	if !ok {
		return "", false
	}
	return r.paths[root][0].Key, true
}

// Len returns the number of interned paths.
func (r *Registry) Len() int {
	return len(r.paths)
}

// Seed interns every top-level key of state plus each extra path string.
// It stops at the first path that cannot be normalized.
func (r *Registry) Seed(state ir.IRObject, extra ...string) error {
	for _, k := range state.SortedKeys() {
		if _, err := r.Intern(ir.Path{ir.Key(k)}); err != nil {
			return fmt.Errorf("seed root %q: %w", k, err)
		}
	}
	for _, s := range extra {
		if _, err := r.InternString(s); err != nil {
			return fmt.Errorf("seed path %q: %w", s, err)
		}
	}
	return nil
}
