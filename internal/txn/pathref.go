package txn

import (
	"strconv"

	"github.com/roach88/statekit/internal/ir"
)

type refKind uint8

const (
	refNone refKind = iota
	refWildcard
	refID
	refString
	refPath
)

// PathRef is the path argument of RecordPatch. It is one of: no path, the
// wildcard, a previously interned id, a path string, or a structured path.
type PathRef struct {
	kind refKind
	id   ir.PathID
	str  string
	path ir.Path
}

// NoPath records a write whose location is unknown (a custom mutation).
func NoPath() PathRef { return PathRef{} }

// WildcardPath records a whole-state write.
func WildcardPath() PathRef { return PathRef{kind: refWildcard} }

// ByID references an id previously returned by the registry.
func ByID(id ir.PathID) PathRef { return PathRef{kind: refID, id: id} }

// ByString references a path by its string form. It is resolved against the
// registry's reverse index and never interned.
func ByString(s string) PathRef { return PathRef{kind: refString, str: s} }

// ByPath references a structured path. It is interned on first use.
func ByPath(p ir.Path) PathRef { return PathRef{kind: refPath, path: p} }

func (r PathRef) String() string {
	switch r.kind {
	case refWildcard:
		return ir.Wildcard
	case refID:
		return "#" + strconv.Itoa(int(r.id))
	case refString:
		return r.str
	case refPath:
		return r.path.String()
	default:
		return ""
	}
}

// PatchOption fills optional fields of a patch record.
type PatchOption func(*ir.PatchRecord)

// From records the value before the write.
func From(v ir.IRValue) PatchOption {
	return func(r *ir.PatchRecord) { r.From = v }
}

// To records the value after the write.
func To(v ir.IRValue) PatchOption {
	return func(r *ir.PatchRecord) { r.To = v }
}

// Step tags the patch with the trait step that produced it.
func Step(id string) PatchOption {
	return func(r *ir.PatchRecord) { r.StepID = id }
}

// TraitNode tags the patch with the trait node that produced it.
func TraitNode(id string) PatchOption {
	return func(r *ir.PatchRecord) { r.TraitNodeID = id }
}
