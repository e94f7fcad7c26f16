package ir

import (
	"slices"
	"strconv"
)

// OriginKind classifies what opened a transaction.
type OriginKind string

const (
	OriginReducer       OriginKind = "reducer"
	OriginTask          OriginKind = "task"
	OriginTraitComputed OriginKind = "trait-computed"
	OriginTraitLink     OriginKind = "trait-link"
	OriginTraitSource   OriginKind = "trait-source"
	OriginCustom        OriginKind = "custom"
)

// Origin identifies the cause of a transaction.
type Origin struct {
	Kind    OriginKind        `json:"kind"`
	Name    string            `json:"name,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Label renders "kind:name" (or just kind) for logs and traces.
func (o Origin) Label() string {
	if o.Name == "" {
		return string(o.Kind)
	}
	return string(o.Kind) + ":" + o.Name
}

// Detail returns a single details entry.
func (o Origin) Detail(key string) string {
	return o.Details[key]
}

// PathID is a small integer interned for a normalized Path by one
// registry instance.
type PathID int

// DirtyReason explains why a transaction degraded to dirtyAll.
type DirtyReason string

const (
	DirtyCustomMutation    DirtyReason = "customMutation"
	DirtyUnknownWrite      DirtyReason = "unknownWrite"
	DirtyNonTrackablePatch DirtyReason = "nonTrackablePatch"
	DirtyFallbackPolicy    DirtyReason = "fallbackPolicy"
)

// DirtySet summarizes which top-level roots a committed transaction touched.
//
// INVARIANT: either DirtyAll is set with a Reason, or RootIDs holds the
// exact, sorted set of root path ids. It is never partially dirty.
type DirtySet struct {
	DirtyAll  bool        `json:"dirty_all"`
	Reason    DirtyReason `json:"reason,omitempty"`
	RootIDs   []PathID    `json:"root_ids,omitempty"`
	RootCount int         `json:"root_count"`
	KeyHash   uint64      `json:"key_hash,omitempty"`
}

// DirtyAllSet returns a whole-state dirty set with the given reason.
func DirtyAllSet(reason DirtyReason) DirtySet {
	return DirtySet{DirtyAll: true, Reason: reason}
}

// Contains reports whether the root id is dirty. Always true for DirtyAll.
func (d DirtySet) Contains(root PathID) bool {
	if d.DirtyAll {
		return true
	}
	_, found := slices.BinarySearch(d.RootIDs, root)
	return found
}

// String renders a compact form for logs: "all(reason)" or "roots[1,4]".
func (d DirtySet) String() string {
	if d.DirtyAll {
		return "all(" + string(d.Reason) + ")"
	}
	b := []byte("roots[")
	for i, id := range d.RootIDs {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, int64(id), 10)
	}
	return string(append(b, ']'))
}

// PatchReason describes the kind of write a patch records.
type PatchReason string

const (
	PatchSet     PatchReason = "set"
	PatchReplace PatchReason = "replace"
	PatchCustom  PatchReason = "custom"
	PatchTrait   PatchReason = "trait"
)

// PatchRecord is one append-only entry in a transaction's patch log.
// From/To are only populated under full instrumentation.
type PatchRecord struct {
	OpSeq       int         `json:"op_seq"`
	PathID      PathID      `json:"path_id"`
	Resolved    bool        `json:"resolved"`
	Path        string      `json:"path,omitempty"`
	Reason      PatchReason `json:"reason"`
	StepID      string      `json:"step_id,omitempty"`
	TraitNodeID string      `json:"trait_node_id,omitempty"`
	From        IRValue     `json:"from,omitempty"`
	To          IRValue     `json:"to,omitempty"`
}

// StepKind is the kind of an installed trait step.
type StepKind string

const (
	StepComputedUpdate StepKind = "computed-update"
	StepLinkPropagate  StepKind = "link-propagate"
	StepSourceRefresh  StepKind = "source-refresh"
)

// DebugInfo carries declaration-site information for diagnostics.
type DebugInfo struct {
	Label  string `json:"label,omitempty"`
	Source string `json:"source,omitempty"`
}

// TraitStep is one compiled step of a trait plan.
type TraitStep struct {
	Kind             StepKind   `json:"kind" validate:"required,oneof=computed-update link-propagate source-refresh"`
	TargetFieldPath  string     `json:"target_field_path" validate:"required"`
	SourceFieldPaths []string   `json:"source_field_paths,omitempty" validate:"required_if=Kind link-propagate"`
	ResourceID       string     `json:"resource_id,omitempty" validate:"required_if=Kind source-refresh"`
	DebugInfo        *DebugInfo `json:"debug_info,omitempty"`
}

// ID returns the stable step identifier used in patch records.
func (s TraitStep) ID() string {
	return string(s.Kind) + ":" + s.TargetFieldPath
}

// TraitPlan is the ahead-of-time compiled list of trait steps for a module.
type TraitPlan struct {
	Steps  []TraitStep `json:"steps"`
	Digest string      `json:"digest,omitempty"`
}

// TraitKind is the declared kind of a trait entry.
type TraitKind string

const (
	TraitComputed TraitKind = "computed"
	TraitLink     TraitKind = "link"
	TraitSource   TraitKind = "source"
)

// Assignment writes the result of Expr at Path.
type Assignment struct {
	Path string `json:"path"`
	Expr string `json:"expr"`
}

// ActionSpec is a declared reducer: an ordered list of assignments
// evaluated against the pre-action state and payload.
type ActionSpec struct {
	Name   string       `json:"name"`
	Assign []Assignment `json:"assign"`
}

// TraitSpec is a declared reactive field keyed by its target path.
type TraitSpec struct {
	Target   string    `json:"target"`
	Kind     TraitKind `json:"kind"`
	Expr     string    `json:"expr,omitempty"`
	From     string    `json:"from,omitempty"`
	Resource string    `json:"resource,omitempty"`
	Key      string    `json:"key,omitempty"`
	Deps     []string  `json:"deps,omitempty"`
}

// SelectorSpec is a declared selector.
type SelectorSpec struct {
	ID       string   `json:"id"`
	Reads    []string `json:"reads"`
	Expr     string   `json:"expr"`
	Equality string   `json:"equality,omitempty"`
}

// TaskSpec declares a task trigger, its concurrency policy and the writes
// of each run phase. Phase assignments see payload, and result or error in
// the success and failure phases.
type TaskSpec struct {
	Name        string       `json:"name"`
	Mode        string       `json:"mode"`
	Concurrency int          `json:"concurrency,omitempty"`
	Pending     []Assignment `json:"pending,omitempty"`
	Success     []Assignment `json:"success,omitempty"`
	Failure     []Assignment `json:"failure,omitempty"`
}

// ModuleSpec is a compiled module definition.
type ModuleSpec struct {
	Name      string         `json:"name"`
	Initial   IRObject       `json:"initial"`
	Actions   []ActionSpec   `json:"actions,omitempty"`
	Traits    []TraitSpec    `json:"traits,omitempty"`
	Selectors []SelectorSpec `json:"selectors,omitempty"`
	Tasks     []TaskSpec     `json:"tasks,omitempty"`
}

// Manifest is the exported, digest-keyed description of a module.
type Manifest struct {
	ManifestVersion string         `json:"manifest_version"`
	EngineVersion   string         `json:"engine_version"`
	Module          string         `json:"module"`
	Fields          []string       `json:"fields"`
	Actions         []string       `json:"actions"`
	Plan            TraitPlan      `json:"plan"`
	Selectors       []SelectorSpec `json:"selectors"`
	Tasks           []TaskSpec     `json:"tasks"`
	Digest          string         `json:"digest"`
}
