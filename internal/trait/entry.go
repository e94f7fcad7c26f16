// Package trait installs reactive fields on a module: computed derivations,
// links that copy one path to another, and sources loaded from external
// resources.
//
// A trait Spec is compiled into an ir.TraitPlan ahead of install. Install
// walks the plan and binds each step to the entry it references.
package trait

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/statekit/internal/ir"
)

// Entry is one declared trait. The set of implementations is closed:
// Computed, Link and Source.
type Entry interface {
	Kind() ir.TraitKind
	debug() *ir.DebugInfo
}

// DeriveFunc computes a field from the whole state.
type DeriveFunc func(state ir.IRObject) (ir.IRValue, error)

// KeyFunc computes a resource key from the whole state.
type KeyFunc func(state ir.IRObject) (ir.IRValue, error)

// Computed keeps its target equal to Derive(state). It re-derives after
// every commit; Reads only feeds static cycle analysis.
type Computed struct {
	Derive DeriveFunc
	Reads  []string
	Debug  *ir.DebugInfo
}

// Link copies the value at From to its target whenever From changes.
type Link struct {
	From  string
	Debug *ir.DebugInfo
}

// Source loads its target from a registered resource. It refreshes on
// mount, on demand, and when any path in Deps changes.
type Source struct {
	Resource string
	Key      KeyFunc
	Deps     []string
	Debug    *ir.DebugInfo
}

func (Computed) Kind() ir.TraitKind { return ir.TraitComputed }
func (Link) Kind() ir.TraitKind     { return ir.TraitLink }
func (Source) Kind() ir.TraitKind   { return ir.TraitSource }

func (c Computed) debug() *ir.DebugInfo { return c.Debug }
func (l Link) debug() *ir.DebugInfo     { return l.Debug }
func (s Source) debug() *ir.DebugInfo   { return s.Debug }

// Spec maps a target field path to its entry.
type Spec map[string]Entry

// ResourceLoader loads one resource value by key.
type ResourceLoader func(ctx context.Context, key ir.IRValue) (ir.IRValue, error)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DuplicateTargetError reports two spec keys that normalize to one path.
type DuplicateTargetError struct {
	Target string
	Keys   []string
}

func (e *DuplicateTargetError) Error() string {
	return fmt.Sprintf("duplicate trait target %s (declared as %q)", e.Target, e.Keys)
}

// Compile turns a spec into an install plan. Steps are ordered by
// normalized target path so equal specs always produce equal digests.
//
// Structural conflicts fail here: unparsable paths, duplicate targets and
// malformed steps.
func Compile(spec Spec) (ir.TraitPlan, error) {
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	seen := make(map[string]string, len(spec))
	steps := make([]ir.TraitStep, 0, len(spec))
	for _, key := range keys {
		target, err := normalize(key)
		if err != nil {
			return ir.TraitPlan{}, fmt.Errorf("trait %q: %w", key, err)
		}
		if prev, dup := seen[target]; dup {
			return ir.TraitPlan{}, &DuplicateTargetError{Target: target, Keys: []string{prev, key}}
		}
		seen[target] = key

		step, err := compileStep(target, spec[key])
		if err != nil {
			return ir.TraitPlan{}, fmt.Errorf("trait %q: %w", key, err)
		}
		if err := validate.Struct(step); err != nil {
			return ir.TraitPlan{}, fmt.Errorf("trait %q: invalid step: %w", key, err)
		}
		steps = append(steps, step)
	}

	slices.SortStableFunc(steps, func(a, b ir.TraitStep) int {
		switch {
		case a.TargetFieldPath < b.TargetFieldPath:
			return -1
		case a.TargetFieldPath > b.TargetFieldPath:
			return 1
		}
		return 0
	})

	digest, err := ir.PlanDigest(steps)
	if err != nil {
		return ir.TraitPlan{}, err
	}
	return ir.TraitPlan{Steps: steps, Digest: digest}, nil
}

func compileStep(target string, e Entry) (ir.TraitStep, error) {
	step := ir.TraitStep{TargetFieldPath: target}
	switch e := e.(type) {
	case Computed:
		if e.Derive == nil {
			return step, fmt.Errorf("computed trait has no derive function")
		}
		step.Kind = ir.StepComputedUpdate
		reads, err := normalizeAll(e.Reads)
		if err != nil {
			return step, err
		}
		step.SourceFieldPaths = reads
	case Link:
		from, err := normalize(e.From)
		if err != nil {
			return step, fmt.Errorf("link source: %w", err)
		}
		if from == target {
			return step, fmt.Errorf("link copies %s onto itself", target)
		}
		step.Kind = ir.StepLinkPropagate
		step.SourceFieldPaths = []string{from}
	case Source:
		step.Kind = ir.StepSourceRefresh
		step.ResourceID = e.Resource
		deps, err := normalizeAll(e.Deps)
		if err != nil {
			return step, err
		}
		step.SourceFieldPaths = deps
	case nil:
		return step, fmt.Errorf("nil trait entry")
	default:
		return step, fmt.Errorf("unsupported trait entry %T", e)
	}
	step.DebugInfo = e.debug()
	return step, nil
}

func normalize(s string) (string, error) {
	p, err := ir.ParsePath(s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

func normalizeAll(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		n, err := normalize(s)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}
