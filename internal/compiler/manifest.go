package compiler

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/trait"
)

// BuildManifest describes a module as a digest-keyed artifact. Two specs
// that install the same fields, actions, trait plan, selectors and tasks
// produce the same digest regardless of declaration order.
func BuildManifest(spec *ir.ModuleSpec) (ir.Manifest, error) {
	prog, err := Build(spec)
	if err != nil {
		return ir.Manifest{}, err
	}
	plan, err := trait.Compile(prog.Definition.Traits)
	if err != nil {
		return ir.Manifest{}, fmt.Errorf("compile traits: %w", err)
	}

	fields := spec.Initial.SortedKeys()
	for _, s := range plan.Steps {
		if !slices.Contains(fields, s.TargetFieldPath) {
			fields = append(fields, s.TargetFieldPath)
		}
	}
	slices.Sort(fields)

	actions := make([]string, 0, len(spec.Actions))
	for _, a := range spec.Actions {
		actions = append(actions, a.Name)
	}
	slices.Sort(actions)

	selectors := slices.Clone(spec.Selectors)
	slices.SortFunc(selectors, func(a, b ir.SelectorSpec) int { return strings.Compare(a.ID, b.ID) })
	for i := range selectors {
		if len(selectors[i].Reads) == 0 {
			if e, err := ParseExpr(selectors[i].Expr); err == nil {
				selectors[i].Reads = e.Reads()
			}
		}
		if selectors[i].Reads == nil {
			selectors[i].Reads = []string{}
		}
	}

	tasks := slices.Clone(spec.Tasks)
	slices.SortFunc(tasks, func(a, b ir.TaskSpec) int { return strings.Compare(a.Name, b.Name) })

	m := ir.Manifest{
		ManifestVersion: ir.ManifestVersion,
		EngineVersion:   ir.EngineVersion,
		Module:          spec.Name,
		Fields:          fields,
		Actions:         actions,
		Plan:            plan,
		Selectors:       selectors,
		Tasks:           tasks,
	}
	digest, err := ir.ManifestDigest(m)
	if err != nil {
		return ir.Manifest{}, err
	}
	m.Digest = digest
	return m, nil
}

// MarshalManifest renders a manifest as indented JSON with a trailing
// newline, the on-disk artifact format.
func MarshalManifest(m ir.Manifest) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append(b, '\n'), nil
}
