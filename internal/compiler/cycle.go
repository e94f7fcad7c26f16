package compiler

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/statekit/internal/ir"
)

// CycleWarning represents a potential cycle between traits.
//
// Cycles are warnings, not errors, because they may converge: a computed
// trait that clamps a value it also reads settles after one extra commit.
// Runaway cycles are stopped at runtime by the cascade quota.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["a", "b", "a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles reports every group of traits that can re-trigger each
// other. Trait B depends on trait A when one of B's reads overlaps A's
// target; each strongly connected component of that graph with more than
// one node, or with a self-edge, becomes one warning. Warnings are ordered
// by their first node.
func AnalyzeCycles(spec *ir.ModuleSpec) []CycleWarning {
	if spec == nil || len(spec.Traits) == 0 {
		return []CycleWarning{}
	}

	graph := buildDependencyGraph(spec.Traits)
	sccs := tarjanSCC(graph)

	warnings := []CycleWarning{}
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	slices.SortFunc(warnings, func(a, b CycleWarning) int {
		return strings.Compare(a.Path[0], b.Path[0])
	})
	return warnings
}

// dependencyGraph maps a trait target to the targets that re-run when it
// changes.
type dependencyGraph map[string][]string

// traitReads returns the paths a trait reads. whole is true when the trait
// reads the whole state.
func traitReads(t ir.TraitSpec) (reads []string, whole bool) {
	switch t.Kind {
	case ir.TraitComputed:
		e, err := ParseExpr(t.Expr)
		if err != nil {
			return nil, false
		}
		return e.Reads(), e.ReadsWholeState()
	case ir.TraitLink:
		return []string{t.From}, false
	case ir.TraitSource:
		return t.Deps, false
	}
	return nil, false
}

// buildDependencyGraph adds an edge producer -> consumer for every trait
// whose reads overlap another trait's target. Unparseable targets are
// skipped; Validate reports them.
func buildDependencyGraph(traits []ir.TraitSpec) dependencyGraph {
	graph := make(dependencyGraph)

	targets := make([]ir.Path, 0, len(traits))
	for _, t := range traits {
		p, err := ir.ParsePath(t.Target)
		if err != nil {
			continue
		}
		targets = append(targets, p)
		if graph[p.String()] == nil {
			graph[p.String()] = []string{}
		}
	}

	for _, t := range traits {
		consumer, err := ir.ParsePath(t.Target)
		if err != nil {
			continue
		}
		reads, whole := traitReads(t)
		for _, producer := range targets {
			if whole || readsOverlap(reads, producer) {
				key := producer.String()
				if !slices.Contains(graph[key], consumer.String()) {
					graph[key] = append(graph[key], consumer.String())
				}
			}
		}
	}

	for k := range graph {
		slices.Sort(graph[k])
	}
	return graph
}

func readsOverlap(reads []string, target ir.Path) bool {
	for _, r := range reads {
		p, err := ir.ParsePath(r)
		if err != nil {
			continue
		}
		if p.HasPrefix(target) || target.HasPrefix(p) {
			return true
		}
	}
	return false
}

func hasSelfLoop(node string, graph dependencyGraph) bool {
	return slices.Contains(graph[node], node)
}

// sccFinder holds the bookkeeping of one Tarjan pass.
type sccFinder struct {
	graph   dependencyGraph
	next    int
	index   map[string]int
	low     map[string]int
	onStack map[string]bool
	stack   []string
	sccs    [][]string
}

// tarjanSCC returns the strongly connected components of graph. Nodes are
// visited in sorted order so the result is deterministic.
func tarjanSCC(graph dependencyGraph) [][]string {
	f := &sccFinder{
		graph:   graph,
		index:   make(map[string]int, len(graph)),
		low:     make(map[string]int, len(graph)),
		onStack: make(map[string]bool, len(graph)),
	}
	for _, node := range slices.Sorted(maps.Keys(graph)) {
		if _, seen := f.index[node]; !seen {
			f.visit(node)
		}
	}
	return f.sccs
}

func (f *sccFinder) visit(v string) {
	f.index[v], f.low[v] = f.next, f.next
	f.next++
	f.stack = append(f.stack, v)
	f.onStack[v] = true

	for _, w := range f.graph[v] {
		if _, seen := f.index[w]; !seen {
			f.visit(w)
			f.low[v] = min(f.low[v], f.low[w])
		} else if f.onStack[w] {
			f.low[v] = min(f.low[v], f.index[w])
		}
	}

	if f.low[v] != f.index[v] {
		return
	}
	var scc []string
	for {
		w := f.stack[len(f.stack)-1]
		f.stack = f.stack[:len(f.stack)-1]
		f.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	f.sccs = append(f.sccs, scc)
}

func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		target := scc[0]
		return CycleWarning{
			Path:    []string{target, target},
			Message: fmt.Sprintf("Trait reads its own target: %s → %s", target, target),
			Level:   "warning",
		}
	}
	path := cyclePath(scc, graph)
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential trait cycle detected: %s", strings.Join(path, " → ")),
		Level:   "warning",
	}
}

// cyclePath walks from the smallest member of scc along edges that stay
// inside it until the walk returns to the start or runs out of new nodes.
func cyclePath(scc []string, graph dependencyGraph) []string {
	start := slices.Min(scc)
	path := []string{start}
	seen := map[string]bool{start: true}
	for cur := start; ; {
		step := ""
		for _, w := range graph[cur] {
			if slices.Contains(scc, w) && (w == start || !seen[w]) {
				step = w
				break
			}
		}
		if step == "" {
			return path
		}
		path = append(path, step)
		if step == start {
			return path
		}
		seen[step] = true
		cur = step
	}
}
