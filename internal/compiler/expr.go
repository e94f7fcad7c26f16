package compiler

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/parser"

	"github.com/roach88/statekit/internal/ir"
)

// Identifiers bound while evaluating an expression. Result and error are
// only bound in task success and failure phases.
const (
	ScopeState   = "state"
	ScopePayload = "payload"
	ScopeResult  = "result"
	ScopeError   = "error"
)

// Expr is a parsed CUE expression over the module state (and, for
// reducers, the action payload).
//
// An expression that is only a path into state ("state.user.name") is
// evaluated by direct lookup so the result keeps the identity of the
// stored value.
type Expr struct {
	src        string
	reads      []string
	wholeState bool
	uses       map[string]bool
	direct     ir.Path
}

// ParseExpr parses src and records which top-level state keys it reads.
func ParseExpr(src string) (*Expr, error) {
	node, err := parser.ParseExpr("expr", src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}

	e := &Expr{src: src, uses: make(map[string]bool)}
	roots := make(map[string]struct{})
	// Selector and index nodes already accounted for so their inner
	// "state" ident is not treated as a whole-state read.
	claimed := make(map[*ast.Ident]struct{})

	ast.Walk(node, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.SelectorExpr:
			if id, ok := n.X.(*ast.Ident); ok && id.Name == ScopeState {
				if name, _, err := ast.LabelName(n.Sel); err == nil {
					roots[name] = struct{}{}
					claimed[id] = struct{}{}
				}
			}
		case *ast.IndexExpr:
			if id, ok := n.X.(*ast.Ident); ok && id.Name == ScopeState {
				if lit, ok := n.Index.(*ast.BasicLit); ok {
					if name, err := strconv.Unquote(lit.Value); err == nil {
						roots[name] = struct{}{}
						claimed[id] = struct{}{}
					}
				}
			}
		case *ast.Ident:
			switch n.Name {
			case ScopePayload, ScopeResult, ScopeError:
				e.uses[n.Name] = true
			case ScopeState:
				if _, ok := claimed[n]; !ok {
					e.wholeState = true
				}
			}
		}
		return true
	}, nil)

	for r := range roots {
		e.reads = append(e.reads, r)
	}
	slices.Sort(e.reads)
	e.direct = directPath(node)
	return e, nil
}

// MustParseExpr is like ParseExpr but panics on error.
func MustParseExpr(src string) *Expr {
	e, err := ParseExpr(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Reads returns the sorted top-level state keys the expression reads. It is
// nil when the expression reads the whole state.
func (e *Expr) Reads() []string {
	if e.wholeState {
		return nil
	}
	return e.reads
}

// ReadsWholeState reports whether the expression refers to state as a whole.
func (e *Expr) ReadsWholeState() bool { return e.wholeState }

// Uses reports whether the expression refers to the named binding
// (payload, result or error).
func (e *Expr) Uses(name string) bool { return e.uses[name] }

// directPath returns the state path of an expression made only of field
// selections and literal indexes on state, or nil.
func directPath(node ast.Expr) ir.Path {
	var rev ir.Path
	for cur := node; ; {
		switch n := cur.(type) {
		case *ast.ParenExpr:
			cur = n.X
		case *ast.SelectorExpr:
			name, _, err := ast.LabelName(n.Sel)
			if err != nil {
				return nil
			}
			rev = append(rev, ir.Key(name))
			cur = n.X
		case *ast.IndexExpr:
			lit, ok := n.Index.(*ast.BasicLit)
			if !ok {
				return nil
			}
			if s, err := strconv.Unquote(lit.Value); err == nil {
				rev = append(rev, ir.Key(s))
			} else if i, err := strconv.Atoi(lit.Value); err == nil && i >= 0 {
				rev = append(rev, ir.Index(i))
			} else {
				return nil
			}
			cur = n.X
		case *ast.Ident:
			if n.Name != ScopeState || len(rev) == 0 {
				return nil
			}
			slices.Reverse(rev)
			if _, ok := rev.Root(); !ok {
				return nil
			}
			return rev
		default:
			return nil
		}
	}
}

// Evaluator evaluates expressions with a shared CUE context. A CUE context
// is not safe for concurrent use, so evaluations are serialized.
//
// Each expression is compiled once into an envelope struct that declares
// every binding as a field and places the expression under outField:
//
//	state: _, payload: _, result: _, error: _
//	out: (<expr>)
//
// Bindings are filled into the envelope per evaluation.
type Evaluator struct {
	mu        sync.Mutex
	ctx       *cue.Context
	envelopes map[string]cue.Value
}

const outField = "out"

var bindingNames = []string{ScopeState, ScopePayload, ScopeResult, ScopeError}

// NewEvaluator creates an evaluator with a fresh CUE context.
func NewEvaluator() *Evaluator {
	return &Evaluator{ctx: cuecontext.New(), envelopes: make(map[string]cue.Value)}
}

// Eval evaluates e against state and payload. The result must be concrete
// and float-free.
func (ev *Evaluator) Eval(e *Expr, state ir.IRObject, payload ir.IRValue) (ir.IRValue, error) {
	return ev.EvalWith(e, state, map[string]ir.IRValue{ScopePayload: payload})
}

// EvalWith evaluates e against state and extra named bindings. Missing
// and nil bindings evaluate as null.
func (ev *Evaluator) EvalWith(e *Expr, state ir.IRObject, bindings map[string]ir.IRValue) (ir.IRValue, error) {
	if e.direct != nil {
		v, ok := ir.GetPath(state, e.direct)
		if !ok {
			return ir.IRNull{}, nil
		}
		return v, nil
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()

	env, err := ev.envelope(e)
	if err != nil {
		return nil, err
	}
	for _, name := range bindingNames {
		var v ir.IRValue = state
		if name != ScopeState {
			v = bindings[name]
		}
		if v == nil {
			v = ir.IRNull{}
		}
		enc := ev.ctx.Encode(ir.ToGo(v))
		if err := enc.Err(); err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		env = env.FillPath(cue.ParsePath(name), enc)
	}

	out := env.LookupPath(cue.ParsePath(outField))
	if err := out.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if err := out.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("expression %q is not concrete: %w", e.src, err)
	}
	return FromCUE(out)
}

// envelope returns the compiled envelope for e. Callers hold ev.mu.
func (ev *Evaluator) envelope(e *Expr) (cue.Value, error) {
	if env, ok := ev.envelopes[e.src]; ok {
		return env, nil
	}
	var b strings.Builder
	for _, name := range bindingNames {
		fmt.Fprintf(&b, "%s: _\n", name)
	}
	fmt.Fprintf(&b, "%s: (%s\n)\n", outField, e.src)

	env := ev.ctx.CompileString(b.String(), cue.Filename("expr"))
	if err := env.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	ev.envelopes[e.src] = env
	return env, nil
}

// FromCUE converts a concrete CUE value to an IR value. Floats are rejected.
func FromCUE(v cue.Value) (ir.IRValue, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRBool(b), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRInt(i), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.IRString(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.IRArray{}
		for iter.Next() {
			item, err := FromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, item)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.IRObject{}
		for iter.Next() {
			item, err := FromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Selector().Unquoted()] = item
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   "value",
			Message: "float values are forbidden, use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   "value",
			Message: fmt.Sprintf("value of kind %v is not concrete", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}
