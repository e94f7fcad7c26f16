package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/statekit/internal/ir"
)

// CompileModule parses a CUE value into a ModuleSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the module struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`module: Counter: { state: { count: 0 } }`)
//	spec, err := CompileModule(v.LookupPath(cue.ParsePath("module.Counter")))
func CompileModule(v cue.Value) (*ir.ModuleSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.ModuleSpec{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].Unquoted()
	}

	// state is optional; an absent state is an empty object
	spec.Initial = ir.IRObject{}
	if stateVal := v.LookupPath(cue.ParsePath("state")); stateVal.Exists() {
		initial, err := FromCUE(stateVal)
		if err != nil {
			return nil, fieldError("state", err, stateVal.Pos())
		}
		obj, ok := initial.(ir.IRObject)
		if !ok {
			return nil, &CompileError{Field: "state", Message: "state must be a struct", Pos: stateVal.Pos()}
		}
		spec.Initial = obj
	}

	var err error
	if spec.Actions, err = parseActions(v); err != nil {
		return nil, err
	}
	if spec.Traits, err = parseTraits(v); err != nil {
		return nil, err
	}
	if spec.Selectors, err = parseSelectors(v); err != nil {
		return nil, err
	}
	if spec.Tasks, err = parseTasks(v); err != nil {
		return nil, err
	}
	return spec, nil
}

// parseActions extracts reducers. Assignment order follows declaration
// order.
func parseActions(v cue.Value) ([]ir.ActionSpec, error) {
	var actions []ir.ActionSpec
	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return actions, nil
	}

	iter, err := actionsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		assign, err := parseAssignments(iter.Value().LookupPath(cue.ParsePath("assign")), "actions."+name+".assign")
		if err != nil {
			return nil, err
		}
		actions = append(actions, ir.ActionSpec{Name: name, Assign: assign})
	}
	return actions, nil
}

func parseAssignments(v cue.Value, field string) ([]ir.Assignment, error) {
	var out []ir.Assignment
	if !v.Exists() {
		return out, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, fieldError(field, err, v.Pos())
	}
	for iter.Next() {
		expr, err := iter.Value().String()
		if err != nil {
			return nil, &CompileError{
				Field:   field + "." + iter.Selector().Unquoted(),
				Message: "assignment must be an expression string",
				Pos:     iter.Value().Pos(),
			}
		}
		out = append(out, ir.Assignment{Path: iter.Selector().Unquoted(), Expr: expr})
	}
	return out, nil
}

// parseTraits extracts trait entries. Each entry has exactly one of
// computed, link or source.
func parseTraits(v cue.Value) ([]ir.TraitSpec, error) {
	var traits []ir.TraitSpec
	traitsVal := v.LookupPath(cue.ParsePath("traits"))
	if !traitsVal.Exists() {
		return traits, nil
	}

	iter, err := traitsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		target := iter.Selector().Unquoted()
		tv := iter.Value()
		field := "traits." + target

		ts := ir.TraitSpec{Target: target}
		found := 0
		if cv := tv.LookupPath(cue.ParsePath("computed")); cv.Exists() {
			found++
			ts.Kind = ir.TraitComputed
			if ts.Expr, err = cv.String(); err != nil {
				return nil, &CompileError{Field: field + ".computed", Message: "computed must be an expression string", Pos: cv.Pos()}
			}
		}
		if lv := tv.LookupPath(cue.ParsePath("link")); lv.Exists() {
			found++
			ts.Kind = ir.TraitLink
			if ts.From, err = lv.String(); err != nil {
				return nil, &CompileError{Field: field + ".link", Message: "link must be a path string", Pos: lv.Pos()}
			}
		}
		if sv := tv.LookupPath(cue.ParsePath("source")); sv.Exists() {
			found++
			ts.Kind = ir.TraitSource
			if err := parseSource(sv, field+".source", &ts); err != nil {
				return nil, err
			}
		}
		if found != 1 {
			return nil, &CompileError{
				Field:   field,
				Message: "trait must declare exactly one of computed, link or source",
				Pos:     tv.Pos(),
			}
		}
		traits = append(traits, ts)
	}
	return traits, nil
}

func parseSource(v cue.Value, field string, ts *ir.TraitSpec) error {
	res := v.LookupPath(cue.ParsePath("resource"))
	if !res.Exists() {
		return &CompileError{Field: field + ".resource", Message: "source resource is required", Pos: v.Pos()}
	}
	var err error
	if ts.Resource, err = res.String(); err != nil {
		return fieldError(field+".resource", err, res.Pos())
	}
	if kv := v.LookupPath(cue.ParsePath("key")); kv.Exists() {
		if ts.Key, err = kv.String(); err != nil {
			return fieldError(field+".key", err, kv.Pos())
		}
	}
	if dv := v.LookupPath(cue.ParsePath("deps")); dv.Exists() {
		if ts.Deps, err = parseStrings(dv, field+".deps"); err != nil {
			return err
		}
	}
	return nil
}

func parseSelectors(v cue.Value) ([]ir.SelectorSpec, error) {
	var selectors []ir.SelectorSpec
	selVal := v.LookupPath(cue.ParsePath("selectors"))
	if !selVal.Exists() {
		return selectors, nil
	}

	iter, err := selVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		id := iter.Selector().Unquoted()
		sv := iter.Value()
		field := "selectors." + id
		ss := ir.SelectorSpec{ID: id}

		// shorthand: selectors: count: "state.count"
		if s, err := sv.String(); err == nil {
			ss.Expr = s
			selectors = append(selectors, ss)
			continue
		}

		ev := sv.LookupPath(cue.ParsePath("expr"))
		if !ev.Exists() {
			return nil, &CompileError{Field: field + ".expr", Message: "selector expr is required", Pos: sv.Pos()}
		}
		if ss.Expr, err = ev.String(); err != nil {
			return nil, fieldError(field+".expr", err, ev.Pos())
		}
		if rv := sv.LookupPath(cue.ParsePath("reads")); rv.Exists() {
			if ss.Reads, err = parseStrings(rv, field+".reads"); err != nil {
				return nil, err
			}
		}
		if eq := sv.LookupPath(cue.ParsePath("equality")); eq.Exists() {
			if ss.Equality, err = eq.String(); err != nil {
				return nil, fieldError(field+".equality", err, eq.Pos())
			}
		}
		selectors = append(selectors, ss)
	}
	return selectors, nil
}

func parseTasks(v cue.Value) ([]ir.TaskSpec, error) {
	var tasks []ir.TaskSpec
	tasksVal := v.LookupPath(cue.ParsePath("tasks"))
	if !tasksVal.Exists() {
		return tasks, nil
	}

	iter, err := tasksVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		tv := iter.Value()
		field := "tasks." + name
		ts := ir.TaskSpec{Name: name, Mode: "task"}

		if mv := tv.LookupPath(cue.ParsePath("mode")); mv.Exists() {
			if ts.Mode, err = mv.String(); err != nil {
				return nil, fieldError(field+".mode", err, mv.Pos())
			}
		}
		if cv := tv.LookupPath(cue.ParsePath("concurrency")); cv.Exists() {
			n, err := cv.Int64()
			if err != nil {
				return nil, fieldError(field+".concurrency", err, cv.Pos())
			}
			ts.Concurrency = int(n)
		}
		for phase, dst := range map[string]*[]ir.Assignment{
			"pending": &ts.Pending,
			"success": &ts.Success,
			"failure": &ts.Failure,
		} {
			if *dst, err = parseAssignments(tv.LookupPath(cue.ParsePath(phase+".assign")), field+"."+phase+".assign"); err != nil {
				return nil, err
			}
		}
		tasks = append(tasks, ts)
	}
	return tasks, nil
}

func parseStrings(v cue.Value, field string) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, fieldError(field, err, v.Pos())
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, fieldError(field, err, iter.Value().Pos())
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadResult contains the modules compiled from a directory or source.
type LoadResult struct {
	Modules   []ir.ModuleSpec
	CUEValue  cue.Value
	FileCount int
}

// LoadDir loads every CUE file in dir as one instance and compiles each
// entry under module:. Compilation errors are collected, not fail-fast.
func LoadDir(dir string) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("specs directory %s: %w", dir, err)}
	}
	if !info.IsDir() {
		return nil, []error{fmt.Errorf("not a directory: %s", dir)}
	}
	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("scan %s: %w", dir, err)}
	}
	if len(files) == 0 {
		return nil, []error{fmt.Errorf("no CUE files found in %s", dir)}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{fmt.Errorf("no CUE instances loaded from %s", dir)}
	}
	if err := instances[0].Err; err != nil {
		return nil, []error{formatCUEError(err)}
	}
	value := ctx.BuildInstance(instances[0])
	res, errs := compileAll(value)
	if res != nil {
		res.FileCount = len(files)
	}
	return res, errs
}

// LoadSource compiles every module in one CUE source text.
func LoadSource(filename string, src []byte) (*LoadResult, []error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	res, errs := compileAll(value)
	if res != nil {
		res.FileCount = 1
	}
	return res, errs
}

func compileAll(value cue.Value) (*LoadResult, []error) {
	if err := value.Err(); err != nil {
		return nil, []error{formatCUEError(err)}
	}
	result := &LoadResult{CUEValue: value}

	modsVal := value.LookupPath(cue.ParsePath("module"))
	if !modsVal.Exists() {
		return result, []error{fmt.Errorf("no modules found (expected module: <Name>: {...})")}
	}
	iter, err := modsVal.Fields()
	if err != nil {
		return result, []error{formatCUEError(err)}
	}

	var errs []error
	for iter.Next() {
		spec, err := CompileModule(iter.Value())
		if err != nil {
			errs = append(errs, fmt.Errorf("module.%s: %w", iter.Selector().Unquoted(), err))
			continue
		}
		result.Modules = append(result.Modules, *spec)
	}
	slices.SortFunc(result.Modules, func(a, b ir.ModuleSpec) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return result, errs
}

// FindCUEFiles walks the directory and returns all .cue file paths.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func fieldError(field string, err error, pos token.Pos) error {
	var ce *CompileError
	if errors.As(err, &ce) {
		if ce.Field == "value" {
			ce.Field = field
		}
		return ce
	}
	return &CompileError{Field: field, Message: err.Error(), Pos: pos}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
