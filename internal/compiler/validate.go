package compiler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/statekit/internal/ir"
	"github.com/roach88/statekit/internal/selector"
	"github.com/roach88/statekit/internal/task"
)

// Validation error codes (E200-E299)
const (
	ErrModuleName         = "E201" // module name missing or malformed
	ErrDuplicateName      = "E202" // duplicate action/selector/task name
	ErrInvalidPath        = "E203" // path does not normalize
	ErrInvalidExpr        = "E204" // expression does not parse
	ErrIncompleteTrait    = "E205" // trait kind missing its required field
	ErrDuplicateTarget    = "E206" // two traits normalize to one target
	ErrSelfLink           = "E207" // link copies a path onto itself
	ErrInvalidTaskMode    = "E208" // unknown mode or negative concurrency
	ErrInvalidEquality    = "E209" // unknown or unsupported selector equality
	ErrUnboundIdentifier  = "E210" // expression uses a binding its site does not provide
	ErrEmptyAction        = "E211" // action assigns nothing
	ErrTraitTargetsAction = "E212" // reducer assigns a trait-owned path
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var moduleNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate validates a compiled module against structural rules.
// Returns all errors found (does not fail-fast).
func Validate(spec *ir.ModuleSpec) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if !moduleNamePattern.MatchString(spec.Name) {
		add("name", ErrModuleName, "module name %q must start with a letter and contain only letters, digits and _", spec.Name)
	}

	traitTargets := make(map[string]string)
	for i, t := range spec.Traits {
		field := fmt.Sprintf("traits[%d]", i)
		target, err := normalizePath(t.Target)
		if err != nil {
			add(field+".target", ErrInvalidPath, "invalid target %q: %v", t.Target, err)
			continue
		}
		if prev, dup := traitTargets[target]; dup {
			add(field+".target", ErrDuplicateTarget, "target %s already declared as %q", target, prev)
		}
		traitTargets[target] = t.Target

		switch t.Kind {
		case ir.TraitComputed:
			if strings.TrimSpace(t.Expr) == "" {
				add(field+".computed", ErrIncompleteTrait, "computed trait %s needs an expression", target)
				break
			}
			errs = append(errs, validateExpr(field+".computed", t.Expr)...)
		case ir.TraitLink:
			from, err := normalizePath(t.From)
			if err != nil {
				add(field+".link", ErrInvalidPath, "invalid link source %q: %v", t.From, err)
				break
			}
			if from == target {
				add(field+".link", ErrSelfLink, "link copies %s onto itself", target)
			}
		case ir.TraitSource:
			if strings.TrimSpace(t.Resource) == "" {
				add(field+".source.resource", ErrIncompleteTrait, "source trait %s needs a resource", target)
			}
			if t.Key != "" {
				errs = append(errs, validateExpr(field+".source.key", t.Key)...)
			}
			for j, d := range t.Deps {
				if _, err := normalizePath(d); err != nil {
					add(fmt.Sprintf("%s.source.deps[%d]", field, j), ErrInvalidPath, "invalid dependency %q: %v", d, err)
				}
			}
		default:
			add(field+".kind", ErrIncompleteTrait, "unknown trait kind %q", t.Kind)
		}
	}

	actionNames := make(map[string]bool)
	for i, a := range spec.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if actionNames[a.Name] {
			add(field+".name", ErrDuplicateName, "duplicate action name: %q", a.Name)
		}
		actionNames[a.Name] = true
		if len(a.Assign) == 0 {
			add(field+".assign", ErrEmptyAction, "action %q assigns nothing", a.Name)
		}
		errs = append(errs, validateAssignments(field+".assign", a.Assign, traitTargets, ScopePayload)...)
	}

	selectorIDs := make(map[string]bool)
	for i, s := range spec.Selectors {
		field := fmt.Sprintf("selectors[%d]", i)
		if selectorIDs[s.ID] {
			add(field+".id", ErrDuplicateName, "duplicate selector id: %q", s.ID)
		}
		selectorIDs[s.ID] = true
		errs = append(errs, validateExpr(field+".expr", s.Expr)...)
		for j, r := range s.Reads {
			if _, err := normalizePath(r); err != nil {
				add(fmt.Sprintf("%s.reads[%d]", field, j), ErrInvalidPath, "invalid read path %q: %v", r, err)
			}
		}
		if _, _, err := selector.ParseEquality(s.Equality); err != nil || s.Equality == "custom" {
			add(field+".equality", ErrInvalidEquality, "equality %q is not supported in declarations (want identity|shallow|deep)", s.Equality)
		}
	}

	taskNames := make(map[string]bool)
	for i, t := range spec.Tasks {
		field := fmt.Sprintf("tasks[%d]", i)
		if taskNames[t.Name] {
			add(field+".name", ErrDuplicateName, "duplicate task name: %q", t.Name)
		}
		taskNames[t.Name] = true
		if err := task.ValidateMode(t.Mode); err != nil {
			add(field+".mode", ErrInvalidTaskMode, "%v", err)
		}
		if t.Concurrency < 0 {
			add(field+".concurrency", ErrInvalidTaskMode, "concurrency must be >= 0, got %d", t.Concurrency)
		}
		errs = append(errs, validateAssignments(field+".pending.assign", t.Pending, traitTargets, ScopePayload)...)
		errs = append(errs, validateAssignments(field+".success.assign", t.Success, traitTargets, ScopePayload, ScopeResult)...)
		errs = append(errs, validateAssignments(field+".failure.assign", t.Failure, traitTargets, ScopePayload, ScopeError)...)
	}

	return errs
}

// validateAssignments checks paths and expressions of reducer-style writes.
// allowed lists the bindings the site provides besides state.
func validateAssignments(field string, assign []ir.Assignment, traitTargets map[string]string, allowed ...string) []ValidationError {
	var errs []ValidationError
	for j, a := range assign {
		f := fmt.Sprintf("%s[%d]", field, j)
		p, err := normalizePath(a.Path)
		if err != nil {
			errs = append(errs, ValidationError{Field: f + ".path", Code: ErrInvalidPath, Message: fmt.Sprintf("invalid path %q: %v", a.Path, err)})
		} else if _, owned := traitTargets[p]; owned {
			errs = append(errs, ValidationError{Field: f + ".path", Code: ErrTraitTargetsAction, Message: fmt.Sprintf("%s is owned by a trait", p)})
		}
		errs = append(errs, validateExpr(f+".expr", a.Expr, allowed...)...)
	}
	return errs
}

// validateExpr checks that src parses and only uses the allowed bindings.
func validateExpr(field, src string, allowed ...string) []ValidationError {
	e, err := ParseExpr(src)
	if err != nil {
		return []ValidationError{{Field: field, Code: ErrInvalidExpr, Message: err.Error()}}
	}
	var errs []ValidationError
	for _, name := range []string{ScopePayload, ScopeResult, ScopeError} {
		if e.Uses(name) && !slices.Contains(allowed, name) {
			errs = append(errs, ValidationError{
				Field:   field,
				Code:    ErrUnboundIdentifier,
				Message: fmt.Sprintf("%q is not bound here", name),
			})
		}
	}
	return errs
}

func normalizePath(s string) (string, error) {
	p, err := ir.ParsePath(s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}
