// Package sanitypolicy is an optional layer on top of is_child_sane's
// mandatory CPU/memory checks (spec.md §4.4.2 steps 7-8, always
// evaluated): a single CEL expression, configured once for all
// children, that can reject a child the mandatory checks alone would pass — e.g. a
// resident-size-relative-to-baseline ratio tighter than the absolute
// MiB ceiling allows. Grounded on the teacher's
// pkg/typhon/classifier.go for the cel-go environment/compile/Eval
// shape.
//
// A compile error at config load time is fatal, caught once at
// startup. A runtime evaluation error degrades to "this rule
// abstains" — never to "not sane" — since this is an optional rule
// layered on top of the mandatory checks; only a true expression
// result marks a child insane.
package sanitypolicy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Inputs is the struct is_child_sane evaluates the configured
// expression against, once per poll tick.
type Inputs struct {
	UserTime              int64
	SystemTime            int64
	ResidentBytes         int64
	InitialFootprintBytes int64
	SustainedLatencyTicks int64
}

// Policy holds one compiled CEL program. The zero value is not
// usable; build one with Compile.
type Policy struct {
	program cel.Program
	source  string
}

// Compile parses and type-checks expr once. Returns an error if expr
// does not compile or does not evaluate to a bool — the caller should treat this as fatal at config
// load time, never retry it per-tick.
func Compile(expr string) (*Policy, error) {
	env, err := cel.NewEnv(
		cel.Variable("user", cel.IntType),
		cel.Variable("system", cel.IntType),
		cel.Variable("resident", cel.IntType),
		cel.Variable("initial_footprint", cel.IntType),
		cel.Variable("sustained_ticks", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("sanitypolicy: building cel environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("sanitypolicy: compiling %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("sanitypolicy: %q evaluates to %s, not bool", expr, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("sanitypolicy: building program for %q: %w", expr, err)
	}

	return &Policy{program: program, source: expr}, nil
}

// Evaluate runs the compiled expression against in. A true result
// means "reject this child" — the caller should treat it exactly
// like a failed mandatory check. Any evaluation error (a type
// mismatch surfaced only at runtime, a missing variable) abstains:
// returns false, never panics, never propagates an error the caller
// must special-case.
func (p *Policy) Evaluate(in Inputs) bool {
	out, _, err := p.program.Eval(map[string]interface{}{
		"user":              in.UserTime,
		"system":            in.SystemTime,
		"resident":          in.ResidentBytes,
		"initial_footprint": in.InitialFootprintBytes,
		"sustained_ticks":   in.SustainedLatencyTicks,
	})
	if err != nil {
		return false
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false
	}
	return result
}

// Source returns the original CEL expression text, for logging.
func (p *Policy) Source() string {
	return p.source
}
