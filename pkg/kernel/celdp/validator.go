// Package celdp is the deterministic CEL profile policy capsules compile
// under. Rules that could make two engine_hash-equal nodes disagree on an
// evaluation digest are rejected before they ever run: floating-point
// literals, wall-clock reads, and map-order-dependent iteration.
package celdp

import (
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// forbiddenCalls maps function names to the reason they break cross-node
// determinism.
var forbiddenCalls = map[string]string{
	"now":    "now() reads the wall clock",
	"keys":   "map key iteration order is unspecified",
	"values": "map value iteration order is unspecified",
}

// Issue is one determinism violation found in a rule.
type Issue struct {
	Message  string
	Severity string
}

// ValidationResult reports whether a rule conforms to the profile.
type ValidationResult struct {
	Valid  bool
	Issues []Issue
}

// Validator parses rule sources and walks their ASTs for violations.
type Validator struct {
	env *cel.Env
}

func NewValidator() (*Validator, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}
	return &Validator{env: env}, nil
}

// Validate parses source and reports every profile violation in it. A
// parse failure is returned as an error; violations come back in the
// result so callers can report them all at once.
func (v *Validator) Validate(source string) (*ValidationResult, error) {
	ast, issues := v.env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	result := &ValidationResult{Valid: true, Issues: []Issue{}}
	walk(ast.Expr(), result) //nolint:staticcheck // exprpb traversal has no non-deprecated equivalent
	if len(result.Issues) > 0 {
		result.Valid = false
	}
	return result, nil
}

func (r *ValidationResult) flag(message string) {
	r.Issues = append(r.Issues, Issue{Message: message, Severity: "ERROR"})
}

func walk(e *exprpb.Expr, result *ValidationResult) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, isDouble := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); isDouble {
			result.flag("floating-point literals are outside the deterministic profile")
		}

	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if reason, banned := forbiddenCalls[call.Function]; banned {
			result.flag(call.Function + "() is forbidden: " + reason)
		}
		walk(call.Target, result)
		for _, arg := range call.Args {
			walk(arg, result)
		}

	case *exprpb.Expr_SelectExpr:
		walk(k.SelectExpr.Operand, result)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walk(el, result)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if key := entry.GetMapKey(); key != nil {
				walk(key, result)
			}
			walk(entry.Value, result)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walk(comp.IterRange, result)
		walk(comp.AccuInit, result)
		walk(comp.LoopCondition, result)
		walk(comp.LoopStep, result)
		walk(comp.Result, result)
	}
}
