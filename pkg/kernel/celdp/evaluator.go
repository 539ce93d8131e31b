package celdp

import (
	"strings"

	"github.com/google/cel-go/cel"
)

// Evaluator runs single expressions under the deterministic profile,
// validating before compiling. The policy engine compiles whole capsules
// itself; this standalone form serves ad hoc evaluation (conformance
// vectors, operator tooling).
type Evaluator struct {
	validator *Validator
	env       *cel.Env
}

// Result is either a value or a structured evaluation error, never both.
type Result struct {
	Value interface{}
	Error *EvalError
}

// EvalError is a deterministic, comparable evaluation failure. Two nodes
// evaluating the same rule over the same input produce the same EvalError.
type EvalError struct {
	ErrorCode       string `json:"error_code"`
	JSONPointerPath string `json:"json_pointer_path"`
	Message         string `json:"message"`
}

func NewEvaluator() (*Evaluator, error) {
	// Capsule rules see the envelope plus ambient context as "input".
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	return &Evaluator{validator: &Validator{env: env}, env: env}, nil
}

// Evaluate validates, compiles, and runs source against input. Profile
// violations and runtime failures are reported in the Result; only
// malformed source returns an error.
func (e *Evaluator) Evaluate(source string, input interface{}) (*Result, error) {
	validation, err := e.validator.Validate(source)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		msgs := make([]string, len(validation.Issues))
		for i, issue := range validation.Issues {
			msgs[i] = issue.Message
		}
		return &Result{Error: &EvalError{
			ErrorCode: "CONCORD/POLICY/CEL/VALIDATION_FAILED",
			Message:   strings.Join(msgs, "; "),
		}}, nil
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	val, _, err := prg.Eval(input)
	if err != nil {
		return &Result{Error: &EvalError{
			ErrorCode: "CONCORD/POLICY/CEL/RUNTIME_ERROR",
			Message:   err.Error(),
		}}, nil
	}
	return &Result{Value: val.Value()}, nil
}

// Initial is the stable sort key prefix of an EvalError.
func (e *EvalError) Initial() string {
	return e.ErrorCode + e.JSONPointerPath
}

// CompareErrors totally orders EvalErrors so every node picks the same
// representative error when several rules fail.
func CompareErrors(a, b EvalError) int {
	if cmp := strings.Compare(a.ErrorCode, b.ErrorCode); cmp != 0 {
		return cmp
	}
	return strings.Compare(a.JSONPointerPath, b.JSONPointerPath)
}
