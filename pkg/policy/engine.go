package policy

import (
	"fmt"
	"strings"

	"github.com/concordmesh/kernel/pkg/finance"
	"github.com/concordmesh/kernel/pkg/kernel/celdp"
	"github.com/concordmesh/kernel/pkg/kernel/errorir"
	"github.com/google/cel-go/cel"
)

// Engine compiles and runs a Capsule's rules against an input document,
// metering gas via cel-go's cost tracking.
type Engine struct {
	capsule *Capsule
	env     *cel.Env
	progs   map[string]cel.Program

	costs       finance.Tracker
	costsBudget string // finance.Budget ID, empty when the capsule declares no token cap
}

// NewEngine compiles every rule in capsule once, up front, so Evaluate never
// pays compilation cost per envelope. Each rule source is first run through
// the determinism validator (floating-point literals, now(), map iteration
// are all forbidden) so a capsule that would make engine_hash-equal nodes
// disagree on policy_eval_digest is
// rejected at load time instead of surfacing as a divergence later.
// The capsule's token budget is metered against an in-memory tracker; use
// NewEngineWithTracker to persist gas accounting across process restarts.
func NewEngine(capsule *Capsule) (*Engine, error) {
	return NewEngineWithTracker(capsule, finance.NewInMemoryTracker())
}

// NewEngineWithTracker is NewEngine with the capsule's token-budget
// accounting routed through tracker instead of an in-memory one, so a node
// configured with a SQL-backed ledger driver can
// persist capsule gas consumption the same way it persists leases and the
// economic ledger, surviving process restarts instead of resetting to zero.
func NewEngineWithTracker(capsule *Capsule, tracker finance.Tracker) (*Engine, error) {
	validator, err := celdp.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("policy: determinism validator init: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env failed: %w", err)
	}

	progs := make(map[string]cel.Program, len(capsule.Rules))
	for _, rule := range capsule.Rules {
		result, err := validator.Validate(rule.Expr)
		if err != nil {
			return nil, errorir.NewErrorIR(errorir.CodeCELEvaluationError, "rule failed to parse",
				fmt.Sprintf("rule %q: %v", rule.Name, err), 422, errorir.ClassificationNonRetryable)
		}
		if !result.Valid {
			msgs := make([]string, len(result.Issues))
			for i, issue := range result.Issues {
				msgs[i] = issue.Message
			}
			return nil, errorir.NewErrorIR(errorir.CodeCELEvaluationError, "rule is not deterministic",
				fmt.Sprintf("rule %q: %s", rule.Name, strings.Join(msgs, "; ")), 422, errorir.ClassificationNonRetryable)
		}

		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q compile failed: %w", rule.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.CostLimit(uint64(capsule.GasLimit)),
			cel.InterruptCheckFrequency(100),
			cel.EvalOptions(cel.OptTrackCost),
		)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q program failed: %w", rule.Name, err)
		}
		progs[rule.Name] = prg
	}

	engine := &Engine{capsule: capsule, env: env, progs: progs, costs: tracker}
	if capsule.Budgets.Tokens > 0 {
		engine.costsBudget = capsule.EngineHash
		// In-memory trackers seed their own budget row; a SQL-backed tracker
		// (finance.PostgresTracker) expects the operator to have provisioned
		// the capsule_budgets row for this engine_hash out of band, the same
		// way lease/ledger tables are migrated ahead of time.
		if mem, ok := tracker.(*finance.InMemoryTracker); ok {
			mem.SetBudget(finance.Budget{
				ID:       engine.costsBudget,
				Resource: finance.ResourceTokens,
				Limit:    capsule.Budgets.Tokens,
				Window:   finance.WindowTotal,
			})
		}
	}
	return engine, nil
}

// Verdict is the outcome of evaluating every rule in a capsule against one
// input. The first failing rule (in declared order) supplies DenyReason.
type Verdict struct {
	Allowed    bool
	DenyReason string
	GasUsed    int64
}

// Evaluate runs every rule against input (a map, typically the envelope plus
// ambient context) in declared order, short-circuiting on the first denial
// or gas exhaustion.
func (e *Engine) Evaluate(input map[string]interface{}) (Verdict, error) {
	vars := map[string]interface{}{"input": input}
	var gasUsed int64

	for _, rule := range e.capsule.Rules {
		prg := e.progs[rule.Name]
		val, details, err := prg.Eval(vars)
		if details != nil {
			if cost := details.ActualCost(); cost != nil {
				gasUsed += int64(*cost)
			}
		}
		if err != nil {
			if isCostLimitErr(err) {
				verdict := Verdict{Allowed: false, DenyReason: rule.Name, GasUsed: gasUsed}
				e.meterVerdict(verdict)
				return verdict, ErrGasExhausted
			}
			return Verdict{}, fmt.Errorf("policy: rule %q eval failed: %w", rule.Name, err)
		}
		pass, ok := val.Value().(bool)
		if !ok {
			return Verdict{}, fmt.Errorf("policy: rule %q did not evaluate to bool", rule.Name)
		}
		if !pass {
			verdict := Verdict{Allowed: false, DenyReason: rule.Name, GasUsed: gasUsed}
			e.meterVerdict(verdict)
			return verdict, nil
		}
	}

	verdict := Verdict{Allowed: true, GasUsed: gasUsed}
	if e.costsBudget != "" {
		if err := e.costs.Consume(e.costsBudget, verdict.Cost()); err != nil {
			return Verdict{Allowed: false, DenyReason: "capsule_token_budget_exceeded", GasUsed: gasUsed}, nil
		}
	}
	return verdict, nil
}

// meterVerdict charges a denied or gas-exhausted verdict's consumed gas
// against the capsule's declared token budget too: a rule that runs long
// enough to deny or exhaust gas still spent real CEL evaluation cost, and
// that cost counts against the capsule's lifetime token envelope the same
// as a passing evaluation's does. Consume errors are ignored here since the
// verdict is already a denial; the budget itself only gates successful runs.
func (e *Engine) meterVerdict(v Verdict) {
	if e.costsBudget == "" {
		return
	}
	_ = e.costs.Consume(e.costsBudget, v.Cost())
}

// Cost converts gas consumed into a finance.Cost for budget accounting
// against the capsule's declared Budgets.Tokens envelope.
func (v Verdict) Cost() finance.Cost {
	return finance.Cost{Tokens: v.GasUsed}
}

func isCostLimitErr(err error) bool {
	return err != nil && err.Error() == "operation cancelled: actual cost limit exceeded"
}
