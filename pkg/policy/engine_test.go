package policy_test

import (
	"testing"

	"github.com/concordmesh/kernel/pkg/policy"
	"github.com/stretchr/testify/require"
)

func capsule(gasLimit int64, rules ...policy.Rule) *policy.Capsule {
	return &policy.Capsule{
		SchemaVersion: "1.0.0",
		Rules:         rules,
		GasLimit:      gasLimit,
		Budgets:       policy.Budgets{Tokens: 1000},
	}
}

func TestEngineEvaluate_AllPass(t *testing.T) {
	c := capsule(10000,
		policy.Rule{Name: "has_capability", Expr: `input.capability == "code.review"`},
		policy.Rule{Name: "under_msg_cap", Expr: `input.msg_count < 100`},
	)
	e, err := policy.NewEngine(c)
	require.NoError(t, err)

	verdict, err := e.Evaluate(map[string]interface{}{
		"capability": "code.review",
		"msg_count":  int64(3),
	})
	require.NoError(t, err)
	require.True(t, verdict.Allowed)
	require.Empty(t, verdict.DenyReason)
}

func TestEngineEvaluate_DeniesOnFirstFailingRule(t *testing.T) {
	c := capsule(10000,
		policy.Rule{Name: "has_capability", Expr: `input.capability == "code.review"`},
		policy.Rule{Name: "under_msg_cap", Expr: `input.msg_count < 100`},
	)
	e, err := policy.NewEngine(c)
	require.NoError(t, err)

	verdict, err := e.Evaluate(map[string]interface{}{
		"capability": "code.exploit",
		"msg_count":  int64(3),
	})
	require.NoError(t, err)
	require.False(t, verdict.Allowed)
	require.Equal(t, "has_capability", verdict.DenyReason)
}

func TestEngineEvaluate_GasExhausted(t *testing.T) {
	c := capsule(1, policy.Rule{Name: "expensive", Expr: `input.msg_count < 100`})
	e, err := policy.NewEngine(c)
	require.NoError(t, err)

	_, err = e.Evaluate(map[string]interface{}{"msg_count": int64(3)})
	require.ErrorIs(t, err, policy.ErrGasExhausted)
}
