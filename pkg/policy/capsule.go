// Package policy implements the deterministic, gas-metered policy capsule
// evaluator and its three gates.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/concordmesh/kernel/pkg/canonicalize"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Budgets bounds a capsule's resource envelope.
type Budgets struct {
	Tokens int64 `json:"tokens"`
	Dollar int64 `json:"$"`
	Msgs   int64 `json:"msgs"`
	TTLSec int64 `json:"ttl"`
}

// Rule is one named CEL expression contributing to the allow/deny verdict.
// A capsule denies if any rule evaluates to false; the first failing rule
// (in declared order) supplies the denial reason.
type Rule struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
}

// Capsule is the signed, non-Turing-complete policy document every
// envelope references by hash.
type Capsule struct {
	EngineHash        string   `json:"engine_hash"`
	SchemaVersion     string   `json:"schema_version"`
	Rules             []Rule   `json:"rules"`
	Budgets           Budgets  `json:"budgets"`
	ConformanceVector []string `json:"conformance_vector,omitempty"`
	GasLimit          int64    `json:"gas_limit"`
	Sig               string   `json:"sig,omitempty"`
}

// SupportedSchemaRange is the accepted schema_version range, checked by
// ValidateSchemaVersion. cmd/concordd's capsule loader rejects a capsule
// outside it; NewEngine and the gates do not check the version.
const SupportedSchemaRange = ">= 1.0.0, < 2.0.0"

// ValidateSchemaVersion checks the capsule's schema_version against
// SupportedSchemaRange using semver constraint matching.
func ValidateSchemaVersion(capsule *Capsule) error {
	constraint, err := semver.NewConstraint(SupportedSchemaRange)
	if err != nil {
		return fmt.Errorf("policy: invalid constraint: %w", err)
	}
	v, err := semver.NewVersion(capsule.SchemaVersion)
	if err != nil {
		return fmt.Errorf("policy: %w: %s", ErrSchemaVersionUnsupported, capsule.SchemaVersion)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("policy: %w: %s", ErrSchemaVersionUnsupported, capsule.SchemaVersion)
	}
	return nil
}

// ValidateAgainstSchema validates the capsule's raw JSON against a
// declared JSON Schema document before CEL compilation.
func ValidateAgainstSchema(schemaDoc, capsuleJSON []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("capsule.schema.json", bytes.NewReader(schemaDoc)); err != nil {
		return fmt.Errorf("policy: schema load failed: %w", err)
	}
	sch, err := compiler.Compile("capsule.schema.json")
	if err != nil {
		return fmt.Errorf("policy: schema compile failed: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(capsuleJSON, &doc); err != nil {
		return fmt.Errorf("policy: capsule decode failed: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("policy: %w: %v", ErrSchemaValidation, err)
	}
	return nil
}

// ComputeEngineHash returns the canonical hash of {schema_version, compiled
// rule sources}: two engines with equal EngineHash MUST have compiled the
// identical CEL source set.
func ComputeEngineHash(schemaVersion string, rules []Rule) (string, error) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return canonicalize.CanonicalHash(struct {
		SchemaVersion string `json:"schema_version"`
		Rules         []Rule `json:"rules"`
	}{schemaVersion, sorted})
}
