// Package committee implements stake/reputation-weighted, diversity-
// constrained verifier committee selection: the
// Filter -> Shortlist -> Canary -> Bandit pipeline. It builds on
// pkg/registry's capability search (Filter's candidate pool) and
// pkg/ledger's Account (stake/reputation inputs to the score function),
// composed here into a ranking/selection pipeline neither package had on
// its own: pkg/registry only ever published and searched descriptors.
package committee

import (
	"fmt"
	"math"
	"sort"
)

// ScoreWeights are the policy-tunable constants of the shortlist score
// function; nothing in the protocol fixes their values. Callers
// supply them from the active policy capsule or node config rather than
// this package hardcoding a value.
type ScoreWeights struct {
	Reputation     float64 // α
	InversePrice   float64 // β
	InverseLatency float64 // γ
	DomainFit      float64 // δ
	Recency        float64 // ε
	SqrtStake      float64 // ζ
}

// Candidate is one node's standing inputs to committee selection, joining
// its registry.CapabilityEntry (domain/price/tags) with its pkg/ledger
// Account (stake/reputation) and router-observed telemetry (latency,
// recency).
type Candidate struct {
	AgentID         string
	Org             string
	ASN             string
	Region          string
	IdentityCluster string

	Reputation   float64
	PriceMinor   float64
	P95LatencyMS float64
	DomainFit    float64
	Recency      float64 // 0..1, 1 = most recently active
	Stake        uint64
	IsNewcomer   bool
}

// Score computes the weighted shortlist score:
// α·reputation + β·price⁻¹ + γ·P95_latency⁻¹ + δ·domain_fit + ε·recency + ζ·√stake.
// Zero price/latency are treated as the weight's term being zero rather
// than dividing by zero, since a candidate that declares no price or no
// latency history carries no information on that axis.
func (c Candidate) Score(w ScoreWeights) float64 {
	score := w.Reputation * c.Reputation
	if c.PriceMinor > 0 {
		score += w.InversePrice / c.PriceMinor
	}
	if c.P95LatencyMS > 0 {
		score += w.InverseLatency / c.P95LatencyMS
	}
	score += w.DomainFit * c.DomainFit
	score += w.Recency * c.Recency
	score += w.SqrtStake * math.Sqrt(float64(c.Stake))
	return score
}

// FilterFunc reports whether a candidate survives the Filter stage
// (capability match, policy zones, budget, tags). The
// registry's Search already narrows by domain; FilterFunc applies the
// remaining, policy-dependent criteria a caller supplies.
type FilterFunc func(Candidate) bool

// Filter narrows candidates to those FilterFunc accepts.
func Filter(candidates []Candidate, accept FilterFunc) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if accept == nil || accept(c) {
			out = append(out, c)
		}
	}
	return out
}

// Shortlist sorts candidates by descending score and caps the result at
// capPerEntity occurrences of a single Org, then truncates to limit. Ties
// in score are broken by AgentID for determinism across nodes;
// the pipeline must select reproducibly given the same candidate
// pool).
func Shortlist(candidates []Candidate, w ScoreWeights, capPerEntity, limit int) []Candidate {
	scored := make([]Candidate, len(candidates))
	copy(scored, candidates)
	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := scored[i].Score(w), scored[j].Score(w)
		if si != sj {
			return si > sj
		}
		return scored[i].AgentID < scored[j].AgentID
	})

	orgCount := make(map[string]int)
	out := make([]Candidate, 0, limit)
	for _, c := range scored {
		if capPerEntity > 0 && c.Org != "" && orgCount[c.Org] >= capPerEntity {
			continue
		}
		out = append(out, c)
		orgCount[c.Org]++
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CanaryScorer evaluates a candidate's micro-task performance during the
// Canary stage, returning a pass/fail quality score in [0,1].
type CanaryScorer func(Candidate) (float64, error)

// CanaryResult is one candidate's canary outcome.
type CanaryResult struct {
	Candidate Candidate
	Quality   float64
	Err       error
}

// Canary dispatches the top two shortlisted candidates to a micro-task and
// scores the result. Returns results in shortlist order (best-scored first).
func Canary(shortlisted []Candidate, score CanaryScorer) ([]CanaryResult, error) {
	if len(shortlisted) == 0 {
		return nil, fmt.Errorf("committee: empty shortlist for canary stage")
	}
	n := 2
	if len(shortlisted) < n {
		n = len(shortlisted)
	}
	results := make([]CanaryResult, n)
	for i := 0; i < n; i++ {
		q, err := score(shortlisted[i])
		results[i] = CanaryResult{Candidate: shortlisted[i], Quality: q, Err: err}
	}
	return results, nil
}
