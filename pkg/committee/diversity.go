package committee

import (
	"errors"
	"fmt"
)

var errEmptyShortlist = errors.New("committee: empty shortlist")

// DiversityCaps bounds the share of any single org/ASN/region/identity-
// cluster a committee may contain ("per-committee hard caps on
// share of any single (org, ASN, region, identity-cluster)"). Caps are
// counts, not fractions, scaled to committee size by the caller (the
// fields mirror pkg/config.DiversityCaps; callers copy them across).
type DiversityCaps struct {
	PerOrg    int
	PerASN    int
	PerRegion int
}

// ErrDiversityViolation is returned by CheckDiversity when a candidate set
// exceeds a configured cap; the caller (committee assembly) must recompose
// and retry rather than accept the violating set.
var ErrDiversityViolation = errors.New("committee: diversity cap violated")

// CheckDiversity reports whether members satisfies caps, returning a
// wrapped ErrDiversityViolation naming the first offending attribute for
// audit logging.
func CheckDiversity(members []Candidate, caps DiversityCaps) error {
	orgCount := make(map[string]int)
	asnCount := make(map[string]int)
	regionCount := make(map[string]int)
	clusterCount := make(map[string]int)

	for _, m := range members {
		orgCount[m.Org]++
		asnCount[m.ASN]++
		regionCount[m.Region]++
		clusterCount[m.IdentityCluster]++
	}

	if v, k := maxOver(orgCount, caps.PerOrg); v {
		return fmt.Errorf("%w: org %q has %d of %d members (cap %d)", ErrDiversityViolation, k, orgCount[k], len(members), caps.PerOrg)
	}
	if v, k := maxOver(asnCount, caps.PerASN); v {
		return fmt.Errorf("%w: ASN %q has %d of %d members (cap %d)", ErrDiversityViolation, k, asnCount[k], len(members), caps.PerASN)
	}
	if v, k := maxOver(regionCount, caps.PerRegion); v {
		return fmt.Errorf("%w: region %q has %d of %d members (cap %d)", ErrDiversityViolation, k, regionCount[k], len(members), caps.PerRegion)
	}
	// Identity-cluster has no dedicated config knob of its own; apply the
	// same cap as PerOrg since both describe coarse affiliation clusters.
	if v, k := maxOver(clusterCount, caps.PerOrg); v {
		return fmt.Errorf("%w: identity cluster %q has %d of %d members (cap %d)", ErrDiversityViolation, k, clusterCount[k], len(members), caps.PerOrg)
	}
	return nil
}

func maxOver(counts map[string]int, cap int) (bool, string) {
	if cap <= 0 {
		return false, ""
	}
	for k, v := range counts {
		if k == "" {
			continue
		}
		if v > cap {
			return true, k
		}
	}
	return false, ""
}

// Assemble runs Filter → Shortlist → diversity check over candidates,
// retrying with a progressively larger shortlist up to maxAttempts times
// before giving up. Canary and Bandit
// selection over the surviving shortlist are the caller's responsibility,
// since they require dispatching real micro-tasks and domain-scoped
// bandit state this package does not own.
func Assemble(candidates []Candidate, accept FilterFunc, w ScoreWeights, caps DiversityCaps, committeeSize, maxAttempts int) ([]Candidate, error) {
	filtered := Filter(candidates, accept)
	if len(filtered) == 0 {
		return nil, fmt.Errorf("committee: no candidates survived filter stage")
	}

	limit := committeeSize
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		shortlist := Shortlist(filtered, w, caps.PerOrg, limit)
		if err := CheckDiversity(shortlist, caps); err != nil {
			lastErr = err
			limit += committeeSize // widen the pool and try again
			continue
		}
		return shortlist, nil
	}
	return nil, fmt.Errorf("committee: could not assemble a diversity-compliant committee after %d attempts: %w", maxAttempts, lastErr)
}
