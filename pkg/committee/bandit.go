package committee

import (
	"math"
	"sort"
	"sync"
)

// ArmStats is one candidate's accumulated reward history within a domain's
// contextual bandit.
type ArmStats struct {
	AgentID string  `json:"agent_id"`
	Pulls   uint64  `json:"pulls"`
	Reward  float64 `json:"reward"` // running sum, mean = Reward/Pulls
}

func (a ArmStats) mean() float64 {
	if a.Pulls == 0 {
		return 0
	}
	return a.Reward / float64(a.Pulls)
}

// Bandit is a per-domain contextual bandit over committee candidates, the
// final selection-pipeline stage, with a mandatory exploration budget for
// newcomers so a cold-start agent with no reward history can still be
// selected occasionally rather than being starved by established agents'
// accumulated mean reward.
type Bandit struct {
	mu          sync.Mutex
	epsilonNew  float64                         // minimum fraction of picks reserved for newcomers
	arms        map[string]map[string]*ArmStats // domain -> agentID -> stats
	pickCounter map[string]uint64               // domain -> total picks, for deterministic exploration scheduling
}

// NewBandit returns a Bandit reserving at least epsilonNew of picks (in
// [0,1]) reserved for newcomer exploration ("mandatory exploration
// budget >= epsilon_new for newcomers".
func NewBandit(epsilonNew float64) *Bandit {
	return &Bandit{
		epsilonNew:  epsilonNew,
		arms:        make(map[string]map[string]*ArmStats),
		pickCounter: make(map[string]uint64),
	}
}

func (b *Bandit) domainArms(domain string) map[string]*ArmStats {
	m, ok := b.arms[domain]
	if !ok {
		m = make(map[string]*ArmStats)
		b.arms[domain] = m
	}
	return m
}

// Record updates agentID's running mean reward for domain after a
// FINALIZE or VERIFIED outcome (reward in [0,1]; e.g. 1.0 for a clean
// finalize, 0.0 for an upheld challenge).
func (b *Bandit) Record(domain, agentID string, reward float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	arms := b.domainArms(domain)
	a, ok := arms[agentID]
	if !ok {
		a = &ArmStats{AgentID: agentID}
		arms[agentID] = a
	}
	a.Pulls++
	a.Reward += reward
}

// Select picks one candidate from shortlisted for domain: with
// probability >= epsilonNew the pick is reserved for the best-scoring
// newcomer (Candidate.IsNewcomer, Pulls == 0) present in the shortlist;
// otherwise the candidate with the highest running mean reward wins,
// falling back to the committee Score for agents with no reward history
// yet. Selection is deterministic given the same arm state and pick
// index, so every node choosing from an identical shortlist and bandit
// state picks the same winner.
func (b *Bandit) Select(domain string, shortlisted []Candidate, w ScoreWeights) (Candidate, error) {
	if len(shortlisted) == 0 {
		return Candidate{}, errEmptyShortlist
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	arms := b.domainArms(domain)
	pick := b.pickCounter[domain]
	b.pickCounter[domain]++

	// Deterministic exploration schedule: reserve every
	// floor(1/epsilonNew)'th pick for the best newcomer, rather than a
	// random draw, so replaying the same pick sequence on any node
	// reproduces the same selection, the same merge-convergence discipline
	// the plan log follows, extended to selection state.
	if b.epsilonNew > 0 {
		period := uint64(math.Max(1, math.Floor(1/b.epsilonNew)))
		if pick%period == 0 {
			if nc, ok := bestNewcomer(shortlisted, arms, w); ok {
				return nc, nil
			}
		}
	}

	best := shortlisted[0]
	bestMean := meanOrScore(best, arms, w)
	for _, c := range shortlisted[1:] {
		m := meanOrScore(c, arms, w)
		if m > bestMean || (m == bestMean && c.AgentID < best.AgentID) {
			best, bestMean = c, m
		}
	}
	return best, nil
}

func meanOrScore(c Candidate, arms map[string]*ArmStats, w ScoreWeights) float64 {
	if a, ok := arms[c.AgentID]; ok && a.Pulls > 0 {
		return a.mean()
	}
	return c.Score(w) / (c.Score(w) + 1) // map unbounded score into (0,1) to stay comparable to mean reward
}

func bestNewcomer(candidates []Candidate, arms map[string]*ArmStats, w ScoreWeights) (Candidate, bool) {
	newcomers := make([]Candidate, 0)
	for _, c := range candidates {
		if !c.IsNewcomer {
			continue
		}
		if a, ok := arms[c.AgentID]; ok && a.Pulls > 0 {
			continue
		}
		newcomers = append(newcomers, c)
	}
	if len(newcomers) == 0 {
		return Candidate{}, false
	}
	sort.SliceStable(newcomers, func(i, j int) bool {
		si, sj := newcomers[i].Score(w), newcomers[j].Score(w)
		if si != sj {
			return si > sj
		}
		return newcomers[i].AgentID < newcomers[j].AgentID
	})
	return newcomers[0], true
}
