package observability

import (
	"fmt"
	"sync"
)

// SLISource names where an indicator's events are read from.
type SLISource string

const (
	SLISourceMetric SLISource = "METRIC"
	SLISourceLog    SLISource = "LOG"
	SLISourceTrace  SLISource = "TRACE"
)

// SLI defines one service level indicator over a kernel operation: the
// good-event and total-event queries an operator points their collector at.
type SLI struct {
	SLIID           string    `json:"sli_id"`
	Name            string    `json:"name"`
	Operation       string    `json:"operation"` // ingress, decide, finalize, challenge, checkpoint
	Source          SLISource `json:"source"`
	Unit            string    `json:"unit"`
	GoodEventQuery  string    `json:"good_event_query"`
	TotalEventQuery string    `json:"total_event_query"`
	LinkedSLOID     string    `json:"linked_slo_id,omitempty"`
}

// SLIRegistry holds the node's indicator catalog.
type SLIRegistry struct {
	mu   sync.Mutex
	slis map[string]*SLI
	byOp map[string][]string
}

func NewSLIRegistry() *SLIRegistry {
	return &SLIRegistry{
		slis: make(map[string]*SLI),
		byOp: make(map[string][]string),
	}
}

// DefaultSLIs returns a registry seeded with the indicators every node
// exposes out of the box.
func DefaultSLIs() *SLIRegistry {
	r := NewSLIRegistry()
	seed := []*SLI{
		{
			SLIID:           "ingress-admit-ratio",
			Name:            "Ingress admissions over deliveries",
			Operation:       "ingress",
			Source:          SLISourceMetric,
			Unit:            "%",
			GoodEventQuery:  `concord.envelopes.handled{outcome="admitted"}`,
			TotalEventQuery: `concord.envelopes.handled`,
		},
		{
			SLIID:           "decide-quorum-latency",
			Name:            "NEED publication to DECIDE",
			Operation:       "decide",
			Source:          SLISourceTrace,
			Unit:            "ms",
			GoodEventQuery:  `concord.handler.duration{operation="decide"} < bid_window`,
			TotalEventQuery: `concord.handler.duration{operation="decide"}`,
		},
		{
			SLIID:           "finalize-within-window",
			Name:            "COMMIT to FINALIZE inside 1.5x challenge window",
			Operation:       "finalize",
			Source:          SLISourceMetric,
			Unit:            "%",
			GoodEventQuery:  `concord.handler.duration{operation="finalize"} < 1.5 * t_challenge`,
			TotalEventQuery: `concord.envelopes.handled{verb="FINALIZE"}`,
		},
		{
			SLIID:           "challenge-uphold-rate",
			Name:            "Upheld challenges over commits",
			Operation:       "challenge",
			Source:          SLISourceLog,
			Unit:            "%",
			GoodEventQuery:  `audit entries type=PROOF summary~"challenge upheld"`,
			TotalEventQuery: `concord.envelopes.handled{verb="COMMIT"}`,
		},
	}
	for _, s := range seed {
		// Seeded entries are well formed; Register cannot fail on them.
		_ = r.Register(s)
	}
	return r
}

// Register adds an indicator. ID, name, and operation are mandatory.
func (r *SLIRegistry) Register(sli *SLI) error {
	if sli.SLIID == "" || sli.Name == "" || sli.Operation == "" {
		return fmt.Errorf("observability: SLI needs id, name, and operation")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.slis[sli.SLIID]; !exists {
		r.byOp[sli.Operation] = append(r.byOp[sli.Operation], sli.SLIID)
	}
	r.slis[sli.SLIID] = sli
	return nil
}

// Get returns the indicator with the given ID.
func (r *SLIRegistry) Get(sliID string) (*SLI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sli, ok := r.slis[sliID]
	if !ok {
		return nil, fmt.Errorf("observability: SLI %q not registered", sliID)
	}
	return sli, nil
}

// ByOperation lists the indicators covering one kernel operation.
func (r *SLIRegistry) ByOperation(operation string) []*SLI {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SLI, 0, len(r.byOp[operation]))
	for _, id := range r.byOp[operation] {
		out = append(out, r.slis[id])
	}
	return out
}

// LinkToSLO ties an indicator to the objective it feeds.
func (r *SLIRegistry) LinkToSLO(sliID, sloID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sli, ok := r.slis[sliID]
	if !ok {
		return fmt.Errorf("observability: SLI %q not registered", sliID)
	}
	sli.LinkedSLOID = sloID
	return nil
}

// Count reports the catalog size.
func (r *SLIRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slis)
}
