// Package registry publishes and queries agent capability descriptors for
// the committee selection pipeline: publishing, staged
// verification, and deterministic search, repurposed here from software
// packs to agent capabilities.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// CapabilityState is the lifecycle state of a capability descriptor in the registry.
type CapabilityState string

const (
	CapabilityStatePublished  CapabilityState = "published"
	CapabilityStateVerified   CapabilityState = "verified"
	CapabilityStateSigned     CapabilityState = "signed"
	CapabilityStateActive     CapabilityState = "active"
	CapabilityStateDeprecated CapabilityState = "deprecated"
)

// CapabilityEntry is a node's published capability descriptor: the set of
// task domains it claims to serve, used by the Filter stage of committee
// selection to build a domain's candidate pool.
type CapabilityEntry struct {
	AgentID     string                 `json:"agent_id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description"`
	Domains     []string               `json:"domains"`
	State       CapabilityState        `json:"state"`
	ContentHash string                 `json:"content_hash"`
	Signatures  []CapabilitySignature  `json:"signatures"`
	PublishedAt time.Time              `json:"published_at"`
	PublishedBy string                 `json:"published_by"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// CapabilitySignature is a signature on a capability descriptor's content hash.
type CapabilitySignature struct {
	SignerID  string    `json:"signer_id"`
	Algorithm string    `json:"algorithm"`
	Signature string    `json:"signature"`
	KeyID     string    `json:"key_id"`
	SignedAt  time.Time `json:"signed_at"`
}

// CapabilityRegistry manages capability descriptors with staged activation.
type CapabilityRegistry struct {
	entries  map[string]*CapabilityEntry // agentID -> entry
	byName   map[string][]string         // name -> list of agentIDs (all versions)
	byDomain map[string][]string         // domain -> list of agentIDs
	verifier CapabilitySignatureVerifier
	mu       sync.RWMutex
}

// CapabilitySignatureVerifier verifies capability descriptor signatures.
type CapabilitySignatureVerifier interface {
	VerifyCapabilitySignature(contentHash string, signature *CapabilitySignature) (bool, error)
}

// NewCapabilityRegistry creates a new capability registry.
func NewCapabilityRegistry(verifier CapabilitySignatureVerifier) *CapabilityRegistry {
	return &CapabilityRegistry{
		entries:  make(map[string]*CapabilityEntry),
		byName:   make(map[string][]string),
		byDomain: make(map[string][]string),
		verifier: verifier,
	}
}

// Publish adds a new capability descriptor to the registry.
// Requires at least one valid signature.
func (r *CapabilityRegistry) Publish(entry *CapabilityEntry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if entry.Name == "" {
		return fmt.Errorf("capability name is required")
	}
	if entry.Version == "" {
		return fmt.Errorf("capability version is required")
	}
	if entry.ContentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	if len(entry.Signatures) == 0 {
		return fmt.Errorf("at least one signature is required")
	}
	if r.verifier == nil {
		return fmt.Errorf("capability signature verifier not configured (fail-closed)")
	}

	verified := false
	for _, sig := range entry.Signatures {
		ok, err := r.verifier.VerifyCapabilitySignature(entry.ContentHash, &sig)
		if err == nil && ok {
			verified = true
			break
		}
	}
	if !verified {
		return fmt.Errorf("no valid signature found")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.AgentID == "" {
		entry.AgentID = uuid.New().String()
	}

	entry.State = CapabilityStatePublished
	entry.PublishedAt = time.Now()

	r.entries[entry.AgentID] = entry
	r.byName[entry.Name] = append(r.byName[entry.Name], entry.AgentID)
	for _, d := range entry.Domains {
		r.byDomain[d] = append(r.byDomain[d], entry.AgentID)
	}

	return nil
}

// Get retrieves a capability descriptor by agent ID.
func (r *CapabilityRegistry) Get(agentID string) (*CapabilityEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[agentID]
	return entry, ok
}

// GetByNameVersion retrieves a capability descriptor by name and version.
func (r *CapabilityRegistry) GetByNameVersion(name, version string) (*CapabilityEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentIDs, ok := r.byName[name]
	if !ok {
		return nil, false
	}

	for _, id := range agentIDs {
		entry := r.entries[id]
		if entry.Version == version {
			return entry, true
		}
	}
	return nil, false
}

// CapabilitySearchQuery defines search criteria for the Filter stage.
type CapabilitySearchQuery struct {
	Name   string            `json:"name,omitempty"`
	Domain string            `json:"domain,omitempty"`
	States []CapabilityState `json:"states,omitempty"`
	Limit  int               `json:"limit,omitempty"`
}

// CapabilitySearchResult is the result of a search.
type CapabilitySearchResult struct {
	Entries    []*CapabilityEntry    `json:"entries"`
	TotalCount int                   `json:"total_count"`
	Query      CapabilitySearchQuery `json:"query"`
}

// Search finds capability descriptors matching criteria with deterministic
// ordering, forming the candidate pool the Filter stage narrows from.
func (r *CapabilityRegistry) Search(query CapabilitySearchQuery) *CapabilitySearchResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := &CapabilitySearchResult{
		Entries: []*CapabilityEntry{},
		Query:   query,
	}

	candidateIDs := make(map[string]bool)

	if query.Domain != "" {
		for _, id := range r.byDomain[query.Domain] {
			candidateIDs[id] = true
		}
	} else if query.Name != "" {
		for _, id := range r.byName[query.Name] {
			candidateIDs[id] = true
		}
	} else {
		for id := range r.entries {
			candidateIDs[id] = true
		}
	}

	stateFilter := make(map[CapabilityState]bool)
	for _, s := range query.States {
		stateFilter[s] = true
	}

	for id := range candidateIDs {
		entry := r.entries[id]

		if len(stateFilter) > 0 && !stateFilter[entry.State] {
			continue
		}
		if query.Name != "" && entry.Name != query.Name {
			continue
		}

		result.Entries = append(result.Entries, entry)
	}

	// Deterministic ordering: by name, then version, then agentID.
	sort.SliceStable(result.Entries, func(i, j int) bool {
		if result.Entries[i].Name != result.Entries[j].Name {
			return result.Entries[i].Name < result.Entries[j].Name
		}
		if result.Entries[i].Version != result.Entries[j].Version {
			return result.Entries[i].Version < result.Entries[j].Version
		}
		return result.Entries[i].AgentID < result.Entries[j].AgentID
	})

	result.TotalCount = len(result.Entries)

	if query.Limit > 0 && len(result.Entries) > query.Limit {
		result.Entries = result.Entries[:query.Limit]
	}

	return result
}

// ListVersions returns all versions of a named capability, sorted.
func (r *CapabilityRegistry) ListVersions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentIDs, ok := r.byName[name]
	if !ok {
		return []string{}
	}

	versions := make([]string, 0, len(agentIDs))
	for _, id := range agentIDs {
		versions = append(versions, r.entries[id].Version)
	}

	sort.Strings(versions)
	return versions
}

// VerifyCapability re-verifies all signatures on a capability descriptor.
func (r *CapabilityRegistry) VerifyCapability(agentID string) (bool, error) {
	r.mu.RLock()
	entry, ok := r.entries[agentID]
	r.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("capability descriptor not found: %s", agentID)
	}

	if r.verifier == nil {
		return false, fmt.Errorf("capability signature verifier not configured (fail-closed)")
	}

	for _, sig := range entry.Signatures {
		ok, err := r.verifier.VerifyCapabilitySignature(entry.ContentHash, &sig)
		if err != nil || !ok {
			return false, fmt.Errorf("signature verification failed for signer %s", sig.SignerID)
		}
	}

	return true, nil
}

// Activate transitions a capability descriptor to active state.
// Entry must be in verified or signed state.
func (r *CapabilityRegistry) Activate(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return fmt.Errorf("capability descriptor not found: %s", agentID)
	}

	if entry.State != CapabilityStateVerified && entry.State != CapabilityStateSigned {
		return fmt.Errorf("entry must be verified or signed before activation, current state: %s", entry.State)
	}

	entry.State = CapabilityStateActive
	return nil
}

// MarkVerified transitions a capability descriptor to verified state.
func (r *CapabilityRegistry) MarkVerified(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return fmt.Errorf("capability descriptor not found: %s", agentID)
	}

	if entry.State != CapabilityStatePublished {
		return fmt.Errorf("entry must be published before verification, current state: %s", entry.State)
	}

	entry.State = CapabilityStateVerified
	return nil
}

// MarkSigned transitions a capability descriptor to signed state.
func (r *CapabilityRegistry) MarkSigned(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return fmt.Errorf("capability descriptor not found: %s", agentID)
	}

	if entry.State != CapabilityStateVerified {
		return fmt.Errorf("entry must be verified before signing, current state: %s", entry.State)
	}

	entry.State = CapabilityStateSigned
	return nil
}

// Deprecate marks a capability descriptor as deprecated.
func (r *CapabilityRegistry) Deprecate(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		return fmt.Errorf("capability descriptor not found: %s", agentID)
	}

	entry.State = CapabilityStateDeprecated
	return nil
}

// Hash computes a deterministic hash of the registry state, canonicalized
// with RFC 8785 (gowebpki/jcs) so the same entry set hashes identically
// regardless of map iteration order or field order at the call site.
func (r *CapabilityRegistry) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*CapabilityEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AgentID < entries[j].AgentID
	})

	raw, err := json.Marshal(map[string]interface{}{
		"entry_count": len(r.entries),
		"entries":     entries,
	})
	if err != nil {
		return ""
	}

	canon, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}

	hash := sha256.Sum256(canon)
	return hex.EncodeToString(hash[:])
}

// Count returns the total number of entries.
func (r *CapabilityRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
