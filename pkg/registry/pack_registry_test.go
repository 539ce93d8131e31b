package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockVerifier is a test verifier that always succeeds.
type mockVerifier struct{}

func (m *mockVerifier) VerifyCapabilitySignature(contentHash string, signature *CapabilitySignature) (bool, error) {
	return true, nil
}

// failingVerifier always fails verification.
type failingVerifier struct{}

func (f *failingVerifier) VerifyCapabilitySignature(contentHash string, signature *CapabilitySignature) (bool, error) {
	return false, nil
}

func TestCapabilityRegistry_Publish(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	entry := &CapabilityEntry{
		Name:        "test-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:abc123",
		Domains:     []string{"payment", "auth"},
		Signatures: []CapabilitySignature{
			{SignerID: "signer-1", Algorithm: "ed25519", Signature: "sig123"},
		},
	}

	err := registry.Publish(entry)
	require.NoError(t, err)

	assert.NotEmpty(t, entry.AgentID)
	assert.Equal(t, CapabilityStatePublished, entry.State)
	assert.Equal(t, 1, registry.Count())
}

func TestCapabilityRegistry_PublishWithoutSignature_Fails(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	entry := &CapabilityEntry{
		Name:        "test-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:abc123",
		Signatures:  []CapabilitySignature{}, // No signatures
	}

	err := registry.Publish(entry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one signature is required")
}

func TestCapabilityRegistry_PublishWithInvalidSignature_Fails(t *testing.T) {
	registry := NewCapabilityRegistry(&failingVerifier{})

	entry := &CapabilityEntry{
		Name:        "test-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:abc123",
		Signatures: []CapabilitySignature{
			{SignerID: "signer-1", Algorithm: "ed25519", Signature: "badsig"},
		},
	}

	err := registry.Publish(entry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no valid signature found")
}

func TestCapabilityRegistry_PublishWithoutVerifier_FailsClosed(t *testing.T) {
	registry := NewCapabilityRegistry(nil)

	entry := &CapabilityEntry{
		Name:        "test-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:abc123",
		Signatures: []CapabilitySignature{
			{SignerID: "signer-1", Algorithm: "ed25519", Signature: "sig"},
		},
	}

	err := registry.Publish(entry)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "verifier not configured")
}

func TestCapabilityRegistry_Search_DeterministicOrder(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	// Publish agents in random order
	agents := []struct {
		name    string
		version string
	}{
		{"zebra-agent", "1.0.0"},
		{"alpha-agent", "2.0.0"},
		{"alpha-agent", "1.0.0"},
		{"beta-agent", "1.0.0"},
	}

	for _, a := range agents {
		err := registry.Publish(&CapabilityEntry{
			Name:        a.name,
			Version:     a.version,
			ContentHash: "sha256:" + a.name + a.version,
			Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
		})
		require.NoError(t, err)
	}

	// Search twice, expect same order
	result1 := registry.Search(CapabilitySearchQuery{})
	result2 := registry.Search(CapabilitySearchQuery{})

	require.Equal(t, 4, result1.TotalCount)

	for i := range result1.Entries {
		assert.Equal(t, result1.Entries[i].AgentID, result2.Entries[i].AgentID)
	}

	// Verify alphabetical ordering
	assert.Equal(t, "alpha-agent", result1.Entries[0].Name)
	assert.Equal(t, "1.0.0", result1.Entries[0].Version)
	assert.Equal(t, "alpha-agent", result1.Entries[1].Name)
	assert.Equal(t, "2.0.0", result1.Entries[1].Version)
	assert.Equal(t, "beta-agent", result1.Entries[2].Name)
	assert.Equal(t, "zebra-agent", result1.Entries[3].Name)
}

func TestCapabilityRegistry_StagedActivation(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	entry := &CapabilityEntry{
		Name:        "staged-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:staged123",
		Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
	}

	err := registry.Publish(entry)
	require.NoError(t, err)
	assert.Equal(t, CapabilityStatePublished, entry.State)

	// Cannot activate directly from published
	err = registry.Activate(entry.AgentID)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "must be verified or signed")

	// Mark verified
	err = registry.MarkVerified(entry.AgentID)
	require.NoError(t, err)
	updated, _ := registry.Get(entry.AgentID)
	assert.Equal(t, CapabilityStateVerified, updated.State)

	// Mark signed
	err = registry.MarkSigned(entry.AgentID)
	require.NoError(t, err)
	updated, _ = registry.Get(entry.AgentID)
	assert.Equal(t, CapabilityStateSigned, updated.State)

	// Now can activate
	err = registry.Activate(entry.AgentID)
	require.NoError(t, err)
	updated, _ = registry.Get(entry.AgentID)
	assert.Equal(t, CapabilityStateActive, updated.State)
}

func TestCapabilityRegistry_Verify(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	entry := &CapabilityEntry{
		Name:        "verify-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:verify123",
		Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
	}

	err := registry.Publish(entry)
	require.NoError(t, err)

	valid, err := registry.VerifyCapability(entry.AgentID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestCapabilityRegistry_VerifyWithoutVerifier_FailsClosed(t *testing.T) {
	registry := NewCapabilityRegistry(nil)
	registry.mu.Lock()
	registry.entries["agent-1"] = &CapabilityEntry{
		AgentID:     "agent-1",
		Name:        "verify-agent",
		Version:     "1.0.0",
		ContentHash: "sha256:verify123",
		Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
		State:       CapabilityStatePublished,
	}
	registry.mu.Unlock()

	valid, err := registry.VerifyCapability("agent-1")
	assert.Error(t, err)
	assert.False(t, valid)
	assert.Contains(t, err.Error(), "verifier not configured")
}

func TestCapabilityRegistry_GetByNameVersion(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	// Publish multiple versions
	for _, v := range []string{"1.0.0", "1.1.0", "2.0.0"} {
		err := registry.Publish(&CapabilityEntry{
			Name:        "multi-version",
			Version:     v,
			ContentHash: "sha256:" + v,
			Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
		})
		require.NoError(t, err)
	}

	// Get specific version
	entry, ok := registry.GetByNameVersion("multi-version", "1.1.0")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", entry.Version)

	// Get non-existent version
	_, ok = registry.GetByNameVersion("multi-version", "3.0.0")
	assert.False(t, ok)
}

func TestCapabilityRegistry_ListVersions(t *testing.T) {
	registry := NewCapabilityRegistry(&mockVerifier{})

	// Publish in non-sorted order
	for _, v := range []string{"2.0.0", "1.0.0", "1.1.0"} {
		err := registry.Publish(&CapabilityEntry{
			Name:        "list-agent",
			Version:     v,
			ContentHash: "sha256:" + v,
			Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
		})
		require.NoError(t, err)
	}

	versions := registry.ListVersions("list-agent")
	assert.Equal(t, []string{"1.0.0", "1.1.0", "2.0.0"}, versions)
}

func TestCapabilityRegistry_Hash_Deterministic(t *testing.T) {
	// Create two registries with same content
	r1 := NewCapabilityRegistry(&mockVerifier{})
	r2 := NewCapabilityRegistry(&mockVerifier{})

	entry := &CapabilityEntry{
		AgentID:     "fixed-id-123",
		Name:        "hash-test",
		Version:     "1.0.0",
		ContentHash: "sha256:hash123",
		Signatures:  []CapabilitySignature{{SignerID: "s1", Signature: "sig"}},
		PublishedAt: time.Now(),
	}

	// Manually set to bypass ID generation
	r1.mu.Lock()
	r1.entries[entry.AgentID] = entry
	r1.mu.Unlock()

	r2.mu.Lock()
	r2.entries[entry.AgentID] = entry
	r2.mu.Unlock()

	hash1 := r1.Hash()
	hash2 := r2.Hash()

	assert.Equal(t, hash1, hash2)
	assert.NotEmpty(t, hash1)
}
