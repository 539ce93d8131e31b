package identity

import (
	"fmt"
	"sync"
)

// KeySet holds a node's current signing key plus retired keys kept around
// long enough to verify envelopes signed before a rotation landed. A node
// signs with exactly one active key at a time, so dispatch is
// single-signer with a bounded retirement set rather than multi-signer.
type KeySet struct {
	mu      sync.RWMutex
	active  *KeyPair
	retired map[string]*KeyPair
}

// NewKeySet creates a KeySet with the given key as the initial active key.
func NewKeySet(active *KeyPair) *KeySet {
	return &KeySet{
		active:  active,
		retired: make(map[string]*KeyPair),
	}
}

// Active returns the current signing key.
func (k *KeySet) Active() *KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate makes next the active key and retires the previous one for
// verification purposes. Callers persist the new active key via the
// persistence layer before calling Rotate so a crash never loses
// a key that has already signed outbound envelopes.
func (k *KeySet) Rotate(next *KeyPair) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active != nil {
		k.retired[k.active.KeyID] = k.active
	}
	k.active = next
}

// RotateToEpoch derives the epoch's successor key from the active key via
// DeriveRotationKey and rotates to it, so a scheduled rotation needs no
// out-of-band key distribution: every node reaches the identical next key
// from the identical active key and epoch.
func (k *KeySet) RotateToEpoch(epoch uint64, keyID string) (*KeyPair, error) {
	k.mu.RLock()
	active := k.active
	k.mu.RUnlock()
	if active == nil {
		return nil, fmt.Errorf("identity: keyset has no active key to rotate from")
	}
	next, err := DeriveRotationKey(active, epoch, keyID)
	if err != nil {
		return nil, err
	}
	k.Rotate(next)
	return next, nil
}

// Forget drops a retired key once no unverified envelope can reference it
// anymore (e.g. past a stable checkpoint).
func (k *KeySet) Forget(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.retired, keyID)
}

// Sign signs data with the active key and returns the signature plus the
// active key's ID, so the caller can stamp a verifiable signer key hint.
func (k *KeySet) Sign(data []byte) (sig []byte, keyID string, err error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active == nil {
		return nil, "", fmt.Errorf("identity: keyset has no active key")
	}
	return k.active.Sign(data), k.active.KeyID, nil
}

// VerifyByKeyID verifies a signature against a specific key, active or
// retired.
func (k *KeySet) VerifyByKeyID(keyID string, data, sig []byte) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.active != nil && k.active.KeyID == keyID {
		return Verify(k.active.PublicKeyHex(), data, sig)
	}
	if kp, ok := k.retired[keyID]; ok {
		return Verify(kp.PublicKeyHex(), data, sig)
	}
	return false, fmt.Errorf("identity: unknown key %q", keyID)
}
