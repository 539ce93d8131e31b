package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Ref is the content address of an immutable artifact: the SHA-256 of its
// bytes. Envelopes carry refs only; the bytes travel through the store.
type Ref [sha256.Size]byte

// refScheme prefixes the printable form so a ref is self-describing when it
// appears in an envelope's content_refs or in operator logs.
const refScheme = "sha256:"

// RefOf computes the content address of data.
func RefOf(data []byte) Ref {
	return Ref(sha256.Sum256(data))
}

// String renders the ref as "sha256:<64 hex chars>".
func (r Ref) String() string {
	return refScheme + hex.EncodeToString(r[:])
}

// Hex returns the bare hex digest without the scheme prefix.
func (r Ref) Hex() string {
	return hex.EncodeToString(r[:])
}

// IsZero reports whether r is the zero ref. The zero ref is never a valid
// content address in the mesh; it marks an unset field.
func (r Ref) IsZero() bool {
	return r == Ref{}
}

// ParseRef parses the printable "sha256:<hex>" form back into a Ref.
func ParseRef(s string) (Ref, error) {
	var r Ref
	if !strings.HasPrefix(s, refScheme) {
		return r, fmt.Errorf("artifacts: ref %q: missing %q scheme", s, refScheme)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, refScheme))
	if err != nil {
		return r, fmt.Errorf("artifacts: ref %q: %w", s, err)
	}
	if len(raw) != sha256.Size {
		return r, fmt.Errorf("artifacts: ref %q: digest is %d bytes, want %d", s, len(raw), sha256.Size)
	}
	copy(r[:], raw)
	return r, nil
}
