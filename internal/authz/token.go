// Package authz implements token classification (§4.4), the role lattice
// and its authorization matrix, and the async audit sink.
package authz

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"
)

// secretSize is the BLAKE3 key size.
const secretSize = 32

// Secret is the Relay Secret (SPEC_FULL.md §3.1): a 32-byte key that keys
// the deterministic token hash. It must be persisted and reused across
// restarts so that stored admin_token_hash/share_token_hash values keep
// matching — see store.LoadOrGenerateRelaySecret.
type Secret [secretSize]byte

// NewSecret generates a fresh random key, used only on first boot when the
// store has no relay_config row yet.
func NewSecret() (Secret, error) {
	var s Secret
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("generate relay secret: %w", err)
	}
	return s, nil
}

// EncodeSecret/DecodeSecret round-trip a Secret through the relay_config
// key-value side table as base64 text.
func EncodeSecret(s Secret) string {
	return base64.StdEncoding.EncodeToString(s[:])
}

func DecodeSecret(encoded string) (Secret, error) {
	var s Secret
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return s, fmt.Errorf("decode relay secret: %w", err)
	}
	if len(raw) != secretSize {
		return s, fmt.Errorf("relay secret is %d bytes, want %d", len(raw), secretSize)
	}
	copy(s[:], raw)
	return s, nil
}

// HashToken computes the deterministic, salt-free, BLAKE3-keyed digest of a
// token. Keying on the Relay Secret rather than salting means the same
// token always hashes to the same value across restarts, which upsert and
// lookup by hash requires.
func HashToken(secret Secret, token string) string {
	hasher, err := blake3.NewKeyed(secret[:])
	if err != nil {
		// secretSize guarantees NewKeyed never rejects the key length.
		panic("authz: blake3 keyed hash init failed: " + err.Error())
	}
	hasher.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(hasher.Sum(nil))
}

// IsSuperAdminToken compares presented against the configured SuperAdmin
// token in constant time. It has no stored hash to match against, so unlike
// Admin/Share tokens it is never hashed — see the classification order in
// Classify.
func IsSuperAdminToken(presented, configured string) bool {
	if len(presented) != len(configured) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
