// Package signature implements HMAC-SHA256 signing over canonical JSON.
// Both inbound request authentication and outbound webhook payloads use
// the same scheme, so clients can verify with a single shared key.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer computes and verifies hex-encoded HMAC-SHA256 signatures.
type Signer struct {
	key []byte
}

func NewSigner(sharedKey string) *Signer {
	return &Signer{key: []byte(sharedKey)}
}

// CanonicalJSON re-encodes v with lexicographically sorted object keys and
// no insignificant whitespace. Two structurally equal documents always
// canonicalize to the same bytes regardless of how they were produced.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}
	// Round-trip through an untyped value so encoding/json sorts map keys.
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalizing value: %w", err)
	}
	return json.Marshal(generic)
}

// Sign returns the hex HMAC-SHA256 of the canonical JSON encoding of v.
func (s *Signer) Sign(v any) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether got is a valid signature for v. Comparison is
// constant-time.
func (s *Signer) Verify(v any, got string) (bool, error) {
	want, err := s.Sign(v)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(got)), nil
}
