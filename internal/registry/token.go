package registry

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// accessTokenBytes is the token entropy: 256 bits.
const accessTokenBytes = 32

// TokenPolicy decides whether downloads must present the per-file token.
type TokenPolicy string

const (
	// TokenRequired rejects any request without a valid token.
	TokenRequired TokenPolicy = "required"
	// TokenOptional lets possession of the id suffice, but a presented
	// token must still be valid.
	TokenOptional TokenPolicy = "optional"
)

// ParseTokenPolicy validates a configured policy name.
func ParseTokenPolicy(s string) (TokenPolicy, error) {
	switch p := TokenPolicy(s); p {
	case TokenRequired, TokenOptional:
		return p, nil
	default:
		return "", fmt.Errorf("unknown token policy %q", s)
	}
}

func newAccessToken() (string, error) {
	b := make([]byte, accessTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate access token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// tokensEqual compares fixed-size digests of both inputs so neither the
// position of the first differing byte nor a length mismatch changes timing.
func tokensEqual(stored, presented string) bool {
	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
