package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// MinStateLength is the minimum accepted length for a state parameter.
// Shorter values do not carry enough entropy for CSRF protection.
const MinStateLength = 20

// GenerateState generates a random state token for the authorization
// request: 32 bytes of entropy encoded as a 43-character base64url string.
// Panics if the system RNG fails, which is a fatal condition.
func GenerateState() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
