package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// NewState returns a 128-bit random hex string for anti-CSRF use on
// authorize URLs.
func NewState() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// stateMatches compares the echoed state to the expected one in constant
// time.
func stateMatches(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
