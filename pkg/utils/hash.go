package utils

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashAPIKey returns the hex encoded sha256 of arg.
// Configured keys are kept only in hashed form once the server is running.
func HashAPIKey(arg string) string {
	hasher := sha256.New()
	hasher.Write([]byte(arg))
	return hex.EncodeToString(hasher.Sum(nil))
}

// MatchAPIKey reports whether provided hashes to hashed.
// The comparison runs in constant time.
func MatchAPIKey(hashed, provided string) bool {
	if hashed == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashed), []byte(HashAPIKey(provided))) == 1
}
