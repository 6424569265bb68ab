package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	// TokenPrefix marks FlakeGuard ingest tokens so leaked credentials are
	// recognizable in scanner output.
	TokenPrefix = "fgk_"

	tokenBytes = 32
)

// MintToken creates a plaintext token and the hash stored in its place.
// The plaintext is shown exactly once at creation time.
func MintToken() (token string, hash []byte, err error) {
	raw := make([]byte, tokenBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to read random bytes: %w", err)
	}

	token = TokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return token, HashToken(token), nil
}

// HashToken maps a plaintext token to its storage form. Only the SHA-256
// digest ever touches the database.
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// ValidTokenFormat reports whether a presented credential even looks like
// one of ours, so obviously foreign tokens skip the database lookup.
func ValidTokenFormat(token string) bool {
	encoded, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	return len(raw) == tokenBytes
}
