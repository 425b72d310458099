package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const tokenPrefix = "ehub_"

// GenerateToken creates an admin API token and the hash to put in config.
// Format: ehub_<uuid>_<64 hex chars>
func GenerateToken() (token, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = tokenPrefix + uuid.NewString() + "_" + hex.EncodeToString(secret)
	return token, HashToken(token), nil
}

// HashToken returns the hex sha256 of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func ValidTokenFormat(token string) bool {
	return len(token) == len(tokenPrefix)+36+1+64 && strings.HasPrefix(token, tokenPrefix)
}

// TokenMatches compares token against a configured hash in constant time.
func TokenMatches(token, hash string) bool {
	if hash == "" || !ValidTokenFormat(token) {
		return false
	}
	got := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(hash))) == 1
}
