package status

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// IsHashedToken reports whether a configured token is a bcrypt hash.
func IsHashedToken(token string) bool {
	return strings.HasPrefix(token, "$2a$") ||
		strings.HasPrefix(token, "$2b$") ||
		strings.HasPrefix(token, "$2y$")
}

// HashToken returns the bcrypt hash of a token for use in configuration.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func tokenMatches(configured, candidate string) bool {
	if configured == "" || candidate == "" {
		return false
	}
	if IsHashedToken(configured) {
		return bcrypt.CompareHashAndPassword([]byte(configured), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}
