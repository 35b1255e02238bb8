package proxy

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/tinkertools/proxygate/internal/registry"
)

// Authenticate checks the presented token against the instance token set.
// Plain tokens compare constant-time; entries with a bcrypt prefix are
// treated as hashes at rest. An instance with no tokens requires none.
func Authenticate(inst *registry.Instance, token string) *Error {
	if len(inst.Tokens) == 0 {
		return nil
	}
	if token == "" {
		return E(KindUnauthorized, "missing token")
	}
	for _, stored := range inst.Tokens {
		if isBcryptHash(stored) {
			if bcrypt.CompareHashAndPassword([]byte(stored), []byte(token)) == nil {
				return nil
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1 {
			return nil
		}
	}
	return E(KindUnauthorized, "invalid token")
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") ||
		strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}
