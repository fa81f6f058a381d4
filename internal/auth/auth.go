// Package auth implements Basic/API-Key authentication: paths outside
// /health/*, /metrics, /auth/login require either a Basic credential or an
// API key; failure is a 401 with a WWW-Authenticate challenge.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Store verifies Basic credentials and API keys against bcrypt-hashed
// passwords and a configured key set.
type Store struct {
	users   map[string][]byte // username -> bcrypt hash
	apiKeys map[string]struct{}
}

// NewStore creates a Store from plaintext-at-load-time configuration:
// users maps username to its bcrypt hash (pre-hashed at config load), and
// apiKeys is the set of valid API keys.
func NewStore(users map[string][]byte, apiKeys []string) *Store {
	keys := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		keys[k] = struct{}{}
	}
	return &Store{users: users, apiKeys: keys}
}

// HashPassword hashes a plaintext password for storage, using bcrypt's
// default cost.
func HashPassword(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
}

// VerifyBasic checks a username/password pair against the stored bcrypt
// hash.
func (s *Store) VerifyBasic(user, pass string) bool {
	hash, ok := s.users[user]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(pass)) == nil
}

// VerifyAPIKey checks an API key using a constant-time comparison against
// every configured key, so the check's timing does not leak which key
// (if any) came close to matching.
func (s *Store) VerifyAPIKey(key string) bool {
	ok := false
	for configured := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(configured), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// exemptExact lists the non-prefix paths that bypass authentication.
var exemptExact = map[string]struct{}{
	"/metrics":    {},
	"/auth/login": {},
}

// IsExempt reports whether path is exempt from the auth requirement:
// every /health/* path, /metrics, and /auth/login.
func IsExempt(path string) bool {
	if strings.HasPrefix(path, "/health/") {
		return true
	}
	_, ok := exemptExact[path]
	return ok
}

// ParseBasicHeader parses an `Authorization: Basic base64(user:pw)` header
// value (without the "Basic " prefix already stripped by the caller).
func ParseBasicHeader(value string) (user, pass string, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
