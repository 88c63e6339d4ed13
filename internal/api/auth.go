// Authentication for the Manager's HTTP surface (spec.md §6.1), adapted
// from the teacher's internal/api/auth.go. The teacher's scope-based
// authorizer/principal model (role scopes, per-tenant actions) has no
// counterpart in this spec: the Manager has one flat authorized_tokens
// set plus a separate bcrypt-hashed admin_users map, so this is a
// deliberate simplification rather than a line-for-line port — kept in
// the teacher's shape (a struct built once from Config, an `authorized`
// method every handler calls through) while dropping the scope/tenant
// machinery spec.md has no concept of.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// tokenAuth checks client requests against the flat authorized_tokens set
// (spec.md §6.1): X-API-Token or "Authorization: Bearer <token>", compared
// in constant time so token length/content never leaks through timing.
type tokenAuth struct {
	tokens [][]byte
}

func newTokenAuth(tokens []string) *tokenAuth {
	a := &tokenAuth{tokens: make([][]byte, 0, len(tokens))}
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

func (a *tokenAuth) authorized(r *http.Request) bool {
	token := bearerToken(r)
	if token == "" {
		return false
	}
	candidate := []byte(token)
	for _, known := range a.tokens {
		if len(known) == len(candidate) && subtle.ConstantTimeCompare(known, candidate) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Token")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// adminAuth checks the admin surface's HTTP Basic credentials against
// admin_users' bcrypt hashes (spec.md §6.1).
type adminAuth struct {
	users map[string]string // username -> bcrypt hash
}

func newAdminAuth(users map[string]string) *adminAuth {
	return &adminAuth{users: users}
}

func (a *adminAuth) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	hash, known := a.users[user]
	if !known {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
}

// runnerTokenAuth checks a runner-facing request's bearer token against
// the value the Registry recorded for that runner's URL, resolved by the
// handler (the registry owns runner identity, this package only compares).
func runnerTokenAuth(r *http.Request, expected string) bool {
	if expected == "" {
		return false
	}
	token := bearerToken(r)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
