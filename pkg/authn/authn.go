// Package authn guards agent-to-agent HTTP delivery with a shared network
// token. Every node in one care network carries the same token; a request
// without it never reaches the protocol engine.
package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier checks bearer tokens against the configured network token. Only
// the hash is retained after construction.
type Verifier struct {
	tokenHash string
}

// NewVerifier returns a verifier for the given network token. An empty
// token disables authentication, for single-process simulations.
func NewVerifier(token string) *Verifier {
	if token == "" {
		return &Verifier{}
	}
	return &Verifier{tokenHash: hashToken(token)}
}

func (v *Verifier) Enabled() bool { return v.tokenHash != "" }

// Authenticate checks an Authorization header value.
func (v *Verifier) Authenticate(authorization string) error {
	if !v.Enabled() {
		return nil
	}
	token, ok := parseBearerToken(authorization)
	if !ok {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(hashToken(token)), []byte(v.tokenHash)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// Middleware rejects unauthenticated requests with 401 before the handler
// runs.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Authenticate(r.Header.Get("Authorization")); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(authorization string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
