package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/onlyintx/api/internal/platform/httpx"
)

// BearerGate authenticates requests against a single shared-secret token.
// It is the only authentication surface of the service; the read-only order
// endpoints sit behind it.
type BearerGate struct {
	token string
}

// NewBearerGate constructs a gate for the provided token. An empty token
// produces a gate that rejects every request.
func NewBearerGate(token string) *BearerGate {
	return &BearerGate{token: strings.TrimSpace(token)}
}

// Require returns middleware rejecting requests without a matching bearer token.
func (g *BearerGate) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.authorize(r) {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "valid bearer token required", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *BearerGate) authorize(r *http.Request) bool {
	if g == nil || g.token == "" {
		return false
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	presented := strings.TrimSpace(header[len(prefix):])
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(g.token)) == 1
}
