package server

import (
	"context"
	"net/http"
)

type contextKey string

const contextKeyOwner contextKey = "owner"

// requireSecret is middleware that rejects requests missing the correct
// X-Pulsar-Secret header.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Pulsar-Secret") != h.secret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOwner injects the caller identity from the X-Owner-ID header,
// set by the authenticating proxy in front of this service, into the
// request context. Every registry operation is scoped to it.
func (h *Handler) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-Owner-ID")
		if owner == "" {
			http.Error(w, "missing owner", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyOwner, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ownerID extracts the caller identity from the request context.
func ownerID(r *http.Request) string {
	owner, _ := r.Context().Value(contextKeyOwner).(string)
	return owner
}
