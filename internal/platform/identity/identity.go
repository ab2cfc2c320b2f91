// Package identity carries the authenticated actor supplied by the platform
// gateway. The engine trusts this identity as given and performs no
// authentication itself.
package identity

import (
	"context"
	"net/http"
	"strings"
)

// Actor is the authenticated caller of a mutating operation. Override marks
// administrator override authority, which is a capability distinct from any
// routed approval role: override actions bypass the step chain and are
// audited as first-class events.
type Actor struct {
	ID       string
	Roles    []string
	Override bool
}

// HasRole reports whether the actor holds the given role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithActor stores an actor in the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// ActorFrom retrieves the actor stored by Middleware.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok && a.ID != ""
}

// FromHeaders builds an actor from the trusted gateway headers.
func FromHeaders(r *http.Request) Actor {
	a := Actor{
		ID:       r.Header.Get("X-User-Id"),
		Override: r.Header.Get("X-User-Override") == "true",
	}
	if raw := r.Header.Get("X-User-Roles"); raw != "" {
		for _, role := range strings.Split(raw, ",") {
			if role = strings.TrimSpace(role); role != "" {
				a.Roles = append(a.Roles, role)
			}
		}
	}
	return a
}

// Middleware extracts the actor headers into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), FromHeaders(r))))
	})
}
