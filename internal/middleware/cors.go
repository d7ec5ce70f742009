// Package middleware provides HTTP middleware for the registration API.
package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const (
	allowMethods = "GET, POST, OPTIONS"
	allowHeaders = "Content-Type"
	preflightAge = "600"
)

// CORS returns middleware that handles CORS headers. Preflights are answered
// only for a GET or POST that routes would serve; anything else is refused
// before it reaches a handler.
func CORS(routes chi.Routes, allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed, explicit := matchOrigin(allowedOrigins, origin)

			if origin != "" && allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicit origins; with a wildcard echo they enable CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			requested := r.Header.Get("Access-Control-Request-Method")
			if r.Method != http.MethodOptions || origin == "" || requested == "" {
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case !allowed:
				w.WriteHeader(http.StatusForbidden)
				return
			case requested != http.MethodGet && requested != http.MethodPost:
				w.Header().Set("Allow", allowMethods)
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			case !routes.Match(chi.NewRouteContext(), requested, r.URL.Path):
				w.WriteHeader(http.StatusNotFound)
				return
			}

			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
			w.Header().Set("Access-Control-Max-Age", preflightAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func matchOrigin(allowedOrigins []string, origin string) (allowed, explicit bool) {
	if origin == "" {
		return false, false
	}
	for _, o := range allowedOrigins {
		if o == origin {
			return true, true
		}
		if o == "*" {
			allowed = true
		}
	}
	return allowed, false
}
