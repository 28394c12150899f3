// Package middleware provides HTTP middleware for the Routing Shell.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the allow-list CORS middleware the Routing Shell applies in
// front of every route: any origin in allowedOrigins (or "*" for all) is
// permitted, credentials are only ever echoed for an explicit origin match
// (never alongside "*", which would let any site ride a user's cookies),
// and preflight requests are answered with a bare 204.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowCredentials := true
	for _, o := range allowedOrigins {
		if o == "*" {
			allowCredentials = false
			break
		}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}
