package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

const extensionScheme = "chrome-extension://"

// CORS returns cors.Options for the configured origins. Browser extension
// origins are always accepted since the extension id differs between builds.
// If "*" is present, AllowCredentials is set to false (browsers reject
// Access-Control-Allow-Credentials: true with a wildcard origin).
func CORS(allowedOrigins []string) cors.Options {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}

	wildcard := false
	exact := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		exact[strings.ToLower(o)] = struct{}{}
	}

	return cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			if wildcard || strings.HasPrefix(origin, extensionScheme) {
				return true
			}
			_, ok := exact[strings.ToLower(origin)]
			return ok
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}
}
