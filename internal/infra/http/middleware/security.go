package middleware

import (
	"net/http"
	"strconv"
)

// hstsMaxAge is one year, in seconds.
const hstsMaxAge = 31536000

// SecurityHeaders sets headers suitable for a JSON API. HSTS is only sent when
// hsts is set, which the server does in production.
func SecurityHeaders(hsts bool) func(http.Handler) http.Handler {
	hstsValue := "max-age=" + strconv.Itoa(hstsMaxAge) + "; includeSubDomains"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			if hsts {
				h.Set("Strict-Transport-Security", hstsValue)
			}

			// Scan status changes constantly; never cache API responses.
			h.Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}
