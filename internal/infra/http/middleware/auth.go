package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openctemio/sast-triage/pkg/apierror"
	"github.com/openctemio/sast-triage/pkg/jwt"
	"github.com/openctemio/sast-triage/pkg/logger"
)

// SubjectKey holds the authenticated token subject.
const SubjectKey logger.ContextKey = "subject"

// TokenValidator validates a bearer token.
type TokenValidator interface {
	Validate(token string) (*jwt.Claims, error)
}

// GetSubject extracts the authenticated subject from context.
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

// WithSubject returns a context carrying subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// Auth requires a valid bearer token. Browsers cannot set headers on a
// WebSocket handshake, so upgrade requests may pass the token as ?token=.
// A nil validator disables authentication.
func Auth(v TokenValidator, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" && isWebSocketUpgrade(r) {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				AuthFailuresTotal.WithLabelValues("missing").Inc()
				apierror.Unauthorized("").WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}

			claims, err := v.Validate(token)
			if err != nil {
				reason := "invalid"
				message := "Invalid token"
				if errors.Is(err, jwt.ErrExpiredToken) {
					reason = "expired"
					message = "Token has expired"
				}
				AuthFailuresTotal.WithLabelValues(reason).Inc()
				log.Warn("bearer token rejected",
					"reason", reason,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				apierror.Unauthorized(message).WriteJSONWithRequestID(w, GetRequestID(r.Context()))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
		})
	}
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
