package middleware

import (
	"errors"
	"net/http"

	"github.com/skillsync/internal/auth"
	"github.com/skillsync/internal/logger"
)

// TokenVerifier checks a bearer credential and returns its claims.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Auth rejects requests without a valid "Authorization: Bearer" JWT and puts
// the subject into the request context.
func Auth(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r.Header.Get("Authorization"))
			if token == "" {
				unauthorized(w)
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				if !errors.Is(err, auth.ErrInvalidToken) {
					logger.Errorf("auth verify: %v", err)
				}
				logger.Debugf("auth rejected token=%s: %v", MaskToken(token), err)
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID())))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}
