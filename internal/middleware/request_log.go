package middleware

import (
	"net/http"
	"time"

	"github.com/skillsync/internal/logger"
)

// RequestLog reports method, path and duration of each request through the
// async logger (slow requests only, unless the level is debug).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, time.Now())()
		next.ServeHTTP(w, r)
	})
}
