package server

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds each request context by timeout. A chat request
// whose deadline fired while the gateway was still working is tagged
// deadline_exceeded=true on its request log line. Handlers are not
// interrupted; they observe ctx.Done().
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))

			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				AddLogField(r.Context(), "deadline_exceeded", "true")
			}
		})
	}
}
