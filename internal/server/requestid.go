package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDMiddleware tags every request with an ID that is echoed in the
// X-Request-ID response header and stamped on its log lines. A UI retrying a
// chat message may send its own UUID so both attempts correlate; any other
// value is replaced.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := callerRequestID(r)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), id)))
	})
}

func callerRequestID(r *http.Request) string {
	id, err := uuid.Parse(r.Header.Get(requestIDHeader))
	if err != nil {
		return ""
	}
	return id.String()
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request's ID, or "" outside RequestIDMiddleware.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
