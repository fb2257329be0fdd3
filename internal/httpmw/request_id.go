package httpmw

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header names accepted as an incoming request id, in order of preference.
// The lambda runtime interface emulator sets the first.
const (
	HeaderLambdaRequestID = "Lambda-Runtime-Aws-Request-Id"
	HeaderRequestID       = "X-Request-Id"
)

type requestIDKey struct{}

// WithRequestID attaches a request ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext gets the request ID from context, or "" if none.
func RequestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

// RequestID propagates an incoming request id or mints a uuid, stores it in
// the context, and echoes it back in the X-Request-Id response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderLambdaRequestID)
		if id == "" {
			id = r.Header.Get(HeaderRequestID)
		}
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}
