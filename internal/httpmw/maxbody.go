package httpmw

import "net/http"

// MaxInvokeBody matches the synchronous lambda invocation payload limit.
const MaxInvokeBody = 6 << 20

// MaxBody limits request body size. Reading past the limit fails and the
// server answers 413 Request Entity Too Large.
func MaxBody(bytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, bytes)
			next.ServeHTTP(w, r)
		})
	}
}
