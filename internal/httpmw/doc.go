// Package httpmw provides HTTP middleware for the local invoke server.
//
// httpserver.NewHandler composes them outermost first: recover, request ID,
// rate limiting, OTEL tracing, trace headers, metrics, request-scoped
// logging, then the chi router with access logging and a body limit.
//
// Event payloads carry temporary credentials, so request bodies and headers
// are never logged.
package httpmw
