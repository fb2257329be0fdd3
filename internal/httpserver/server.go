package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// NewHandler builds the invoke handler with routes and middleware.
// main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts *Options) http.Handler {
	L := log.OrNop(opts.Logger)

	r := chi.NewRouter()
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(httpmw.MaxInvokeBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}
	if opts.Invoker != nil {
		r.Post(InvokePath, invokeHandler(opts.Invoker, opts.FunctionName, opts.InvokeTimeout))
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, opts.OnPanic)
	}

	return httpmw.Chain(r,
		recoverMW,
		httpmw.RequestID,
		opts.RateLimitMW,
		otelhttp.NewMiddleware("http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " invoke"
			}),
		),
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(L),
	)
}

// Server timeout defaults, shared with opshttp. Invocations may run up to
// the lambda maximum so the write timeout follows DefaultInvokeTimeout.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start the invoke server. Returns stop(ctx) for graceful shutdown, which
// waits for in-flight invocations until ctx expires.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	L := log.OrNop(opts.Logger)
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	timeout := opts.InvokeTimeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	srv := NewServer(addr, NewHandler(opts), timeout+30*time.Second)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen for invoke server on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "invoke server listening", "addr", addr, "path", InvokePath)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "invoke server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "invoke server shutting down")
			retErr = srv.Shutdown(sctx)
		})
		return retErr
	}
	return stop, nil
}
