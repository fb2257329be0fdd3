package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/prof"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
)

const (
	// drainPeriod lets readiness failures propagate before listeners close
	drainPeriod = 5 * time.Second
	maxCallers  = 1024
)

// serve runs the local invoke endpoint and the admin listener until a
// signal arrives, then drains and returns the exit code.
func serve(
	ctx context.Context,
	L log.Logger,
	conf cfg.App,
	m *metrics.Metrics,
	invoker lambda.Handler,
	shutdownOTEL func(context.Context) error,
) int {
	vi := v.Get()

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		OnState:       m.SetProfilingActive,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": modeServe,
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	var gate health.ShutdownGate
	probes := []health.Probe{gate.Probe()}
	// command mode cannot deploy anything without the sync program on PATH
	if conf.SyncMode == cfg.SyncModeCommand {
		probes = append(probes, health.Executable(conf.SyncProgram))
	}
	readiness := health.All(probes...)

	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.InvokeRate, conf.InvokeBurst),
		ratelimit.WithMaxCallers(maxCallers),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// only log the first denial per caller until it is evicted
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "invoke rate limit triggered", "peer", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new callers until some are evicted")
		}),
	)

	functionName := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	if functionName == "" {
		functionName = "function"
	}

	invokeStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.InvokePort,
		Invoker:      invoker,
		FunctionName: functionName,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start invoke listener")
		return 1
	}
	defer func() { _ = invokeStop(context.Background()) }()

	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() { _ = opsStop(context.Background()) }()

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	gate.Set("draining")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// in-flight invocations get the full invoke timeout to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.DefaultInvokeTimeout)
	defer cancel()

	code := 0
	if err := invokeStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "invoke server shutdown")
		code = 1
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
		code = 1
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	L.Info(context.Background(), "shutdown complete")
	return code
}
