package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/artifact"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/credscope"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/handler"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/report"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/sitesync"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/target"
	v "github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
)

// envPrefix maps flag foo-bar to SITESYNC_FOO_BAR.
const envPrefix = "SITESYNC_"

func main() {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl := slog.LevelError
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
			os.Exit(1)
		}
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()

	mode := runMode(conf)
	if mode == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -serve or -event, or run under the lambda runtime")
		os.Exit(2)
	}
	L := lg.With("component", mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"mode", mode,
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"sync_mode", conf.SyncMode,
		"sync_program", conf.SyncProgram,
		"strict_sync", conf.StrictSync,
		"keep_workdir", conf.KeepWorkdir,
		"temp_root", conf.TempRoot,
		"site_dir", conf.SiteDir,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"pushgateway_url", conf.PushgatewayURL,
	)

	// Insecure is true because spans go to a collector on localhost or a lambda extension
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: mode,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(mode, &vi)

	h, err := buildHandler(ctx, conf, L, m)
	if err != nil {
		L.Error(ctx, err, "failed to build job handler")
		os.Exit(1)
	}

	// flush spans and push metrics after every invocation; a lambda sandbox
	// may be frozen or discarded as soon as the handler returns
	invoke := func(ctx context.Context, raw json.RawMessage) (string, error) {
		out, err := h.Handle(ctx, raw)
		afterInvoke(ctx, L, conf, m)
		return out, err
	}

	switch mode {
	case modeLambda:
		L.Info(ctx, "starting lambda runtime loop", "function", lambdacontext.FunctionName)
		lambda.StartWithOptions(invoke,
			lambda.WithContext(ctx),
			lambda.WithEnableSIGTERM(func() {
				sctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
				defer cancel()
				_ = shutdownOTEL(sctx)
			}),
		)
	case modeEvent:
		os.Exit(runEventFile(ctx, L, conf.EventFile, invoke))
	case modeServe:
		os.Exit(serve(ctx, L, conf, m, lambda.NewHandler(invoke), shutdownOTEL))
	}
}

const (
	modeLambda = "lambda"
	modeEvent  = "event"
	modeServe  = "serve"
)

// runMode picks the lambda runtime loop whenever the runtime API is present,
// regardless of flags. Empty means no mode was selected.
func runMode(conf cfg.App) string {
	switch {
	case os.Getenv("AWS_LAMBDA_RUNTIME_API") != "":
		return modeLambda
	case conf.EventFile != "":
		return modeEvent
	case conf.Serve:
		return modeServe
	default:
		return ""
	}
}

// buildHandler wires the job handler. Credentials for the artifact store come
// from each job; everything else uses the function's own role.
func buildHandler(ctx context.Context, conf cfg.App, L log.Logger, m *metrics.Metrics) (*handler.Handler, error) {
	var loadOpts []func(*config.LoadOptions) error
	if conf.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(conf.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	var syncer sitesync.Syncer
	switch conf.SyncMode {
	case cfg.SyncModeMirror:
		syncer = &sitesync.MirrorSyncer{Client: s3.NewFromConfig(awsCfg), Logger: L}
	default:
		syncer = &sitesync.CommandSyncer{Program: conf.SyncProgram, Args: conf.SyncArgList(), Logger: L}
	}

	return &handler.Handler{
		NewClient: handler.CredentialScoped(credscope.Options{Region: conf.Region}),
		Extractor: artifact.Extractor{
			Root:           conf.TempRoot,
			Logger:         L,
			MaxArchiveSize: cfg.MiB(conf.MaxArchiveMB),
			MaxFileSize:    cfg.MiB(conf.MaxFileMB),
			MaxTotalSize:   cfg.MiB(conf.MaxExtractMB),
			SiteDir:        conf.SiteDir,
		},
		Syncer:      syncer,
		Reporter:    &report.Reporter{Client: codepipeline.NewFromConfig(awsCfg), Logger: L},
		Target:      &target.Resolver{SSM: ssm.NewFromConfig(awsCfg), Logger: L},
		Metrics:     m,
		Logger:      L,
		StrictSync:  conf.StrictSync,
		KeepWorkdir: conf.KeepWorkdir,
	}, nil
}

func afterInvoke(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.Metrics) {
	// the invocation ctx may already be near its deadline
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := otelx.Flush(fctx); err != nil {
		L.Warn(ctx, "span flush failed", "error", err)
	}
	if conf.PushgatewayURL == "" {
		return
	}
	if err := m.Push(fctx, conf.PushgatewayURL, pushInstance()); err != nil {
		L.Warn(ctx, "metrics push failed", "error", err)
	}
}

func pushInstance() string {
	if lambdacontext.FunctionName != "" {
		return lambdacontext.FunctionName
	}
	host, _ := os.Hostname()
	return host
}

// runEventFile runs one invocation from a JSON file and returns the exit code.
func runEventFile(ctx context.Context, L log.Logger, path string, invoke func(context.Context, json.RawMessage) (string, error)) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		L.Error(ctx, err, "read event file", "path", path)
		return 1
	}
	if !json.Valid(raw) {
		L.Error(ctx, fmt.Errorf("%s is not valid JSON", path), "read event file")
		return 1
	}
	out, err := invoke(ctx, raw)
	if err != nil {
		L.Error(ctx, err, "invocation failed", "path", path)
		return 1
	}
	fmt.Println(out)
	return 0
}
