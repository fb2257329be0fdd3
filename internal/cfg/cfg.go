package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

const (
	SyncModeCommand = "command"
	SyncModeMirror  = "mirror"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	EnableTracing bool
	OTLPEndpoint  string
	TraceSample   float64

	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	PushgatewayURL string

	// serve mode (local invoke endpoint + admin listener)
	Serve       bool
	InvokePort  int
	AdminPort   int
	EnablePprof bool
	InvokeRate  float64
	InvokeBurst int

	// one-shot mode
	EventFile string

	Region       string
	TempRoot     string
	MaxArchiveMB int
	MaxFileMB    int
	MaxExtractMB int
	SiteDir      string
	KeepWorkdir  bool

	SyncMode    string
	SyncProgram string
	SyncArgs    string
	StrictSync  bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 1.0, "trace sampling ratio (0..1)")

	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to pyro-server (serve mode only)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.PushgatewayURL, "pushgateway-url", "", "Prometheus Pushgateway URL to push invocation metrics to (empty disables)")

	fs.BoolVar(&c.Serve, "serve", false, "Run a local invoke server instead of the lambda runtime")
	fs.IntVar(&c.InvokePort, "invoke-port", 8080, "serve mode invoke listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "serve mode admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof on the admin port")
	fs.Float64Var(&c.InvokeRate, "invoke-rate", 1, "serve mode invocations per second")
	fs.IntVar(&c.InvokeBurst, "invoke-burst", 2, "serve mode invocation burst")

	fs.StringVar(&c.EventFile, "event", "", "Run one invocation from a CodePipeline job event JSON file and exit")

	fs.StringVar(&c.Region, "region", "", "AWS region for the artifact client (default from environment)")
	fs.StringVar(&c.TempRoot, "temp-root", os.TempDir(), "directory extraction workspaces are created under")
	fs.IntVar(&c.MaxArchiveMB, "max-archive-mb", 512, "maximum artifact archive size in MiB")
	fs.IntVar(&c.MaxFileMB, "max-file-mb", 256, "maximum size of a single extracted file in MiB")
	fs.IntVar(&c.MaxExtractMB, "max-extract-mb", 1024, "maximum total extracted size in MiB")
	fs.StringVar(&c.SiteDir, "site-dir", "_site", "subdirectory of the artifact that is mirrored to the target bucket")
	fs.BoolVar(&c.KeepWorkdir, "keep-workdir", false, "Leave the extraction directory in place after the invocation")

	fs.StringVar(&c.SyncMode, "sync-mode", SyncModeCommand, "command (shell out to the aws cli) or mirror (native S3 API)")
	fs.StringVar(&c.SyncProgram, "sync-program", "aws", "program invoked as '<program> s3 sync --delete <dir> s3://<bucket>/'")
	fs.StringVar(&c.SyncArgs, "sync-args", "", "extra space-separated arguments appended to the sync command")
	fs.BoolVar(&c.StrictSync, "strict-sync", false, "Report job failure when the sync command exits nonzero")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// EnvKey maps a flag name to its environment variable.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	// Tracing
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Pyroscope
	if c.EnablePyroscope {
		if !validURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.PushgatewayURL != "" && !validURL(c.PushgatewayURL) {
		errs = append(errs, fmt.Errorf("PUSHGATEWAY_URL must be a URL (got %q)", c.PushgatewayURL))
	}

	// Serve mode
	if c.Serve {
		if c.InvokePort < 1 || c.InvokePort > 65535 {
			errs = append(errs, fmt.Errorf("invalid INVOKE_PORT %d (must be 1..65535)", c.InvokePort))
		}
		if c.AdminPort < 1 || c.AdminPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
		}
		if c.AdminPort == c.InvokePort {
			errs = append(errs, fmt.Errorf("ADMIN_PORT and INVOKE_PORT must differ (both %d)", c.InvokePort))
		}
		if c.InvokeRate <= 0 {
			errs = append(errs, fmt.Errorf("INVOKE_RATE must be > 0 (got %v)", c.InvokeRate))
		}
		if c.InvokeBurst < 1 {
			errs = append(errs, fmt.Errorf("INVOKE_BURST must be >= 1 (got %d)", c.InvokeBurst))
		}
		if c.EventFile != "" {
			errs = append(errs, fmt.Errorf("EVENT and SERVE are mutually exclusive"))
		}
	}

	// Extraction
	if c.TempRoot == "" {
		errs = append(errs, fmt.Errorf("TEMP_ROOT is required"))
	}
	if c.MaxArchiveMB < 1 {
		errs = append(errs, fmt.Errorf("MAX_ARCHIVE_MB must be >= 1 (got %d)", c.MaxArchiveMB))
	}
	if c.MaxFileMB < 1 {
		errs = append(errs, fmt.Errorf("MAX_FILE_MB must be >= 1 (got %d)", c.MaxFileMB))
	}
	if c.MaxExtractMB < c.MaxFileMB {
		errs = append(errs, fmt.Errorf("MAX_EXTRACT_MB (%d) must be >= MAX_FILE_MB (%d)", c.MaxExtractMB, c.MaxFileMB))
	}
	if c.SiteDir == "" || strings.Contains(c.SiteDir, "..") || strings.HasPrefix(c.SiteDir, "/") {
		errs = append(errs, fmt.Errorf("SITE_DIR must be a relative path inside the artifact (got %q)", c.SiteDir))
	}

	// Sync
	switch c.SyncMode {
	case SyncModeCommand:
		if strings.TrimSpace(c.SyncProgram) == "" {
			errs = append(errs, fmt.Errorf("SYNC_PROGRAM required when SYNC_MODE=command"))
		}
	case SyncModeMirror:
	default:
		errs = append(errs, fmt.Errorf("invalid SYNC_MODE %q (must be %s|%s)", c.SyncMode, SyncModeCommand, SyncModeMirror))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// SyncArgList splits SyncArgs on whitespace.
func (c App) SyncArgList() []string {
	return strings.Fields(c.SyncArgs)
}

// MiB converts a megabyte setting to bytes.
func MiB(n int) int64 { return int64(n) << 20 }
