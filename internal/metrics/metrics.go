package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/version"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// PushJob is the job label used for Pushgateway pushes.
const PushJob = "sitesync"

type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// invocation pipeline
	invocationsTotal *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepErrorsTotal  *prometheus.CounterVec
	artifactBytes    prometheus.Histogram
	syncExitCode     prometheus.Gauge
	syncObjectsTotal *prometheus.CounterVec
	reportErrors     prometheus.Counter
	lastSuccessTs    prometheus.Gauge

	// serve mode http
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the go/process collectors and every
// sitesync series registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_invocations_total",
			Help: "Job invocations by outcome (success, failure, unreported)",
		}, []string{"outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitesync_step_duration_seconds",
			Help:    "Duration of each invocation step",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"step"}),
		stepErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_step_errors_total",
			Help: "Step failures by step and error kind",
		}, []string{"step", "kind"}),
		artifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sitesync_artifact_bytes",
			Help:    "Size of downloaded artifact archives",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 9),
		}),
		syncExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitesync_sync_exit_code",
			Help: "Exit code of the most recent sync command",
		}),
		syncObjectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitesync_sync_objects_total",
			Help: "Objects touched by the native mirror by operation (upload, delete, skip)",
		}, []string{"op"}),
		reportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sitesync_report_errors_total",
			Help: "Failed attempts to report a job result to the pipeline",
		}),
		lastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitesync_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successfully reported job",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times a caller first hit the rate limit",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.invocationsTotal,
		m.stepDuration,
		m.stepErrorsTotal,
		m.artifactBytes,
		m.syncExitCode,
		m.syncObjectsTotal,
		m.reportErrors,
		m.lastSuccessTs,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.httpPanicTotal,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for gathering in tests and pushes.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Push sends the registry to a Pushgateway under job=sitesync, grouped by
// instance. Used after one-shot invocations where nothing scrapes /metrics.
func (m *Metrics) Push(ctx context.Context, url, instance string) error {
	p := push.New(url, PushJob).Gatherer(m.reg)
	if instance != "" {
		p = p.Grouping("instance", instance)
	}
	if err := p.AddContext(ctx); err != nil {
		return xerrors.Wrapf(err, "push metrics to %s", url)
	}
	return nil
}

func (m *Metrics) IncInvocation(outcome string) {
	m.invocationsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.lastSuccessTs.Set(float64(time.Now().Unix()))
	}
}

// ObserveStep records the duration of step and, when err is non-nil, counts
// it under the error's kind.
func (m *Metrics) ObserveStep(step string, d time.Duration, err error) {
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
	if err != nil {
		m.stepErrorsTotal.WithLabelValues(step, xerrors.KindOf(err).String()).Inc()
	}
}

func (m *Metrics) ObserveArtifactBytes(n int64) { m.artifactBytes.Observe(float64(n)) }

func (m *Metrics) SetSyncExitCode(code int) { m.syncExitCode.Set(float64(code)) }

func (m *Metrics) AddSyncObjects(op string, n int) {
	if n > 0 {
		m.syncObjectsTotal.WithLabelValues(op).Add(float64(n))
	}
}

func (m *Metrics) IncReportError() { m.reportErrors.Inc() }

func (m *Metrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *Metrics) IncRateLimitDenied() { m.ratelimitDeniedTotal.Inc() }

func (m *Metrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

func (m *Metrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// set once at startup.
func (m *Metrics) SetBuildInfoFromVersion(component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}
