package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Options configures continuous profiling. Only the long-running serve mode
// profiles; a lambda sandbox is frozen between invocations.
type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int

	// OnState reports whether the profiler is running, e.g. to a gauge.
	OnState func(active bool)
}

// profileTypes favours allocation and goroutine profiles; extraction and the
// native mirror are allocation heavy.
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
}

// Start begins pushing profiles. The returned stop func is always non-nil
// and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	state := func(active bool) {
		if opts.OnState != nil {
			opts.OnState(active)
		}
	}
	noop := func() {}

	if !opts.Enabled {
		state(false)
		L.Debug(ctx, "pyroscope disabled")
		return noop, nil
	}

	if opts.ServerAddress == "" {
		state(false)
		return noop, xerrors.WithKind(xerrors.Newf("invalid server address (%q)", opts.ServerAddress), xerrors.KindConfig)
	}

	types := append([]pyroscope.ProfileType(nil), profileTypes...)
	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
		types = append(types, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
		types = append(types, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		ProfileTypes:    types,
	})
	if err != nil {
		state(false)
		return noop, xerrors.Wrapf(err, "start pyroscope for %s", opts.ServerAddress)
	}

	state(true)
	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		profiler.Stop()
		state(false)
		L.Info(context.Background(), "pyroscope stopped", "server_address", opts.ServerAddress)
	}, nil
}
