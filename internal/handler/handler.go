// Package handler runs one CodePipeline job: scope credentials to the job,
// extract the input artifact, mirror its site directory to the target
// bucket and report the outcome back to the pipeline.
//
// Every invocation that carries a job id produces exactly one report call.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/artifact"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/credscope"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/job"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/sitesync"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/target"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Complete is the value every handled invocation returns.
const Complete = "Complete."

// Invocation outcomes as recorded by Recorder.IncInvocation.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeRejected    = "rejected"
	OutcomeReportError = "report_error"
)

// Step names used for spans and step metrics.
const (
	StepParams      = "params"
	StepCredentials = "credentials"
	StepExtract     = "extract"
	StepSync        = "sync"
)

// FailurePrefix starts every failure message reported to CodePipeline.
const FailurePrefix = "Function exception: "

// ClientFactory builds the artifact client for one job's credentials.
type ClientFactory func(ctx context.Context, creds job.Credentials) (artifact.ObjectGetter, error)

// CredentialScoped returns a ClientFactory backed by credscope.
func CredentialScoped(opts credscope.Options) ClientFactory {
	return func(ctx context.Context, creds job.Credentials) (artifact.ObjectGetter, error) {
		return credscope.NewS3Client(ctx, creds, opts)
	}
}

type Reporter interface {
	Success(ctx context.Context, jobID, message string) error
	Failure(ctx context.Context, jobID, message string) error
}

type TargetResolver interface {
	Resolve(ctx context.Context, params string) (string, error)
}

// Recorder receives invocation metrics. *metrics.Metrics implements it.
type Recorder interface {
	IncInvocation(outcome string)
	ObserveStep(step string, d time.Duration, err error)
	ObserveArtifactBytes(n int64)
	SetSyncExitCode(code int)
	AddSyncObjects(op string, n int)
	IncReportError()
}

type Handler struct {
	NewClient ClientFactory
	// Extractor is a template; its Client is replaced per invocation.
	Extractor artifact.Extractor
	Syncer    sitesync.Syncer
	Reporter  Reporter
	// Target defaults to a resolver that accepts literal buckets only.
	Target  TargetResolver
	Metrics Recorder
	Logger  log.Logger

	// StrictSync fails the job when the sync exits nonzero.
	StrictSync bool
	// KeepWorkdir leaves the extraction directory behind.
	KeepWorkdir bool
}

func (h *Handler) recorder() Recorder {
	if h.Metrics == nil {
		return nopRecorder{}
	}
	return h.Metrics
}

func (h *Handler) validate() error {
	switch {
	case h.NewClient == nil:
		return xerrors.WithKind(xerrors.New("handler has no client factory"), xerrors.KindInternal)
	case h.Syncer == nil:
		return xerrors.WithKind(xerrors.New("handler has no syncer"), xerrors.KindInternal)
	case h.Reporter == nil:
		return xerrors.WithKind(xerrors.New("handler has no reporter"), xerrors.KindInternal)
	}
	return nil
}

// Handle processes one invocation event and returns Complete. The error is
// non-nil only when the event has no job id, the handler is misconfigured,
// or the outcome could not be reported.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (out string, err error) {
	L := log.OrNop(h.Logger)
	rec := h.recorder()

	ctx, span := otelx.StartSpan(ctx, "sitesync.invoke")
	defer func() { otelx.EndSpan(span, err) }()

	if err := h.validate(); err != nil {
		L.Error(ctx, err, "handler misconfigured")
		return "", err
	}

	j, parseErr := job.Parse(raw)
	if j == nil {
		L.Error(ctx, parseErr, "invocation has no job id, nothing to report")
		rec.IncInvocation(OutcomeRejected)
		return "", parseErr
	}

	span.SetAttributes(attribute.String("codepipeline.job_id", j.ID))
	L = L.With("job_id", j.ID)
	ctx = log.WithContext(ctx, L)

	bucket, runErr := h.run(ctx, j, parseErr)

	var reportErr error
	if runErr != nil {
		L.Error(ctx, runErr, "function failed due to exception", "kind", xerrors.KindOf(runErr).String())
		reportErr = h.Reporter.Failure(ctx, j.ID, FailurePrefix+runErr.Error())
	} else {
		reportErr = h.Reporter.Success(ctx, j.ID, "Successfully uploaded artifact to "+bucket)
	}

	if reportErr != nil {
		rec.IncReportError()
		rec.IncInvocation(OutcomeReportError)
		L.Error(ctx, reportErr, "reporting job result failed")
		return "", reportErr
	}

	if runErr != nil {
		rec.IncInvocation(OutcomeFailure)
	} else {
		rec.IncInvocation(OutcomeSuccess)
	}
	L.Info(ctx, "function complete")
	return Complete, nil
}

// run executes the job steps. A panic in any step becomes an internal error
// so the job is still reported.
func (h *Handler) run(ctx context.Context, j *job.Job, parseErr error) (bucket string, err error) {
	L := log.FromContext(ctx)
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(error); ok {
				err = xerrors.WithKind(xerrors.Wrap(e, "panic"), xerrors.KindInternal)
			} else {
				err = xerrors.WithKind(xerrors.Newf("panic: %v", v), xerrors.KindInternal)
			}
		}
	}()

	if parseErr != nil {
		return "", parseErr
	}

	var ref job.ArtifactRef
	err = h.step(ctx, StepParams, func(ctx context.Context) error {
		params, err := j.UserParameters()
		if err != nil {
			return err
		}
		if bucket, err = h.resolver().Resolve(ctx, params); err != nil {
			return err
		}
		ref, err = j.Artifact(0)
		return err
	})
	if err != nil {
		return "", err
	}
	if j.Data.ContinuationToken != "" {
		L.Debug(ctx, "job carries a continuation token", "continuation_token", j.Data.ContinuationToken)
	}
	if k := j.Data.EncryptionKey; k != nil {
		L.Debug(ctx, "artifact store is encrypted", "key_id", k.ID, "key_type", k.Type)
	}

	var client artifact.ObjectGetter
	err = h.step(ctx, StepCredentials, func(ctx context.Context) error {
		creds, err := j.Credentials()
		if err != nil {
			return err
		}
		L.Info(ctx, "scoping artifact client to job credentials",
			"has_session_token", creds.SessionToken != "",
			"signature_version", credscope.SignatureVersion,
		)
		client, err = h.NewClient(ctx, creds)
		if err != nil {
			return ensureKind(err, xerrors.KindCredentials)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var ws *artifact.Workspace
	err = h.step(ctx, StepExtract, func(ctx context.Context) error {
		ex := h.Extractor
		ex.Client = client
		if ex.Logger == nil {
			ex.Logger = L
		}
		w, err := ex.Extract(ctx, ref)
		if err != nil {
			return ensureKind(err, xerrors.KindExtract)
		}
		ws = w
		return nil
	})
	if err != nil {
		return "", err
	}
	h.recorder().ObserveArtifactBytes(ws.Bytes)

	if h.KeepWorkdir {
		L.Info(ctx, "keeping extraction directory", "workspace", ws.Dir)
	} else {
		defer func() {
			if rerr := ws.Release(); rerr != nil {
				L.Warn(ctx, "removing extraction directory failed", "workspace", ws.Dir, "error", rerr)
			}
		}()
	}

	err = h.step(ctx, StepSync, func(ctx context.Context) error {
		res, err := h.Syncer.Sync(ctx, ws.SiteDir(), bucket)
		if res != nil {
			rec := h.recorder()
			rec.SetSyncExitCode(res.ExitCode)
			rec.AddSyncObjects("upload", res.Uploaded)
			rec.AddSyncObjects("delete", res.Deleted)
			rec.AddSyncObjects("skip", res.Skipped)
		}
		if err != nil {
			return ensureKind(err, xerrors.KindSync)
		}
		if !res.OK() {
			if h.StrictSync {
				return xerrors.WithKind(xerrors.Newf("sync to %s exited with status %d", sitesync.Target(bucket), res.ExitCode), xerrors.KindSync)
			}
			L.Warn(ctx, "sync exited nonzero, reporting success anyway",
				"exit_code", res.ExitCode,
				"bucket", bucket,
			)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return bucket, nil
}

// step runs fn under its own span and records its duration and error kind.
func (h *Handler) step(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	start := time.Now()
	ctx, span := otelx.StartSpan(ctx, "sitesync."+name)
	defer func() {
		otelx.EndSpan(span, err)
		h.recorder().ObserveStep(name, time.Since(start), err)
	}()
	return fn(ctx)
}

func (h *Handler) resolver() TargetResolver {
	if h.Target == nil {
		return &target.Resolver{Logger: h.Logger}
	}
	return h.Target
}

func ensureKind(err error, k xerrors.Kind) error {
	if err == nil || xerrors.KindOf(err) != xerrors.KindUnknown {
		return err
	}
	return xerrors.WithKind(err, k)
}

type nopRecorder struct{}

func (nopRecorder) IncInvocation(string)                    {}
func (nopRecorder) ObserveStep(string, time.Duration, error) {}
func (nopRecorder) ObserveArtifactBytes(int64)              {}
func (nopRecorder) SetSyncExitCode(int)                     {}
func (nopRecorder) AddSyncObjects(string, int)              {}
func (nopRecorder) IncReportError()                         {}
