package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/artifact"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/job"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/sitesync"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

type fakeGetter struct {
	objects map[string][]byte
}

func (f *fakeGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

type syncCall struct {
	dir, bucket string
	index       string
}

type fakeSyncer struct {
	calls []syncCall
	res   *sitesync.Result
	err   error
	panic any
}

func (f *fakeSyncer) Sync(_ context.Context, dir, bucket string) (*sitesync.Result, error) {
	if f.panic != nil {
		panic(f.panic)
	}
	idx, _ := os.ReadFile(filepath.Join(dir, "index.html"))
	f.calls = append(f.calls, syncCall{dir: dir, bucket: bucket, index: string(idx)})
	if f.err != nil {
		return &sitesync.Result{ExitCode: -1}, f.err
	}
	if f.res != nil {
		return f.res, nil
	}
	return &sitesync.Result{}, nil
}

type reportCall struct {
	success bool
	jobID   string
	message string
}

type fakeReporter struct {
	calls []reportCall
	err   error
}

func (f *fakeReporter) Success(_ context.Context, jobID, message string) error {
	f.calls = append(f.calls, reportCall{true, jobID, message})
	return f.err
}

func (f *fakeReporter) Failure(_ context.Context, jobID, message string) error {
	f.calls = append(f.calls, reportCall{false, jobID, message})
	return f.err
}

type fakeRecorder struct {
	outcomes   []string
	stepErrors map[string]xerrors.Kind
	exitCode   int
	objects    map[string]int
	reportErrs int
	bytes      int64
}

func newRecorder() *fakeRecorder {
	return &fakeRecorder{stepErrors: map[string]xerrors.Kind{}, objects: map[string]int{}, exitCode: -99}
}

func (r *fakeRecorder) IncInvocation(o string) { r.outcomes = append(r.outcomes, o) }
func (r *fakeRecorder) ObserveStep(step string, _ time.Duration, err error) {
	if err != nil {
		r.stepErrors[step] = xerrors.KindOf(err)
	}
}
func (r *fakeRecorder) ObserveArtifactBytes(n int64)    { r.bytes = n }
func (r *fakeRecorder) SetSyncExitCode(c int)           { r.exitCode = c }
func (r *fakeRecorder) AddSyncObjects(op string, n int) { r.objects[op] += n }
func (r *fakeRecorder) IncReportError()                 { r.reportErrs++ }

func siteZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{
		"_site/index.html":   "<h1>deployed</h1>",
		"_site/css/site.css": "body{}",
		"Gemfile":            "source 'https://rubygems.org'",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const (
	testAccessKeyID  = "ASIAJOBSCOPEDKEY"
	testSecretKey    = "wJalrXUtnFEMIjobsecret"
	testSessionToken = "FwoGZXIvYXdzEjobtoken"
)

type eventOpts struct {
	params  string
	noCreds bool
	key     string
	kmsKey  string
}

func event(t *testing.T, o eventOpts) json.RawMessage {
	t.Helper()
	if o.key == "" {
		o.key = "site/SiteBuild/abc.zip"
	}
	j := job.Job{ID: "job-123", AccountID: "111111111111"}
	j.Data.ActionConfiguration.Configuration.UserParameters = o.params
	j.Data.InputArtifacts = []job.Artifact{{Name: "SiteBuild"}}
	j.Data.InputArtifacts[0].Location.Type = "S3"
	j.Data.InputArtifacts[0].Location.S3Location.BucketName = "pipeline-artifacts"
	j.Data.InputArtifacts[0].Location.S3Location.ObjectKey = o.key
	if !o.noCreds {
		j.Data.ArtifactCredentials = &job.Credentials{AccessKeyID: testAccessKeyID, SecretAccessKey: testSecretKey, SessionToken: testSessionToken}
	}
	if o.kmsKey != "" {
		j.Data.EncryptionKey = &job.EncryptionKey{ID: o.kmsKey, Type: "KMS"}
	}
	raw, err := json.Marshal(job.Event{Job: j})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

type fixture struct {
	h        *Handler
	getter   *fakeGetter
	syncer   *fakeSyncer
	reporter *fakeReporter
	rec      *fakeRecorder
	root     string
	creds    []job.Credentials
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		getter:   &fakeGetter{objects: map[string][]byte{"pipeline-artifacts/site/SiteBuild/abc.zip": siteZip(t)}},
		syncer:   &fakeSyncer{},
		reporter: &fakeReporter{},
		rec:      newRecorder(),
		root:     t.TempDir(),
	}
	f.h = &Handler{
		NewClient: func(_ context.Context, c job.Credentials) (artifact.ObjectGetter, error) {
			f.creds = append(f.creds, c)
			return f.getter, nil
		},
		Extractor: artifact.Extractor{Root: f.root},
		Syncer:    f.syncer,
		Reporter:  f.reporter,
		Metrics:   f.rec,
	}
	return f
}

func (f *fixture) onlyReport(t *testing.T) reportCall {
	t.Helper()
	if len(f.reporter.calls) != 1 {
		t.Fatalf("report calls = %d, want exactly 1: %+v", len(f.reporter.calls), f.reporter.calls)
	}
	return f.reporter.calls[0]
}

func (f *fixture) assertRootEmpty(t *testing.T) {
	t.Helper()
	ents, err := os.ReadDir(f.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Fatalf("extraction root not cleaned up: %d entries", len(ents))
	}
}

func TestHandle_Success(t *testing.T) {
	f := newFixture(t)

	out, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "www.example.com"}))
	if err != nil || out != Complete {
		t.Fatalf("Handle = %q, %v", out, err)
	}

	rc := f.onlyReport(t)
	if !rc.success || rc.jobID != "job-123" || rc.message != "Successfully uploaded artifact to www.example.com" {
		t.Fatalf("report = %+v", rc)
	}

	if len(f.syncer.calls) != 1 {
		t.Fatalf("sync calls = %d", len(f.syncer.calls))
	}
	sc := f.syncer.calls[0]
	if sc.bucket != "www.example.com" || filepath.Base(sc.dir) != "_site" || sc.index != "<h1>deployed</h1>" {
		t.Fatalf("sync call = %+v", sc)
	}
	if len(f.creds) != 1 || f.creds[0].SessionToken != testSessionToken {
		t.Fatalf("client not built from job credentials: %v", f.creds)
	}

	f.assertRootEmpty(t)
	if len(f.rec.outcomes) != 1 || f.rec.outcomes[0] != OutcomeSuccess || f.rec.exitCode != 0 || f.rec.bytes == 0 {
		t.Fatalf("recorder = %+v", f.rec)
	}
}

func TestHandle_NonzeroSyncExitStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.syncer.res = &sitesync.Result{ExitCode: 2, Output: "upload failed"}

	if _, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "www.example.com"})); err != nil {
		t.Fatal(err)
	}
	if rc := f.onlyReport(t); !rc.success {
		t.Fatalf("report = %+v, want success", rc)
	}
	if f.rec.exitCode != 2 {
		t.Fatalf("exit code metric = %d", f.rec.exitCode)
	}
}

func TestHandle_StrictSync(t *testing.T) {
	f := newFixture(t)
	f.h.StrictSync = true
	f.syncer.res = &sitesync.Result{ExitCode: 2}

	out, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "www.example.com"}))
	if err != nil || out != Complete {
		t.Fatalf("Handle = %q, %v", out, err)
	}
	rc := f.onlyReport(t)
	if rc.success || !strings.Contains(rc.message, "exited with status 2") {
		t.Fatalf("report = %+v", rc)
	}
	if f.rec.stepErrors[StepSync] != xerrors.KindSync {
		t.Fatalf("step errors = %v", f.rec.stepErrors)
	}
	f.assertRootEmpty(t)
}

func TestHandle_Failures(t *testing.T) {
	tests := []struct {
		name     string
		event    func(t *testing.T) json.RawMessage
		tweak    func(f *fixture)
		step     string
		kind     xerrors.Kind
		contains string
		synced   bool
	}{
		{
			name:     "missing artifact object",
			event:    func(t *testing.T) json.RawMessage { return event(t, eventOpts{params: "b", key: "site/missing.zip"}) },
			step:     StepExtract,
			kind:     xerrors.KindDownload,
			contains: "NoSuchKey",
		},
		{
			name:  "corrupt archive",
			event: func(t *testing.T) json.RawMessage { return event(t, eventOpts{params: "b"}) },
			tweak: func(f *fixture) {
				f.getter.objects["pipeline-artifacts/site/SiteBuild/abc.zip"] = []byte("not a zip")
			},
			step:     StepExtract,
			kind:     xerrors.KindExtract,
			contains: "zip",
		},
		{
			name:     "missing credentials",
			event:    func(t *testing.T) json.RawMessage { return event(t, eventOpts{params: "b", noCreds: true}) },
			step:     StepCredentials,
			kind:     xerrors.KindCredentials,
			contains: "artifactCredentials",
		},
		{
			name:     "missing user parameters",
			event:    func(t *testing.T) json.RawMessage { return event(t, eventOpts{}) },
			step:     StepParams,
			kind:     xerrors.KindConfig,
			contains: "UserParameters",
		},
		{
			name:  "client factory error",
			event: func(t *testing.T) json.RawMessage { return event(t, eventOpts{params: "b"}) },
			tweak: func(f *fixture) {
				f.h.NewClient = func(context.Context, job.Credentials) (artifact.ObjectGetter, error) {
					return nil, errors.New("no region")
				}
			},
			step:     StepCredentials,
			kind:     xerrors.KindCredentials,
			contains: "no region",
		},
		{
			name:     "sync start failure",
			event:    func(t *testing.T) json.RawMessage { return event(t, eventOpts{params: "b"}) },
			tweak:    func(f *fixture) { f.syncer.err = errors.New(`exec: "aws": executable file not found in $PATH`) },
			step:     StepSync,
			kind:     xerrors.KindSync,
			contains: "executable file not found",
			synced:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.tweak != nil {
				tt.tweak(f)
			}

			out, err := f.h.Handle(context.Background(), tt.event(t))
			if err != nil || out != Complete {
				t.Fatalf("Handle = %q, %v", out, err)
			}

			rc := f.onlyReport(t)
			if rc.success || rc.jobID != "job-123" {
				t.Fatalf("report = %+v", rc)
			}
			if !strings.HasPrefix(rc.message, FailurePrefix) || !strings.Contains(rc.message, tt.contains) {
				t.Fatalf("message = %q, want %q", rc.message, tt.contains)
			}
			if got := f.rec.stepErrors[tt.step]; got != tt.kind {
				t.Fatalf("step %s kind = %v, want %v (all %v)", tt.step, got, tt.kind, f.rec.stepErrors)
			}
			if synced := len(f.syncer.calls) > 0; synced != tt.synced {
				t.Fatalf("synced = %v, want %v", synced, tt.synced)
			}
			if len(f.rec.outcomes) != 1 || f.rec.outcomes[0] != OutcomeFailure {
				t.Fatalf("outcomes = %v", f.rec.outcomes)
			}
			f.assertRootEmpty(t)
		})
	}
}

func TestHandle_NoJobID(t *testing.T) {
	f := newFixture(t)

	out, err := f.h.Handle(context.Background(), json.RawMessage(`{"CodePipeline.job": {"data": {}}}`))
	if !errors.Is(err, job.ErrNoJobID) || out != "" {
		t.Fatalf("Handle = %q, %v", out, err)
	}
	if len(f.reporter.calls) != 0 {
		t.Fatalf("reported without a job id: %+v", f.reporter.calls)
	}
	if len(f.rec.outcomes) != 1 || f.rec.outcomes[0] != OutcomeRejected {
		t.Fatalf("outcomes = %v", f.rec.outcomes)
	}
}

func TestHandle_MalformedEventWithID(t *testing.T) {
	f := newFixture(t)

	raw := json.RawMessage(`{"CodePipeline.job": {"id": "job-9", "data": {"inputArtifacts": {}}}}`)
	if _, err := f.h.Handle(context.Background(), raw); err != nil {
		t.Fatal(err)
	}
	rc := f.onlyReport(t)
	if rc.success || rc.jobID != "job-9" {
		t.Fatalf("report = %+v", rc)
	}
}

func TestHandle_ReportErrorReturned(t *testing.T) {
	for _, failing := range []bool{false, true} {
		f := newFixture(t)
		f.reporter.err = xerrors.WithKind(errors.New("ThrottlingException"), xerrors.KindReport)
		params := "www.example.com"
		if failing {
			params = ""
		}

		out, err := f.h.Handle(context.Background(), event(t, eventOpts{params: params}))
		if !xerrors.IsKind(err, xerrors.KindReport) || out != "" {
			t.Fatalf("failing=%v: Handle = %q, %v", failing, out, err)
		}
		f.onlyReport(t)
		if f.rec.reportErrs != 1 || f.rec.outcomes[0] != OutcomeReportError {
			t.Fatalf("failing=%v: recorder = %+v", failing, f.rec)
		}
	}
}

func TestHandle_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.syncer.panic = "nil map write"

	out, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "b"}))
	if err != nil || out != Complete {
		t.Fatalf("Handle = %q, %v", out, err)
	}
	rc := f.onlyReport(t)
	if rc.success || !strings.Contains(rc.message, "panic: nil map write") {
		t.Fatalf("report = %+v", rc)
	}
	f.assertRootEmpty(t)
}

func TestHandle_KeepWorkdir(t *testing.T) {
	f := newFixture(t)
	f.h.KeepWorkdir = true

	if _, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "b"})); err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(f.syncer.calls[0].dir)
	if _, err := os.Stat(filepath.Join(dir, "_site", "index.html")); err != nil {
		t.Fatalf("workspace removed despite KeepWorkdir: %v", err)
	}
}

func TestHandle_TargetResolver(t *testing.T) {
	f := newFixture(t)
	f.h.Target = resolverFunc(func(_ context.Context, p string) (string, error) {
		if p != "ssm:/site/bucket" {
			t.Errorf("params = %q", p)
		}
		return "resolved.example.com", nil
	})

	if _, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "ssm:/site/bucket"})); err != nil {
		t.Fatal(err)
	}
	if f.syncer.calls[0].bucket != "resolved.example.com" {
		t.Fatalf("bucket = %s", f.syncer.calls[0].bucket)
	}
	if rc := f.onlyReport(t); rc.message != "Successfully uploaded artifact to resolved.example.com" {
		t.Fatalf("message = %q", rc.message)
	}
}

func TestHandle_Misconfigured(t *testing.T) {
	_, err := (&Handler{}).Handle(context.Background(), event(t, eventOpts{params: "b"}))
	if !xerrors.IsKind(err, xerrors.KindInternal) {
		t.Fatalf("err = %v", err)
	}
}

type resolverFunc func(context.Context, string) (string, error)

func (f resolverFunc) Resolve(ctx context.Context, p string) (string, error) { return f(ctx, p) }

func TestHandle_CredentialsNeverLogged(t *testing.T) {
	for _, tc := range []struct {
		name      string
		clientErr error
	}{
		{name: "success"},
		{name: "client factory error", clientErr: errors.New("sts unavailable")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			lg, err := log.New(log.Options{App: "sitesync", Level: slog.LevelDebug, JSON: true, Writer: &buf})
			if err != nil {
				t.Fatal(err)
			}

			f := newFixture(t)
			f.h.Logger = lg
			if tc.clientErr != nil {
				f.h.NewClient = func(context.Context, job.Credentials) (artifact.ObjectGetter, error) {
					return nil, tc.clientErr
				}
			}

			if _, err := f.h.Handle(context.Background(), event(t, eventOpts{params: "www.example.com", kmsKey: "alias/pipeline"})); err != nil {
				t.Fatal(err)
			}

			out := buf.String()
			if !strings.Contains(out, "scoping artifact client to job credentials") {
				t.Fatalf("expected credential scoping log line, got %s", out)
			}
			if !strings.Contains(out, `"key_id":"alias/pipeline"`) {
				t.Fatalf("expected encryption key debug line, got %s", out)
			}
			for _, secret := range []string{testAccessKeyID, testSecretKey, testSessionToken} {
				if strings.Contains(out, secret) {
					t.Fatalf("credential %q leaked into logs: %s", secret, out)
				}
			}
			for _, rc := range f.reporter.calls {
				for _, secret := range []string{testAccessKeyID, testSecretKey, testSessionToken} {
					if strings.Contains(rc.message, secret) {
						t.Fatalf("credential %q leaked into report %q", secret, rc.message)
					}
				}
			}
		})
	}
}
