package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

const invokeURL = "/2015-03-31/functions/function/invocations"

// stubInvoker records the last payload and lambda context it saw.
type stubInvoker struct {
	out     []byte
	err     error
	payload []byte
	lc      *lambdacontext.LambdaContext
	hasDL   bool
}

func (s *stubInvoker) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	s.payload = payload
	s.lc, _ = lambdacontext.FromContext(ctx)
	_, s.hasDL = ctx.Deadline()
	return s.out, s.err
}

type codedError struct{ msg string }

func (e *codedError) Error() string { return e.msg }

func doInvoke(t *testing.T, h http.Handler, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, invokeURL, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvoke_Success(t *testing.T) {
	inv := &stubInvoker{out: []byte(`"Complete."`)}
	h := NewHandler(&Options{Logger: log.Nop(), Invoker: inv})

	rec := doInvoke(t, h, `{"CodePipeline.job":{"id":"j-1"}}`, map[string]string{"X-Request-Id": "req-9"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `"Complete."` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if string(inv.payload) != `{"CodePipeline.job":{"id":"j-1"}}` {
		t.Fatalf("payload = %s", inv.payload)
	}
	if inv.lc == nil || inv.lc.AwsRequestID != "req-9" {
		t.Fatalf("lambda context = %+v", inv.lc)
	}
	if !strings.HasSuffix(inv.lc.InvokedFunctionArn, ":function:function") {
		t.Fatalf("arn = %q", inv.lc.InvokedFunctionArn)
	}
	if !inv.hasDL {
		t.Fatal("invocation context has no deadline")
	}
	if rec.Header().Get("X-Request-Id") != "req-9" {
		t.Fatal("request id not echoed")
	}
}

func TestInvoke_FunctionError(t *testing.T) {
	inv := &stubInvoker{err: &codedError{"job has no id"}}
	h := NewHandler(&Options{Logger: log.Nop(), Invoker: inv, FunctionName: "site-deploy"})

	rec := doInvoke(t, h, `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with error header", rec.Code)
	}
	if rec.Header().Get(HeaderFunctionError) != "Unhandled" {
		t.Fatal("missing function error header")
	}
	var doc invokeError
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ErrorMessage != "job has no id" || doc.ErrorType != "codedError" {
		t.Fatalf("doc = %+v", doc)
	}
	if !strings.HasSuffix(inv.lc.InvokedFunctionArn, ":function:site-deploy") {
		t.Fatalf("arn = %q", inv.lc.InvokedFunctionArn)
	}
}

func TestInvoke_EmptyBodyBecomesObject(t *testing.T) {
	inv := &stubInvoker{out: []byte(`null`)}
	doInvoke(t, NewHandler(&Options{Invoker: inv}), "", nil)
	if string(inv.payload) != "{}" {
		t.Fatalf("payload = %q", inv.payload)
	}
}

func TestInvoke_BodyTooLarge(t *testing.T) {
	inv := &stubInvoker{}
	rec := doInvoke(t, NewHandler(&Options{Invoker: inv}), strings.Repeat("a", 6<<20+1), nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if inv.payload != nil {
		t.Fatal("invoker should not run")
	}
}

func TestInvoke_TypedHandler(t *testing.T) {
	type event struct {
		Job struct {
			ID string `json:"id"`
		} `json:"CodePipeline.job"`
	}
	var seen string
	inv := lambda.NewHandler(func(ctx context.Context, e event) (string, error) {
		seen = e.Job.ID
		if e.Job.ID == "" {
			return "", errors.New("no job id")
		}
		return "Complete.", nil
	})
	h := NewHandler(&Options{Invoker: inv})

	rec := doInvoke(t, h, `{"CodePipeline.job":{"id":"abc"}}`, nil)
	if strings.TrimSpace(rec.Body.String()) != `"Complete."` || seen != "abc" {
		t.Fatalf("body = %q seen = %q", rec.Body.String(), seen)
	}
	rec = doInvoke(t, h, `{}`, nil)
	if rec.Header().Get(HeaderFunctionError) == "" {
		t.Fatal("typed handler error not surfaced")
	}
}

func TestNewHandler_HealthRoutes(t *testing.T) {
	var gate health.ShutdownGate
	h := NewHandler(&Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.All(gate.Probe()),
	})

	for path, want := range map[string]int{"/-/healthy": 200, "/-/ready": 200} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}

	gate.Set("draining")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while draining = %d", rec.Code)
	}
}

func TestNewHandler_GetOnInvokeNotAllowed(t *testing.T) {
	h := NewHandler(&Options{Invoker: &stubInvoker{}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, invokeURL, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestNewHandler_RecoverAndRateLimit(t *testing.T) {
	panicky := lambda.NewHandler(func(context.Context) (string, error) { panic("boom") })
	var panics int
	var limited bool
	h := NewHandler(&Options{
		Invoker:      panicky,
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		RateLimitMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limited = true
				next.ServeHTTP(w, r)
			})
		},
	})

	rec := doInvoke(t, h, `{}`, nil)
	if !limited {
		t.Fatal("rate limit middleware not applied")
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d", panics)
	}
}

func TestErrorType(t *testing.T) {
	if got := errorType(&codedError{}); got != "codedError" {
		t.Fatalf("pointer type = %q", got)
	}
	if got := errorType(errors.New("x")); got != "errorString" {
		t.Fatalf("errors.New type = %q", got)
	}
}

func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	stop, err := Start(context.Background(), &Options{
		Logger:  log.Nop(),
		Port:    port,
		Invoker: &stubInvoker{out: []byte(`"Complete."`)},
		Health:  health.Fixed(true, ""),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Post(base+invokeURL, "application/json", strings.NewReader(`{}`))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `"Complete."` {
		t.Fatalf("body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
