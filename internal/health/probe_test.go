package health

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestFixed(t *testing.T) {
	if err := Fixed(true, "").Check(context.Background()); err != nil {
		t.Fatalf("Fixed(true) = %v", err)
	}
	err := Fixed(false, "no artifact").Check(context.Background())
	if err == nil || err.Error() != "no artifact" {
		t.Fatalf("Fixed(false) = %v", err)
	}
	if err := Fixed(false, "").Check(context.Background()); err == nil || err.Error() != "unhealthy" {
		t.Fatalf("Fixed(false, \"\") = %v", err)
	}
}

func TestAll(t *testing.T) {
	ok := Fixed(true, "")
	bad := CheckFunc(func(context.Context) error { return fmt.Errorf("first") })
	worse := CheckFunc(func(context.Context) error { return fmt.Errorf("second") })

	if err := All(ok, nil, ok).Check(context.Background()); err != nil {
		t.Fatalf("All(ok) = %v", err)
	}
	if err := All(ok, bad, worse).Check(context.Background()); err == nil || err.Error() != "first" {
		t.Fatalf("All should return the first failure, got %v", err)
	}
	if err := All().Check(context.Background()); err != nil {
		t.Fatalf("All() = %v", err)
	}
}

func TestShutdownGate(t *testing.T) {
	var g ShutdownGate
	p := g.Probe()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("open gate = %v", err)
	}
	g.Set("")
	if err := p.Check(context.Background()); err == nil || err.Error() != "draining" {
		t.Fatalf("closed gate = %v", err)
	}
	g.Set("shutting down")
	if err := p.Check(context.Background()); err == nil || err.Error() != "shutting down" {
		t.Fatalf("closed gate reason = %v", err)
	}
	g.Clear()
	if err := p.Check(context.Background()); err != nil {
		t.Fatalf("cleared gate = %v", err)
	}
}

func TestExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-aws")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	if err := Executable("fake-aws").Check(context.Background()); err != nil {
		t.Fatalf("Executable(found) = %v", err)
	}
	err := Executable("definitely-not-here").Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "definitely-not-here") {
		t.Fatalf("Executable(missing) = %v", err)
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok\n"},
		{"readyz ok", ReadyzHandler(nil), http.StatusOK, "ready\n"},
		{"readyz failing", ReadyzHandler(Fixed(false, "draining")), http.StatusServiceUnavailable, "draining\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h(rec, httptest.NewRequest(http.MethodGet, "/-/ready", nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
