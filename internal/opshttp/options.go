package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func()
}
