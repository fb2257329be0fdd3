package httpserver

import (
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/health"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// Invoker runs one job event. lambda.NewHandler adapts a typed handler.
	Invoker lambda.Handler
	// FunctionName is reported as the lambda function name in serve mode.
	FunctionName string
	// InvokeTimeout bounds each invocation; 0 uses DefaultInvokeTimeout.
	InvokeTimeout time.Duration

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
}
