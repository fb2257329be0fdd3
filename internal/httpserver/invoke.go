package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
)

// InvokePath matches the lambda Invoke API and the runtime interface
// emulator, so the same clients work against serve mode.
const InvokePath = "/2015-03-31/functions/{function}/invocations"

// DefaultInvokeTimeout is the lambda maximum.
const DefaultInvokeTimeout = 15 * time.Minute

// HeaderFunctionError marks a response body as an error document.
const HeaderFunctionError = "X-Amz-Function-Error"

// invokeError mirrors the lambda error response document.
type invokeError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Error"
	}
	return t.Name()
}

func writeInvokeError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(invokeError{ErrorMessage: err.Error(), ErrorType: errorType(err)})
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderFunctionError, "Unhandled")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// invokeHandler runs one event through inv with a lambda context carrying
// the request id and deadline.
func invokeHandler(inv lambda.Handler, functionName string, timeout time.Duration) http.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		payload, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeInvokeError(w, http.StatusRequestEntityTooLarge, err)
				return
			}
			writeInvokeError(w, http.StatusBadRequest, err)
			return
		}
		if len(payload) == 0 {
			payload = []byte("{}")
		}

		fn := chi.URLParam(r, "function")
		if functionName != "" {
			fn = functionName
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		deadline, _ := ctx.Deadline()
		ctx = lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
			AwsRequestID:       httpmw.RequestIDFromContext(ctx),
			InvokedFunctionArn: "arn:aws:lambda:local:000000000000:function:" + fn,
		})

		start := time.Now()
		out, err := inv.Invoke(ctx, payload)
		if err != nil {
			L.Warn(ctx, "invocation returned error", "error", err.Error(), "deadline", deadline, "duration", time.Since(start).Seconds())
			// the Invoke API reports function errors with 200 and a marker header
			writeInvokeError(w, http.StatusOK, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}
