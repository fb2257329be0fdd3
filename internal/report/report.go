// Package report posts the outcome of a job back to CodePipeline.
package report

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline"
	"github.com/aws/aws-sdk-go-v2/service/codepipeline/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// API field limits.
const (
	MaxSummaryLen        = 2048
	MaxFailureMessageLen = 5000
)

// JobResultPutter is the slice of the CodePipeline API the reporter needs.
type JobResultPutter interface {
	PutJobSuccessResult(ctx context.Context, in *codepipeline.PutJobSuccessResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobSuccessResultOutput, error)
	PutJobFailureResult(ctx context.Context, in *codepipeline.PutJobFailureResultInput, optFns ...func(*codepipeline.Options)) (*codepipeline.PutJobFailureResultOutput, error)
}

type Reporter struct {
	Client JobResultPutter
	Logger log.Logger
}

// Success marks the job succeeded with message as the execution summary.
func (r *Reporter) Success(ctx context.Context, jobID, message string) (err error) {
	L := log.OrNop(r.Logger)
	ctx, span := otelx.StartSpan(ctx, "report.success", attribute.String("codepipeline.job_id", jobID))
	defer func() { otelx.EndSpan(span, err) }()

	L.Info(ctx, "putting job success", "job_id", jobID, "message", message)
	if r.Client == nil {
		return xerrors.WithKind(xerrors.New("reporter has no codepipeline client"), xerrors.KindInternal)
	}
	_, err = r.Client.PutJobSuccessResult(ctx, &codepipeline.PutJobSuccessResultInput{
		JobId: aws.String(jobID),
		ExecutionDetails: &types.ExecutionDetails{
			Summary: aws.String(Truncate(message, MaxSummaryLen)),
		},
	})
	if err != nil {
		L.Warn(ctx, "put job success result failed", "job_id", jobID, "error_code", errorCode(err))
		return xerrors.WithKind(xerrors.Wrapf(err, "put job success result %s", jobID), xerrors.KindReport)
	}
	return nil
}

// Failure marks the job failed with type JobFailed.
func (r *Reporter) Failure(ctx context.Context, jobID, message string) (err error) {
	L := log.OrNop(r.Logger)
	ctx, span := otelx.StartSpan(ctx, "report.failure", attribute.String("codepipeline.job_id", jobID))
	defer func() { otelx.EndSpan(span, err) }()

	L.Warn(ctx, "putting job failure", "job_id", jobID, "message", message)
	if r.Client == nil {
		return xerrors.WithKind(xerrors.New("reporter has no codepipeline client"), xerrors.KindInternal)
	}
	_, err = r.Client.PutJobFailureResult(ctx, &codepipeline.PutJobFailureResultInput{
		JobId: aws.String(jobID),
		FailureDetails: &types.FailureDetails{
			Message: aws.String(Truncate(message, MaxFailureMessageLen)),
			Type:    types.FailureTypeJobFailed,
		},
	})
	if err != nil {
		L.Warn(ctx, "put job failure result failed", "job_id", jobID, "error_code", errorCode(err))
		return xerrors.WithKind(xerrors.Wrapf(err, "put job failure result %s", jobID), xerrors.KindReport)
	}
	return nil
}

// errorCode returns the AWS error code carried by err, or "" if none.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// Truncate cuts s to at most n characters, never splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
