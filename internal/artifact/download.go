package artifact

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/job"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// download streams ref into a temp file under Root and records its size and
// hash on ws. The returned path, when non-empty, is owned by the caller even
// if err is set.
func (c *Extractor) download(ctx context.Context, ref job.ArtifactRef, ws *Workspace) (path string, err error) {
	ctx, span := otelx.StartSpan(ctx, "artifact.download",
		attribute.String("s3.bucket", ref.Bucket),
		attribute.String("s3.key", ref.Key),
	)
	defer func() { otelx.EndSpan(span, err) }()

	fail := func(err error) error { return xerrors.WithKind(err, xerrors.KindDownload) }

	out, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			span.SetAttributes(attribute.String("aws.error_code", apiErr.ErrorCode()))
		}
		return "", fail(xerrors.Wrapf(err, "get artifact %s", ref))
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > c.MaxArchiveSize {
		return "", fail(xerrors.Newf("artifact %s is %d bytes, limit %d", ref, *out.ContentLength, c.MaxArchiveSize))
	}

	tmp, err := os.CreateTemp(c.Root, "artifact-*.zip")
	if err != nil {
		return "", fail(xerrors.Wrap(err, "create temp file"))
	}
	path = tmp.Name()

	written, hash, err := cryptoutil.CopySHA256(tmp, io.LimitReader(out.Body, c.MaxArchiveSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return path, fail(xerrors.Wrapf(err, "download artifact %s", ref))
	}
	if written > c.MaxArchiveSize {
		return path, fail(xerrors.Newf("artifact %s exceeds limit of %d bytes", ref, c.MaxArchiveSize))
	}

	ws.Bytes = written
	ws.ArtifactSHA256 = hash
	return path, nil
}
