// Package credscope builds AWS clients bound to a job's temporary
// credentials instead of the function role.
package credscope

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/job"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// SignatureVersion is the request signing protocol used for artifact
// downloads. The SDK signs every S3 request with SigV4.
const SignatureVersion = "v4"

type Options struct {
	// Region overrides the environment region.
	Region string
	// BaseEndpoint points the client at an S3-compatible endpoint, e.g. localstack.
	BaseEndpoint string
	UsePathStyle bool
}

// Config returns an aws.Config whose only credential source is creds.
// It makes no network calls.
func Config(ctx context.Context, creds job.Credentials, opts Options) (aws.Config, error) {
	if err := creds.Validate(); err != nil {
		return aws.Config{}, err
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, xerrors.WithKind(xerrors.Wrap(err, "load aws config for job credentials"), xerrors.KindCredentials)
	}
	return cfg, nil
}

// NewS3Client returns an S3 client signing with the job credentials.
func NewS3Client(ctx context.Context, creds job.Credentials, opts Options) (*s3.Client, error) {
	cfg, err := Config(ctx, creds, opts)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}
