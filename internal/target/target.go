// Package target turns an action's UserParameters into the bucket the site
// is mirrored to.
//
// Accepted forms:
//
//	www.example.com              plain bucket name
//	s3://www.example.com/        bucket URL
//	{"bucket": "www.example.com"} JSON object
//	ssm:/site/prod/bucket        SSM parameter holding any of the above except ssm:
package target

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/tidwall/gjson"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

const ssmPrefix = "ssm:"

// ParameterGetter is the slice of the SSM API the resolver needs.
type ParameterGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver struct {
	// SSM is only required for ssm: parameters.
	SSM    ParameterGetter
	Logger log.Logger
}

// Resolve returns the target bucket for params. All errors are config kind.
func (r *Resolver) Resolve(ctx context.Context, params string) (string, error) {
	params = strings.TrimSpace(params)
	if name, ok := strings.CutPrefix(params, ssmPrefix); ok {
		v, err := r.fetch(ctx, strings.TrimSpace(name))
		if err != nil {
			return "", xerrors.WithKind(err, xerrors.KindConfig)
		}
		if strings.HasPrefix(v, ssmPrefix) {
			return "", xerrors.WithKind(xerrors.Newf("ssm parameter %s points at another ssm parameter", name), xerrors.KindConfig)
		}
		bucket, err := parse(v)
		if err != nil {
			return "", xerrors.WithKind(xerrors.Wrapf(err, "ssm parameter %s", name), xerrors.KindConfig)
		}
		log.OrNop(r.Logger).Info(ctx, "resolved target bucket from ssm", "parameter", name, "bucket", bucket)
		return bucket, nil
	}

	bucket, err := parse(params)
	if err != nil {
		return "", xerrors.WithKind(err, xerrors.KindConfig)
	}
	return bucket, nil
}

func (r *Resolver) fetch(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", xerrors.New("empty ssm parameter name")
	}
	if r.SSM == nil {
		return "", xerrors.Newf("no ssm client to resolve %s", name)
	}
	out, err := r.SSM.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return v, nil
}

func parse(s string) (string, error) {
	if strings.HasPrefix(s, "{") {
		if !gjson.Valid(s) {
			return "", xerrors.New("UserParameters is not valid JSON")
		}
		b := gjson.Get(s, "bucket")
		if b.Type != gjson.String {
			return "", xerrors.New(`UserParameters JSON has no string "bucket" field`)
		}
		s = strings.TrimSpace(b.Str)
	}

	if rest, ok := strings.CutPrefix(s, "s3://"); ok {
		s = strings.TrimSuffix(rest, "/")
	}
	if s == "" {
		return "", xerrors.New("no target bucket in UserParameters")
	}
	if strings.ContainsAny(s, "/ \t\r\n") {
		return "", xerrors.Newf("invalid target bucket %q", s)
	}
	return s, nil
}
