// Package job decodes the CodePipeline job event a lambda action receives.
//
// The job id is read before anything else so a payload that is otherwise
// malformed can still be reported as a failed job.
package job

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// EventKey is the top-level key of the invocation event.
const EventKey = "CodePipeline.job"

// gjson path to the job id; the dot in the event key is escaped.
const idPath = `CodePipeline\.job.id`

var (
	ErrNoJobID         = errors.New("event has no CodePipeline.job id")
	ErrNoInputArtifact = errors.New("job has no input artifacts")
)

type Event struct {
	Job Job `json:"CodePipeline.job"`
}

type Job struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId,omitempty"`
	Data      Data   `json:"data"`
}

type Data struct {
	ActionConfiguration ActionConfiguration `json:"actionConfiguration"`
	InputArtifacts      []Artifact          `json:"inputArtifacts"`
	OutputArtifacts     []Artifact          `json:"outputArtifacts,omitempty"`
	ArtifactCredentials *Credentials        `json:"artifactCredentials,omitempty"`
	ContinuationToken   string              `json:"continuationToken,omitempty"`
	EncryptionKey       *EncryptionKey      `json:"encryptionKey,omitempty"`
}

type ActionConfiguration struct {
	Configuration struct {
		FunctionName   string `json:"FunctionName,omitempty"`
		UserParameters string `json:"UserParameters,omitempty"`
	} `json:"configuration"`
}

type Artifact struct {
	Name     string   `json:"name"`
	Revision *string  `json:"revision,omitempty"`
	Location Location `json:"location"`
}

type Location struct {
	Type       string `json:"type"`
	S3Location struct {
		BucketName string `json:"bucketName"`
		ObjectKey  string `json:"objectKey"`
	} `json:"s3Location"`
}

// EncryptionKey names the KMS key protecting the artifact store. S3 decrypts
// transparently for the job credentials, so it is only logged at debug level.
type EncryptionKey struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ArtifactRef locates an input artifact archive in S3.
type ArtifactRef struct {
	Name   string
	Bucket string
	Key    string
}

func (r ArtifactRef) String() string { return "s3://" + r.Bucket + "/" + r.Key }

// Credentials are the temporary, job-scoped keys for the artifact store.
// They are never logged: String and LogValue redact the secrets.
type Credentials struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken"`
}

func (c Credentials) String() string {
	return "Credentials{AccessKeyID:[redacted] SecretAccessKey:[redacted] SessionToken:[redacted]}"
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("has_access_key_id", c.AccessKeyID != ""),
		slog.Bool("has_session_token", c.SessionToken != ""),
	)
}

// Validate reports every missing field.
func (c Credentials) Validate() error {
	var missing []string
	if c.AccessKeyID == "" {
		missing = append(missing, "accessKeyId")
	}
	if c.SecretAccessKey == "" {
		missing = append(missing, "secretAccessKey")
	}
	if c.SessionToken == "" {
		missing = append(missing, "sessionToken")
	}
	if len(missing) > 0 {
		return xerrors.WithKind(
			xerrors.Newf("artifact credentials missing %s", strings.Join(missing, ", ")),
			xerrors.KindCredentials,
		)
	}
	return nil
}

// Parse decodes a raw invocation event. When the job id is readable the
// returned Job is non-nil even if the rest of the payload fails to decode.
// Without an id it returns ErrNoJobID.
func Parse(raw []byte) (*Job, error) {
	id := gjson.GetBytes(raw, idPath)
	if id.Type != gjson.String || strings.TrimSpace(id.Str) == "" {
		return nil, xerrors.WithKind(xerrors.Wrap(ErrNoJobID, "parse event"), xerrors.KindConfig)
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return &Job{ID: id.Str}, xerrors.WithKind(xerrors.Wrapf(err, "decode job %s", id.Str), xerrors.KindConfig)
	}
	ev.Job.ID = id.Str
	return &ev.Job, nil
}

// Artifact returns input artifact i.
func (j *Job) Artifact(i int) (ArtifactRef, error) {
	if len(j.Data.InputArtifacts) == 0 {
		return ArtifactRef{}, xerrors.WithKind(xerrors.Wrapf(ErrNoInputArtifact, "job %s", j.ID), xerrors.KindConfig)
	}
	if i < 0 || i >= len(j.Data.InputArtifacts) {
		return ArtifactRef{}, xerrors.WithKind(
			xerrors.Newf("job %s has %d input artifacts, wanted index %d", j.ID, len(j.Data.InputArtifacts), i),
			xerrors.KindConfig,
		)
	}
	a := j.Data.InputArtifacts[i]
	ref := ArtifactRef{Name: a.Name, Bucket: a.Location.S3Location.BucketName, Key: a.Location.S3Location.ObjectKey}
	if ref.Bucket == "" || ref.Key == "" {
		return ArtifactRef{}, xerrors.WithKind(
			xerrors.Newf("input artifact %q has no s3 location", a.Name),
			xerrors.KindConfig,
		)
	}
	return ref, nil
}

// Credentials returns the artifact credentials after checking every field
// is present.
func (j *Job) Credentials() (Credentials, error) {
	if j.Data.ArtifactCredentials == nil {
		return Credentials{}, xerrors.WithKind(xerrors.Newf("job %s has no artifactCredentials", j.ID), xerrors.KindCredentials)
	}
	c := *j.Data.ArtifactCredentials
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

// UserParameters returns the raw action UserParameters string.
func (j *Job) UserParameters() (string, error) {
	p := strings.TrimSpace(j.Data.ActionConfiguration.Configuration.UserParameters)
	if p == "" {
		return "", xerrors.WithKind(xerrors.Newf("job %s has no UserParameters", j.ID), xerrors.KindConfig)
	}
	return p, nil
}
