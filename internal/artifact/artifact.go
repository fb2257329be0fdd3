// Package artifact downloads a pipeline input artifact from S3 and unpacks
// it into a fresh, uniquely named workspace directory.
package artifact

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/job"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// Limits applied when the Extractor leaves them zero.
const (
	DefaultMaxArchiveSize int64 = 512 << 20
	DefaultMaxFileSize    int64 = 256 << 20
	DefaultMaxTotalSize   int64 = 1 << 30
	DefaultMaxEntries           = 100_000
	DefaultSiteDir              = "_site"
)

// ObjectGetter is the slice of the S3 API the extractor needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Extractor struct {
	// Root is where workspaces and temp archives are created. Defaults to os.TempDir().
	Root   string
	Client ObjectGetter
	Logger log.Logger

	MaxArchiveSize int64
	MaxFileSize    int64
	MaxTotalSize   int64
	MaxEntries     int

	// SiteDir is the archive subdirectory that gets mirrored. Defaults to _site.
	SiteDir string

	// NewID names workspace directories. Defaults to a random uuid.
	NewID func() string
}

// Workspace is one invocation's extraction directory.
type Workspace struct {
	Dir            string
	ArtifactSHA256 string
	// Bytes is the downloaded archive size.
	Bytes int64
	// Files and ExtractedBytes count regular files written.
	Files          int
	ExtractedBytes int64

	siteDir string
	once    sync.Once
	err     error
}

// SiteDir is the directory mirrored to the target bucket.
func (w *Workspace) SiteDir() string { return filepath.Join(w.Dir, w.siteDir) }

// Release removes the workspace directory. Safe to call more than once.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.Dir); err != nil {
			w.err = xerrors.Wrapf(err, "remove workspace %s", w.Dir)
		}
	})
	return w.err
}

func (e *Extractor) withDefaults() Extractor {
	c := Extractor{
		Root:           e.Root,
		Client:         e.Client,
		Logger:         log.OrNop(e.Logger),
		MaxArchiveSize: e.MaxArchiveSize,
		MaxFileSize:    e.MaxFileSize,
		MaxTotalSize:   e.MaxTotalSize,
		MaxEntries:     e.MaxEntries,
		SiteDir:        e.SiteDir,
		NewID:          e.NewID,
	}
	if c.Root == "" {
		c.Root = os.TempDir()
	}
	if c.MaxArchiveSize <= 0 {
		c.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxTotalSize <= 0 {
		c.MaxTotalSize = DefaultMaxTotalSize
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.SiteDir == "" {
		c.SiteDir = DefaultSiteDir
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	return c
}

// Extract downloads ref into a temp file, which is always removed before
// returning, and unpacks it into a new directory under Root. On any error
// the partially written directory is removed.
func (e *Extractor) Extract(ctx context.Context, ref job.ArtifactRef) (*Workspace, error) {
	c := e.withDefaults()
	if c.Client == nil {
		return nil, xerrors.WithKind(xerrors.New("artifact extractor has no s3 client"), xerrors.KindInternal)
	}
	L := c.Logger

	if err := os.MkdirAll(c.Root, 0o755); err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "create temp root %s", c.Root), xerrors.KindExtract)
	}

	// Mkdir fails on an existing path so a workspace is never shared
	dir := filepath.Join(c.Root, c.NewID())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "create workspace %s", dir), xerrors.KindExtract)
	}
	ws := &Workspace{Dir: dir, siteDir: c.SiteDir}

	archive, err := c.download(ctx, ref, ws)
	if archive != "" {
		defer os.Remove(archive)
	}
	if err != nil {
		_ = ws.Release()
		return nil, err
	}

	L.Info(ctx, "downloaded artifact",
		"artifact", ref.Name,
		"bucket", ref.Bucket,
		"key", ref.Key,
		"bytes", ws.Bytes,
		"sha256", ws.ArtifactSHA256,
	)

	uctx, span := otelx.StartSpan(ctx, "artifact.unzip", attribute.String("workspace", dir))
	err = c.unzip(archive, ws)
	otelx.EndSpan(span, err)
	if err != nil {
		_ = ws.Release()
		return nil, xerrors.WithKind(xerrors.Wrapf(err, "extract %s", ref), xerrors.KindExtract)
	}

	L.Info(uctx, "extracted artifact",
		"workspace", dir,
		"files", ws.Files,
		"extracted_bytes", ws.ExtractedBytes,
	)
	return ws, nil
}
