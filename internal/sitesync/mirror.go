package sitesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// S3 caps DeleteObjects at 1000 keys per request.
const maxDeleteBatch = 1000

const defaultContentType = "application/octet-stream"

// ObjectStore is the slice of the S3 API MirrorSyncer needs.
type ObjectStore interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// MirrorSyncer diffs localDir against the bucket and applies the difference
// with PutObject and DeleteObjects. Files are compared by size, then by MD5
// against single-part ETags.
type MirrorSyncer struct {
	Client ObjectStore
	Logger log.Logger
	// CacheControl, when set, is applied to every uploaded object.
	CacheControl string
}

type localFile struct {
	path string
	size int64
}

type remoteObject struct {
	size int64
	etag string
}

func (m *MirrorSyncer) Sync(ctx context.Context, localDir, bucket string) (res *Result, err error) {
	L := log.OrNop(m.Logger)
	if m.Client == nil {
		return nil, xerrors.WithKind(xerrors.New("mirror syncer has no s3 client"), xerrors.KindInternal)
	}

	ctx, span := otelx.StartSpan(ctx, "sitesync.mirror", attribute.String("s3.bucket", bucket))
	defer func() { otelx.EndSpan(span, err) }()

	fail := func(err error) (*Result, error) { return nil, xerrors.WithKind(err, xerrors.KindSync) }

	local, err := scanLocal(localDir)
	if err != nil {
		return fail(err)
	}
	remote, err := m.listRemote(ctx, bucket)
	if err != nil {
		return fail(err)
	}

	res = &Result{}
	var out strings.Builder

	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lf := local[key]
		if ro, ok := remote[key]; ok {
			same, err := unchanged(lf, ro)
			if err != nil {
				return fail(err)
			}
			if same {
				res.Skipped++
				continue
			}
		}
		if err := m.upload(ctx, bucket, key, lf); err != nil {
			return fail(err)
		}
		res.Uploaded++
		fmt.Fprintf(&out, "upload: %s to %s%s\n", lf.path, Target(bucket), key)
	}

	var stale []string
	for key := range remote {
		if _, ok := local[key]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)

	deleted, err := m.deleteKeys(ctx, bucket, stale)
	res.Deleted = deleted
	for _, key := range stale[:deleted] {
		fmt.Fprintf(&out, "delete: %s%s\n", Target(bucket), key)
	}
	res.Output = out.String()
	if err != nil {
		return res, xerrors.WithKind(err, xerrors.KindSync)
	}

	span.SetAttributes(
		attribute.Int("sync.uploaded", res.Uploaded),
		attribute.Int("sync.deleted", res.Deleted),
		attribute.Int("sync.skipped", res.Skipped),
	)
	L.Info(ctx, "mirror sync finished",
		"bucket", bucket,
		"uploaded", res.Uploaded,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
	)
	return res, nil
}

// scanLocal maps slash separated keys to regular files under dir.
func scanLocal(dir string) (map[string]localFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, xerrors.Wrapf(err, "sync source %s", dir)
	}
	if !info.IsDir() {
		return nil, xerrors.Newf("sync source %s is not a directory", dir)
	}

	files := make(map[string]localFile)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = localFile{path: path, size: fi.Size()}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "walk %s", dir)
	}
	return files, nil
}

func (m *MirrorSyncer) listRemote(ctx context.Context, bucket string) (map[string]remoteObject, error) {
	objects := make(map[string]remoteObject)
	p := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Wrapf(err, "list %s", Target(bucket))
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if key == "" {
				continue
			}
			objects[key] = remoteObject{
				size: aws.ToInt64(o.Size),
				etag: strings.Trim(aws.ToString(o.ETag), `"`),
			}
		}
	}
	return objects, nil
}

// unchanged reports whether lf matches ro. Multipart ETags are not MD5s, so
// those objects are re-uploaded.
func unchanged(lf localFile, ro remoteObject) (bool, error) {
	if lf.size != ro.size {
		return false, nil
	}
	if ro.etag == "" || strings.Contains(ro.etag, "-") {
		return false, nil
	}
	sum, err := cryptoutil.FileMD5Hex(lf.path)
	if err != nil {
		return false, err
	}
	return cryptoutil.HashEqual(sum, ro.etag), nil
}

// contentType prefers the extension table, since sniffing labels css and js
// as text/plain, and falls back to content detection.
func contentType(path string) string {
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if mt, err := mimetype.DetectFile(path); err == nil && mt != nil {
		return mt.String()
	}
	return defaultContentType
}

func (m *MirrorSyncer) upload(ctx context.Context, bucket, key string, lf localFile) error {
	f, err := os.Open(lf.path)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", lf.path)
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(lf.size),
		ContentType:   aws.String(contentType(lf.path)),
	}
	if m.CacheControl != "" {
		in.CacheControl = aws.String(m.CacheControl)
	}
	if _, err := m.Client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "upload %s to %s%s", lf.path, Target(bucket), key)
	}
	return nil
}

// deleteKeys removes keys in batches and returns how many leading keys were
// deleted before the first failing batch.
func (m *MirrorSyncer) deleteKeys(ctx context.Context, bucket string, keys []string) (int, error) {
	deleted := 0
	for i := 0; i < len(keys); i += maxDeleteBatch {
		end := min(i+maxDeleteBatch, len(keys))

		ids := make([]types.ObjectIdentifier, 0, end-i)
		for _, k := range keys[i:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := m.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, xerrors.Wrapf(err, "delete %d objects from %s", len(ids), Target(bucket))
		}
		if len(out.Errors) > 0 {
			errs := make([]error, 0, len(out.Errors))
			for _, e := range out.Errors {
				errs = append(errs, fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
			}
			return deleted, xerrors.Wrapf(errors.Join(errs...), "delete from %s", Target(bucket))
		}
		deleted = end
	}
	return deleted, nil
}
