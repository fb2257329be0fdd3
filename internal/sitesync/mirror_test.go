package sitesync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

type storedObject struct {
	body        []byte
	etag        string
	contentType string
}

// memStore is an in-memory bucket that pages listings pageSize keys at a time.
type memStore struct {
	objects  map[string]storedObject
	pageSize int

	puts        []string
	deleteCalls int
	failDelete  error
	listErr     error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string]storedObject{}, pageSize: 2}
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (m *memStore) seed(key, body string) {
	m.objects[key] = storedObject{body: []byte(body), etag: `"` + md5hex([]byte(body)) + `"`}
}

func (m *memStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := min(start+m.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		o := m.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(o.body))),
			ETag: aws.String(o.etag),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (m *memStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)
	m.objects[key] = storedObject{body: body, etag: `"` + md5hex(body) + `"`, contentType: aws.ToString(in.ContentType)}
	m.puts = append(m.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (m *memStore) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	m.deleteCalls++
	if m.failDelete != nil {
		return nil, m.failDelete
	}
	if len(in.Delete.Objects) > maxDeleteBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit", len(in.Delete.Objects))
	}
	for _, id := range in.Delete.Objects {
		delete(m.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestMirrorSyncer_Diff(t *testing.T) {
	store := newMemStore()
	store.seed("index.html", "<h1>old</h1>")
	store.seed("css/site.css", "body{}")
	store.seed("old/page.html", "gone")
	store.seed("old/other.html", "gone too")

	dir := writeTree(t, map[string]string{
		"index.html":   "<h1>new</h1>",
		"css/site.css": "body{}",
		"js/app.js":    "console.log(1)",
	})

	s := &MirrorSyncer{Client: store}
	res, err := s.Sync(context.Background(), dir, "www.example.com")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Uploaded != 2 || res.Skipped != 1 || res.Deleted != 2 || !res.OK() {
		t.Fatalf("result = %v", res)
	}

	var keys []string
	for k := range store.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if got := strings.Join(keys, ","); got != "css/site.css,index.html,js/app.js" {
		t.Fatalf("bucket keys = %s", got)
	}
	if string(store.objects["index.html"].body) != "<h1>new</h1>" {
		t.Fatal("changed file not uploaded")
	}
	if got := strings.Join(store.puts, ","); got != "index.html,js/app.js" {
		t.Fatalf("puts = %s", got)
	}
	if !strings.Contains(res.Output, "delete: s3://www.example.com/old/page.html") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestMirrorSyncer_ContentTypes(t *testing.T) {
	store := newMemStore()
	dir := writeTree(t, map[string]string{
		"index.html": "<html><body>hi</body></html>",
		"site.css":   "body{}",
		"noext":      "%PDF-1.4\n",
	})
	if _, err := (&MirrorSyncer{Client: store}).Sync(context.Background(), dir, "b"); err != nil {
		t.Fatal(err)
	}

	if ct := store.objects["index.html"].contentType; !strings.HasPrefix(ct, "text/html") {
		t.Errorf("index.html content type = %q", ct)
	}
	if ct := store.objects["site.css"].contentType; !strings.HasPrefix(ct, "text/css") {
		t.Errorf("site.css content type = %q", ct)
	}
	if ct := store.objects["noext"].contentType; ct != "application/pdf" {
		t.Errorf("noext content type = %q", ct)
	}
}

func TestMirrorSyncer_EmptyDirDeletesEverything(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 5; i++ {
		store.seed(fmt.Sprintf("k%d", i), "x")
	}

	res, err := (&MirrorSyncer{Client: store}).Sync(context.Background(), t.TempDir(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 5 || len(store.objects) != 0 {
		t.Fatalf("result = %v, remaining = %d", res, len(store.objects))
	}
}

func TestMirrorSyncer_DeleteBatches(t *testing.T) {
	store := newMemStore()
	store.pageSize = 1000
	for i := 0; i < 2500; i++ {
		store.seed(fmt.Sprintf("k%05d", i), "")
	}

	res, err := (&MirrorSyncer{Client: store}).Sync(context.Background(), t.TempDir(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 2500 || store.deleteCalls != 3 {
		t.Fatalf("deleted = %d in %d calls", res.Deleted, store.deleteCalls)
	}
}

func TestMirrorSyncer_Errors(t *testing.T) {
	t.Run("missing dir", func(t *testing.T) {
		_, err := (&MirrorSyncer{Client: newMemStore()}).Sync(context.Background(), filepath.Join(t.TempDir(), "_site"), "b")
		if !xerrors.IsKind(err, xerrors.KindSync) {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("list", func(t *testing.T) {
		store := newMemStore()
		store.listErr = errors.New("AccessDenied")
		_, err := (&MirrorSyncer{Client: store}).Sync(context.Background(), t.TempDir(), "b")
		if !xerrors.IsKind(err, xerrors.KindSync) || !strings.Contains(err.Error(), "AccessDenied") {
			t.Fatalf("err = %v", err)
		}
	})
	t.Run("delete", func(t *testing.T) {
		store := newMemStore()
		store.seed("stale", "x")
		store.failDelete = errors.New("SlowDown")
		res, err := (&MirrorSyncer{Client: store}).Sync(context.Background(), t.TempDir(), "b")
		if !xerrors.IsKind(err, xerrors.KindSync) {
			t.Fatalf("err = %v", err)
		}
		if res == nil || res.Deleted != 0 {
			t.Fatalf("result = %v", res)
		}
	})
	t.Run("no client", func(t *testing.T) {
		_, err := (&MirrorSyncer{}).Sync(context.Background(), t.TempDir(), "b")
		if !xerrors.IsKind(err, xerrors.KindInternal) {
			t.Fatalf("err = %v", err)
		}
	})
}
