// Package sitesync mirrors a local directory to the root of an S3 bucket,
// deleting remote objects that have no local counterpart.
//
// CommandSyncer shells out to an "s3 sync --delete" capable program (the aws
// cli by default). MirrorSyncer does the same diff natively with the S3 API.
package sitesync

import (
	"context"
	"fmt"
)

// Syncer mirrors localDir to s3://bucket/.
type Syncer interface {
	Sync(ctx context.Context, localDir, bucket string) (*Result, error)
}

// Result describes one completed sync run. ExitCode is only meaningful for
// command based syncers; the object counts only for native ones.
type Result struct {
	Output   string
	ExitCode int

	Uploaded int
	Deleted  int
	Skipped  int
}

// OK reports whether the sync exited cleanly.
func (r *Result) OK() bool { return r != nil && r.ExitCode == 0 }

func (r *Result) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("exit=%d uploaded=%d deleted=%d skipped=%d", r.ExitCode, r.Uploaded, r.Deleted, r.Skipped)
}

// Target renders the destination URL used for bucket.
func Target(bucket string) string { return "s3://" + bucket + "/" }
