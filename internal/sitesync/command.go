package sitesync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

const DefaultProgram = "aws"

// CommandSyncer runs `<Program> s3 sync --delete <dir> s3://<bucket>/ [Args...]`.
//
// A nonzero exit is not an error: it is returned in Result.ExitCode and left
// to the caller to judge. Only a failure to start or wait on the process is.
type CommandSyncer struct {
	Program string
	Args    []string
	// Env is appended to the inherited environment.
	Env    []string
	Logger log.Logger
}

// Command returns the argv the syncer would run.
func (s *CommandSyncer) Command(localDir, bucket string) []string {
	prog := s.Program
	if prog == "" {
		prog = DefaultProgram
	}
	argv := []string{prog, "s3", "sync", "--delete", localDir, Target(bucket)}
	return append(argv, s.Args...)
}

func (s *CommandSyncer) Sync(ctx context.Context, localDir, bucket string) (res *Result, err error) {
	L := log.OrNop(s.Logger)
	argv := s.Command(localDir, bucket)

	ctx, span := otelx.StartSpan(ctx, "sitesync.command",
		attribute.String("sync.program", argv[0]),
		attribute.String("s3.bucket", bucket),
	)
	defer func() { otelx.EndSpan(span, err) }()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res = &Result{Output: stdout.String() + "\n" + stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		return res, xerrors.WithKind(xerrors.Wrapf(runErr, "run %s", argv[0]), xerrors.KindSync)
	}

	span.SetAttributes(attribute.Int("sync.exit_code", res.ExitCode))
	L.Info(ctx, "sync command finished",
		"argv", argv,
		"exit_code", res.ExitCode,
		"output", res.Output,
	)
	return res, nil
}
