package artifact

import (
	"archive/zip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// sanitizePath resolves an archive entry name inside dst, rejecting absolute
// names and any name that would land outside dst.
func sanitizePath(dst, name string) (string, error) {
	if name == "" {
		return "", xerrors.New("empty entry name in archive")
	}
	if strings.ContainsRune(name, 0) {
		return "", xerrors.Newf("NUL in archive entry name %q", name)
	}
	if pathutil.IsRooted(name) {
		return "", xerrors.Newf("absolute path in archive: %s", name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", xerrors.Newf("absolute path in archive: %s", name)
	}
	if pathutil.HasParentSegment(clean) {
		return "", xerrors.Newf("path traversal in archive: %s", name)
	}

	target := filepath.Join(dst, clean)
	root := filepath.Clean(dst)
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", xerrors.Newf("path escapes destination: %s", name)
	}
	return target, nil
}

// unzip extracts archive into ws.Dir enforcing the per-file, total and entry
// count limits. Symlinks and other special files are rejected.
func (c *Extractor) unzip(archive string, ws *Workspace) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return xerrors.Wrap(err, "open zip")
	}
	defer zr.Close()

	if len(zr.File) > c.MaxEntries {
		return xerrors.Newf("archive has %d entries, limit %d", len(zr.File), c.MaxEntries)
	}

	for _, f := range zr.File {
		target, err := sanitizePath(ws.Dir, f.Name)
		if err != nil {
			return err
		}
		if target == filepath.Clean(ws.Dir) {
			continue
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return xerrors.Wrapf(err, "create dir %s", f.Name)
			}
			continue
		case mode&fs.ModeSymlink != 0:
			return xerrors.Newf("symlink in archive: %s", f.Name)
		case !mode.IsRegular():
			return xerrors.Newf("unsupported entry type in archive: %s (%v)", f.Name, mode.Type())
		}

		if f.UncompressedSize64 > uint64(c.MaxFileSize) {
			return xerrors.Newf("file %s exceeds max size (%d > %d)", f.Name, f.UncompressedSize64, c.MaxFileSize)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return xerrors.Wrapf(err, "create parent of %s", f.Name)
		}

		n, err := c.writeEntry(target, f, mode.Perm()|0o600)
		if err != nil {
			return err
		}
		ws.Files++
		ws.ExtractedBytes += n
		if ws.ExtractedBytes > c.MaxTotalSize {
			return xerrors.Newf("total extracted size exceeds limit (%d bytes, max %d)", ws.ExtractedBytes, c.MaxTotalSize)
		}
	}
	return nil
}

// writeEntry copies one zip entry to path. The declared size is not trusted;
// the copy itself is capped at MaxFileSize.
func (c *Extractor) writeEntry(path string, f *zip.File, perm os.FileMode) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, xerrors.Wrapf(err, "open entry %s", f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", path)
	}

	n, err := io.Copy(out, io.LimitReader(rc, c.MaxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, xerrors.Wrapf(err, "write %s", f.Name)
	}
	if n > c.MaxFileSize {
		return n, xerrors.Newf("file too large: %s (%d bytes)", f.Name, n)
	}
	return n, nil
}
