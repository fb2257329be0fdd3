package cryptoutil

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/keithlinneman/linnemanlabs-sitesync/internal/xerrors"
)

// HashEqual compares two hex digests in constant time, ignoring case.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(lowerHex(a)), []byte(lowerHex(b))) == 1
}

func lowerHex(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'F' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// SHA256Hex returns the hex SHA-256 of data.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// CopySHA256 copies src to dst and returns the byte count and hex SHA-256 of
// what was copied.
func CopySHA256(dst io.Writer, src io.Reader) (int64, string, error) {
	return copyHashed(dst, src, sha256.New())
}

func copyHashed(dst io.Writer, src io.Reader, h hash.Hash) (int64, string, error) {
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// FileMD5Hex returns the hex MD5 of the file at path, the digest S3 reports
// as the ETag of single-part uploads.
func FileMD5Hex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Wrapf(err, "open %s", path)
	}
	defer f.Close()
	_, sum, err := copyHashed(io.Discard, f, md5.New())
	if err != nil {
		return "", xerrors.Wrapf(err, "hash %s", path)
	}
	return sum, nil
}
