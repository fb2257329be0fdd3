// Package cryptoutil holds the digest helpers used to fingerprint artifacts
// and to compare local files against S3 ETags.
package cryptoutil
