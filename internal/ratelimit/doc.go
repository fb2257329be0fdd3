// Package ratelimit throttles local invocations per caller address.
//
// Each invocation downloads an artifact and rewrites a bucket, so the
// serve-mode endpoint admits a small token bucket per peer. State lives in
// memory and idle callers are evicted in the background.
package ratelimit
