// Package remotecache is the optional Remote Cache Client: a
// subset of the Bazel Remote Execution API (action cache + content-addressable
// storage) spoken over gRPC, with an HTTP fallback transport for servers that
// don't expose the gRPC surface.
//
// Remote failures are never fatal: a failed read is a cache miss, a failed
// write is logged and the local build proceeds.
package remotecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get* when the remote has no entry for a digest.
var ErrNotFound = errors.New("remotecache: not found")

// defaultBlobConcurrency bounds simultaneous blob transfers so a wide batch
// doesn't exhaust file descriptors.
const defaultBlobConcurrency = 100

// Digest identifies a blob by its content hash and size, the same pair the
// Bazel Remote Execution API keys both the action cache and CAS by.
type Digest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// DigestBytes computes the Digest of a blob using SHA-256, matching the
// hasher's choice of digest function so actions and blobs
// share one hash algorithm end to end.
func DigestBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(data))}
}

// ActionResult is the cached outcome of one RunTask action: its output blob
// digests and captured stdio, keyed by the action's content hash.
type ActionResult struct {
	ExitCode     int32
	OutputFiles  []OutputFile
	StdoutDigest *Digest
	StderrDigest *Digest
}

// OutputFile names one archived output and the CAS blob holding its bytes.
type OutputFile struct {
	Path   string `json:"path"`
	Digest Digest `json:"digest"`
}

// Blob is a CAS upload/download unit: a digest paired with its bytes.
type Blob struct {
	Digest Digest
	Data   []byte
}

// Transport is the wire-level operations a Client needs; Client picks gRPC or
// HTTP at construction time and is itself transport-agnostic above this
// interface.
type Transport interface {
	GetActionResult(ctx context.Context, instance string, action Digest) (*ActionResult, error)
	UpdateActionResult(ctx context.Context, instance string, action Digest, result *ActionResult) error
	FindMissingBlobs(ctx context.Context, instance string, digests []Digest) ([]Digest, error)
	BatchReadBlobs(ctx context.Context, instance string, digests []Digest) ([]Blob, error)
	BatchUpdateBlobs(ctx context.Context, instance string, blobs []Blob) error
	Close() error
}
