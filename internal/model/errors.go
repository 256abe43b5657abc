package model

import "errors"

// Error taxonomy for the durability core, per spec.md §7. Components return
// these sentinels wrapped with context via fmt.Errorf("%w: ...", ErrX); only
// the outermost boundary (an HTTP/CLI wrapper, out of scope for this module)
// translates a sentinel into a protocol-specific status code. The core never
// swallows an error silently; a cache miss or a degraded-to-direct-read cache
// failure is not one of these errors.
var (
	// ErrNotFound covers an absent object, bucket, node or shard.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists covers a bucket-name collision.
	ErrAlreadyExists = errors.New("already exists")

	// ErrPreconditionFailed covers bucket-not-empty on delete, path
	// collision on create, and hash-mismatch on a verified read.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrInsufficientReplicas means the write path could not reach k
	// shards per chunk, or the read path could not retrieve k shards per
	// chunk. Distinct from ErrNotFound: the data exists but is presently
	// unreachable.
	ErrInsufficientReplicas = errors.New("insufficient replicas")

	// ErrTransportFailure is a transient shard-transport error. Retried
	// within the transport client's own retry policy; if still failing
	// once that policy is exhausted it is translated by the caller into
	// ErrInsufficientReplicas (read/write) or a failed repair task.
	ErrTransportFailure = errors.New("transport failure")

	// ErrIntegrityViolation covers a shard digest mismatch at store time,
	// at verify time, or an object hash mismatch on a verified read. Never
	// silently retried against the same node.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrUnauthorized and ErrForbidden are passed through from the
	// external authentication collaborator; the core never originates
	// them on its own.
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrInternal covers anything else, always surfaced with context.
	ErrInternal = errors.New("internal error")
)
