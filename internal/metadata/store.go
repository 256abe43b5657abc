// Package metadata defines the C3 contract: the durable record of nodes,
// buckets, objects, chunks, shard locations and epochs, per spec.md §4.3.
//
// Store is a capability handle, not a singleton: callers receive one through
// a context object (constructor injection) rather than reaching for a
// package-level instance, per the "no process-wide singletons" design note
// in spec.md §9. The only shipped implementor is internal/metadata/memory —
// see DESIGN.md for why no persistent backend is groundable in the retrieved
// corpus. Store is written so a future SQL- or embedded-KV-backed implementor
// can satisfy it without changing any caller.
package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/durance/internal/model"
)

// ChunkHealth is the detector's view of one chunk's replication state:
// which of its n=k+m shard indices currently have at least one healthy
// (Online or Recovering, non-Failed) location.
type ChunkHealth struct {
	FileCreatedAt       time.Time
	FileID              uuid.UUID
	ChunkIndex          int
	K, M                int
	PresentShardIndices []int
	MissingShardIndices []int
}

// Target is the required number of healthy locations for a fully-replicated
// chunk: one per shard index (spec.md §4.4's "replicas per shard" default 1
// means n total, not n*replicas).
func (c ChunkHealth) Target() int { return c.K + c.M }

// Current is how many shard indices currently have a healthy location.
func (c ChunkHealth) Current() int { return len(c.PresentShardIndices) }

// ShardWithLocations pairs a shard's registration row with its current
// locations, batched per file to avoid the N+1 pattern spec.md §4.3 and §4.8
// both call out.
type ShardWithLocations struct {
	Shard     model.Shard
	Locations []model.ShardLocation
}

// Page is a continuation-token based page of files, for ListByBucketPrefix.
type Page struct {
	Files          []model.File
	NextToken      string
}

// Store is the full C3 contract. Every method here is safe to call
// concurrently; multi-statement operations that must be atomic are
// documented as such and implementors must provide that atomicity (an
// in-process mutex for the memory implementor; a transaction for a SQL one).
type Store interface {
	// --- Node ---

	// UpsertNode registers a node by id, idempotently. A second call with
	// the same id and a different address updates the address and leaves
	// Status untouched — lifecycle rules, not registration, decide status
	// transitions (spec.md §8 "Idempotent registration").
	UpsertNode(ctx context.Context, n model.Node) error
	SetNodeStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, now time.Time) error
	Heartbeat(ctx context.Context, id uuid.UUID, now time.Time) error
	GetNode(ctx context.Context, id uuid.UUID) (model.Node, error)
	ListNodesByStatus(ctx context.Context, statuses ...model.NodeStatus) ([]model.Node, error)
	ListAllNodes(ctx context.Context) ([]model.Node, error)
	// DeleteNode removes a node and cascades to its shard locations, per
	// spec.md §6.4's ON DELETE CASCADE requirement.
	DeleteNode(ctx context.Context, id uuid.UUID) error
	// SetReputationScore overwrites a node's reputation, clamped by the
	// caller. The epoch accountant is the only writer, at epoch finalization.
	SetReputationScore(ctx context.Context, id uuid.UUID, score int) error

	// --- Bucket ---

	CreateBucket(ctx context.Context, b model.Bucket) error
	GetBucket(ctx context.Context, name string) (model.Bucket, error)
	// DeleteBucket fails with model.ErrPreconditionFailed if any non-deleted
	// file remains in the bucket.
	DeleteBucket(ctx context.Context, name string) error

	// --- Object (File) ---

	CreateFile(ctx context.Context, f model.File) error
	GetFile(ctx context.Context, id uuid.UUID) (model.File, error)
	GetFileByPath(ctx context.Context, bucket, path string) (model.File, error)
	ListByBucketPrefix(ctx context.Context, bucket, prefix string, max int, continuation string) (Page, error)
	SoftDeleteFile(ctx context.Context, id uuid.UUID, when time.Time) error
	SetFileStatus(ctx context.Context, id uuid.UUID, status model.FileStatus) error
	// ListPendingOlderThan supports the GC sweep of spec.md §7.
	ListPendingOlderThan(ctx context.Context, age time.Duration, now time.Time) ([]model.File, error)

	// --- Chunk / Shard ---

	RegisterShard(ctx context.Context, s model.Shard) error
	AddLocation(ctx context.Context, shardID string, nodeID uuid.UUID, when time.Time) error
	SetLocationStatus(ctx context.Context, shardID string, nodeID uuid.UUID, status model.ShardLocationStatus, when time.Time) error
	RemoveLocation(ctx context.Context, shardID string, nodeID uuid.UUID) error
	ListShardsForFile(ctx context.Context, fileID uuid.UUID) ([]ShardWithLocations, error)
	ListUnderReplicated(ctx context.Context, limit int) ([]ChunkHealth, error)
	CountShardsForFile(ctx context.Context, fileID uuid.UUID) (int, error)

	// --- Epoch ---

	CreateNextEpoch(ctx context.Context, start time.Time, duration time.Duration) (model.Epoch, error)
	GetCurrentEpoch(ctx context.Context) (model.Epoch, bool, error)
	FinalizeEpoch(ctx context.Context, number uint64, end time.Time, settlementRef string) error
	UpsertNodeEpochUptime(ctx context.Context, u model.NodeEpochUptime) error
	ListNodeEpochUptimes(ctx context.Context, epochNumber uint64) ([]model.NodeEpochUptime, error)
	MarkPaymentAllocated(ctx context.Context, nodeID uuid.UUID, epochNumber uint64, amount int64) error
}
