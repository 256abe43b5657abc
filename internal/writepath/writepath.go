// Package writepath implements the write path (C7): orchestrating C1 (hash +
// chunk) → C2 (erasure encode) → C4 (placement) → C6 (shard PUT fan-out) → C3
// (file/shard/location bookkeeping) for a single object upload, per spec.md
// §4.7's eight-step sequence and its pending-row durability gate.
//
// Generalized from a single-node handleData/forwardPut shape, which
// routed a single value to a single node by consistent hashing; here one
// object becomes many chunks, each split into k+m shards placed across
// diverse nodes, with the fan-out itself (not just the routing decision)
// owned by this package.
package writepath

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/durance/internal/digest"
	"github.com/dreamware/durance/internal/erasure"
	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/placement"
)

// Principal identifies the authenticated caller. Authentication itself is an
// external collaborator (spec.md §1); Put only performs the ownership check
// that remains once a principal is already authenticated.
type Principal struct {
	Owner string
}

// Event is the out-of-band notification of spec.md §4.7 step 8. The event
// bus itself is an external collaborator; Put only emits onto a
// caller-supplied channel, non-blocking so a slow or absent consumer never
// stalls a write.
type Event struct {
	Kind   string
	FileID uuid.UUID
	Bucket string
	Path   string
	ETag   string
}

// Store is the subset of metadata.Store the write path needs, declared
// locally so this package depends only on the methods it calls.
type Store interface {
	GetBucket(ctx context.Context, name string) (model.Bucket, error)
	ListNodesByStatus(ctx context.Context, statuses ...model.NodeStatus) ([]model.Node, error)
	CreateFile(ctx context.Context, f model.File) error
	SetFileStatus(ctx context.Context, id uuid.UUID, status model.FileStatus) error
	RegisterShard(ctx context.Context, s model.Shard) error
	AddLocation(ctx context.Context, shardID string, nodeID uuid.UUID, when time.Time) error
	ListPendingOlderThan(ctx context.Context, age time.Duration, now time.Time) ([]model.File, error)
	SoftDeleteFile(ctx context.Context, id uuid.UUID, when time.Time) error
}

// ShardPusher is the subset of transport.Client the write path needs.
type ShardPusher interface {
	Put(ctx context.Context, address, shardID string, data []byte) error
}

// Options tunes one Writer. FallbackPerShard bounds how many placement
// targets are tried, in order, before a shard is counted as failed
// (spec.md §4.7 step 5's "on failure, try fallback targets").
type Options struct {
	K, M             int
	ChunkSize        int64
	FallbackPerShard int
	Placement        placement.Options
}

// Writer implements Put for a fixed erasure/placement configuration.
type Writer struct {
	store   Store
	pusher  ShardPusher
	opts    Options
	codec   erasure.Codec
	placer  placement.Engine
	events  chan<- Event
	log     zerolog.Logger
}

// NewWriter constructs a Writer. events may be nil, in which case step 8's
// notification is a no-op.
func NewWriter(store Store, pusher ShardPusher, opts Options, events chan<- Event, log zerolog.Logger) *Writer {
	if opts.FallbackPerShard <= 0 {
		opts.FallbackPerShard = 3
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	return &Writer{
		store:  store,
		pusher: pusher,
		opts:   opts,
		codec:  erasure.Codec{K: opts.K, M: opts.M},
		events: events,
		log:    log.With().Str("component", "writepath").Logger(),
	}
}

// Put implements spec.md §4.7. The file row is created with status=pending
// before any shard is written and is left pending on any failure, for the GC
// sweeper and repair path to eventually resolve (spec.md §7).
func (w *Writer) Put(ctx context.Context, bucket, path string, r io.Reader, contentType string, principal Principal) (string, error) {
	b, err := w.store.GetBucket(ctx, bucket)
	if err != nil {
		return "", err
	}
	if b.Owner != "" && b.Owner != principal.Owner {
		return "", fmt.Errorf("%w: bucket %s is not owned by %s", model.ErrForbidden, bucket, principal.Owner)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: read request body: %v", model.ErrInternal, err)
	}

	candidates, err := w.store.ListNodesByStatus(ctx, model.NodeOnline, model.NodeRecovering)
	if err != nil {
		return "", err
	}

	chunker := digest.Chunker{ChunkSize: w.opts.ChunkSize}
	chunks, objectDigest := chunker.Split(data)

	file := model.File{
		ID:          uuid.New(),
		Bucket:      bucket,
		Path:        path,
		ContentType: contentType,
		Owner:       principal.Owner,
		ContentHash: objectDigest,
		Status:      model.FilePending,
		Size:        int64(len(data)),
		ChunkSize:   w.opts.ChunkSize,
		ChunkCount:  len(chunks),
		K:           w.opts.K,
		M:           w.opts.M,
		CreatedAt:   time.Now(),
	}
	if err := w.store.CreateFile(ctx, file); err != nil {
		return "", err
	}

	for idx, chunkBytes := range chunks {
		if err := w.writeChunk(ctx, file.ID, idx, chunkBytes, candidates); err != nil {
			w.log.Warn().Err(err).Str("file_id", file.ID.String()).Int("chunk", idx).Msg("write path failed, leaving file row pending")
			return "", err
		}
	}

	if err := w.store.SetFileStatus(ctx, file.ID, model.FileComplete); err != nil {
		return "", err
	}

	etag := file.ETag()
	if w.events != nil {
		select {
		case w.events <- Event{Kind: "created", FileID: file.ID, Bucket: bucket, Path: path, ETag: etag}:
		default:
			w.log.Debug().Str("file_id", file.ID.String()).Msg("event channel full, dropping created event")
		}
	}
	return etag, nil
}

// writeChunk encodes one chunk and fans its shards out concurrently,
// registering every shard that lands before checking the durability gate.
func (w *Writer) writeChunk(ctx context.Context, fileID uuid.UUID, index int, chunkBytes []byte, candidates []model.Node) error {
	shards, err := w.codec.Encode(chunkBytes)
	if err != nil {
		return fmt.Errorf("%w: chunk %d: %v", model.ErrInternal, index, err)
	}

	placeOpts := w.opts.Placement
	placeOpts.ReplicasPerShard = w.opts.FallbackPerShard
	targets := w.placer.Place(candidates, len(shards), placeOpts)

	var mu sync.Mutex
	stored := 0

	g, gctx := errgroup.WithContext(ctx)
	for shardIdx, shardBytes := range shards {
		shardIdx, shardBytes := shardIdx, shardBytes
		g.Go(func() error {
			shardID := digest.ShardID(shardBytes)
			ok, putErr := w.placeOneShard(gctx, fileID, index, shardIdx, shardID, shardBytes, targets[shardIdx])
			if putErr != nil {
				return putErr
			}
			if ok {
				mu.Lock()
				stored++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if stored < w.opts.K {
		return fmt.Errorf("%w: chunk %d stored %d/%d shards", model.ErrInsufficientReplicas, index, stored, w.opts.K)
	}
	return nil
}

// placeOneShard tries each candidate target in order until one PUT succeeds,
// registering the shard and its location on first success. It reports ok=false
// (not an error) when every target failed, since one failed shard does not
// abort the chunk as long as the durability gate is still met overall.
func (w *Writer) placeOneShard(ctx context.Context, fileID uuid.UUID, chunkIndex, shardIndex int, shardID string, data []byte, targets []model.Node) (bool, error) {
	for _, n := range targets {
		if err := w.pusher.Put(ctx, n.Address, shardID, data); err != nil {
			w.log.Debug().Err(err).Str("shard_id", shardID).Str("node", n.Address).Msg("shard put failed, trying fallback target")
			continue
		}
		if err := w.store.RegisterShard(ctx, model.Shard{
			ID:          shardID,
			FileID:      fileID,
			ChunkIndex:  chunkIndex,
			ShardIndex:  shardIndex,
			IsParity:    shardIndex >= w.opts.K,
			BytesLength: int64(len(data)),
		}); err != nil {
			return false, err
		}
		if err := w.store.AddLocation(ctx, shardID, n.ID, time.Now()); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
