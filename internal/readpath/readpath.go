// Package readpath implements the read path (C8): C3 batch lookup → C6
// fan-out GET with cancel-on-k-shards → C2 reconstruct → concatenate, per
// spec.md §4.8.
//
// Generalized from a single-node forwardGet shape, which streamed
// a single node's response straight through; here k-of-n shards must be
// collected per chunk and reconstructed before anything is returned to the
// caller.
package readpath

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/durance/internal/digest"
	"github.com/dreamware/durance/internal/erasure"
	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/model"
)

// ByteRange is an inclusive [Start, End] slice of the assembled object,
// applied after full reassembly per spec.md §4.8 step 6.
type ByteRange struct {
	Start, End int64
}

// Store is the subset of metadata.Store the read path needs.
type Store interface {
	GetFileByPath(ctx context.Context, bucket, path string) (model.File, error)
	ListShardsForFile(ctx context.Context, fileID uuid.UUID) ([]metadata.ShardWithLocations, error)
}

// ShardFetcher is the subset of transport.Client the read path needs.
type ShardFetcher interface {
	Get(ctx context.Context, address, shardID string) ([]byte, error)
}

// NodeAddresser resolves a node id to its current transport address. A
// locally-scoped lookup rather than embedding model.Node into ShardLocation,
// since the metadata store already tracks addresses on the Node record.
type NodeAddresser interface {
	Address(nodeID uuid.UUID) (string, bool)
}

// Options tunes one Reader.
type Options struct {
	// MaxInFlightPerChunk bounds how many concurrent shard GETs a single
	// chunk's reconstruction may have outstanding at once.
	MaxInFlightPerChunk int64
}

// DefaultOptions matches spec.md §6.5-adjacent sane defaults (not explicitly
// named by the spec, which only requires cancel-on-k-shards, not a specific
// fan-out width).
func DefaultOptions() Options { return Options{MaxInFlightPerChunk: 8} }

// Reader implements Get for a metadata store, shard fetcher and node
// directory.
type Reader struct {
	store     Store
	fetcher   ShardFetcher
	addresser NodeAddresser
	opts      Options
	log       zerolog.Logger
}

// NewReader constructs a Reader. Zero-value Options resolves to DefaultOptions.
func NewReader(store Store, fetcher ShardFetcher, addresser NodeAddresser, opts Options, log zerolog.Logger) *Reader {
	if opts.MaxInFlightPerChunk <= 0 {
		opts.MaxInFlightPerChunk = DefaultOptions().MaxInFlightPerChunk
	}
	return &Reader{store: store, fetcher: fetcher, addresser: addresser, opts: opts, log: log.With().Str("component", "readpath").Logger()}
}

// Get implements spec.md §4.8. expectedHash, when non-nil, is verified
// against the reassembled object digest before returning.
func (r *Reader) Get(ctx context.Context, bucket, path string, rng *ByteRange, expectedHash []byte) ([]byte, error) {
	file, err := r.store.GetFileByPath(ctx, bucket, path)
	if err != nil {
		return nil, err
	}
	if file.Status == model.FileSoftDelete {
		return nil, fmt.Errorf("%w: %s/%s", model.ErrNotFound, bucket, path)
	}

	shardRows, err := r.store.ListShardsForFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}

	byChunk := groupByChunk(shardRows)
	codec := erasure.Codec{K: file.K, M: file.M}

	out := make([]byte, 0, file.Size)
	for chunkIndex := 0; chunkIndex < file.ChunkCount; chunkIndex++ {
		logicalSize := file.ChunkSize
		if chunkIndex == file.ChunkCount-1 {
			logicalSize = file.Size - int64(chunkIndex)*file.ChunkSize
		}
		chunkBytes, err := r.reconstructChunk(ctx, codec, byChunk[chunkIndex], logicalSize)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of %s/%s: %v", model.ErrInsufficientReplicas, chunkIndex, bucket, path, err)
		}
		out = append(out, chunkBytes...)
	}

	if expectedHash != nil {
		got := digest.Hex(mustSum(out))
		want := digest.Hex(expectedHash)
		if got != want {
			return nil, fmt.Errorf("%w: object hash mismatch for %s/%s", model.ErrPreconditionFailed, bucket, path)
		}
	}

	if rng != nil {
		out = slice(out, rng.Start, rng.End)
	}
	return out, nil
}

func mustSum(b []byte) []byte {
	sum := digest.Sum256(b)
	return sum[:]
}

func slice(b []byte, start, end int64) []byte {
	if start < 0 {
		start = 0
	}
	if end >= int64(len(b)) {
		end = int64(len(b)) - 1
	}
	if start > end || start >= int64(len(b)) {
		return nil
	}
	return b[start : end+1]
}

type chunkShards struct {
	shards []model.Shard
	locs   map[string][]model.ShardLocation
}

func groupByChunk(rows []metadata.ShardWithLocations) map[int]chunkShards {
	out := map[int]chunkShards{}
	for _, row := range rows {
		cs := out[row.Shard.ChunkIndex]
		cs.shards = append(cs.shards, row.Shard)
		if cs.locs == nil {
			cs.locs = map[string][]model.ShardLocation{}
		}
		cs.locs[row.Shard.ID] = row.Locations
		out[row.Shard.ChunkIndex] = cs
	}
	return out
}

// reconstructChunk fetches shards concurrently, canceling outstanding GETs
// once k have landed, then decodes. Per spec.md §4.8 step 3.
func (r *Reader) reconstructChunk(ctx context.Context, codec erasure.Codec, cs chunkShards, logicalSize int64) ([]byte, error) {
	n := codec.N()
	buf := make([][]byte, n)
	digests := make([]string, n)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(r.opts.MaxInFlightPerChunk)
	g, gctx := errgroup.WithContext(ctx)

	filled := make(chan int, n)

	for _, s := range cs.shards {
		s := s
		digests[s.ShardIndex] = s.ID
		addrs := healthyAddresses(cs.locs[s.ID], r.addresser)
		if len(addrs) == 0 {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			for _, addr := range addrs {
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				data, err := r.fetcher.Get(gctx, addr, s.ID)
				if err != nil {
					continue
				}
				buf[s.ShardIndex] = data
				select {
				case filled <- s.ShardIndex:
				case <-gctx.Done():
				}
				return nil
			}
			return nil
		})
	}

	go func() {
		g.Wait()
		close(filled)
	}()

	have := 0
	for range filled {
		have++
		if have >= codec.K {
			cancel()
			break
		}
	}
	// Drain remaining fills so the goroutine writing to filled never blocks
	// past our cancellation.
	for range filled {
	}

	return codec.Decode(buf, logicalSize, digests)
}

func healthyAddresses(locs []model.ShardLocation, addresser NodeAddresser) []string {
	var out []string
	for _, l := range locs {
		if l.Status == model.LocationFailed {
			continue
		}
		if addr, ok := addresser.Address(l.NodeID); ok {
			out = append(out, addr)
		}
	}
	return out
}
