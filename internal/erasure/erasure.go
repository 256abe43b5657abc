// Package erasure implements the erasure codec (C2): a systematic
// maximum-distance-separable code over (k, m) parameters, any k of whose
// n=k+m shards reconstruct the original chunk.
//
// Grounded on the reference corpus's zstore erasure coding service
// (internal/service/erasure_coding_service.go), which wraps
// github.com/klauspost/reedsolomon the same way this package does:
// reedsolomon.New(k, m), Encoder.Split/Encode for encode, and
// Encoder.Reconstruct for decode.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/dreamware/durance/internal/digest"
)

// Codec encodes and decodes chunks under fixed (K, M) parameters. Data shards
// occupy indices [0,K); parity shards occupy [K, K+M), per spec.md §4.2.
type Codec struct {
	K int
	M int
}

// N is the total shard count k+m.
func (c Codec) N() int { return c.K + c.M }

func (c Codec) validate() error {
	if c.K <= 0 || c.M < 0 {
		return fmt.Errorf("%w: invalid erasure parameters k=%d m=%d", errInvalidParams, c.K, c.M)
	}
	return nil
}

var errInvalidParams = fmt.Errorf("erasure: invalid parameters")

// Encode splits chunkBytes (logical length L) into k data shards and
// computes m parity shards, each of length ceil(L/k). The final data shard is
// zero-padded to the common shard length; the caller is responsible for
// recording L separately (model.Chunk.LogicalSize) so Decode can truncate.
func (c Codec) Encode(chunkBytes []byte) (shards [][]byte, err error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(c.K, c.M)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	shards, err = enc.Split(chunkBytes)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode: %w", err)
	}
	return shards, nil
}

// ShardDigests returns the content-address (hex BLAKE3) of every shard, in
// shard-index order, for registration with the metadata store.
func ShardDigests(shards [][]byte) []string {
	ids := make([]string, len(shards))
	for i, s := range shards {
		ids[i] = digest.ShardID(s)
	}
	return ids
}

// Decode reconstructs the original chunk bytes from a length-n slice in which
// missing shards are nil. It fails with ErrNotEnoughShards if fewer than k
// entries are non-nil. On success it returns exactly logicalSize bytes.
//
// As defense in depth against a shard that verified at transport time (its
// digest matched its claimed shard-id) but was itself generated or mutated
// incorrectly upstream, Decode recomputes each supplied data shard's digest
// against expectDigests (when non-nil) after reconstruction and returns
// ErrCorruptedShard if any mismatch — catching corruption that transport-time
// verification cannot see.
func (c Codec) Decode(shards [][]byte, logicalSize int64, expectDigests []string) ([]byte, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if len(shards) != c.N() {
		return nil, fmt.Errorf("%w: expected %d shards, got %d", ErrNotEnoughShards, c.N(), len(shards))
	}
	have := 0
	for _, s := range shards {
		if s != nil {
			have++
		}
	}
	if have < c.K {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughShards, have, c.K)
	}

	enc, err := reedsolomon.New(c.K, c.M)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}

	work := make([][]byte, len(shards))
	copy(work, shards)
	if err := enc.Reconstruct(work); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}

	if expectDigests != nil {
		for i := 0; i < c.K; i++ {
			if expectDigests[i] == "" {
				continue
			}
			if digest.ShardID(work[i]) != expectDigests[i] {
				return nil, fmt.Errorf("%w: data shard %d", ErrCorruptedShard, i)
			}
		}
	}

	out := make([]byte, 0, logicalSize)
	for i := 0; i < c.K && int64(len(out)) < logicalSize; i++ {
		remain := logicalSize - int64(len(out))
		chunk := work[i]
		if int64(len(chunk)) > remain {
			chunk = chunk[:remain]
		}
		out = append(out, chunk...)
	}
	if int64(len(out)) != logicalSize {
		return nil, fmt.Errorf("%w: reconstructed %d bytes, want %d", ErrCorruptedShard, len(out), logicalSize)
	}
	return out, nil
}
