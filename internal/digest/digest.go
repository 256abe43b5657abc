// Package digest implements the content hasher and chunker (C1): a
// deterministic split of an object's bytes into fixed-size chunks plus a
// 256-bit cryptographic digest of the full object and of each shard.
//
// The spec requires one 256-bit digest used uniformly everywhere a hash
// appears — object digest, shard-id, and the client-facing ETag — which
// resolves the source's split between a 32-byte content hash and a separate
// 16-byte ETag hash (spec.md §9). BLAKE3 is used throughout, following
// lukechampine.com/blake3 as declared by the beenet module in the reference
// corpus.
package digest

import (
	"io"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes (256 bits).
const Size = 32

// Sum256 returns the BLAKE3-256 digest of b.
func Sum256(b []byte) [Size]byte {
	return blake3.Sum256(b)
}

// Hex returns the lowercase hex encoding of a digest, used for shard ids and
// the object ETag (spec.md §6.1).
func Hex(sum []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(sum)*2)
	for i, v := range sum {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// ShardID returns the content-address of a shard's bytes: hex(BLAKE3(bytes)).
func ShardID(shardBytes []byte) string {
	sum := Sum256(shardBytes)
	return Hex(sum[:])
}

// StreamHasher accumulates an object-level digest over bytes written to it in
// order, used by the write path while chunks are streamed out to the codec so
// the full object digest does not require buffering the whole object twice.
type StreamHasher struct {
	h *blake3.Hasher
}

// NewStreamHasher returns a hasher ready to accept Write calls.
func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: blake3.New(Size, nil)}
}

func (s *StreamHasher) Write(p []byte) (int, error) { return s.h.Write(p) }

// Sum returns the digest accumulated so far without resetting the hasher.
func (s *StreamHasher) Sum() []byte {
	return s.h.Sum(nil)
}

var _ io.Writer = (*StreamHasher)(nil)

// ChunkMeta describes one deterministic slice of an object's bytes: chunk i
// covers byte offsets [i*chunkSize, min((i+1)*chunkSize, size)).
type ChunkMeta struct {
	Index       int
	Offset      int64
	LogicalSize int64
}

// Plan computes the ordered list of chunk boundaries for an object of the
// given size and chunk size, without touching the bytes themselves. The
// final chunk carries the remainder and is never padded for storage — padding
// for erasure coding happens downstream in internal/erasure, recorded
// separately as logical size so decode can truncate.
func Plan(size int64, chunkSize int64) []ChunkMeta {
	if size <= 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1 << 20 // 1 MiB default, matches spec.md §4.1
	}
	n := int((size + chunkSize - 1) / chunkSize)
	metas := make([]ChunkMeta, n)
	for i := 0; i < n; i++ {
		offset := int64(i) * chunkSize
		end := offset + chunkSize
		if end > size {
			end = size
		}
		metas[i] = ChunkMeta{Index: i, Offset: offset, LogicalSize: end - offset}
	}
	return metas
}

// Chunker splits a fully-buffered object into chunk byte slices and computes
// the object digest in the same pass. The write path (internal/writepath)
// needs materialized chunk bytes to hand to the erasure codec, so unlike
// Plan this allocates.
type Chunker struct {
	ChunkSize int64
}

// Split returns the ordered chunk byte slices and the BLAKE3-256 digest of
// the full object. An empty object (size 0) yields zero chunks and the
// digest of the empty string, matching spec.md §8's zero-chunk boundary case.
func (c Chunker) Split(data []byte) (chunks [][]byte, objectDigest []byte) {
	sum := Sum256(data)
	if len(data) == 0 {
		return nil, sum[:]
	}
	metas := Plan(int64(len(data)), c.ChunkSize)
	chunks = make([][]byte, len(metas))
	for i, m := range metas {
		chunks[i] = data[m.Offset : m.Offset+m.LogicalSize]
	}
	return chunks, sum[:]
}
