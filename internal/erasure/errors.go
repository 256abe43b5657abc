package erasure

import "errors"

// ErrNotEnoughShards is returned by Decode when fewer than k shards are
// available to reconstruct a chunk.
var ErrNotEnoughShards = errors.New("erasure: not enough shards to reconstruct")

// ErrCorruptedShard is returned by Decode when a reconstructed data shard's
// digest does not match the digest recorded at store time.
var ErrCorruptedShard = errors.New("erasure: corrupted shard detected on reconstruction")
