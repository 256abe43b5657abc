// Package shard is the node-local storage unit: a content-addressed
// byte store (internal/storage) wrapped with operation counters and the
// HTTP wire-contract handlers of spec.md §6.2 (Store/Get/Delete/Verify/
// Stream), plus a CommandExecutor for the heartbeat command-piggybacking
// extension of SPEC_FULL.md §5.
//
// Shaped like a conventional Shard/ShardStats pair: the atomic operation
// counters and RWMutex-guarded state field survive, but a node here holds
// exactly one Unit (there is no key-range partitioning to own), so
// OwnsKey/ListKeysInRange/DeleteRange have no counterpart and are dropped.
package shard

import (
	"sync/atomic"

	"github.com/dreamware/durance/internal/storage"
)

// OperationStats counts Unit operations: monotonic, atomic counters safe to
// read concurrently with the operations that bump them.
type OperationStats struct {
	Gets    uint64
	Puts    uint64
	Deletes uint64
	Verifies uint64
}

// Unit is a node's content-addressed shard store plus its operation
// counters. Exactly one Unit exists per running node process.
type Unit struct {
	store storage.Store
	stats OperationStats
}

// NewUnit wraps store with operation counting. Pass storage.NewMemoryStore()
// in production; tests may substitute a fake implementing storage.Store.
func NewUnit(store storage.Store) *Unit {
	return &Unit{store: store}
}

// Put stores data under shardID, rejecting it if the content address does
// not match (storage.ErrDigestMismatch, which wraps model.ErrIntegrityViolation).
func (u *Unit) Put(shardID string, data []byte) error {
	atomic.AddUint64(&u.stats.Puts, 1)
	return u.store.Put(shardID, data)
}

// Get returns the bytes stored under shardID, or storage.ErrShardNotFound.
func (u *Unit) Get(shardID string) ([]byte, error) {
	atomic.AddUint64(&u.stats.Gets, 1)
	return u.store.Get(shardID)
}

// Delete removes shardID. Idempotent.
func (u *Unit) Delete(shardID string) error {
	atomic.AddUint64(&u.stats.Deletes, 1)
	return u.store.Delete(shardID)
}

// Verify reports presence and size without copying the payload out, per
// spec.md §6.2's Verify{shard_id} -> {valid, size}.
func (u *Unit) Verify(shardID string) (valid bool, size int64) {
	atomic.AddUint64(&u.stats.Verifies, 1)
	return u.store.Verify(shardID)
}

// ListShardIDs returns every shard id held locally, in no particular order.
func (u *Unit) ListShardIDs() []string {
	return u.store.List()
}

// Stats returns a snapshot of the operation counters.
func (u *Unit) Stats() OperationStats {
	return OperationStats{
		Gets:     atomic.LoadUint64(&u.stats.Gets),
		Puts:     atomic.LoadUint64(&u.stats.Puts),
		Deletes:  atomic.LoadUint64(&u.stats.Deletes),
		Verifies: atomic.LoadUint64(&u.stats.Verifies),
	}
}

// StorageStats reports current occupancy for heartbeat reporting
// (storage_used, chunks_stored in spec.md §6.3).
func (u *Unit) StorageStats() storage.Stats {
	return u.store.Stats()
}
