// Package storage is the node-local, content-addressed byte store for shard
// payloads. Every key is a shard id (hex BLAKE3-256 digest of its bytes, see
// internal/digest), so Put can and does verify digest(value) == key before
// accepting a write, per spec.md §6.2's "server MUST reject if
// hash(data) != shard_id."
//
// A generic content-addressed Store/MemoryStore pair (arbitrary
// string keys, no integrity check); the Store interface and RWMutex-guarded
// map pattern survive unchanged, everything else is re-keyed to the
// content-addressed model.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/durance/internal/digest"
	"github.com/dreamware/durance/internal/model"
)

// ErrShardNotFound is returned by Get and Verify when shardID is absent.
var ErrShardNotFound = errors.New("shard not found")

// ErrDigestMismatch is returned by Put when hex(BLAKE3(value)) != shardID.
// Wraps model.ErrIntegrityViolation so callers can classify it with
// errors.Is without depending on this package's sentinel directly.
var ErrDigestMismatch = fmt.Errorf("%w: shard digest mismatch", model.ErrIntegrityViolation)

// Store is the node-local shard byte store. Implementations MUST verify
// content-addressing on Put and MUST be safe for concurrent use.
type Store interface {
	// Put stores value under shardID, rejecting it with ErrDigestMismatch
	// if hex(BLAKE3(value)) != shardID.
	Put(shardID string, value []byte) error

	// Get returns a copy of the stored bytes for shardID, or
	// ErrShardNotFound.
	Get(shardID string) ([]byte, error)

	// Delete removes shardID. Idempotent: no error if absent.
	Delete(shardID string) error

	// Verify reports whether shardID is present and, if so, its size,
	// without copying the payload out. Matches spec.md §6.2's
	// Verify{shard_id} -> {valid, size}.
	Verify(shardID string) (valid bool, size int64)

	// List returns every shard id currently held, order unspecified.
	List() []string

	// Stats reports current occupancy for heartbeat reporting
	// (storage_used, chunks_stored in spec.md §6.3).
	Stats() Stats
}

// Stats mirrors the counters a node reports on every heartbeat.
type Stats struct {
	Shards int
	Bytes  int64
}

// MemoryStore is an in-memory Store, in use as the only implementor: nodes in
// this core hold shard bytes in RAM for the lifetime of the process, leaving
// a disk-backed implementor as a drop-in behind the same interface.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Put(shardID string, value []byte) error {
	if got := digest.ShardID(value); got != shardID {
		return fmt.Errorf("%w: shard %s, computed digest %s", ErrDigestMismatch, shardID, got)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.data[shardID] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(shardID string) ([]byte, error) {
	m.mu.RLock()
	value, ok := m.data[shardID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrShardNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryStore) Delete(shardID string) error {
	m.mu.Lock()
	delete(m.data, shardID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Verify(shardID string) (bool, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[shardID]
	if !ok {
		return false, 0
	}
	return true, int64(len(value))
}

func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func (m *MemoryStore) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var bytes int64
	for _, v := range m.data {
		bytes += int64(len(v))
	}
	return Stats{Shards: len(m.data), Bytes: bytes}
}

var _ Store = (*MemoryStore)(nil)
