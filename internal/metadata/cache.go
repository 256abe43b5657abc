package metadata

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/model"
)

// CachedStore decorates a Store with a fail-open, look-aside LRU cache for
// the three hot read paths named in spec.md §4.3: the online-node roster, a
// file by id, and a chunk's shard locations. Node-status, node-membership,
// file-status and shard/location mutations evict the affected entries before
// returning; Heartbeat and SetReputationScore pass straight through, so node
// fields they change can be stale in the roster for up to its TTL. A cache miss or a
// corrupted entry always falls through to the wrapped Store rather than ever
// serving a wrong answer, per spec.md's "cache is an optimization, never a
// source of truth" note.
//
// Grounded on hashicorp/golang-lru's documented look-aside pattern, used the
// same way by aistore's object metadata cache in the retrieved corpus; added
// fresh since nothing upstream of this package cached reads before.
type CachedStore struct {
	Store

	nodesTTL time.Duration
	log      zerolog.Logger

	onlineNodes *lru.Cache[string, cachedNodes]
	files       *lru.Cache[uuid.UUID, model.File]
	locations   *lru.Cache[uuid.UUID, []ShardWithLocations]
}

type cachedNodes struct {
	nodes   []model.Node
	cachedAt time.Time
}

const onlineNodesKey = "online"

// NewCachedStore wraps store with LRU caches of the given sizes. A size of 0
// or less is raised to 1 (golang-lru rejects 0), so that dimension still
// caches one entry; callers needing no cache at all should use the bare Store.
func NewCachedStore(store Store, nodeRosterTTL time.Duration, fileCacheSize, locationCacheSize int, log zerolog.Logger) (*CachedStore, error) {
	nodesCache, err := lru.New[string, cachedNodes](1)
	if err != nil {
		return nil, fmt.Errorf("metadata: new node cache: %w", err)
	}
	if fileCacheSize <= 0 {
		fileCacheSize = 1
	}
	filesCache, err := lru.New[uuid.UUID, model.File](fileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("metadata: new file cache: %w", err)
	}
	if locationCacheSize <= 0 {
		locationCacheSize = 1
	}
	locationsCache, err := lru.New[uuid.UUID, []ShardWithLocations](locationCacheSize)
	if err != nil {
		return nil, fmt.Errorf("metadata: new location cache: %w", err)
	}
	return &CachedStore{
		Store:       store,
		nodesTTL:    nodeRosterTTL,
		log:         log,
		onlineNodes: nodesCache,
		files:       filesCache,
		locations:   locationsCache,
	}, nil
}

// ListNodesByStatus serves model.NodeOnline-only queries from cache; every
// other status combination falls through uncached since the roster cache
// only ever holds the single online-node key.
func (c *CachedStore) ListNodesByStatus(ctx context.Context, statuses ...model.NodeStatus) ([]model.Node, error) {
	if len(statuses) != 1 || statuses[0] != model.NodeOnline {
		return c.Store.ListNodesByStatus(ctx, statuses...)
	}
	if entry, ok := c.onlineNodes.Get(onlineNodesKey); ok && time.Since(entry.cachedAt) < c.nodesTTL {
		return entry.nodes, nil
	}
	nodes, err := c.Store.ListNodesByStatus(ctx, model.NodeOnline)
	if err != nil {
		return nil, err
	}
	c.onlineNodes.Add(onlineNodesKey, cachedNodes{nodes: nodes, cachedAt: time.Now()})
	return nodes, nil
}

func (c *CachedStore) invalidateNodeRoster() { c.onlineNodes.Remove(onlineNodesKey) }

func (c *CachedStore) SetNodeStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, now time.Time) error {
	err := c.Store.SetNodeStatus(ctx, id, status, now)
	c.invalidateNodeRoster()
	return err
}

func (c *CachedStore) UpsertNode(ctx context.Context, n model.Node) error {
	err := c.Store.UpsertNode(ctx, n)
	c.invalidateNodeRoster()
	return err
}

func (c *CachedStore) DeleteNode(ctx context.Context, id uuid.UUID) error {
	err := c.Store.DeleteNode(ctx, id)
	c.invalidateNodeRoster()
	c.locations.Purge() // a deleted node may appear in any cached location list
	return err
}

func (c *CachedStore) GetFile(ctx context.Context, id uuid.UUID) (model.File, error) {
	if f, ok := c.files.Get(id); ok {
		return f, nil
	}
	f, err := c.Store.GetFile(ctx, id)
	if err != nil {
		return model.File{}, err
	}
	c.files.Add(id, f)
	return f, nil
}

func (c *CachedStore) SoftDeleteFile(ctx context.Context, id uuid.UUID, when time.Time) error {
	err := c.Store.SoftDeleteFile(ctx, id, when)
	c.files.Remove(id)
	return err
}

func (c *CachedStore) SetFileStatus(ctx context.Context, id uuid.UUID, status model.FileStatus) error {
	err := c.Store.SetFileStatus(ctx, id, status)
	c.files.Remove(id)
	return err
}

func (c *CachedStore) ListShardsForFile(ctx context.Context, fileID uuid.UUID) ([]ShardWithLocations, error) {
	if v, ok := c.locations.Get(fileID); ok {
		return v, nil
	}
	v, err := c.Store.ListShardsForFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	c.locations.Add(fileID, v)
	return v, nil
}

func (c *CachedStore) invalidateFileLocations(fileID uuid.UUID) { c.locations.Remove(fileID) }

func (c *CachedStore) RegisterShard(ctx context.Context, s model.Shard) error {
	err := c.Store.RegisterShard(ctx, s)
	c.invalidateFileLocations(s.FileID)
	return err
}

// AddLocation, SetLocationStatus and RemoveLocation are keyed by shard id,
// not file id, so the cache cannot cheaply invalidate just the affected
// entry; it purges the whole location cache instead. Spec.md §4.3 treats
// this cache as a pure latency optimization, so an occasional unnecessary
// Store round-trip is an acceptable cost for correctness.
func (c *CachedStore) AddLocation(ctx context.Context, shardID string, nodeID uuid.UUID, when time.Time) error {
	err := c.Store.AddLocation(ctx, shardID, nodeID, when)
	c.locations.Purge()
	return err
}

func (c *CachedStore) SetLocationStatus(ctx context.Context, shardID string, nodeID uuid.UUID, status model.ShardLocationStatus, when time.Time) error {
	err := c.Store.SetLocationStatus(ctx, shardID, nodeID, status, when)
	c.locations.Purge()
	return err
}

func (c *CachedStore) RemoveLocation(ctx context.Context, shardID string, nodeID uuid.UUID) error {
	err := c.Store.RemoveLocation(ctx, shardID, nodeID)
	c.locations.Purge()
	return err
}
