// Package memory implements the in-memory metadata.Store. It is one
// RWMutex-guarded map per entity type, following the copy-on-read/write
// same defensive-copy discipline as internal/storage.MemoryStore (never hand back
// a pointer into the store's own state), generalized from a single flat
// key-value map to the full relational schema of spec.md §3.
//
// Per spec.md §9's design note on dynamic dispatch over backends, this is
// explicitly the test/reference implementor behind metadata.Store; see
// DESIGN.md for why it is the only one shipped.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/model"
)

// Store is the in-memory metadata.Store implementor. The zero value is not
// usable; construct with New.
type Store struct {
	mu sync.RWMutex

	nodes map[uuid.UUID]model.Node

	buckets map[string]model.Bucket

	files             map[uuid.UUID]model.File
	filesByBucketPath map[string]uuid.UUID // "bucket\x00path" -> id, non-deleted only

	shards       map[string]model.Shard                     // shard-id -> row
	shardsByFile map[uuid.UUID][]string                      // file-id -> shard-ids, insertion order
	locations    map[string]map[uuid.UUID]model.ShardLocation // shard-id -> node-id -> location

	epochs       map[uint64]model.Epoch
	currentEpoch uint64 // 0 means "none created yet"
	uptimes      map[uint64]map[uuid.UUID]model.NodeEpochUptime
}

// New returns an empty store ready for use.
func New() *Store {
	return &Store{
		nodes:             make(map[uuid.UUID]model.Node),
		buckets:           make(map[string]model.Bucket),
		files:             make(map[uuid.UUID]model.File),
		filesByBucketPath: make(map[string]uuid.UUID),
		shards:            make(map[string]model.Shard),
		shardsByFile:      make(map[uuid.UUID][]string),
		locations:         make(map[string]map[uuid.UUID]model.ShardLocation),
		epochs:            make(map[uint64]model.Epoch),
		uptimes:           make(map[uint64]map[uuid.UUID]model.NodeEpochUptime),
	}
}

var _ metadata.Store = (*Store)(nil)

func bucketPathKey(bucket, path string) string { return bucket + "\x00" + path }

// --- Node ---

func (s *Store) UpsertNode(_ context.Context, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[n.ID]
	if !ok {
		if n.Status == "" {
			n.Status = model.NodeOnline
		}
		if n.StatusChangedAt.IsZero() {
			n.StatusChangedAt = time.Now()
		}
		s.nodes[n.ID] = n
		return nil
	}

	// Idempotent re-registration: update address/topology/capacity, leave
	// lifecycle-owned fields (Status, StatusChangedAt, FirstOffline,
	// LastHeartbeat, FailureCount) untouched. Spec.md §8's "Idempotent
	// registration" law.
	existing.Address = n.Address
	existing.Topology = n.Topology
	existing.CapacityBytes = n.CapacityBytes
	existing.BandwidthMbps = n.BandwidthMbps
	if n.Wallet != "" {
		existing.Wallet = n.Wallet
	}
	s.nodes[n.ID] = existing
	return nil
}

func (s *Store) SetNodeStatus(_ context.Context, id uuid.UUID, status model.NodeStatus, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	// Stamp FirstOffline on the initial Online->Offline transition so the
	// offline window survives a lifecycle-manager restart (its in-memory
	// clocks map does not); leave it alone on later transitions that stay
	// offline-adjacent (e.g. Offline->Draining), and clear it once the node
	// is back Online.
	if status == model.NodeOffline && n.FirstOffline == nil {
		n.FirstOffline = timePtr(now)
	}
	if status == model.NodeOnline {
		n.FirstOffline = nil
	}
	n.Status = status
	n.StatusChangedAt = now
	s.nodes[id] = n
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func (s *Store) Heartbeat(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	n.LastHeartbeat = now
	if n.Status == model.NodeOnline {
		n.FirstOffline = nil
	}
	s.nodes[id] = n
	return nil
}

func (s *Store) GetNode(_ context.Context, id uuid.UUID) (model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return model.Node{}, fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	return n, nil
}

func (s *Store) ListNodesByStatus(_ context.Context, statuses ...model.NodeStatus) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[model.NodeStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []model.Node
	for _, n := range s.nodes {
		if len(want) == 0 || want[n.Status] {
			out = append(out, n)
		}
	}
	sortNodesByID(out)
	return out, nil
}

func (s *Store) ListAllNodes(ctx context.Context) ([]model.Node, error) {
	return s.ListNodesByStatus(ctx)
}

func (s *Store) SetReputationScore(_ context.Context, id uuid.UUID, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	n.ReputationScore = score
	s.nodes[id] = n
	return nil
}

func (s *Store) DeleteNode(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("%w: node %s", model.ErrNotFound, id)
	}
	delete(s.nodes, id)
	// Cascade: drop every location referencing this node (spec.md §6.4).
	for shardID, byNode := range s.locations {
		delete(byNode, id)
		if len(byNode) == 0 {
			delete(s.locations, shardID)
		}
	}
	return nil
}

func sortNodesByID(nodes []model.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID.String() < nodes[j].ID.String() })
}

// --- Bucket ---

func (s *Store) CreateBucket(_ context.Context, b model.Bucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[b.Name]; ok {
		return fmt.Errorf("%w: bucket %s", model.ErrAlreadyExists, b.Name)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	s.buckets[b.Name] = b
	return nil
}

func (s *Store) GetBucket(_ context.Context, name string) (model.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[name]
	if !ok {
		return model.Bucket{}, fmt.Errorf("%w: bucket %s", model.ErrNotFound, name)
	}
	return b, nil
}

func (s *Store) DeleteBucket(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return fmt.Errorf("%w: bucket %s", model.ErrNotFound, name)
	}
	for _, f := range s.files {
		if f.Bucket == name && f.Status != model.FileSoftDelete {
			return fmt.Errorf("%w: bucket %s is not empty", model.ErrPreconditionFailed, name)
		}
	}
	delete(s.buckets, name)
	return nil
}

// --- Object (File) ---

func (s *Store) CreateFile(_ context.Context, f model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketPathKey(f.Bucket, f.Path)
	if existingID, ok := s.filesByBucketPath[key]; ok {
		if existing, ok2 := s.files[existingID]; ok2 && existing.Status != model.FileSoftDelete {
			return fmt.Errorf("%w: %s/%s", model.ErrPreconditionFailed, f.Bucket, f.Path)
		}
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	s.files[f.ID] = f
	if f.Status != model.FileSoftDelete {
		s.filesByBucketPath[key] = f.ID
	}
	return nil
}

func (s *Store) GetFile(_ context.Context, id uuid.UUID) (model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[id]
	if !ok {
		return model.File{}, fmt.Errorf("%w: file %s", model.ErrNotFound, id)
	}
	return f, nil
}

func (s *Store) GetFileByPath(_ context.Context, bucket, path string) (model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.filesByBucketPath[bucketPathKey(bucket, path)]
	if !ok {
		return model.File{}, fmt.Errorf("%w: %s/%s", model.ErrNotFound, bucket, path)
	}
	f := s.files[id]
	if f.Status == model.FileSoftDelete {
		return model.File{}, fmt.Errorf("%w: %s/%s", model.ErrNotFound, bucket, path)
	}
	return f, nil
}

func (s *Store) ListByBucketPrefix(_ context.Context, bucket, prefix string, max int, continuation string) (metadata.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []model.File
	for _, f := range s.files {
		if f.Bucket != bucket || f.Status == model.FileSoftDelete {
			continue
		}
		if len(prefix) > 0 && !hasPrefix(f.Path, prefix) {
			continue
		}
		matches = append(matches, f)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Path < matches[j].Path })

	start := 0
	if continuation != "" {
		for i, f := range matches {
			if f.Path > continuation {
				start = i
				break
			}
			start = i + 1
		}
	}
	if max <= 0 {
		max = 1000
	}
	end := start + max
	if end > len(matches) {
		end = len(matches)
	}
	if start > len(matches) {
		start = len(matches)
	}
	page := matches[start:end]

	var next string
	if end < len(matches) {
		next = page[len(page)-1].Path
	}
	return metadata.Page{Files: page, NextToken: next}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Store) SoftDeleteFile(_ context.Context, id uuid.UUID, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("%w: file %s", model.ErrNotFound, id)
	}
	f.Status = model.FileSoftDelete
	f.DeletedAt = &when
	s.files[id] = f
	delete(s.filesByBucketPath, bucketPathKey(f.Bucket, f.Path))
	return nil
}

func (s *Store) SetFileStatus(_ context.Context, id uuid.UUID, status model.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return fmt.Errorf("%w: file %s", model.ErrNotFound, id)
	}
	f.Status = status
	s.files[id] = f
	return nil
}

func (s *Store) ListPendingOlderThan(_ context.Context, age time.Duration, now time.Time) ([]model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.File
	for _, f := range s.files {
		if f.Status == model.FilePending && now.Sub(f.CreatedAt) >= age {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Chunk / Shard ---

func (s *Store) RegisterShard(_ context.Context, sh model.Shard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.shards[sh.ID]; !exists {
		s.shardsByFile[sh.FileID] = append(s.shardsByFile[sh.FileID], sh.ID)
	}
	s.shards[sh.ID] = sh
	return nil
}

func (s *Store) AddLocation(_ context.Context, shardID string, nodeID uuid.UUID, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.locations[shardID]
	if !ok {
		byNode = make(map[uuid.UUID]model.ShardLocation)
		s.locations[shardID] = byNode
	}
	byNode[nodeID] = model.ShardLocation{
		ShardID:      shardID,
		NodeID:       nodeID,
		Status:       model.LocationStored,
		LastVerified: when,
	}
	return nil
}

func (s *Store) SetLocationStatus(_ context.Context, shardID string, nodeID uuid.UUID, status model.ShardLocationStatus, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.locations[shardID]
	if !ok {
		return fmt.Errorf("%w: location %s/%s", model.ErrNotFound, shardID, nodeID)
	}
	loc, ok := byNode[nodeID]
	if !ok {
		return fmt.Errorf("%w: location %s/%s", model.ErrNotFound, shardID, nodeID)
	}
	loc.Status = status
	loc.LastVerified = when
	if status == model.LocationFailed {
		loc.ConsecutiveFailures++
	} else {
		loc.ConsecutiveFailures = 0
	}
	byNode[nodeID] = loc
	return nil
}

func (s *Store) RemoveLocation(_ context.Context, shardID string, nodeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.locations[shardID]
	if !ok {
		return nil
	}
	delete(byNode, nodeID)
	if len(byNode) == 0 {
		delete(s.locations, shardID)
	}
	return nil
}

func (s *Store) ListShardsForFile(_ context.Context, fileID uuid.UUID) ([]metadata.ShardWithLocations, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.shardsByFile[fileID]
	out := make([]metadata.ShardWithLocations, 0, len(ids))
	for _, id := range ids {
		sh := s.shards[id]
		var locs []model.ShardLocation
		for _, loc := range s.locations[id] {
			locs = append(locs, loc)
		}
		sort.Slice(locs, func(i, j int) bool { return locs[i].NodeID.String() < locs[j].NodeID.String() })
		out = append(out, metadata.ShardWithLocations{Shard: sh, Locations: locs})
	}
	return out, nil
}

func (s *Store) CountShardsForFile(_ context.Context, fileID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shardsByFile[fileID]), nil
}

// ListUnderReplicated scans every registered shard, groups by (file, chunk),
// and reports chunks where some shard index has no healthy location. A
// location is healthy when its node is Online or Recovering and its status
// is not Failed, per spec.md §3's ShardLocation invariant.
func (s *Store) ListUnderReplicated(_ context.Context, limit int) ([]metadata.ChunkHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		file  uuid.UUID
		chunk int
	}
	byChunk := map[key]map[int]bool{} // present shard indices
	kmByChunk := map[key][2]int{}
	for _, sh := range s.shards {
		k := key{sh.FileID, sh.ChunkIndex}
		if byChunk[k] == nil {
			byChunk[k] = map[int]bool{}
		}
		if s.shardHealthy(sh.ID) {
			byChunk[k][sh.ShardIndex] = true
		}
	}
	// Derive k/m from the file row (chunk-agnostic: same for every chunk of
	// a file).
	for k := range byChunk {
		if f, ok := s.files[k.file]; ok {
			kmByChunk[k] = [2]int{f.K, f.M}
		}
	}

	var out []metadata.ChunkHealth
	for k, present := range byChunk {
		km := kmByChunk[k]
		kk, mm := km[0], km[1]
		n := kk + mm
		if n == 0 {
			continue
		}
		if len(present) >= n {
			continue
		}
		ch := metadata.ChunkHealth{FileID: k.file, ChunkIndex: k.chunk, K: kk, M: mm}
		for i := 0; i < n; i++ {
			if present[i] {
				ch.PresentShardIndices = append(ch.PresentShardIndices, i)
			} else {
				ch.MissingShardIndices = append(ch.MissingShardIndices, i)
			}
		}
		if f, ok := s.files[k.file]; ok {
			ch.FileCreatedAt = f.CreatedAt
		}
		out = append(out, ch)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// shardHealthy reports whether at least one of shardID's locations is on a
// node in {Online, Recovering} and not itself Failed. Caller must hold s.mu.
func (s *Store) shardHealthy(shardID string) bool {
	for nodeID, loc := range s.locations[shardID] {
		if loc.Status == model.LocationFailed {
			continue
		}
		n, ok := s.nodes[nodeID]
		if !ok || !n.Status.Eligible() {
			continue
		}
		return true
	}
	return false
}

// --- Epoch ---

func (s *Store) CreateNextEpoch(_ context.Context, start time.Time, duration time.Duration) (model.Epoch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.currentEpoch + 1
	e := model.Epoch{
		Number: next,
		Start:  start,
		End:    start.Add(duration),
	}
	s.epochs[next] = e
	s.currentEpoch = next
	s.uptimes[next] = make(map[uuid.UUID]model.NodeEpochUptime)
	return e, nil
}

func (s *Store) GetCurrentEpoch(_ context.Context) (model.Epoch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentEpoch == 0 {
		return model.Epoch{}, false, nil
	}
	e, ok := s.epochs[s.currentEpoch]
	if !ok || e.Finalized {
		return model.Epoch{}, false, nil
	}
	return e, true, nil
}

func (s *Store) FinalizeEpoch(_ context.Context, number uint64, end time.Time, settlementRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.epochs[number]
	if !ok {
		return fmt.Errorf("%w: epoch %d", model.ErrNotFound, number)
	}
	e.Finalized = true
	e.End = end
	e.SettlementRef = settlementRef
	s.epochs[number] = e
	return nil
}

func (s *Store) UpsertNodeEpochUptime(_ context.Context, u model.NodeEpochUptime) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.uptimes[u.EpochNumber]
	if !ok {
		byNode = make(map[uuid.UUID]model.NodeEpochUptime)
		s.uptimes[u.EpochNumber] = byNode
	}
	byNode[u.NodeID] = u
	return nil
}

func (s *Store) ListNodeEpochUptimes(_ context.Context, epochNumber uint64) ([]model.NodeEpochUptime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byNode := s.uptimes[epochNumber]
	out := make([]model.NodeEpochUptime, 0, len(byNode))
	for _, u := range byNode {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID.String() < out[j].NodeID.String() })
	return out, nil
}

func (s *Store) MarkPaymentAllocated(_ context.Context, nodeID uuid.UUID, epochNumber uint64, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode, ok := s.uptimes[epochNumber]
	if !ok {
		return fmt.Errorf("%w: epoch %d", model.ErrNotFound, epochNumber)
	}
	u, ok := byNode[nodeID]
	if !ok {
		return fmt.Errorf("%w: uptime row %s/%d", model.ErrNotFound, nodeID, epochNumber)
	}
	u.PaymentAllocated = true
	u.AllocatedAmount = amount
	byNode[nodeID] = u
	return nil
}
