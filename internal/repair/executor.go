package repair

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/durance/internal/digest"
	"github.com/dreamware/durance/internal/erasure"
	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/model"
)

var tasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "durance_repair_tasks_total",
	Help: "Repair tasks by terminal outcome.",
}, []string{"outcome"})

func init() { prometheus.MustRegister(tasksTotal) }

// ExecStore is the subset of metadata.Store the executor needs.
type ExecStore interface {
	GetFile(ctx context.Context, id uuid.UUID) (model.File, error)
	ListShardsForFile(ctx context.Context, fileID uuid.UUID) ([]metadata.ShardWithLocations, error)
	RegisterShard(ctx context.Context, s model.Shard) error
	AddLocation(ctx context.Context, shardID string, nodeID uuid.UUID, when time.Time) error
	GetNode(ctx context.Context, id uuid.UUID) (model.Node, error)
}

// ShardClient is the subset of transport.Client the executor needs.
type ShardClient interface {
	Get(ctx context.Context, address, shardID string) ([]byte, error)
	Put(ctx context.Context, address, shardID string, data []byte) error
}

// NodeDirectory resolves a node id to its transport address.
type NodeDirectory interface {
	Address(nodeID uuid.UUID) (string, bool)
}

// ExecutorOptions bounds concurrency and retry behavior, per spec.md §5's
// resource model for the repair pipeline.
type ExecutorOptions struct {
	MaxConcurrent   int
	MaxPerSource    int
	MaxPerTarget    int
	MaxRetries      int
	RetryDelay      time.Duration
	TransferTimeout time.Duration
}

func DefaultExecutorOptions() ExecutorOptions {
	return ExecutorOptions{
		MaxConcurrent: 10, MaxPerSource: 3, MaxPerTarget: 3,
		MaxRetries: 3, RetryDelay: 200 * time.Millisecond, TransferTimeout: 5 * time.Minute,
	}
}

// Executor drives the actual shard transfers for a batch of repair tasks.
// Since shards are erasure-coded, repairing any single missing shard
// requires reconstructing the whole chunk from the k shards that are still
// present, then re-deriving the missing ones and pushing only those.
type Executor struct {
	store  ExecStore
	client ShardClient
	dir    NodeDirectory
	opts   ExecutorOptions

	global *semaphore.Weighted

	mu        sync.Mutex
	perSource map[uuid.UUID]*semaphore.Weighted
	perTarget map[uuid.UUID]*semaphore.Weighted

	log zerolog.Logger
}

func NewExecutor(store ExecStore, client ShardClient, dir NodeDirectory, opts ExecutorOptions, log zerolog.Logger) *Executor {
	def := DefaultExecutorOptions()
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxPerSource <= 0 {
		opts.MaxPerSource = def.MaxPerSource
	}
	if opts.MaxPerTarget <= 0 {
		opts.MaxPerTarget = def.MaxPerTarget
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = def.TransferTimeout
	}
	return &Executor{
		store: store, client: client, dir: dir, opts: opts,
		global:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		perSource: map[uuid.UUID]*semaphore.Weighted{},
		perTarget: map[uuid.UUID]*semaphore.Weighted{},
		log:       log.With().Str("component", "repair.executor").Logger(),
	}
}

func (e *Executor) sourceSem(id uuid.UUID) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.perSource[id]
	if !ok {
		s = semaphore.NewWeighted(int64(e.opts.MaxPerSource))
		e.perSource[id] = s
	}
	return s
}

func (e *Executor) targetSem(id uuid.UUID) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.perTarget[id]
	if !ok {
		s = semaphore.NewWeighted(int64(e.opts.MaxPerTarget))
		e.perTarget[id] = s
	}
	return s
}

// Run executes every task, each bounded by the shared global/source/target
// semaphores; callers wanting cross-batch parallelism can call Run
// concurrently from multiple goroutines since the semaphores are shared on
// the Executor itself.
func (e *Executor) Run(ctx context.Context, tasks []model.RepairTask) ([]TaskResult, error) {
	results := make([]TaskResult, len(tasks))
	for i, t := range tasks {
		results[i] = e.runTask(ctx, t)
	}
	return results, nil
}

func (e *Executor) runTask(ctx context.Context, task model.RepairTask) TaskResult {
	if err := e.global.Acquire(ctx, 1); err != nil {
		return TaskResult{TaskID: task.ID, State: model.TaskFailed, Err: err}
	}
	defer e.global.Release(1)

	srcSem := e.sourceSem(task.Source)
	if err := srcSem.Acquire(ctx, 1); err != nil {
		return TaskResult{TaskID: task.ID, State: model.TaskFailed, Err: err}
	}
	defer srcSem.Release(1)

	remaining := append([]uuid.UUID(nil), task.Targets...)
	var succeeded []uuid.UUID
	var lastErr error

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.opts.RetryDelay), uint64(e.opts.MaxRetries))
	for {
		tctx, cancel := context.WithTimeout(ctx, e.opts.TransferTimeout)
		ok, failed, err := e.transfer(tctx, task, remaining)
		cancel()

		succeeded = append(succeeded, ok...)
		remaining = failed
		lastErr = err

		if len(remaining) == 0 {
			break
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			tasksTotal.WithLabelValues("failed").Inc()
			return TaskResult{TaskID: task.ID, Succeeded: succeeded, Failed: remaining, State: model.TaskFailed, Err: ctx.Err()}
		}
	}

	if len(remaining) == 0 {
		tasksTotal.WithLabelValues("completed").Inc()
		return TaskResult{TaskID: task.ID, Succeeded: succeeded, State: model.TaskCompleted}
	}

	tasksTotal.WithLabelValues("failed").Inc()
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %d targets still failing after retries", model.ErrTransportFailure, len(remaining))
	}
	return TaskResult{TaskID: task.ID, Succeeded: succeeded, Failed: remaining, State: model.TaskFailed, Err: lastErr}
}

// transfer reconstructs the chunk from whatever shards are currently
// reachable and pushes the shards still missing to targets, one each.
func (e *Executor) transfer(ctx context.Context, task model.RepairTask, targets []uuid.UUID) ([]uuid.UUID, []uuid.UUID, error) {
	if len(targets) == 0 {
		return nil, nil, nil
	}

	file, err := e.store.GetFile(ctx, task.FileID)
	if err != nil {
		return nil, targets, err
	}
	rows, err := e.store.ListShardsForFile(ctx, task.FileID)
	if err != nil {
		return nil, targets, err
	}

	codec := erasure.Codec{K: file.K, M: file.M}
	n := codec.N()
	buf := make([][]byte, n)
	digests := make([]string, n)
	present := 0

	for _, row := range rows {
		if row.Shard.ChunkIndex != task.ChunkIndex {
			continue
		}
		digests[row.Shard.ShardIndex] = row.Shard.ID
		if data, ok := e.fetchFirstHealthy(ctx, row); ok {
			buf[row.Shard.ShardIndex] = data
			present++
		}
	}
	if present < codec.K {
		return nil, targets, fmt.Errorf("%w: chunk %d has only %d/%d shards reachable", model.ErrInsufficientReplicas, task.ChunkIndex, present, codec.K)
	}

	chunkBytes, err := codec.Decode(buf, task.ChunkSize, digests)
	if err != nil {
		return nil, targets, err
	}
	shards, err := codec.Encode(chunkBytes)
	if err != nil {
		return nil, targets, err
	}

	missing := e.missingShardIndices(ctx, rows, task.ChunkIndex, n)
	if len(missing) == 0 {
		// Already repaired by a concurrent round; nothing left to push.
		return targets, nil, nil
	}

	var mu sync.Mutex
	var succeeded, failed []uuid.UUID
	var wg sync.WaitGroup

	assign := len(targets)
	if assign > len(missing) {
		assign = len(missing)
	}
	for i := 0; i < assign; i++ {
		targetID, shardIdx := targets[i], missing[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.pushShard(ctx, task, shards[shardIdx], shardIdx, file, targetID) {
				mu.Lock()
				succeeded = append(succeeded, targetID)
				mu.Unlock()
				return
			}
			mu.Lock()
			failed = append(failed, targetID)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(targets) > len(missing) {
		// More targets were planned than shards are actually still missing;
		// the data is already durable, so treat the extras as satisfied.
		mu.Lock()
		succeeded = append(succeeded, targets[len(missing):]...)
		mu.Unlock()
	}

	return succeeded, failed, nil
}

func (e *Executor) pushShard(ctx context.Context, task model.RepairTask, shardBytes []byte, shardIdx int, file model.File, targetID uuid.UUID) bool {
	sem := e.targetSem(targetID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer sem.Release(1)

	addr, ok := e.dir.Address(targetID)
	if !ok {
		return false
	}
	shardID := digest.ShardID(shardBytes)
	if err := e.client.Put(ctx, addr, shardID, shardBytes); err != nil {
		e.log.Debug().Err(err).Str("target", addr).Str("shard_id", shardID).Msg("repair push failed")
		return false
	}
	if err := e.store.RegisterShard(ctx, model.Shard{
		ID: shardID, FileID: task.FileID, ChunkIndex: task.ChunkIndex,
		ShardIndex: shardIdx, IsParity: shardIdx >= file.K, BytesLength: int64(len(shardBytes)),
	}); err != nil {
		return false
	}
	if err := e.store.AddLocation(ctx, shardID, targetID, time.Now()); err != nil {
		return false
	}
	return true
}

func (e *Executor) fetchFirstHealthy(ctx context.Context, row metadata.ShardWithLocations) ([]byte, bool) {
	for _, loc := range row.Locations {
		if loc.Status == model.LocationFailed {
			continue
		}
		addr, ok := e.dir.Address(loc.NodeID)
		if !ok {
			continue
		}
		data, err := e.client.Get(ctx, addr, row.Shard.ID)
		if err != nil {
			continue
		}
		return data, true
	}
	return nil, false
}

// missingShardIndices reports which shard indices of chunkIndex still need
// regeneration. A location only counts as present when it is not itself
// Failed AND its owning node is Online or Recovering — the same predicate
// memory.Store.shardHealthy applies for the detector's scan — so an index whose only locations sit
// on an Offline (or deleted) node is still reported missing, even though the
// ShardLocation row itself was never marked Failed.
func (e *Executor) missingShardIndices(ctx context.Context, rows []metadata.ShardWithLocations, chunkIndex, n int) []int {
	present := make([]bool, n)
	for _, row := range rows {
		if row.Shard.ChunkIndex != chunkIndex {
			continue
		}
		for _, loc := range row.Locations {
			if loc.Status == model.LocationFailed {
				continue
			}
			node, err := e.store.GetNode(ctx, loc.NodeID)
			if err != nil || !node.Status.Eligible() {
				continue
			}
			present[row.Shard.ShardIndex] = true
			break
		}
	}
	var out []int
	for i, ok := range present {
		if !ok {
			out = append(out, i)
		}
	}
	return out
}
