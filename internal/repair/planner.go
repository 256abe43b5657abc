package repair

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/placement"
)

// FileStore is the subset of metadata.Store the planner needs.
type FileStore interface {
	GetFile(ctx context.Context, id uuid.UUID) (model.File, error)
	ListShardsForFile(ctx context.Context, fileID uuid.UUID) ([]metadata.ShardWithLocations, error)
}

// PlannerOptions bounds the size of one planning round, per spec.md §4.9's
// max_tasks_per_plan / max_bytes_per_plan knobs.
type PlannerOptions struct {
	MaxTasksPerPlan int
	MaxBytesPerPlan int64
	PreferLocal     bool
}

func DefaultPlannerOptions() PlannerOptions {
	return PlannerOptions{MaxTasksPerPlan: 100, MaxBytesPerPlan: 10 << 30, PreferLocal: true}
}

// Planner turns issues into concrete repair tasks: pick a healthy holder as
// source, pick fresh targets via the placement engine, and track pending
// load across the round so one node isn't assigned every repair at once.
type Planner struct {
	store  FileStore
	placer placement.Engine
	opts   PlannerOptions
	log    zerolog.Logger
}

func NewPlanner(store FileStore, opts PlannerOptions, log zerolog.Logger) *Planner {
	def := DefaultPlannerOptions()
	if opts.MaxTasksPerPlan <= 0 {
		opts.MaxTasksPerPlan = def.MaxTasksPerPlan
	}
	if opts.MaxBytesPerPlan <= 0 {
		opts.MaxBytesPerPlan = def.MaxBytesPerPlan
	}
	return &Planner{store: store, opts: opts, log: log.With().Str("component", "repair.planner").Logger()}
}

// Plan implements spec.md §4.9's planning stage.
func (p *Planner) Plan(ctx context.Context, issues []Issue, healthy []model.Node) ([]model.RepairTask, error) {
	byID := make(map[uuid.UUID]model.Node, len(healthy))
	for _, n := range healthy {
		byID[n.ID] = n
	}

	pendingLoad := map[uuid.UUID]int64{}
	var tasks []model.RepairTask
	var bytesPlanned int64

	for _, issue := range issues {
		if len(tasks) >= p.opts.MaxTasksPerPlan || bytesPlanned >= p.opts.MaxBytesPerPlan {
			break
		}

		need := issue.Target - issue.Current
		if need <= 0 {
			continue
		}

		file, err := p.store.GetFile(ctx, issue.FileID)
		if err != nil {
			p.log.Warn().Err(err).Str("file_id", issue.FileID.String()).Msg("repair: file vanished during planning, skipping issue")
			continue
		}
		rows, err := p.store.ListShardsForFile(ctx, issue.FileID)
		if err != nil {
			return tasks, err
		}

		holderIDs, holding := presentHolders(rows, issue.ChunkIndex)
		source := pickSource(holderIDs, byID, pendingLoad)
		if source == uuid.Nil {
			// No healthy node currently holds a present shard of this chunk;
			// nothing to source a repair from until the next scan.
			continue
		}

		chunkSize := logicalChunkSize(file, issue.ChunkIndex)
		candidates := eligibleTargets(healthy, holding)

		placed := p.placer.Place(candidates, 1, placement.Options{
			Origin:           originOf(source, byID, p.opts.PreferLocal),
			MinAvailable:     chunkSize,
			MaxShardsPerDC:   placement.DefaultOptions().MaxShardsPerDC,
			MaxShardsPerRack: placement.DefaultOptions().MaxShardsPerRack,
			ReplicasPerShard: need,
			Weights:          placement.DefaultWeights(),
		})

		var targets []uuid.UUID
		if len(placed) > 0 {
			for _, n := range placed[0] {
				targets = append(targets, n.ID)
				pendingLoad[n.ID] += chunkSize
			}
		}
		if len(targets) == 0 {
			continue
		}
		pendingLoad[source] += chunkSize

		tasks = append(tasks, model.RepairTask{
			ID:         uuid.New(),
			FileID:     issue.FileID,
			ChunkIndex: issue.ChunkIndex,
			Source:     source,
			Targets:    targets,
			Priority:   issue.Priority,
			Issue:      issue.Class,
			ChunkSize:  chunkSize,
			State:      model.TaskPending,
		})
		bytesPlanned += chunkSize * int64(len(targets))
	}

	return tasks, nil
}

func presentHolders(rows []metadata.ShardWithLocations, chunkIndex int) ([]uuid.UUID, map[uuid.UUID]bool) {
	set := map[uuid.UUID]bool{}
	var ids []uuid.UUID
	for _, row := range rows {
		if row.Shard.ChunkIndex != chunkIndex {
			continue
		}
		for _, loc := range row.Locations {
			if loc.Status == model.LocationFailed {
				continue
			}
			if !set[loc.NodeID] {
				set[loc.NodeID] = true
				ids = append(ids, loc.NodeID)
			}
		}
	}
	return ids, set
}

func pickSource(holderIDs []uuid.UUID, byID map[uuid.UUID]model.Node, pendingLoad map[uuid.UUID]int64) uuid.UUID {
	var best uuid.UUID
	bestLoad := int64(-1)
	for _, id := range holderIDs {
		if _, ok := byID[id]; !ok {
			continue
		}
		load := pendingLoad[id]
		if bestLoad == -1 || load < bestLoad {
			bestLoad, best = load, id
		}
	}
	return best
}

func eligibleTargets(healthy []model.Node, holding map[uuid.UUID]bool) []model.Node {
	out := make([]model.Node, 0, len(healthy))
	for _, n := range healthy {
		if holding[n.ID] {
			continue
		}
		out = append(out, n)
	}
	return out
}

func originOf(source uuid.UUID, byID map[uuid.UUID]model.Node, preferLocal bool) *model.Node {
	if !preferLocal {
		return nil
	}
	if n, ok := byID[source]; ok {
		return &n
	}
	return nil
}

func logicalChunkSize(file model.File, chunkIndex int) int64 {
	if chunkIndex == file.ChunkCount-1 {
		return file.Size - int64(chunkIndex)*file.ChunkSize
	}
	return file.ChunkSize
}
