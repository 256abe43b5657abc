// Package placement implements the placement engine (C4): scoring candidate
// nodes for shard targets under topology-diversity and load constraints, and
// a separate rebalance-suggestion entry point.
//
// Grounded on the score-then-select-with-counters shape used by content
// distribution systems in the reference corpus (RocFang/hummingbird's
// objectserver/ecengine.go and aistore's DC/mountpath-aware target scoring),
// since consistent-hash shard assignment has no notion of topology
// diversity or per-rack/per-DC caps.
package placement

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/dreamware/durance/internal/model"
)

// Weights tunes the scoring function of spec.md §4.4. Defaults match the
// spec's base-100 scheme with unit weights on utilization and proximity.
type Weights struct {
	Utilization float64
	Proximity   float64
}

func DefaultWeights() Weights { return Weights{Utilization: 1, Proximity: 1} }

// Options configures one placement call.
type Options struct {
	Origin           *model.Node // optional, enables proximity bonus
	MinAvailable     int64       // filter threshold, default 1 GiB
	MaxShardsPerDC   int         // default 6
	MaxShardsPerRack int         // default 2
	ReplicasPerShard int         // default 1
	Weights          Weights
}

// DefaultOptions matches spec.md §4.4's defaults.
func DefaultOptions() Options {
	return Options{
		MinAvailable:     1 << 30,
		MaxShardsPerDC:   6,
		MaxShardsPerRack: 2,
		ReplicasPerShard: 1,
		Weights:          DefaultWeights(),
	}
}

// Engine places shards onto candidate nodes.
type Engine struct{}

// dcRackKey scopes rack diversity within a datacenter, since rack names are
// only unique per-DC in practice.
type dcRackKey struct{ dc, rack string }

// Place chooses, for each of numShards shard indices, an ordered list of
// target nodes (primary first, then fallbacks) from candidates. DC and rack
// placement counters are scoped to this single call, never persisted across
// calls, per spec.md §4.4.
//
// Placement runs in two phases. First, every shard index is committed
// exactly one primary node, drawn from a pool that shrinks as each pick is
// made — this is what guarantees numShards distinct nodes (to the extent
// candidates allow) rather than letting one shard index's appetite for
// ReplicasPerShard targets exhaust the pool before later indices get a
// look. Second, each shard index is given up to ReplicasPerShard-1
// additional fallback targets, scored against the full filtered candidate
// set (minus that shard's own primary) rather than the shrinking pool, since
// a fallback is only ever used if the primary PUT fails and so must not
// compete with other shard indices for the same primary-assignment pool.
//
// When fewer than n healthy candidates pass the filter and diversity caps,
// Place returns as many placements as the constraints permit for each shard
// (possibly fewer than ReplicasPerShard targets) rather than erroring — the
// write path is responsible for surfacing ErrInsufficientReplicas if that
// leaves fewer than k shards placeable per chunk.
func (Engine) Place(candidates []model.Node, numShards int, opts Options) [][]model.Node {
	if opts.MaxShardsPerDC <= 0 {
		opts.MaxShardsPerDC = 6
	}
	if opts.MaxShardsPerRack <= 0 {
		opts.MaxShardsPerRack = 2
	}
	if opts.ReplicasPerShard <= 0 {
		opts.ReplicasPerShard = 1
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}

	filtered := make([]model.Node, 0, len(candidates))
	for _, n := range candidates {
		if n.AvailableBytes() >= opts.MinAvailable {
			filtered = append(filtered, n)
		}
	}

	dcCounts := map[string]int{}
	rackCounts := map[dcRackKey]int{}
	result := make([][]model.Node, numShards)

	pool := filtered
	for shardIdx := 0; shardIdx < numShards; shardIdx++ {
		scored := scoreAll(pool, nil, nil, dcCounts, rackCounts, opts)
		pick := selectNext(scored, opts)
		if pick == nil {
			result[shardIdx] = nil
			continue
		}
		result[shardIdx] = []model.Node{*pick}
		dcCounts[pick.Topology.Datacenter]++
		rackCounts[dcRackKey{pick.Topology.Datacenter, pick.Topology.Rack}]++
		pool = removeNode(pool, pick.ID)
	}

	if opts.ReplicasPerShard > 1 {
		for shardIdx := 0; shardIdx < numShards; shardIdx++ {
			targets := result[shardIdx]
			if len(targets) == 0 {
				continue
			}
			placedDCsThisShard := map[string]bool{targets[0].Topology.Datacenter: true}
			localDC := cloneCounts(dcCounts)
			localRack := cloneRackCounts(rackCounts)

			for len(targets) < opts.ReplicasPerShard {
				scored := scoreAll(filtered, targets, placedDCsThisShard, localDC, localRack, opts)
				pick := selectNext(scored, opts)
				if pick == nil {
					break
				}
				targets = append(targets, *pick)
				placedDCsThisShard[pick.Topology.Datacenter] = true
				localDC[pick.Topology.Datacenter]++
				localRack[dcRackKey{pick.Topology.Datacenter, pick.Topology.Rack}]++
			}
			result[shardIdx] = targets
		}
	}

	return result
}

func cloneCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRackCounts(m map[dcRackKey]int) map[dcRackKey]int {
	out := make(map[dcRackKey]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type scoredNode struct {
	node  model.Node
	score float64
}

func scoreAll(candidates, alreadyPicked []model.Node, placedDCsThisShard map[string]bool, dcCounts map[string]int, rackCounts map[dcRackKey]int, opts Options) []scoredNode {
	pickedIDs := map[string]bool{}
	for _, p := range alreadyPicked {
		pickedIDs[p.ID.String()] = true
	}

	out := make([]scoredNode, 0, len(candidates))
	for _, n := range candidates {
		if pickedIDs[n.ID.String()] {
			continue
		}
		if dcCounts[n.Topology.Datacenter] >= opts.MaxShardsPerDC {
			continue
		}
		key := dcRackKey{n.Topology.Datacenter, n.Topology.Rack}
		if rackCounts[key] >= opts.MaxShardsPerRack {
			continue
		}
		out = append(out, scoredNode{node: n, score: score(n, dcCounts, rackCounts, opts)})
	}
	return out
}

func score(n model.Node, dcCounts map[string]int, rackCounts map[dcRackKey]int, opts Options) float64 {
	s := 100.0
	s += (1 - n.Utilization()) * 100 * opts.Weights.Utilization

	if opts.Origin != nil {
		d := haversineKm(opts.Origin.Topology.Lat, opts.Origin.Topology.Lon, n.Topology.Lat, n.Topology.Lon)
		norm := math.Min(d/20000.0, 1.0)
		s += (1 - norm) * 100 * opts.Weights.Proximity
	}

	if dcCounts[n.Topology.Datacenter] == 0 {
		s += 50
	} else {
		s -= 10 * float64(dcCounts[n.Topology.Datacenter])
	}

	key := dcRackKey{n.Topology.Datacenter, n.Topology.Rack}
	if rackCounts[key] == 0 {
		s += 25
	} else {
		s -= 5 * float64(rackCounts[key])
	}

	s += float64(n.BandwidthMbps) / 100.0
	return s
}

// selectNext picks the highest-scoring candidate, breaking ties
// deterministically by node-id so tests (and re-runs of the same placement
// input) are reproducible, per spec.md §4.4.
func selectNext(scored []scoredNode, opts Options) *model.Node {
	if len(scored) == 0 {
		return nil
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].node.ID.String() < scored[j].node.ID.String()
	})
	return &scored[0].node
}

func removeNode(nodes []model.Node, id uuid.UUID) []model.Node {
	out := nodes[:0:0]
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == 0 && lon1 == 0 {
		return 0
	}
	const earthRadiusKm = 6371.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// RebalanceSuggestion is a (source, target, priority) hint for moving data
// off an overutilized node onto an underutilized one in a different DC.
type RebalanceSuggestion struct {
	Source   model.Node
	Target   model.Node
	Priority float64
}

// SuggestRebalance implements the second entry point of spec.md §4.4: for
// every pair of nodes whose utilization straddles targetUtil by more than
// 0.1 in opposite directions, and whose datacenters differ, emit a
// suggestion prioritized by the utilization gap.
func (Engine) SuggestRebalance(nodes []model.Node, targetUtil float64) []RebalanceSuggestion {
	var out []RebalanceSuggestion
	for _, src := range nodes {
		if src.Utilization() <= targetUtil+0.1 {
			continue
		}
		for _, dst := range nodes {
			if src.ID == dst.ID {
				continue
			}
			if dst.Utilization() >= targetUtil-0.1 {
				continue
			}
			if src.Topology.Datacenter == dst.Topology.Datacenter {
				continue
			}
			out = append(out, RebalanceSuggestion{
				Source:   src,
				Target:   dst,
				Priority: (src.Utilization() - dst.Utilization()) * 100,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
