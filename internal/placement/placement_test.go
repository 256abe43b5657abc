package placement_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/placement"
)

func node(dc, rack string, util float64) model.Node {
	return model.Node{
		ID:            uuid.New(),
		Status:        model.NodeOnline,
		CapacityBytes: 100,
		UsedBytes:     int64(util * 100),
		Topology:      model.TopologyLabels{Datacenter: dc, Rack: rack},
		BandwidthMbps: 100,
	}
}

func TestPlaceRespectsDiversityCaps(t *testing.T) {
	var candidates []model.Node
	for i := 0; i < 20; i++ {
		candidates = append(candidates, node("dc-a", "rack-1", 0.1))
	}

	eng := placement.Engine{}
	opts := placement.DefaultOptions()
	opts.MinAvailable = 0
	opts.MaxShardsPerDC = 6
	opts.MaxShardsPerRack = 2

	result := eng.Place(candidates, 14, opts)

	dcCount := map[string]int{}
	rackCount := map[string]int{}
	for _, targets := range result {
		for _, n := range targets {
			dcCount[n.Topology.Datacenter]++
			rackCount[n.Topology.Rack]++
		}
	}
	require.LessOrEqual(t, dcCount["dc-a"], opts.MaxShardsPerDC)
	require.LessOrEqual(t, rackCount["rack-1"], opts.MaxShardsPerRack)
}

func TestPlaceDeterministicTieBreak(t *testing.T) {
	var candidates []model.Node
	for i := 0; i < 5; i++ {
		candidates = append(candidates, node("dc-a", "rack-1", 0.1))
	}
	eng := placement.Engine{}
	opts := placement.DefaultOptions()
	opts.MinAvailable = 0

	r1 := eng.Place(candidates, 1, opts)
	r2 := eng.Place(candidates, 1, opts)
	require.Equal(t, r1[0][0].ID, r2[0][0].ID)
}

func TestPlaceFiltersLowAvailability(t *testing.T) {
	full := node("dc-a", "rack-1", 0.999999)
	spare := node("dc-b", "rack-2", 0.1)
	eng := placement.Engine{}
	opts := placement.DefaultOptions()
	opts.MinAvailable = 50

	result := eng.Place([]model.Node{full, spare}, 1, opts)
	require.Len(t, result[0], 1)
	require.Equal(t, spare.ID, result[0][0].ID)
}

func TestPlaceReturnsFewerThanRequestedWhenStarved(t *testing.T) {
	candidates := []model.Node{node("dc-a", "rack-1", 0.1)}
	eng := placement.Engine{}
	opts := placement.DefaultOptions()
	opts.MinAvailable = 0
	opts.ReplicasPerShard = 3

	result := eng.Place(candidates, 1, opts)
	require.Len(t, result[0], 1) // only one candidate existed
}

func TestSuggestRebalance(t *testing.T) {
	hot := node("dc-a", "rack-1", 0.9)
	cold := node("dc-b", "rack-1", 0.1)
	eng := placement.Engine{}

	suggestions := eng.SuggestRebalance([]model.Node{hot, cold}, 0.5)
	require.Len(t, suggestions, 1)
	require.Equal(t, hot.ID, suggestions[0].Source.ID)
	require.Equal(t, cold.ID, suggestions[0].Target.ID)
}

func TestSuggestRebalanceSkipsSameDC(t *testing.T) {
	hot := node("dc-a", "rack-1", 0.9)
	cold := node("dc-a", "rack-2", 0.1)
	eng := placement.Engine{}

	suggestions := eng.SuggestRebalance([]model.Node{hot, cold}, 0.5)
	require.Empty(t, suggestions)
}

// TestPlaceGivesEveryShardIndexAPrimaryDespiteFallbackWidth reproduces the
// erasure-coding write path's call shape: many shard indices, each asking
// for more than one target (primary plus fallbacks). Earlier, a shared pool
// drained by ReplicasPerShard picks per index starved later indices
// entirely; every index must get at least one target as long as enough
// distinct nodes exist.
func TestPlaceGivesEveryShardIndexAPrimaryDespiteFallbackWidth(t *testing.T) {
	var candidates []model.Node
	for i := 0; i < 14; i++ {
		dc := "dc-a"
		if i%2 == 0 {
			dc = "dc-b"
		}
		candidates = append(candidates, node(dc, "rack-"+string(rune('a'+i%4)), 0.1))
	}

	eng := placement.Engine{}
	opts := placement.DefaultOptions()
	opts.MinAvailable = 0
	opts.MaxShardsPerDC = 7
	opts.MaxShardsPerRack = 4
	opts.ReplicasPerShard = 3

	result := eng.Place(candidates, 14, opts)
	require.Len(t, result, 14)

	seen := map[uuid.UUID]bool{}
	for idx, targets := range result {
		require.NotEmptyf(t, targets, "shard index %d got no target", idx)
		seen[targets[0].ID] = true
	}
	require.Len(t, seen, 14, "every shard index should commit a distinct primary node")
}
