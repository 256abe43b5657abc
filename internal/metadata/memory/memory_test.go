package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/metadata/memory"
	"github.com/dreamware/durance/internal/model"
)

func TestUpsertNodeIsIdempotentOnStatus(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	n := model.Node{ID: uuid.New(), Address: "10.0.0.1:9000", CapacityBytes: 100}
	require.NoError(t, s.UpsertNode(ctx, n))
	require.NoError(t, s.SetNodeStatus(ctx, n.ID, model.NodeOffline, time.Now()))

	n.Address = "10.0.0.2:9000"
	require.NoError(t, s.UpsertNode(ctx, n))

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:9000", got.Address)
	require.Equal(t, model.NodeOffline, got.Status) // untouched by re-registration
}

func TestDeleteNodeCascadesLocations(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	n := model.Node{ID: uuid.New(), CapacityBytes: 100}
	require.NoError(t, s.UpsertNode(ctx, n))

	fileID := uuid.New()
	require.NoError(t, s.RegisterShard(ctx, model.Shard{ID: "shard-1", FileID: fileID, ChunkIndex: 0, ShardIndex: 0}))
	require.NoError(t, s.AddLocation(ctx, "shard-1", n.ID, time.Now()))

	require.NoError(t, s.DeleteNode(ctx, n.ID))

	shards, err := s.ListShardsForFile(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, shards, 1)
	require.Empty(t, shards[0].Locations)
}

func TestCreateFileRejectsDuplicatePath(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	f := model.File{ID: uuid.New(), Bucket: "b", Path: "a.txt", CreatedAt: time.Now()}
	require.NoError(t, s.CreateFile(ctx, f))

	dup := model.File{ID: uuid.New(), Bucket: "b", Path: "a.txt"}
	err := s.CreateFile(ctx, dup)
	require.ErrorIs(t, err, model.ErrPreconditionFailed)
}

func TestCreateFileAllowsReusingPathAfterSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	f := model.File{ID: uuid.New(), Bucket: "b", Path: "a.txt", CreatedAt: time.Now()}
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.SoftDeleteFile(ctx, f.ID, time.Now()))

	replacement := model.File{ID: uuid.New(), Bucket: "b", Path: "a.txt", CreatedAt: time.Now()}
	require.NoError(t, s.CreateFile(ctx, replacement))

	got, err := s.GetFileByPath(ctx, "b", "a.txt")
	require.NoError(t, err)
	require.Equal(t, replacement.ID, got.ID)
}

func TestListByBucketPrefixPaginates(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	for i := 0; i < 5; i++ {
		f := model.File{ID: uuid.New(), Bucket: "b", Path: "dir/" + string(rune('a'+i)), CreatedAt: time.Now()}
		require.NoError(t, s.CreateFile(ctx, f))
	}

	page, err := s.ListByBucketPrefix(ctx, "b", "dir/", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Files, 2)
	require.NotEmpty(t, page.NextToken)

	page2, err := s.ListByBucketPrefix(ctx, "b", "dir/", 2, page.NextToken)
	require.NoError(t, err)
	require.Len(t, page2.Files, 2)
	require.NotEqual(t, page.Files[0].Path, page2.Files[0].Path)
}

func TestListUnderReplicatedFindsMissingShardIndex(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	online := model.Node{ID: uuid.New(), Status: model.NodeOnline, CapacityBytes: 100}
	require.NoError(t, s.UpsertNode(ctx, online))

	fileID := uuid.New()
	f := model.File{ID: fileID, Bucket: "b", Path: "f", K: 2, M: 1, CreatedAt: time.Now()}
	require.NoError(t, s.CreateFile(ctx, f))

	require.NoError(t, s.RegisterShard(ctx, model.Shard{ID: "s0", FileID: fileID, ChunkIndex: 0, ShardIndex: 0}))
	require.NoError(t, s.RegisterShard(ctx, model.Shard{ID: "s1", FileID: fileID, ChunkIndex: 0, ShardIndex: 1}))
	require.NoError(t, s.RegisterShard(ctx, model.Shard{ID: "s2", FileID: fileID, ChunkIndex: 0, ShardIndex: 2}))
	require.NoError(t, s.AddLocation(ctx, "s0", online.ID, time.Now()))
	require.NoError(t, s.AddLocation(ctx, "s1", online.ID, time.Now()))
	// shard index 2 (the parity shard) has no location: under-replicated.

	unhealthy, err := s.ListUnderReplicated(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unhealthy, 1)
	require.Equal(t, fileID, unhealthy[0].FileID)
	require.Equal(t, []int{2}, unhealthy[0].MissingShardIndices)
	require.Equal(t, 2, unhealthy[0].Current())
	require.Equal(t, 3, unhealthy[0].Target())
}

func TestEpochLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	_, ok, err := s.GetCurrentEpoch(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	e, err := s.CreateNextEpoch(ctx, time.Now(), 7*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, e.Number)

	cur, ok, err := s.GetCurrentEpoch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e.Number, cur.Number)

	nodeID := uuid.New()
	require.NoError(t, s.UpsertNodeEpochUptime(ctx, model.NodeEpochUptime{NodeID: nodeID, EpochNumber: e.Number, SecondsOnline: 100}))

	require.NoError(t, s.FinalizeEpoch(ctx, e.Number, time.Now(), "settlement-1"))
	_, ok, err = s.GetCurrentEpoch(ctx)
	require.NoError(t, err)
	require.False(t, ok) // finalized epochs are no longer "current"

	require.NoError(t, s.MarkPaymentAllocated(ctx, nodeID, e.Number, 500))
	uptimes, err := s.ListNodeEpochUptimes(ctx, e.Number)
	require.NoError(t, err)
	require.Len(t, uptimes, 1)
	require.True(t, uptimes[0].PaymentAllocated)
	require.EqualValues(t, 500, uptimes[0].AllocatedAmount)
}

func TestDeleteBucketRejectsNonEmpty(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.CreateBucket(ctx, model.Bucket{Name: "b"}))
	require.NoError(t, s.CreateFile(ctx, model.File{ID: uuid.New(), Bucket: "b", Path: "a"}))

	err := s.DeleteBucket(ctx, "b")
	require.ErrorIs(t, err, model.ErrPreconditionFailed)
}
