package readpath_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/digest"
	"github.com/dreamware/durance/internal/erasure"
	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/model"
	"github.com/dreamware/durance/internal/readpath"
)

type fakeStore struct {
	file  model.File
	shards []metadata.ShardWithLocations
}

func (f *fakeStore) GetFileByPath(_ context.Context, bucket, path string) (model.File, error) {
	if bucket != f.file.Bucket || path != f.file.Path {
		return model.File{}, model.ErrNotFound
	}
	return f.file, nil
}

func (f *fakeStore) ListShardsForFile(_ context.Context, _ uuid.UUID) ([]metadata.ShardWithLocations, error) {
	return f.shards, nil
}

type fakeFetcher struct {
	data map[string][]byte
}

func (f *fakeFetcher) Get(_ context.Context, _ string, shardID string) ([]byte, error) {
	d, ok := f.data[shardID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return d, nil
}

type fakeAddresser struct {
	addrs map[uuid.UUID]string
}

func (f *fakeAddresser) Address(nodeID uuid.UUID) (string, bool) {
	a, ok := f.addrs[nodeID]
	return a, ok
}

func buildFixture(t *testing.T, objectBytes []byte) (*fakeStore, *fakeFetcher, *fakeAddresser, model.File) {
	t.Helper()
	codec := erasure.Codec{K: 2, M: 1}
	shards, err := codec.Encode(objectBytes)
	require.NoError(t, err)

	fileID := uuid.New()
	file := model.File{
		ID: fileID, Bucket: "b", Path: "p", Status: model.FileComplete,
		Size: int64(len(objectBytes)), ChunkSize: 1 << 20, ChunkCount: 1, K: 2, M: 1,
	}

	data := map[string][]byte{}
	addrs := map[uuid.UUID]string{}
	var rows []metadata.ShardWithLocations
	for i, s := range shards {
		id := digest.ShardID(s)
		data[id] = s
		nodeID := uuid.New()
		addrs[nodeID] = "node-" + id[:6] + ":9000"
		rows = append(rows, metadata.ShardWithLocations{
			Shard:     model.Shard{ID: id, FileID: fileID, ChunkIndex: 0, ShardIndex: i, IsParity: i >= 2, BytesLength: int64(len(s))},
			Locations: []model.ShardLocation{{ShardID: id, NodeID: nodeID, Status: model.LocationStored}},
		})
	}

	return &fakeStore{file: file, shards: rows}, &fakeFetcher{data: data}, &fakeAddresser{addrs: addrs}, file
}

func TestReaderGetReconstructsFromAllShardsPresent(t *testing.T) {
	object := []byte("the quick brown fox jumps over the lazy dog")
	store, fetcher, addresser, _ := buildFixture(t, object)

	r := readpath.NewReader(store, fetcher, addresser, readpath.DefaultOptions(), zerolog.Nop())
	got, err := r.Get(context.Background(), "b", "p", nil, nil)
	require.NoError(t, err)
	require.Equal(t, object, got)
}

func TestReaderGetReconstructsFromExactlyKShards(t *testing.T) {
	object := []byte("the quick brown fox jumps over the lazy dog")
	store, fetcher, addresser, _ := buildFixture(t, object)

	// Drop one shard's data so only k=2 of n=3 are fetchable.
	for id := range fetcher.data {
		delete(fetcher.data, id)
		break
	}

	r := readpath.NewReader(store, fetcher, addresser, readpath.DefaultOptions(), zerolog.Nop())
	got, err := r.Get(context.Background(), "b", "p", nil, nil)
	require.NoError(t, err)
	require.Equal(t, object, got)
}

func TestReaderGetFailsBelowKShards(t *testing.T) {
	object := []byte("the quick brown fox jumps over the lazy dog")
	store, fetcher, addresser, _ := buildFixture(t, object)

	dropped := 0
	for id := range fetcher.data {
		delete(fetcher.data, id)
		dropped++
		if dropped == 2 {
			break
		}
	}

	r := readpath.NewReader(store, fetcher, addresser, readpath.DefaultOptions(), zerolog.Nop())
	_, err := r.Get(context.Background(), "b", "p", nil, nil)
	require.ErrorIs(t, err, model.ErrInsufficientReplicas)
}

func TestReaderGetAppliesByteRange(t *testing.T) {
	object := []byte("0123456789")
	store, fetcher, addresser, _ := buildFixture(t, object)

	r := readpath.NewReader(store, fetcher, addresser, readpath.DefaultOptions(), zerolog.Nop())
	got, err := r.Get(context.Background(), "b", "p", &readpath.ByteRange{Start: 2, End: 4}, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("234"), got)
}

func TestReaderGetDetectsHashMismatch(t *testing.T) {
	object := []byte("0123456789")
	store, fetcher, addresser, _ := buildFixture(t, object)

	r := readpath.NewReader(store, fetcher, addresser, readpath.DefaultOptions(), zerolog.Nop())
	badHash := make([]byte, digest.Size)
	_, err := r.Get(context.Background(), "b", "p", nil, badHash)
	require.ErrorIs(t, err, model.ErrPreconditionFailed)
}
