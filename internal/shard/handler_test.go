package shard_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/digest"
	"github.com/dreamware/durance/internal/shard"
	"github.com/dreamware/durance/internal/storage"
)

func newTestHandler() (*shard.Handler, *shard.Unit) {
	u := shard.NewUnit(storage.NewMemoryStore())
	return shard.NewHandler(u, zerolog.Nop()), u
}

func TestHandlerStoreThenGet(t *testing.T) {
	h, _ := newTestHandler()
	data := []byte("hello shard")
	id := digest.ShardID(data)

	body, _ := json.Marshal(shard.StoreRequest{ShardID: id, Data: data})
	req := httptest.NewRequest(http.MethodPut, "/shards/"+id, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var storeResp shard.StoreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &storeResp))
	require.True(t, storeResp.Success)

	getReq := httptest.NewRequest(http.MethodGet, "/shards/"+id, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var getResp shard.GetResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &getResp))
	require.True(t, getResp.Found)
	require.Equal(t, data, getResp.Data)
}

func TestHandlerStoreRejectsDigestMismatch(t *testing.T) {
	h, _ := newTestHandler()
	body, _ := json.Marshal(shard.StoreRequest{ShardID: "bogus", Data: []byte("x")})
	req := httptest.NewRequest(http.MethodPut, "/shards/bogus", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerGetMissingReturnsFoundFalse(t *testing.T) {
	h, _ := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/shards/absent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp shard.GetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Found)
}

func TestHandlerVerify(t *testing.T) {
	h, u := newTestHandler()
	data := []byte("verify me")
	id := digest.ShardID(data)
	require.NoError(t, u.Put(id, data))

	req := httptest.NewRequest(http.MethodGet, "/shards/"+id+"/verify", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp shard.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Valid)
	require.EqualValues(t, len(data), resp.Size)
}

func TestHandlerDelete(t *testing.T) {
	h, u := newTestHandler()
	data := []byte("bye")
	id := digest.ShardID(data)
	require.NoError(t, u.Put(id, data))

	req := httptest.NewRequest(http.MethodDelete, "/shards/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp shard.DeleteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Deleted)
}

func TestHandlerStream(t *testing.T) {
	h, u := newTestHandler()
	a, b := []byte("aaa"), []byte("bbb")
	idA, idB := digest.ShardID(a), digest.ShardID(b)
	require.NoError(t, u.Put(idA, a))
	require.NoError(t, u.Put(idB, b))

	body, _ := json.Marshal([]string{idA, idB, "missing"})
	req := httptest.NewRequest(http.MethodPost, "/shards/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	dec := json.NewDecoder(rec.Body)
	var chunks []shard.StreamChunk
	for dec.More() {
		var c shard.StreamChunk
		require.NoError(t, dec.Decode(&c))
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
}
