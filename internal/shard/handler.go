package shard

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/storage"
)

// StoreRequest is the body of spec.md §6.2's Store call.
type StoreRequest struct {
	ShardID  string          `json:"shard_id"`
	Data     []byte          `json:"data"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// StoreResponse is the reply to Store.
type StoreResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error_string,omitempty"`
}

// GetResponse is the reply to Get.
type GetResponse struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data,omitempty"`
}

// DeleteResponse is the reply to Delete.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// VerifyResponse is the reply to Verify.
type VerifyResponse struct {
	Valid bool  `json:"valid"`
	Size  int64 `json:"size"`
}

// StreamChunk is one element of the server-streamed reply to Stream,
// written as newline-delimited JSON.
type StreamChunk struct {
	ShardID string `json:"shard_id"`
	Data    []byte `json:"data"`
	Index   int    `json:"index"`
}

// Handler mounts the wire contract of spec.md §6.2 over HTTP+JSON on top of
// a Unit, using the conventional handleShardRequest path-parsing style:
// routes are distinguished by method and a trailing verb segment.
type Handler struct {
	unit *Unit
	log  zerolog.Logger
}

// NewHandler returns an http.Handler serving unit's shard operations.
func NewHandler(unit *Unit, log zerolog.Logger) *Handler {
	return &Handler{unit: unit, log: log.With().Str("component", "shard_handler").Logger()}
}

// ServeHTTP routes:
//
//	PUT    /shards/{id}        -> Store
//	GET    /shards/{id}        -> Get
//	DELETE /shards/{id}        -> Delete
//	GET    /shards/{id}/verify -> Verify
//	POST   /shards/stream      -> Stream
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/shards/")
	if path == "" {
		http.NotFound(w, r)
		return
	}
	if path == "stream" && r.Method == http.MethodPost {
		h.handleStream(w, r)
		return
	}

	id, verb, hasVerb := strings.Cut(path, "/")
	switch {
	case hasVerb && verb == "verify" && r.Method == http.MethodGet:
		h.handleVerify(w, id)
	case r.Method == http.MethodPut:
		h.handleStore(w, r)
	case r.Method == http.MethodGet:
		h.handleGet(w, id)
	case r.Method == http.MethodDelete:
		h.handleDelete(w, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, StoreResponse{Success: false, Error: err.Error()})
		return
	}

	if err := h.unit.Put(req.ShardID, req.Data); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, storage.ErrDigestMismatch) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, StoreResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StoreResponse{Success: true})
}

func (h *Handler) handleGet(w http.ResponseWriter, shardID string) {
	data, err := h.unit.Get(shardID)
	if errors.Is(err, storage.ErrShardNotFound) {
		writeJSON(w, http.StatusOK, GetResponse{Found: false})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, GetResponse{Found: true, Data: data})
}

func (h *Handler) handleDelete(w http.ResponseWriter, shardID string) {
	if err := h.unit.Delete(shardID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: true})
}

func (h *Handler) handleVerify(w http.ResponseWriter, shardID string) {
	valid, size := h.unit.Verify(shardID)
	writeJSON(w, http.StatusOK, VerifyResponse{Valid: valid, Size: size})
}

// handleStream writes newline-delimited StreamChunk JSON for each requested
// shard id found locally, skipping ones that are absent (the caller already
// knows placement, this is a bulk fetch, not an existence check).
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, canFlush := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for i, id := range ids {
		data, err := h.unit.Get(id)
		if err != nil {
			continue
		}
		if err := enc.Encode(StreamChunk{ShardID: id, Data: data, Index: i}); err != nil {
			h.log.Warn().Err(err).Msg("stream write failed, aborting")
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ http.Handler = (*Handler)(nil)
