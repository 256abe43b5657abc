// Package cluster implements the node-registration and heartbeat wire
// contract of spec.md §6.3, plus the small HTTP helpers every other
// component's transport client builds on. See doc.go for an overview.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/durance/internal/model"
)

// RegisterRequest is the body a node POSTs to the orchestrator's
// /cluster/register endpoint. Matches spec.md §6.3's
// `Register{node_id, address, declared_capacity, bandwidth, topology_labels, wallet?}`.
type RegisterRequest struct {
	NodeID           uuid.UUID            `json:"node_id"`
	Address          string               `json:"address"`
	DeclaredCapacity int64                `json:"declared_capacity"`
	BandwidthMbps    int64                `json:"bandwidth_mbps"`
	Topology         model.TopologyLabels `json:"topology_labels"`
	Wallet           string               `json:"wallet,omitempty"`
}

// RegisterResponse returns the opaque session token issued at registration,
// per spec.md §6.3. A heartbeat that carries it as a bearer Authorization
// header is checked against it; a heartbeat without that header is not.
type RegisterResponse struct {
	SessionToken string `json:"session_token"`
}

// HeartbeatRequest is the body a node POSTs periodically. Matches spec.md
// §6.3's `Heartbeat{node_id, storage_used, chunks_stored, bytes_uploaded,
// bytes_downloaded, cpu, mem, last_updated_ts}`, plus CommandResults for the
// command-piggybacking extension of SPEC_FULL.md §5.
type HeartbeatRequest struct {
	NodeID          uuid.UUID       `json:"node_id"`
	StorageUsed     int64           `json:"storage_used"`
	ChunksStored    int64           `json:"chunks_stored"`
	BytesUploaded   int64           `json:"bytes_uploaded"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	CPUPercent      float64         `json:"cpu"`
	MemPercent      float64         `json:"mem"`
	LastUpdatedTS   time.Time       `json:"last_updated_ts"`
	CommandResults  []CommandResult `json:"command_results,omitempty"`
}

// HeartbeatResponse may carry a batch of commands for the node to execute
// before its next heartbeat, per spec.md §6.3 and SPEC_FULL.md §5's
// heartbeat command piggybacking.
type HeartbeatResponse struct {
	Commands []Command `json:"commands,omitempty"`
}

// CommandKind enumerates the batchable node-side actions.
type CommandKind string

const (
	CommandRepairChunk  CommandKind = "repair_chunk"
	CommandDeleteChunk  CommandKind = "delete_chunk"
	CommandTransferChunk CommandKind = "transfer_chunk"
)

// Command is one unit of work piggybacked on a heartbeat response.
// TargetAddress is only populated for TransferChunk.
type Command struct {
	ID            uuid.UUID   `json:"id"`
	Kind          CommandKind `json:"kind"`
	ShardID       string      `json:"shard_id"`
	TargetAddress string      `json:"target_address,omitempty"`
}

// CommandResult is the node's report of a previously issued Command's
// outcome, returned on the node's next heartbeat.
type CommandResult struct {
	CommandID uuid.UUID `json:"command_id"`
	Succeeded bool      `json:"succeeded"`
	Error     string    `json:"error,omitempty"`
}

// httpClient is shared across every PostJSON/GetJSON call for connection
// reuse. internal/transport builds its own pooled, retrying client on top
// of the same pattern for shard traffic; this one is for the comparatively
// low-volume control plane.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON sends body as a JSON POST to url and decodes the response into
// out (ignored if nil).
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetJSON sends a GET request to url and decodes the response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
