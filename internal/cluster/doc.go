// Package cluster implements the node <-> orchestrator control-plane
// protocol: registration, heartbeat (with piggybacked repair commands), and
// the small HTTP/JSON helpers the rest of the core builds transport on.
//
// # Protocol
//
// Register (POST /cluster/register): a node announces its address, declared
// capacity, bandwidth, and topology labels. The call is an idempotent
// upsert — internal/metadata.Store.UpsertNode leaves lifecycle-owned fields
// untouched on a second call from the same node id. The response carries a
// session token. The coordinator's heartbeat handler checks it against the
// node id when a heartbeat carries an Authorization header and accepts
// heartbeats that carry none; cmd/node does not send the token.
//
// Heartbeat (POST /cluster/heartbeat): a node reports utilization and
// traffic counters, and internal/lifecycle.Manager.HandleHeartbeat advances
// that node's lifecycle state. The response may carry a batch of
// RepairChunk/DeleteChunk/TransferChunk commands for the node to execute;
// outcomes are reported back on the node's next heartbeat via
// CommandResults, never awaited synchronously by the orchestrator.
//
// # Concurrency
//
// Every exported function here is safe for concurrent use; PostJSON and
// GetJSON share one connection-pooled *http.Client across all callers.
package cluster
