package shard

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/cluster"
)

// PeerFetcher is the subset of internal/transport.Client's surface the
// executor needs to move bytes between nodes for TransferChunk/RepairChunk.
// Declared locally so this package does not import internal/transport
// directly, matching internal/lifecycle's locally-scoped Store interface.
type PeerFetcher interface {
	Get(ctx context.Context, address, shardID string) ([]byte, error)
	Put(ctx context.Context, address, shardID string, data []byte) error
}

// CommandExecutor runs heartbeat-piggybacked commands (SPEC_FULL.md §5,
// grounded in cyxcloud-node/command_executor.rs) against the local Unit,
// fetching or pushing bytes to peers as each command kind requires.
type CommandExecutor struct {
	unit *Unit
	self string
	peer PeerFetcher
	log  zerolog.Logger
}

// NewCommandExecutor builds an executor for the node at selfAddress. peer is
// used to reach other nodes; selfAddress only labels this executor's log lines.
func NewCommandExecutor(unit *Unit, selfAddress string, peer PeerFetcher, log zerolog.Logger) *CommandExecutor {
	return &CommandExecutor{
		unit: unit,
		self: selfAddress,
		peer: peer,
		log:  log.With().Str("component", "command_executor").Str("node", selfAddress).Logger(),
	}
}

// Execute runs one command and returns the result to report on the next
// heartbeat. It never returns an error itself; failures are carried in
// cluster.CommandResult so a bad command cannot break the heartbeat loop.
func (e *CommandExecutor) Execute(ctx context.Context, cmd cluster.Command) cluster.CommandResult {
	var err error
	switch cmd.Kind {
	case cluster.CommandDeleteChunk:
		err = e.unit.Delete(cmd.ShardID)
	case cluster.CommandRepairChunk:
		err = e.repair(ctx, cmd)
	case cluster.CommandTransferChunk:
		err = e.transfer(ctx, cmd)
	default:
		err = fmt.Errorf("unknown command kind %q", cmd.Kind)
	}

	result := cluster.CommandResult{CommandID: cmd.ID, Succeeded: err == nil}
	if err != nil {
		result.Error = err.Error()
		e.log.Warn().Err(err).Str("kind", string(cmd.Kind)).Str("shard_id", cmd.ShardID).Msg("command failed")
	}
	return result
}

// repair pulls a shard this node is missing from cmd.TargetAddress (the
// coordinator names a healthy source node there despite the field's
// TransferChunk-oriented name, reused rather than duplicated per command).
func (e *CommandExecutor) repair(ctx context.Context, cmd cluster.Command) error {
	if cmd.TargetAddress == "" {
		return fmt.Errorf("repair_chunk %s: no source address", cmd.ShardID)
	}
	data, err := e.peer.Get(ctx, cmd.TargetAddress, cmd.ShardID)
	if err != nil {
		return fmt.Errorf("fetch from %s: %w", cmd.TargetAddress, err)
	}
	return e.unit.Put(cmd.ShardID, data)
}

// transfer pushes a locally-held shard to cmd.TargetAddress, used to
// relocate replicas off a draining node.
func (e *CommandExecutor) transfer(ctx context.Context, cmd cluster.Command) error {
	if cmd.TargetAddress == "" {
		return fmt.Errorf("transfer_chunk %s: no target address", cmd.ShardID)
	}
	data, err := e.unit.Get(cmd.ShardID)
	if err != nil {
		return fmt.Errorf("read local shard: %w", err)
	}
	if err := e.peer.Put(ctx, cmd.TargetAddress, cmd.ShardID, data); err != nil {
		return fmt.Errorf("push to %s: %w", cmd.TargetAddress, err)
	}
	return nil
}
