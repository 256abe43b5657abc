// Package shard is the node-local storage unit. See shard.go for Unit,
// handler.go for the HTTP wire contract, and executor.go for the
// heartbeat-command executor.
package shard
