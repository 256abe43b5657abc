// Package storage holds the node-local shard byte store. See store.go for
// the Store interface and its in-memory implementor.
package storage
