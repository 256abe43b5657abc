// Package repair implements the detect/plan/execute pipeline (C9) of
// spec.md §4.9: find chunks below their replication target, choose sources
// by a per-round pending-load tracker and targets via the placement engine, and
// drive the actual shard transfers with bounded concurrency and retry.
package repair
