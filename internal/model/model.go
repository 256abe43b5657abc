// Package model defines the entities shared across the durability core: the
// node, bucket, object, chunk, shard and epoch records described by the
// metadata store (internal/metadata), consumed by the placement, lifecycle,
// write/read path and repair packages.
//
// None of these types own behavior beyond small, pure helpers. Lifecycle
// transitions, placement decisions and repair planning live in their own
// packages and treat these structs as plain records passed by value or by
// pointer through a context object, per the "no process-wide singletons"
// design note: nothing in this package reaches back into a store or a
// transport client.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeStatus is the lifecycle state of a storage node, mutated only by
// internal/lifecycle.Manager. Every other component treats it as read-only.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeRecovering  NodeStatus = "recovering"
	NodeOffline     NodeStatus = "offline"
	NodeDraining    NodeStatus = "draining"
	NodeMaintenance NodeStatus = "maintenance"
)

// Eligible reports whether a node in this status may hold placed shards and
// act as a repair source, i.e. is counted as "healthy" in spec.md §4.9/§4.5.
func (s NodeStatus) Eligible() bool {
	return s == NodeOnline || s == NodeRecovering
}

// TopologyLabels captures the placement diversity dimensions of a node.
type TopologyLabels struct {
	Datacenter string
	Rack       string
	Region     string
	Lat        float64
	Lon        float64
}

// Node is a storage peer. See spec.md §3 "Node".
type Node struct {
	LastHeartbeat   time.Time
	FirstOffline    *time.Time
	StatusChangedAt time.Time
	ID              uuid.UUID
	Address         string
	Wallet          string
	Status          NodeStatus
	Topology        TopologyLabels
	CapacityBytes   int64
	UsedBytes       int64
	BandwidthMbps   int64
	FailureCount    int
	ReputationScore int // 0..10000, see accounting.Accountant
}

// AvailableBytes is the placement filter input of spec.md §4.4.
func (n Node) AvailableBytes() int64 {
	if n.UsedBytes >= n.CapacityBytes {
		return 0
	}
	return n.CapacityBytes - n.UsedBytes
}

// Utilization is in [0,1]; 0 when capacity is unset.
func (n Node) Utilization() float64 {
	if n.CapacityBytes <= 0 {
		return 0
	}
	u := float64(n.UsedBytes) / float64(n.CapacityBytes)
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// FileStatus tracks the write-path durability gate of spec.md §4.7.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileComplete   FileStatus = "complete"
	FileSoftDelete FileStatus = "deleted"
)

// File is a user-visible object. See spec.md §3 "Object".
type File struct {
	CreatedAt    time.Time
	DeletedAt    *time.Time
	ID           uuid.UUID
	Bucket       string
	Path         string
	ContentType  string
	Owner        string
	ContentHash  []byte // 32-byte BLAKE3 digest
	Status       FileStatus
	Size         int64
	ChunkSize    int64
	ChunkCount   int
	K            int
	M            int
}

// ETag returns the lowercase-hex object digest, per spec.md §6.1.
func (f File) ETag() string {
	return hexLower(f.ContentHash)
}

func hexLower(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

// Chunk is the unit of erasure coding. See spec.md §3 "Chunk".
type Chunk struct {
	FileID      uuid.UUID
	Index       int
	LogicalSize int64
}

// Shard is the unit of placement and transport. See spec.md §3 "Shard".
type Shard struct {
	ID          string // hex BLAKE3 digest of the shard bytes
	FileID      uuid.UUID
	ChunkIndex  int
	ShardIndex  int
	IsParity    bool
	BytesLength int64
}

// ShardLocationStatus tracks the health of a single placement fact.
type ShardLocationStatus string

const (
	LocationStored   ShardLocationStatus = "stored"
	LocationVerified ShardLocationStatus = "verified"
	LocationFailed   ShardLocationStatus = "failed"
)

// ShardLocation is the (shard-id, node-id) placement fact. See spec.md §3
// "ShardLocation".
type ShardLocation struct {
	LastVerified         time.Time
	ShardID              string
	NodeID               uuid.UUID
	Status               ShardLocationStatus
	ConsecutiveFailures  int
}

// Bucket is a named namespace owned by a principal.
type Bucket struct {
	CreatedAt time.Time
	Name      string
	Owner     string
}

// Epoch is a fixed-length accounting window. See spec.md §3 "Epoch".
type Epoch struct {
	Start               time.Time
	End                 time.Time
	SettlementRef        string
	Number              uint64
	RewardPoolSnapshot  int64
	Finalized           bool
}

// NodeEpochUptime is one row per (node, epoch). See spec.md §3.
type NodeEpochUptime struct {
	LastStatusChange   time.Time
	NodeID             uuid.UUID
	EpochNumber        uint64
	SecondsOnline      int64
	SecondsOffline     int64
	AllocatedAmount    int64
	PaymentAllocated   bool
}

// RepairHealthClass classifies an under-replicated chunk. See spec.md §4.9.
type RepairHealthClass string

const (
	HealthCritical         RepairHealthClass = "critical"
	HealthUnderReplicated  RepairHealthClass = "under_replicated"
	HealthOverReplicated   RepairHealthClass = "over_replicated"
)

// RepairTaskState is the executor's per-task state machine. See spec.md §4.9.
type RepairTaskState string

const (
	TaskPending   RepairTaskState = "pending"
	TaskRunning   RepairTaskState = "running"
	TaskCompleted RepairTaskState = "completed"
	TaskRetrying  RepairTaskState = "retrying"
	TaskFailed    RepairTaskState = "failed"
)

// RepairTask is transient planner/executor state. See spec.md §3 "Repair task".
type RepairTask struct {
	ID           uuid.UUID
	FileID       uuid.UUID
	ChunkIndex   int
	Source       uuid.UUID
	Targets      []uuid.UUID
	Priority     float64
	Issue        RepairHealthClass
	ChunkSize    int64
	State        RepairTaskState
	FailReason   string
}
