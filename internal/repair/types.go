package repair

import (
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/durance/internal/model"
)

// Issue is one under-replicated chunk surfaced by the detector, per spec.md
// §4.9. Over-replicated chunks are classified and dropped, never surfaced.
type Issue struct {
	FileID        uuid.UUID
	ChunkIndex    int
	K, M          int
	Class         model.RepairHealthClass
	Current       int
	Target        int
	Priority      float64
	FileCreatedAt time.Time
}

// TaskResult is the executor's report for one repair task: which targets
// received a shard successfully and which did not, after retries are
// exhausted.
type TaskResult struct {
	TaskID    uuid.UUID
	Succeeded []uuid.UUID
	Failed    []uuid.UUID
	State     model.RepairTaskState
	Err       error
}
