package repair

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/metadata"
	"github.com/dreamware/durance/internal/model"
)

// MetadataSource is the subset of metadata.Store the detector needs.
type MetadataSource interface {
	ListUnderReplicated(ctx context.Context, limit int) ([]metadata.ChunkHealth, error)
}

// Detector scans for chunks whose present shard count has drifted from
// target, per spec.md §4.9.
type Detector struct {
	store        MetadataSource
	limit        int
	maxAgeWeight float64
	log          zerolog.Logger
}

// NewDetector constructs a Detector. limit <= 0 falls back to 500.
func NewDetector(store MetadataSource, limit int, log zerolog.Logger) *Detector {
	if limit <= 0 {
		limit = 500
	}
	return &Detector{store: store, limit: limit, maxAgeWeight: 5.0, log: log.With().Str("component", "repair.detector").Logger()}
}

// Scan returns issues ordered highest priority first. Priority weighs the
// shard deficit by object age, so long-lived objects missing replicas are
// repaired ahead of freshly-uploaded ones still settling into place.
func (d *Detector) Scan(ctx context.Context) ([]Issue, error) {
	chunks, err := d.store.ListUnderReplicated(ctx, d.limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	issues := make([]Issue, 0, len(chunks))
	for _, c := range chunks {
		current, target := c.Current(), c.Target()
		class := classify(current, target)
		if class == model.HealthOverReplicated {
			// Excess copies are reclaimed by cleanup, not repaired.
			continue
		}

		ageWeight := 1 + now.Sub(c.FileCreatedAt).Hours()/24
		if ageWeight > d.maxAgeWeight {
			ageWeight = d.maxAgeWeight
		}

		issues = append(issues, Issue{
			FileID:        c.FileID,
			ChunkIndex:    c.ChunkIndex,
			K:             c.K,
			M:             c.M,
			Class:         class,
			Current:       current,
			Target:        target,
			Priority:      float64(target-current) * ageWeight,
			FileCreatedAt: c.FileCreatedAt,
		})
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Priority > issues[j].Priority })
	d.log.Debug().Int("issues", len(issues)).Msg("repair scan complete")
	return issues, nil
}

func classify(current, target int) model.RepairHealthClass {
	switch {
	case current == 0:
		return model.HealthCritical
	case current < target:
		return model.HealthUnderReplicated
	case current > target:
		return model.HealthOverReplicated
	default:
		return model.HealthUnderReplicated
	}
}
