package writepath

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// GCSweeper periodically soft-deletes file rows that have sat in
// status=pending longer than a threshold, per spec.md §7's "periodic scan of
// pending files older than threshold T" and SPEC_FULL.md §5's supplemented
// feature. Grounded on the rebalancer's periodic-scan loop shape in
// original_source/cyxcloud-rebalancer/executor.rs: a ticker that runs one
// bounded scan-and-act pass per interval, not a long-lived per-file worker.
type GCSweeper struct {
	store Store
	age   time.Duration
	log   zerolog.Logger
}

// NewGCSweeper constructs a sweeper that treats a pending file as stale once
// it is older than age.
func NewGCSweeper(store Store, age time.Duration, log zerolog.Logger) *GCSweeper {
	return &GCSweeper{store: store, age: age, log: log.With().Str("component", "gc").Logger()}
}

// Sweep runs one pass, soft-deleting every stale pending file it finds, and
// returns how many it removed. A single file's failure to delete is logged
// and skipped rather than aborting the whole pass.
func (g *GCSweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	stale, err := g.store.ListPendingOlderThan(ctx, g.age, now)
	if err != nil {
		return 0, err
	}

	softDeleted := 0
	for _, f := range stale {
		if err := g.store.SoftDeleteFile(ctx, f.ID, now); err != nil {
			g.log.Error().Err(err).Str("file_id", f.ID.String()).Msg("gc: failed to soft-delete stale pending file")
			continue
		}
		softDeleted++
	}
	if softDeleted > 0 {
		g.log.Info().Int("count", softDeleted).Dur("age", g.age).Msg("gc: swept stale pending files")
	}
	return softDeleted, nil
}

// Run drives Sweep on a ticker until ctx is canceled, matching the
// executor's ticker-driven loop shape.
func (g *GCSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := g.Sweep(ctx); err != nil {
				g.log.Error().Err(err).Msg("gc sweep failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
