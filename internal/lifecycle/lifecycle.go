// Package lifecycle implements the node-lifecycle manager (C5): the single
// timer task that owns every Node.Status transition, per spec.md §4.5.
//
// Generalized from a binary-healthy/unhealthy HealthMonitor design, which tracked a
// binary healthy/unhealthy flag per node off the result of an HTTP probe.
// Manager instead drives a five-state machine purely off heartbeat
// timestamps already recorded in the metadata store by the coordinator's
// registration/heartbeat handlers (cmd/coordinator) — it never dials a node
// itself, since spec.md §4.5's triggers are heartbeat-receipt and elapsed
// durations, not liveness probes.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/model"
)

var (
	nodeStatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "durance_nodes_total",
			Help: "Number of nodes currently in each lifecycle status",
		},
		[]string{"status"},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durance_lifecycle_transitions_total",
			Help: "Node lifecycle transitions by from/to status",
		},
		[]string{"from", "to"},
	)
	nodesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "durance_nodes_removed_total",
			Help: "Nodes permanently removed after exceeding remove_threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(nodeStatusGauge)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(nodesRemovedTotal)
}

// Store is the subset of metadata.Store the manager needs. Declared locally
// (rather than importing the full interface) so this package depends only
// on the methods it actually calls, a small call-site-scoped interface
// rather than a broad callback.
type Store interface {
	ListAllNodes(ctx context.Context) ([]model.Node, error)
	SetNodeStatus(ctx context.Context, id uuid.UUID, status model.NodeStatus, now time.Time) error
	DeleteNode(ctx context.Context, id uuid.UUID) error
}

// nodeClock is the subset of per-node time bookkeeping the manager mutates
// outside of Status/StatusChangedAt, which the Store interface above does
// not expose a setter for. The manager keeps its own shadow of
// first-offline timestamps keyed by node id instead of round-tripping
// through the store on every tick, then reconciles status via SetNodeStatus.
type nodeClock struct {
	firstOffline *time.Time
}

// Config tunes the thresholds of spec.md §4.5. Zero-value fields fall back
// to the listed defaults in NewManager.
type Config struct {
	TickInterval       time.Duration
	OfflineThreshold   time.Duration
	DrainThreshold     time.Duration
	RemoveThreshold    time.Duration
	RecoveryQuarantine time.Duration
}

// DefaultConfig matches spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:       10 * time.Second,
		OfflineThreshold:   5 * time.Minute,
		DrainThreshold:     4 * time.Hour,
		RemoveThreshold:    7 * 24 * time.Hour,
		RecoveryQuarantine: 5 * time.Minute,
	}
}

// Manager runs the single timer task that transitions node status. It is
// the sole writer of model.Node.Status in the system, per spec.md §9's
// "the manager's outputs are writes, not owned mutations of shared node
// objects" design note — Manager never holds a Node pointer across a tick.
type Manager struct {
	store  Store
	cfg    Config
	log    zerolog.Logger
	clocks map[uuid.UUID]*nodeClock
}

// NewManager constructs a Manager. Zero-value Config fields are replaced
// with DefaultConfig's values.
func NewManager(store Store, cfg Config, log zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = def.OfflineThreshold
	}
	if cfg.DrainThreshold <= 0 {
		cfg.DrainThreshold = def.DrainThreshold
	}
	if cfg.RemoveThreshold <= 0 {
		cfg.RemoveThreshold = def.RemoveThreshold
	}
	if cfg.RecoveryQuarantine <= 0 {
		cfg.RecoveryQuarantine = def.RecoveryQuarantine
	}
	return &Manager{
		store:  store,
		cfg:    cfg,
		log:    log.With().Str("component", "lifecycle").Logger(),
		clocks: make(map[uuid.UUID]*nodeClock),
	}
}

// Run drives the timer loop until ctx is canceled. Matches the usual
// HealthMonitor.Start shape: an immediate first tick, then one per
// TickInterval.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.tick(ctx, time.Now())
	for {
		select {
		case <-ticker.C:
			m.tick(ctx, time.Now())
		case <-ctx.Done():
			m.log.Info().Msg("lifecycle manager stopping")
			return
		}
	}
}

// tick evaluates every node exactly once. Idempotent: calling it twice with
// the same `now` against unchanged store state produces the same
// transitions the second time as a no-op, per spec.md §4.5's concurrency
// requirement.
func (m *Manager) tick(ctx context.Context, now time.Time) {
	nodes, err := m.store.ListAllNodes(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list nodes for lifecycle tick")
		return
	}

	counts := map[model.NodeStatus]int{}
	for _, n := range nodes {
		m.evaluate(ctx, n, now)
		counts[n.Status]++
	}
	for _, status := range []model.NodeStatus{model.NodeOnline, model.NodeRecovering, model.NodeOffline, model.NodeDraining, model.NodeMaintenance} {
		nodeStatusGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// evaluate applies the transition table of spec.md §4.5 to a single node.
// Heartbeat-driven transitions (Offline/Draining->Recovering on a fresh
// heartbeat) are applied by the coordinator's heartbeat handler through
// HandleHeartbeat on receipt, since those are event-driven, not
// elapsed-time-driven; evaluate only applies the elapsed-duration
// transitions a timer must own, including Recovering->Online.
func (m *Manager) evaluate(ctx context.Context, n model.Node, now time.Time) {
	switch n.Status {
	case model.NodeOnline:
		if now.Sub(n.LastHeartbeat) >= m.cfg.OfflineThreshold && !n.LastHeartbeat.IsZero() {
			m.transition(ctx, n.ID, model.NodeOnline, model.NodeOffline, now)
			m.clocks[n.ID] = &nodeClock{firstOffline: timePtr(now)}
		}
	case model.NodeRecovering:
		if now.Sub(n.StatusChangedAt) >= m.cfg.RecoveryQuarantine {
			if n.LastHeartbeat.IsZero() || now.Sub(n.LastHeartbeat) >= m.cfg.OfflineThreshold {
				// Heartbeated once to enter Recovering, then went silent
				// again: quarantine elapsing alone is not enough, per
				// spec.md §4.5's "no further failures" condition. Back to
				// Offline instead of promoting on a stale heartbeat.
				m.transition(ctx, n.ID, model.NodeRecovering, model.NodeOffline, now)
				m.clocks[n.ID] = &nodeClock{firstOffline: timePtr(m.offlineSince(n, now))}
				return
			}
			m.transition(ctx, n.ID, model.NodeRecovering, model.NodeOnline, now)
			delete(m.clocks, n.ID)
		}
	case model.NodeOffline, model.NodeDraining:
		since := m.offlineSince(n, now)
		offlineFor := now.Sub(since)
		if offlineFor >= m.cfg.RemoveThreshold {
			if err := m.store.DeleteNode(ctx, n.ID); err != nil {
				m.log.Error().Err(err).Str("node_id", n.ID.String()).Msg("failed to remove node past remove_threshold")
				return
			}
			nodesRemovedTotal.Inc()
			delete(m.clocks, n.ID)
			m.log.Warn().Str("node_id", n.ID.String()).Dur("offline_for", offlineFor).Msg("node removed after exceeding remove threshold")
			return
		}
		if n.Status == model.NodeOffline && offlineFor >= m.cfg.DrainThreshold {
			m.transition(ctx, n.ID, model.NodeOffline, model.NodeDraining, now)
		}
	case model.NodeMaintenance:
		// Operator-driven only; the timer never moves a node out of
		// maintenance, per spec.md §4.5's "any -> Maintenance: operator
		// action (not further specified)".
	}
}

// offlineSince returns the earliest known offline timestamp for n, falling
// back to n.FirstOffline (set by the store on the initial Online->Offline
// transition) when the manager's in-memory shadow was lost, e.g. after a
// process restart.
func (m *Manager) offlineSince(n model.Node, now time.Time) time.Time {
	if c, ok := m.clocks[n.ID]; ok && c.firstOffline != nil {
		return *c.firstOffline
	}
	if n.FirstOffline != nil {
		return *n.FirstOffline
	}
	return now
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, from, to model.NodeStatus, now time.Time) {
	if err := m.store.SetNodeStatus(ctx, id, to, now); err != nil {
		m.log.Error().Err(err).Str("node_id", id.String()).Str("to", string(to)).Msg("failed to write node status transition")
		return
	}
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.log.Info().Str("node_id", id.String()).Str("from", string(from)).Str("to", string(to)).Msg("node lifecycle transition")
}

func timePtr(t time.Time) *time.Time { return &t }

// HandleHeartbeat applies the event-driven half of the transition table:
// Offline/Draining -> Recovering on a fresh heartbeat (first-offline is
// cleared only once quarantine completes, per spec.md §4.5); Online and
// Recovering nodes are left as they are. Called by cmd/coordinator's
// heartbeat handler, not by the timer loop.
func (m *Manager) HandleHeartbeat(ctx context.Context, n model.Node, now time.Time) error {
	switch n.Status {
	case model.NodeOffline:
		if err := m.store.SetNodeStatus(ctx, n.ID, model.NodeRecovering, now); err != nil {
			return err
		}
		transitionsTotal.WithLabelValues(string(model.NodeOffline), string(model.NodeRecovering)).Inc()
		m.log.Info().Str("node_id", n.ID.String()).Msg("node recovering after heartbeat")
	case model.NodeDraining:
		if err := m.store.SetNodeStatus(ctx, n.ID, model.NodeRecovering, now); err != nil {
			return err
		}
		transitionsTotal.WithLabelValues(string(model.NodeDraining), string(model.NodeRecovering)).Inc()
	}
	return nil
}
