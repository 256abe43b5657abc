package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/lifecycle"
	"github.com/dreamware/durance/internal/model"
)

// fakeStore is a minimal in-test double for lifecycle.Store, avoiding a
// dependency on internal/metadata/memory so this package's tests stay
// focused on transition logic rather than storage semantics.
type fakeStore struct {
	nodes map[uuid.UUID]model.Node
}

func newFakeStore(nodes ...model.Node) *fakeStore {
	s := &fakeStore{nodes: make(map[uuid.UUID]model.Node)}
	for _, n := range nodes {
		s.nodes[n.ID] = n
	}
	return s
}

func (s *fakeStore) ListAllNodes(context.Context) ([]model.Node, error) {
	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out, nil
}

func (s *fakeStore) SetNodeStatus(_ context.Context, id uuid.UUID, status model.NodeStatus, now time.Time) error {
	n := s.nodes[id]
	n.Status = status
	n.StatusChangedAt = now
	if status == model.NodeOffline {
		n.FirstOffline = &now
	}
	if status == model.NodeOnline {
		n.FirstOffline = nil
	}
	s.nodes[id] = n
	return nil
}

func (s *fakeStore) DeleteNode(_ context.Context, id uuid.UUID) error {
	delete(s.nodes, id)
	return nil
}

func testConfig() lifecycle.Config {
	return lifecycle.Config{
		TickInterval:       time.Second,
		OfflineThreshold:   5 * time.Minute,
		DrainThreshold:     4 * time.Hour,
		RemoveThreshold:    7 * 24 * time.Hour,
		RecoveryQuarantine: 5 * time.Minute,
	}
}

func TestOnlineNodeGoesOfflineAfterThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	n := model.Node{ID: uuid.New(), Status: model.NodeOnline, LastHeartbeat: now.Add(-6 * time.Minute), StatusChangedAt: now.Add(-6 * time.Minute)}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	mgr.Run(contextWithImmediateCancel(ctx))

	require.Equal(t, model.NodeOffline, store.nodes[n.ID].Status)
}

func TestRecoveringGraduatesToOnlineAfterQuarantine(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	n := model.Node{ID: uuid.New(), Status: model.NodeRecovering, StatusChangedAt: now.Add(-6 * time.Minute), LastHeartbeat: now}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	mgr.Run(contextWithImmediateCancel(ctx))

	require.Equal(t, model.NodeOnline, store.nodes[n.ID].Status)
}

func TestRecoveringStaysRecoveringBeforeQuarantineElapses(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	n := model.Node{ID: uuid.New(), Status: model.NodeRecovering, StatusChangedAt: now.Add(-1 * time.Minute), LastHeartbeat: now}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	mgr.Run(contextWithImmediateCancel(ctx))

	require.Equal(t, model.NodeRecovering, store.nodes[n.ID].Status)
}

func TestRecoveringFallsBackToOfflineOnStaleHeartbeat(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	n := model.Node{
		ID: uuid.New(), Status: model.NodeRecovering,
		StatusChangedAt: now.Add(-6 * time.Minute),
		LastHeartbeat:   now.Add(-6 * time.Minute), // heartbeated once, then went silent
	}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	mgr.Run(contextWithImmediateCancel(ctx))

	require.Equal(t, model.NodeOffline, store.nodes[n.ID].Status)
}

func TestOfflineNodeDrainsAfterDrainThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	firstOffline := now.Add(-5 * time.Hour)
	n := model.Node{ID: uuid.New(), Status: model.NodeOffline, FirstOffline: &firstOffline, StatusChangedAt: firstOffline}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	mgr.Run(contextWithImmediateCancel(ctx))

	require.Equal(t, model.NodeDraining, store.nodes[n.ID].Status)
}

func TestOfflineNodeRemovedAfterRemoveThreshold(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	firstOffline := now.Add(-8 * 24 * time.Hour)
	n := model.Node{ID: uuid.New(), Status: model.NodeOffline, FirstOffline: &firstOffline, StatusChangedAt: firstOffline}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	mgr.Run(contextWithImmediateCancel(ctx))

	_, stillExists := store.nodes[n.ID]
	require.False(t, stillExists)
}

func TestHandleHeartbeatMovesOfflineToRecovering(t *testing.T) {
	ctx := context.Background()
	n := model.Node{ID: uuid.New(), Status: model.NodeOffline}
	store := newFakeStore(n)
	mgr := lifecycle.NewManager(store, testConfig(), zerolog.Nop())

	require.NoError(t, mgr.HandleHeartbeat(ctx, n, time.Now()))
	require.Equal(t, model.NodeRecovering, store.nodes[n.ID].Status)
}

// contextWithImmediateCancel returns a context that is already canceled, so
// Manager.Run performs exactly one tick (its unconditional first tick
// before the select) and returns.
func contextWithImmediateCancel(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	cancel()
	return ctx
}
