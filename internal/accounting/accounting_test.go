package accounting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/durance/internal/accounting"
	"github.com/dreamware/durance/internal/model"
)

type fakeStore struct {
	mu          sync.Mutex
	nodes       []model.Node
	epoch       model.Epoch
	hasEpoch    bool
	finalized   []model.Epoch
	uptime      map[uuid.UUID]model.NodeEpochUptime
	allocations map[uuid.UUID]int64
	reputations map[uuid.UUID]int
}

func newFakeStore(nodes []model.Node) *fakeStore {
	reps := map[uuid.UUID]int{}
	for _, n := range nodes {
		reps[n.ID] = n.ReputationScore
	}
	return &fakeStore{nodes: nodes, uptime: map[uuid.UUID]model.NodeEpochUptime{}, allocations: map[uuid.UUID]int64{}, reputations: reps}
}

func (f *fakeStore) ListAllNodes(context.Context) ([]model.Node, error) { return f.nodes, nil }

func (f *fakeStore) CreateNextEpoch(_ context.Context, start time.Time, duration time.Duration) (model.Epoch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch = model.Epoch{Number: f.epoch.Number + 1, Start: start, End: start.Add(duration)}
	f.hasEpoch = true
	return f.epoch, nil
}

func (f *fakeStore) GetCurrentEpoch(context.Context) (model.Epoch, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch, f.hasEpoch, nil
}

func (f *fakeStore) FinalizeEpoch(_ context.Context, number uint64, end time.Time, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epoch.Finalized = true
	f.epoch.End = end
	f.epoch.SettlementRef = ref
	f.finalized = append(f.finalized, f.epoch)
	f.hasEpoch = false
	return nil
}

func (f *fakeStore) UpsertNodeEpochUptime(_ context.Context, u model.NodeEpochUptime) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uptime[u.NodeID] = u
	return nil
}

func (f *fakeStore) ListNodeEpochUptimes(_ context.Context, epochNumber uint64) ([]model.NodeEpochUptime, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.NodeEpochUptime
	for _, u := range f.uptime {
		if u.EpochNumber == epochNumber {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkPaymentAllocated(_ context.Context, nodeID uuid.UUID, _ uint64, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allocations[nodeID] = amount
	return nil
}

func (f *fakeStore) SetReputationScore(_ context.Context, id uuid.UUID, score int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reputations[id] = score
	return nil
}

func TestAccountantTickAccruesOnlineSeconds(t *testing.T) {
	n := model.Node{ID: uuid.New(), Status: model.NodeOnline, StatusChangedAt: time.Now(), CapacityBytes: 1 << 30, ReputationScore: 5000}
	store := newFakeStore([]model.Node{n})

	a := accounting.NewAccountant(store, accounting.Options{AccumulateInterval: 10 * time.Second, EpochDuration: time.Hour}, nil, nil, zerolog.Nop())
	require.NoError(t, a.Tick(context.Background(), time.Now()))

	require.Equal(t, int64(10), store.uptime[n.ID].SecondsOnline)
	require.Equal(t, int64(0), store.uptime[n.ID].SecondsOffline)
}

func TestAccountantTickAccruesOfflineSeconds(t *testing.T) {
	n := model.Node{ID: uuid.New(), Status: model.NodeOffline, StatusChangedAt: time.Now(), CapacityBytes: 1 << 30}
	store := newFakeStore([]model.Node{n})

	a := accounting.NewAccountant(store, accounting.Options{AccumulateInterval: 5 * time.Second, EpochDuration: time.Hour}, nil, nil, zerolog.Nop())
	require.NoError(t, a.Tick(context.Background(), time.Now()))

	require.Equal(t, int64(5), store.uptime[n.ID].SecondsOffline)
}

func TestAccountantFinalizeAllocatesProportionally(t *testing.T) {
	bigNode := model.Node{ID: uuid.New(), Status: model.NodeOnline, StatusChangedAt: time.Now(), CapacityBytes: 2 << 30, ReputationScore: 5000}
	smallNode := model.Node{ID: uuid.New(), Status: model.NodeOnline, StatusChangedAt: time.Now(), CapacityBytes: 1 << 30, ReputationScore: 5000}
	store := newFakeStore([]model.Node{bigNode, smallNode})
	store.epoch = model.Epoch{Number: 1, Start: time.Now().Add(-2 * time.Hour)}
	store.hasEpoch = true

	intents := make(chan accounting.SettlementIntent, 10)
	opts := accounting.Options{
		AccumulateInterval: time.Hour, EpochDuration: time.Hour,
		ExtendedDowntimeThreshold: 4 * time.Hour, RewardPoolPerEpoch: 300,
	}
	a := accounting.NewAccountant(store, opts, nil, intents, zerolog.Nop())

	require.NoError(t, a.Tick(context.Background(), time.Now()))

	require.Len(t, store.finalized, 1)
	require.True(t, store.finalized[0].Finalized)
	require.NotEmpty(t, store.finalized[0].SettlementRef)

	// Equal uptime and reputation, capacity 2:1 -> allocation roughly 2:1.
	require.Greater(t, store.allocations[bigNode.ID], store.allocations[smallNode.ID])
	require.InDelta(t, float64(store.allocations[bigNode.ID]), 2*float64(store.allocations[smallNode.ID]), 2)

	close(intents)
	var rewards int
	for intent := range intents {
		if intent.Kind == accounting.SettlementReward {
			rewards++
		}
	}
	require.Equal(t, 2, rewards)
}

func TestAccountantFinalizeSlashesExtendedDowntime(t *testing.T) {
	flaky := model.Node{ID: uuid.New(), Status: model.NodeOffline, StatusChangedAt: time.Now(), CapacityBytes: 1 << 30, ReputationScore: 5000}
	store := newFakeStore([]model.Node{flaky})
	store.uptime[flaky.ID] = model.NodeEpochUptime{NodeID: flaky.ID, EpochNumber: 1, SecondsOffline: int64(5 * time.Hour / time.Second)}
	store.epoch = model.Epoch{Number: 1, Start: time.Now().Add(-2 * time.Hour)}
	store.hasEpoch = true

	intents := make(chan accounting.SettlementIntent, 10)
	opts := accounting.Options{AccumulateInterval: time.Minute, EpochDuration: time.Hour, ExtendedDowntimeThreshold: 4 * time.Hour, RewardPoolPerEpoch: 100}
	a := accounting.NewAccountant(store, opts, nil, intents, zerolog.Nop())

	require.NoError(t, a.Tick(context.Background(), time.Now()))
	require.Len(t, store.finalized, 1)
	require.Less(t, store.reputations[flaky.ID], 5000)

	close(intents)
	var sawSlash bool
	for intent := range intents {
		if intent.Kind == accounting.SettlementSlash {
			sawSlash = true
		}
	}
	require.True(t, sawSlash)
}
