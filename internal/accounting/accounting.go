// Package accounting's Accountant implements spec.md §4.10: a timer fires
// every accumulate_interval, accrues per-node online/offline seconds against
// the current epoch, and finalizes the epoch once epoch_duration has
// elapsed — slashing, weighting, and proportional reward allocation.
package accounting

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dreamware/durance/internal/model"
)

// Store is the subset of metadata.Store the accountant needs.
type Store interface {
	ListAllNodes(ctx context.Context) ([]model.Node, error)
	CreateNextEpoch(ctx context.Context, start time.Time, duration time.Duration) (model.Epoch, error)
	GetCurrentEpoch(ctx context.Context) (model.Epoch, bool, error)
	FinalizeEpoch(ctx context.Context, number uint64, end time.Time, settlementRef string) error
	UpsertNodeEpochUptime(ctx context.Context, u model.NodeEpochUptime) error
	ListNodeEpochUptimes(ctx context.Context, epochNumber uint64) ([]model.NodeEpochUptime, error)
	MarkPaymentAllocated(ctx context.Context, nodeID uuid.UUID, epochNumber uint64, amount int64) error
	SetReputationScore(ctx context.Context, id uuid.UUID, score int) error
}

// Options tunes one Accountant, defaulted per spec.md §4.10.
type Options struct {
	AccumulateInterval        time.Duration
	EpochDuration             time.Duration
	ExtendedDowntimeThreshold time.Duration
	// SlashPercent is the fixed fraction of a slashed node's computed
	// reward withheld as a slashing deduction.
	SlashPercent float64
	// RewardPoolPerEpoch is the total amount (nodes_share) distributed
	// across weighted nodes at each epoch's finalization.
	RewardPoolPerEpoch int64
}

func DefaultOptions() Options {
	return Options{
		AccumulateInterval:        60 * time.Second,
		EpochDuration:             7 * 24 * time.Hour,
		ExtendedDowntimeThreshold: 4 * time.Hour,
		SlashPercent:              0.10,
	}
}

// Accountant drives epoch accrual and finalization.
type Accountant struct {
	store   Store
	opts    Options
	adjust  ReputationAdjuster
	intents chan<- SettlementIntent
	log     zerolog.Logger
}

// NewAccountant constructs an Accountant. intents may be nil (settlement
// intents are then dropped after being logged); adjust may be nil
// (defaults to DefaultReputationAdjuster).
func NewAccountant(store Store, opts Options, adjust ReputationAdjuster, intents chan<- SettlementIntent, log zerolog.Logger) *Accountant {
	def := DefaultOptions()
	if opts.AccumulateInterval <= 0 {
		opts.AccumulateInterval = def.AccumulateInterval
	}
	if opts.EpochDuration <= 0 {
		opts.EpochDuration = def.EpochDuration
	}
	if opts.ExtendedDowntimeThreshold <= 0 {
		opts.ExtendedDowntimeThreshold = def.ExtendedDowntimeThreshold
	}
	if opts.SlashPercent <= 0 {
		opts.SlashPercent = def.SlashPercent
	}
	if adjust == nil {
		adjust = DefaultReputationAdjuster
	}
	return &Accountant{store: store, opts: opts, adjust: adjust, intents: intents, log: log.With().Str("component", "accounting").Logger()}
}

// Run ticks every AccumulateInterval until ctx is canceled. Resumable: on
// restart, Tick's GetCurrentEpoch finds the existing non-finalized epoch and
// continues accruing into it.
func (a *Accountant) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.AccumulateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Tick(ctx, time.Now()); err != nil {
				a.log.Warn().Err(err).Msg("epoch accounting tick failed")
			}
		}
	}
}

// Tick accrues exactly one interval's worth of uptime/downtime per node and
// finalizes the epoch if it has elapsed, per spec.md §4.10 steps 1-3.
func (a *Accountant) Tick(ctx context.Context, now time.Time) error {
	epoch, ok, err := a.store.GetCurrentEpoch(ctx)
	if err != nil {
		return err
	}
	if !ok {
		epoch, err = a.store.CreateNextEpoch(ctx, now, a.opts.EpochDuration)
		if err != nil {
			return err
		}
	}

	nodes, err := a.store.ListAllNodes(ctx)
	if err != nil {
		return err
	}
	rows, err := a.store.ListNodeEpochUptimes(ctx, epoch.Number)
	if err != nil {
		return err
	}
	uptime := make(map[uuid.UUID]model.NodeEpochUptime, len(rows))
	for _, r := range rows {
		uptime[r.NodeID] = r
	}

	interval := int64(a.opts.AccumulateInterval.Seconds())
	for _, n := range nodes {
		u, ok := uptime[n.ID]
		if !ok {
			u = model.NodeEpochUptime{NodeID: n.ID, EpochNumber: epoch.Number}
		}
		if n.Status.Eligible() {
			u.SecondsOnline += interval
		} else {
			u.SecondsOffline += interval
		}
		u.LastStatusChange = n.StatusChangedAt
		if err := a.store.UpsertNodeEpochUptime(ctx, u); err != nil {
			return err
		}
		uptime[n.ID] = u
	}

	if now.Sub(epoch.Start) >= a.opts.EpochDuration {
		return a.finalize(ctx, epoch, nodes, uptime, now)
	}
	return nil
}

// finalize implements spec.md §4.10's finalization steps a-e.
func (a *Accountant) finalize(ctx context.Context, epoch model.Epoch, nodes []model.Node, uptime map[uuid.UUID]model.NodeEpochUptime, now time.Time) error {
	epochSeconds := a.opts.EpochDuration.Seconds()

	type candidate struct {
		node    model.Node
		row     model.NodeEpochUptime
		weight  *big.Int
		slashed bool
	}
	candidates := make([]candidate, 0, len(nodes))
	totalWeight := new(big.Int)

	for _, n := range nodes {
		row, ok := uptime[n.ID]
		if !ok {
			continue
		}
		slashed := time.Duration(row.SecondsOffline)*time.Second > a.opts.ExtendedDowntimeThreshold

		uptimeRatio := float64(row.SecondsOnline) / epochSeconds
		if uptimeRatio > 1.0 {
			uptimeRatio = 1.0
		}
		reputationFactor := 0.5 + float64(n.ReputationScore)/10000.0

		// Scale both fractional factors to micro-units (1e6) so the weight
		// can be computed as an exact big.Int product, per spec.md §4.10d's
		// overflow-avoidance requirement.
		uptimeMicro := int64(uptimeRatio * 1_000_000)
		reputationMicro := int64(reputationFactor * 1_000_000)

		weight := big.NewInt(n.CapacityBytes)
		weight.Mul(weight, big.NewInt(uptimeMicro))
		weight.Mul(weight, big.NewInt(reputationMicro))

		totalWeight.Add(totalWeight, weight)
		candidates = append(candidates, candidate{node: n, row: row, weight: weight, slashed: slashed})
	}

	settlementRef := uuid.New().String()
	rewardPool := big.NewInt(a.opts.RewardPoolPerEpoch)

	for _, c := range candidates {
		reward := int64(0)
		if totalWeight.Sign() > 0 && rewardPool.Sign() > 0 {
			num := new(big.Int).Mul(rewardPool, c.weight)
			reward = new(big.Int).Quo(num, totalWeight).Int64()
		}

		c.row.AllocatedAmount = reward
		c.row.PaymentAllocated = true
		if err := a.store.UpsertNodeEpochUptime(ctx, c.row); err != nil {
			return err
		}
		if err := a.store.MarkPaymentAllocated(ctx, c.node.ID, epoch.Number, reward); err != nil {
			return err
		}

		newRep := a.adjust(c.node.ReputationScore, c.slashed)
		if err := a.store.SetReputationScore(ctx, c.node.ID, newRep); err != nil {
			return err
		}

		a.emit(SettlementIntent{
			EpochNumber: epoch.Number, NodeID: c.node.ID, Wallet: c.node.Wallet,
			Kind: SettlementReward, Amount: reward, EmittedAt: now,
		})
		if c.slashed {
			slashAmount := int64(float64(reward) * a.opts.SlashPercent)
			a.emit(SettlementIntent{
				EpochNumber: epoch.Number, NodeID: c.node.ID, Wallet: c.node.Wallet,
				Kind: SettlementSlash, Amount: slashAmount,
				Reason:    fmt.Sprintf("extended downtime: %ds offline this epoch", c.row.SecondsOffline),
				EmittedAt: now,
			})
		}
	}

	return a.store.FinalizeEpoch(ctx, epoch.Number, now, settlementRef)
}

func (a *Accountant) emit(intent SettlementIntent) {
	if a.intents == nil {
		a.log.Info().Str("node_id", intent.NodeID.String()).Str("kind", string(intent.Kind)).Int64("amount", intent.Amount).Msg("settlement intent (no sink configured)")
		return
	}
	select {
	case a.intents <- intent:
	default:
		a.log.Warn().Str("node_id", intent.NodeID.String()).Msg("settlement intent channel full, dropping intent")
	}
}
