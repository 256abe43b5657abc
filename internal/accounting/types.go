package accounting

import (
	"time"

	"github.com/google/uuid"
)

// SettlementIntent is the out-of-band message consumed by the (out of
// scope) on-chain settlement adapter, per spec.md §4.10.
type SettlementIntent struct {
	EpochNumber uint64
	NodeID      uuid.UUID
	Wallet      string
	Kind        SettlementKind
	Amount      int64
	Reason      string
	EmittedAt   time.Time
}

// SettlementKind distinguishes a reward payout from a slashing deduction.
type SettlementKind string

const (
	SettlementReward  SettlementKind = "reward"
	SettlementSlash   SettlementKind = "slash"
)

// ReputationAdjuster computes a node's new reputation score given whether it
// was slashed this epoch. Injected so callers can tune the policy without
// touching the accrual/finalization algorithm; see DefaultReputationAdjuster.
type ReputationAdjuster func(current int, slashed bool) int

// DefaultReputationAdjuster implements spec.md §9's resolved Open Question:
// -500 on a slash, +1 for a clean epoch, clamped to [0, 10000].
func DefaultReputationAdjuster(current int, slashed bool) int {
	if slashed {
		current -= 500
	} else {
		current++
	}
	if current < 0 {
		return 0
	}
	if current > 10000 {
		return 10000
	}
	return current
}
