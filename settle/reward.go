package settle

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// rewardDivisor converts canonical score points into Meda Gas units.
	rewardDivisor = 100
	// rewardCapUnits is the per-run payout ceiling in Meda Gas units.
	rewardCapUnits = 10_000
)

var weiPerUnit = uint256.NewInt(1_000_000_000_000_000_000)

// RewardWei converts a canonical score into the on-chain reward amount in wei.
// The reward is min(score/100, 10000) Meda Gas units scaled to 18 decimals.
func RewardWei(score uint64) *uint256.Int {
	units := score / rewardDivisor
	if units > rewardCapUnits {
		units = rewardCapUnits
	}
	amount := uint256.NewInt(units)
	return amount.Mul(amount, weiPerUnit)
}

// ParseRewardWei decodes a ledger reward amount back into a big integer.
func ParseRewardWei(decimal string) (*big.Int, error) {
	amount, err := uint256.FromDecimal(decimal)
	if err != nil {
		return nil, fmt.Errorf("settle: parse reward amount %q: %w", decimal, err)
	}
	return amount.ToBig(), nil
}
