package ledger

import (
	"math/big"
	"time"
)

// UnstakeInfo is the reward breakdown for a reporter unstaking after an
// incident resolves.
type UnstakeInfo struct {
	TotalStakeInWinningCamp *big.Int `json:"total_stake_in_winning_camp"`
	TotalStakeInLosingCamp  *big.Int `json:"total_stake_in_losing_camp"`
	MyStakeInWinningCamp    *big.Int `json:"my_stake_in_winning_camp"`
	ToBurn                  *big.Int `json:"to_burn"`
	ToReporter              *big.Int `json:"to_reporter"`
	MyReward                *big.Int `json:"my_reward"`
}

// PoolInfo is the subset of staking pool state the orchestrator gates on.
type PoolInfo struct {
	Name            string   `json:"name"`
	TotalStaked     *big.Int `json:"total_staked"`
	MaxStake        *big.Int `json:"max_stake"`
	StakedAmount    *big.Int `json:"staked_amount"`
	Rewards         *big.Int `json:"rewards"`
	CanWithdrawFrom *big.Int `json:"can_withdraw_from"`
}

// Snapshot is the point-in-time view of ledger facts for one identity.
// Amounts are base units; unread fields are zero.
type Snapshot struct {
	Generation      uint64      `json:"generation"`
	TokenSymbol     string      `json:"token_symbol,omitempty"`
	Balance         *big.Int    `json:"balance"`
	Allowance       *big.Int    `json:"allowance"`
	MinStake        *big.Int    `json:"min_stake"`
	MaxStake        *big.Int    `json:"max_stake"`
	StakedAmount    *big.Int    `json:"staked_amount"`
	Rewards         *big.Int    `json:"rewards"`
	CanWithdrawFrom *big.Int    `json:"can_withdraw_from"`
	BlockHeight     *big.Int    `json:"block_height"`
	PoolName        string      `json:"pool_name,omitempty"`
	Unstake         UnstakeInfo `json:"unstake"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Balance:         new(big.Int),
		Allowance:       new(big.Int),
		MinStake:        new(big.Int),
		MaxStake:        new(big.Int),
		StakedAmount:    new(big.Int),
		Rewards:         new(big.Int),
		CanWithdrawFrom: new(big.Int),
		BlockHeight:     new(big.Int),
		Unstake: UnstakeInfo{
			TotalStakeInWinningCamp: new(big.Int),
			TotalStakeInLosingCamp:  new(big.Int),
			MyStakeInWinningCamp:    new(big.Int),
			ToBurn:                  new(big.Int),
			ToReporter:              new(big.Int),
			MyReward:                new(big.Int),
		},
	}
}

// Clone returns a deep copy, with nil amounts normalised to zero.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Balance = cloneInt(s.Balance)
	out.Allowance = cloneInt(s.Allowance)
	out.MinStake = cloneInt(s.MinStake)
	out.MaxStake = cloneInt(s.MaxStake)
	out.StakedAmount = cloneInt(s.StakedAmount)
	out.Rewards = cloneInt(s.Rewards)
	out.CanWithdrawFrom = cloneInt(s.CanWithdrawFrom)
	out.BlockHeight = cloneInt(s.BlockHeight)
	out.Unstake = UnstakeInfo{
		TotalStakeInWinningCamp: cloneInt(s.Unstake.TotalStakeInWinningCamp),
		TotalStakeInLosingCamp:  cloneInt(s.Unstake.TotalStakeInLosingCamp),
		MyStakeInWinningCamp:    cloneInt(s.Unstake.MyStakeInWinningCamp),
		ToBurn:                  cloneInt(s.Unstake.ToBurn),
		ToReporter:              cloneInt(s.Unstake.ToReporter),
		MyReward:                cloneInt(s.Unstake.MyReward),
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
