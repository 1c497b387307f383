package model

import (
	"time"

	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/execution"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	ChainID   int64     `json:"chain_id,omitempty"`
	Account   string    `json:"account,omitempty"`
}

// AmountInfo carries a token amount both as exact base units and as a
// decimal string for display.
type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type UnstakeBreakdown struct {
	TotalStakeInWinningCamp AmountInfo `json:"total_stake_in_winning_camp"`
	TotalStakeInLosingCamp  AmountInfo `json:"total_stake_in_losing_camp"`
	MyStakeInWinningCamp    AmountInfo `json:"my_stake_in_winning_camp"`
	ToBurn                  AmountInfo `json:"to_burn"`
	ToReporter              AmountInfo `json:"to_reporter"`
	MyReward                AmountInfo `json:"my_reward"`
}

// LedgerSnapshot is the rendered form of a ledger read for one request.
type LedgerSnapshot struct {
	Kind            action.Kind       `json:"kind"`
	ChainID         int64             `json:"chain_id"`
	Account         string            `json:"account,omitempty"`
	Token           string            `json:"token,omitempty"`
	TokenSymbol     string            `json:"token_symbol,omitempty"`
	Generation      uint64            `json:"generation"`
	Balance         AmountInfo        `json:"balance"`
	Allowance       AmountInfo        `json:"allowance"`
	MinStake        *AmountInfo       `json:"min_stake,omitempty"`
	MaxStake        *AmountInfo       `json:"max_stake,omitempty"`
	StakedAmount    *AmountInfo       `json:"staked_amount,omitempty"`
	Rewards         *AmountInfo       `json:"rewards,omitempty"`
	PoolName        string            `json:"pool_name,omitempty"`
	CanWithdrawFrom string            `json:"can_withdraw_from,omitempty"`
	BlockHeight     string            `json:"block_height,omitempty"`
	Unstake         *UnstakeBreakdown `json:"unstake,omitempty"`
	MaxInput        string            `json:"max_input,omitempty"`
	UpdatedAt       string            `json:"updated_at,omitempty"`
}

type EligibilityReport struct {
	Kind          action.Kind `json:"kind"`
	Input         string      `json:"input"`
	Amount        *AmountInfo `json:"amount,omitempty"`
	Payout        *AmountInfo `json:"payout,omitempty"`
	InputValid    bool        `json:"input_valid"`
	IsInputError  bool        `json:"is_input_error"`
	NeedsApproval bool        `json:"needs_approval"`
	Gate          action.Gate `json:"gate,omitempty"`
	GateOK        bool        `json:"gate_ok"`
	CanAct        bool        `json:"can_act"`
	Reason        string      `json:"reason,omitempty"`
}

// ActionResult reports the tickets a trigger produced and where the
// orchestrator ended up.
type ActionResult struct {
	Kind     action.Kind       `json:"kind"`
	ChainID  int64             `json:"chain_id"`
	Account  string            `json:"account"`
	State    string            `json:"state"`
	Approval *execution.Ticket `json:"approval,omitempty"`
	Action   *execution.Ticket `json:"action,omitempty"`
	Next     string            `json:"next,omitempty"`
}
