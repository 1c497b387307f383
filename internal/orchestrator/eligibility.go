package orchestrator

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/id"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
)

// Eligibility is derived from one (snapshot, input) pair. Evaluate never
// performs I/O, so callers may recompute it as often as they like.
type Eligibility struct {
	Kind          action.Kind `json:"kind"`
	InputPresent  bool        `json:"input_present"`
	InputValid    bool        `json:"input_valid"`
	IsInputError  bool        `json:"is_input_error"`
	NeedsApproval bool        `json:"needs_approval"`
	Gate          action.Gate `json:"gate,omitempty"`
	GateOK        bool        `json:"gate_ok"`
	CanAct        bool        `json:"can_act"`
	Amount        *big.Int    `json:"amount,omitempty"`
	// Payout is what a claim pays out after the platform fee.
	Payout *big.Int `json:"payout,omitempty"`
	// Reason names the first condition blocking the action, if any.
	Reason string `json:"reason,omitempty"`
}

func Evaluate(req action.Request, snap ledger.Snapshot, input string) Eligibility {
	spec := req.Spec()
	snap = snap.Clone()
	e := Eligibility{Kind: spec.Kind, Gate: spec.Gate}

	if !spec.NeedsAmount {
		e.InputValid = true
		e.GateOK, e.Reason = gateSatisfied(spec.Gate, snap, nil)
		e.CanAct = e.GateOK
		return e
	}

	trimmed := strings.TrimSpace(input)
	e.InputPresent = trimmed != ""
	if !e.InputPresent {
		e.Reason = "enter an amount"
		return e
	}
	amount, err := id.ParseUnits(trimmed, id.DefaultDecimals)
	if err != nil || amount.Sign() <= 0 {
		e.IsInputError = true
		e.Reason = "amount must be a positive number"
		return e
	}
	e.InputValid = true
	e.Amount = amount
	if spec.Kind == action.KindClaim {
		e.Payout = ClaimPayout(amount)
	}

	if reason, exceeded := exceededCeiling(spec, snap, amount); exceeded {
		e.IsInputError = true
		e.Reason = reason
	}
	e.NeedsApproval = spec.NeedsAllowance && snap.Allowance.Cmp(amount) < 0
	var gateReason string
	e.GateOK, gateReason = gateSatisfied(spec.Gate, snap, amount)
	e.CanAct = !e.IsInputError && !e.NeedsApproval && e.GateOK
	if e.Reason == "" {
		switch {
		case e.NeedsApproval:
			e.Reason = fmt.Sprintf("approve %s %s first", id.FormatUnits(amount, id.DefaultDecimals), symbolOf(snap))
		case !e.GateOK:
			e.Reason = gateReason
		}
	}
	return e
}

// exceededCeiling reports the first ceiling amount exceeds. A zero max
// stake means the pool reported no cap.
func exceededCeiling(spec action.Spec, snap ledger.Snapshot, amount *big.Int) (string, bool) {
	for _, c := range spec.Ceilings {
		switch c {
		case action.CeilingBalance:
			if amount.Cmp(snap.Balance) > 0 {
				return "exceeds balance of " + id.FormatUnits(snap.Balance, id.DefaultDecimals) + " " + symbolOf(snap), true
			}
		case action.CeilingMaxStake:
			if snap.MaxStake.Sign() > 0 && amount.Cmp(snap.MaxStake) > 0 {
				return "exceeds maximum stake of " + id.FormatUnits(snap.MaxStake, id.DefaultDecimals) + " " + symbolOf(snap), true
			}
		case action.CeilingStaked:
			if amount.Cmp(snap.StakedAmount) > 0 {
				return "exceeds staked amount of " + id.FormatUnits(snap.StakedAmount, id.DefaultDecimals) + " " + symbolOf(snap), true
			}
		}
	}
	return "", false
}

func gateSatisfied(gate action.Gate, snap ledger.Snapshot, amount *big.Int) (bool, string) {
	switch gate {
	case action.GateMinStake:
		if amount != nil && snap.MinStake.Sign() > 0 && amount.Cmp(snap.MinStake) < 0 {
			return false, fmt.Sprintf("amount is below the minimum reporting stake of %s %s", id.FormatUnits(snap.MinStake, id.DefaultDecimals), symbolOf(snap))
		}
	case action.GateLockupElapsed:
		if snap.BlockHeight.Cmp(snap.CanWithdrawFrom) <= 0 {
			return false, "Could not withdraw during lockup period"
		}
	case action.GateWithdrawable:
		if snap.CanWithdrawFrom.Sign() > 0 && snap.BlockHeight.Cmp(snap.CanWithdrawFrom) < 0 {
			return false, fmt.Sprintf("withdrawal opens at block %s", snap.CanWithdrawFrom)
		}
	case action.GateRewardsAvailable:
		if snap.Rewards.Sign() <= 0 {
			return false, "no rewards to collect"
		}
	}
	return true, ""
}

// ClaimPayout is amount less the claims processor's platform fee, rounded
// down to base units.
func ClaimPayout(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	kept := new(big.Int).Mul(amount, big.NewInt(10_000-action.ClaimPlatformFeeBps))
	return kept.Quo(kept, big.NewInt(10_000))
}

// MaxInput is the largest input Evaluate accepts for req, formatted as a
// decimal string. Kinds without an amount return "".
func MaxInput(req action.Request, snap ledger.Snapshot) string {
	spec := req.Spec()
	if !spec.NeedsAmount {
		return ""
	}
	snap = snap.Clone()
	var limit *big.Int
	for _, c := range spec.Ceilings {
		var v *big.Int
		switch c {
		case action.CeilingBalance:
			v = snap.Balance
		case action.CeilingStaked:
			v = snap.StakedAmount
		case action.CeilingMaxStake:
			if snap.MaxStake.Sign() == 0 {
				continue
			}
			v = snap.MaxStake
		}
		if limit == nil || v.Cmp(limit) < 0 {
			limit = v
		}
	}
	if limit == nil {
		limit = new(big.Int)
	}
	return id.FormatUnits(limit, id.DefaultDecimals)
}

func symbolOf(snap ledger.Snapshot) string {
	if snap.TokenSymbol == "" {
		return "NPM"
	}
	return snap.TokenSymbol
}
