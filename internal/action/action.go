package action

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

type Kind string

const (
	KindReport           Kind = "report"
	KindStake            Kind = "stake"
	KindWithdraw         Kind = "withdraw"
	KindUnstake          Kind = "unstake"
	KindUnstakeWithClaim Kind = "unstake_with_claim"
	KindClaim            Kind = "claim"
	KindCollect          Kind = "collect"
)

// ClaimPlatformFeeBps is the share of a cover claim the claims processor
// keeps, in basis points.
const ClaimPlatformFeeBps = 650

type ApprovalMode string

const (
	ApprovalExact     ApprovalMode = "exact"
	ApprovalUnlimited ApprovalMode = "unlimited"
)

type Ceiling string

const (
	CeilingBalance  Ceiling = "balance"
	CeilingMaxStake Ceiling = "max_stake"
	CeilingStaked   Ceiling = "staked_amount"
)

type Gate string

const (
	GateNone Gate = ""
	// GateMinStake requires the amount to reach the first reporting stake.
	GateMinStake Gate = "min_stake"
	// GateLockupElapsed requires block height > can-withdraw-from.
	GateLockupElapsed Gate = "lockup_elapsed"
	// GateWithdrawable requires block height >= can-withdraw-from when it is set.
	GateWithdrawable Gate = "withdrawable"
	// GateRewardsAvailable requires a non-zero pending pool reward.
	GateRewardsAvailable Gate = "rewards_available"
)

// Spec is the per-kind row that drives the orchestrator, the reader and the
// call planner.
type Spec struct {
	Kind           Kind
	Program        registry.Program
	Method         string
	NeedsAmount    bool
	NeedsAllowance bool
	Ceilings       []Ceiling
	Gate           Gate
	messages       func(symbol string) Messages
}

var specs = map[Kind]Spec{
	KindReport: {
		Kind: KindReport, Program: registry.ProgramGovernance, Method: "report",
		NeedsAmount: true, NeedsAllowance: true,
		Ceilings: []Ceiling{CeilingBalance},
		Gate:     GateMinStake,
		messages: func(string) Messages {
			return Messages{Pending: "Reporting incident", Success: "Reported incident successfully", Failure: "Could not report incident"}
		},
	},
	KindStake: {
		Kind: KindStake, Program: registry.ProgramStakingPools, Method: "deposit",
		NeedsAmount: true, NeedsAllowance: true,
		Ceilings: []Ceiling{CeilingBalance, CeilingMaxStake},
		messages: verbMessages("Staking", "Staked", "stake"),
	},
	KindWithdraw: {
		Kind: KindWithdraw, Program: registry.ProgramStakingPools, Method: "withdraw",
		NeedsAmount: true,
		Ceilings:    []Ceiling{CeilingStaked},
		Gate:        GateLockupElapsed,
		messages:    verbMessages("Withdrawing", "Withdrew", "withdraw"),
	},
	KindUnstake: {
		Kind: KindUnstake, Program: registry.ProgramResolution, Method: "unstake",
		Gate:     GateWithdrawable,
		messages: verbMessages("Unstaking", "Unstaked", "unstake"),
	},
	KindUnstakeWithClaim: {
		Kind: KindUnstakeWithClaim, Program: registry.ProgramResolution, Method: "unstakeWithClaim",
		Gate:     GateWithdrawable,
		messages: verbMessages("Unstaking & claiming", "Unstaked & claimed", "unstake & claim"),
	},
	KindClaim: {
		Kind: KindClaim, Program: registry.ProgramClaimsProcessor, Method: "claim",
		NeedsAmount: true, NeedsAllowance: true,
		Ceilings: []Ceiling{CeilingBalance},
		messages: verbMessages("Claiming", "Claimed", "claim"),
	},
	KindCollect: {
		Kind: KindCollect, Program: registry.ProgramStakingPools, Method: "withdrawRewards",
		Gate:     GateRewardsAvailable,
		messages: func(string) Messages {
			return Messages{Pending: "Collecting rewards", Success: "Collected rewards successfully", Failure: "Could not collect rewards"}
		},
	},
}

func verbMessages(pending, done, base string) func(string) Messages {
	return func(symbol string) Messages {
		return Messages{
			Pending: fmt.Sprintf("%s %s", pending, symbol),
			Success: fmt.Sprintf("%s %s successfully", done, symbol),
			Failure: fmt.Sprintf("Could not %s %s", base, symbol),
		}
	}
}

func Lookup(kind Kind) (Spec, bool) {
	spec, ok := specs[kind]
	return spec, ok
}

func Kinds() []Kind {
	return []Kind{KindReport, KindStake, KindWithdraw, KindUnstake, KindUnstakeWithClaim, KindClaim, KindCollect}
}

func ParseKind(input string) (Kind, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(input)), "-", "_")
	if _, ok := specs[Kind(norm)]; ok {
		return Kind(norm), nil
	}
	return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported action kind: %s", input))
}

func (s Spec) HasCeiling(c Ceiling) bool {
	for _, item := range s.Ceilings {
		if item == c {
			return true
		}
	}
	return false
}

// Messages is the pending/success/failure triple shown for one submission.
type Messages struct {
	Pending string `json:"pending"`
	Success string `json:"success"`
	Failure string `json:"failure"`
}

func (s Spec) Messages(symbol string) Messages {
	return s.messages(symbolOrDefault(symbol))
}

func ApprovalMessages(symbol string) Messages {
	symbol = symbolOrDefault(symbol)
	return Messages{
		Pending: fmt.Sprintf("Approving %s tokens", symbol),
		Success: fmt.Sprintf("Approved %s tokens successfully", symbol),
		Failure: fmt.Sprintf("Could not approve %s tokens", symbol),
	}
}

func symbolOrDefault(symbol string) string {
	if strings.TrimSpace(symbol) == "" {
		return "NPM"
	}
	return strings.TrimSpace(symbol)
}

// Subject identifies what an action targets. Which fields matter depends on
// the kind; Validate enforces that.
type Subject struct {
	Token        common.Address `json:"token"`
	CoverKey     [32]byte       `json:"cover_key"`
	PoolKey      [32]byte       `json:"pool_key"`
	IncidentDate *big.Int       `json:"incident_date,omitempty"`
	ReportInfo   [32]byte       `json:"report_info"`
}

type Request struct {
	Kind         Kind         `json:"kind"`
	Subject      Subject      `json:"subject"`
	ApprovalMode ApprovalMode `json:"approval_mode"`
}

func (r Request) Spec() Spec {
	spec, _ := Lookup(r.Kind)
	return spec
}

func (r Request) Validate() error {
	spec, ok := Lookup(r.Kind)
	if !ok {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported action kind: %s", r.Kind))
	}
	switch r.ApprovalMode {
	case ApprovalExact, ApprovalUnlimited:
	default:
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported approval mode: %s", r.ApprovalMode))
	}
	s := r.Subject
	var zeroKey [32]byte
	switch spec.Program {
	case registry.ProgramGovernance:
		if s.CoverKey == zeroKey {
			return clierr.New(clierr.CodeUsage, "report requires a cover key")
		}
	case registry.ProgramStakingPools:
		if s.PoolKey == zeroKey {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s requires a pool key", r.Kind))
		}
	case registry.ProgramResolution, registry.ProgramClaimsProcessor:
		if s.CoverKey == zeroKey {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s requires a cover key", r.Kind))
		}
		if s.IncidentDate == nil || s.IncidentDate.Sign() <= 0 {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s requires an incident date", r.Kind))
		}
	}
	if spec.NeedsAllowance || spec.HasCeiling(CeilingBalance) {
		if s.Token == (common.Address{}) {
			return clierr.New(clierr.CodeUsage, fmt.Sprintf("%s requires a token address", r.Kind))
		}
	}
	return nil
}
