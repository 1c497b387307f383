package planner

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	"github.com/ggonzalez94/cover-cli/internal/policy"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

type ApprovalRequest struct {
	ChainID int64
	Sender  common.Address
	Token   common.Address
	Spender common.Address
	// Requested is the spend the approval must cover.
	Requested *big.Int
	Mode      action.ApprovalMode
	Symbol    string
}

// BuildApproval packs approve(spender, amount) on the token. The approved
// amount follows the mode: exactly the requested spend, or the maximum
// uint256.
func BuildApproval(req ApprovalRequest) (execution.Call, error) {
	if req.Sender == (common.Address{}) {
		return execution.Call{}, clierr.New(clierr.CodeUsage, "approval requires sender address")
	}
	if req.Spender == (common.Address{}) {
		return execution.Call{}, clierr.New(clierr.CodeUsage, "approval requires spender address")
	}
	if req.Token == (common.Address{}) {
		return execution.Call{}, clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	if req.Requested == nil || req.Requested.Sign() <= 0 {
		return execution.Call{}, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	amount := policy.ApprovalAmount(req.Requested, req.Mode)
	data, err := plannerERC20ABI.Pack("approve", req.Spender, amount)
	if err != nil {
		return execution.Call{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return execution.Call{
		Leg:          execution.LegApproval,
		ChainID:      req.ChainID,
		From:         req.Sender,
		Target:       req.Token,
		Data:         data,
		Value:        new(big.Int),
		Messages:     action.ApprovalMessages(req.Symbol),
		Requested:    new(big.Int).Set(req.Requested),
		ApprovalMode: req.Mode,
	}, nil
}

var (
	plannerERC20ABI      = mustPlannerABI(registry.ERC20MinimalABI)
	plannerGovernanceABI = mustPlannerABI(registry.GovernanceABI)
	plannerPoolsABI      = mustPlannerABI(registry.StakingPoolsABI)
	plannerResolutionABI = mustPlannerABI(registry.ResolutionABI)
	plannerClaimsABI     = mustPlannerABI(registry.ClaimsProcessorABI)
)

func mustPlannerABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
