package planner

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

type ActionRequest struct {
	ChainID  int64
	Sender   common.Address
	Request  action.Request
	Amount   *big.Int
	Programs registry.ProgramAddresses
	Symbol   string
}

// BuildAction packs the program call for a request. Amount is ignored for
// kinds that take none.
func BuildAction(req ActionRequest) (execution.Call, error) {
	if err := req.Request.Validate(); err != nil {
		return execution.Call{}, err
	}
	if req.Sender == (common.Address{}) {
		return execution.Call{}, clierr.New(clierr.CodeUsage, "action requires sender address")
	}
	spec := req.Request.Spec()
	if spec.NeedsAmount && (req.Amount == nil || req.Amount.Sign() <= 0) {
		return execution.Call{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s amount must be a positive integer in base units", spec.Kind))
	}
	target, err := ProgramAddress(req.Programs, req.ChainID, spec.Program)
	if err != nil {
		return execution.Call{}, err
	}

	s := req.Request.Subject
	var (
		parsed abi.ABI
		args   []any
	)
	switch spec.Kind {
	case action.KindReport:
		parsed, args = plannerGovernanceABI, []any{s.CoverKey, s.ReportInfo, req.Amount}
	case action.KindStake, action.KindWithdraw:
		parsed, args = plannerPoolsABI, []any{s.PoolKey, req.Amount}
	case action.KindCollect:
		parsed, args = plannerPoolsABI, []any{s.PoolKey}
	case action.KindUnstake, action.KindUnstakeWithClaim:
		parsed, args = plannerResolutionABI, []any{s.CoverKey, s.IncidentDate}
	case action.KindClaim:
		parsed, args = plannerClaimsABI, []any{s.Token, s.CoverKey, s.IncidentDate, req.Amount}
	default:
		return execution.Call{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no call layout for %s", spec.Kind))
	}
	data, err := parsed.Pack(spec.Method, args...)
	if err != nil {
		return execution.Call{}, clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s calldata", spec.Method), err)
	}
	return execution.Call{
		Leg:      execution.LegAction,
		Kind:     spec.Kind,
		ChainID:  req.ChainID,
		From:     req.Sender,
		Target:   target,
		Data:     data,
		Value:    new(big.Int),
		Messages: spec.Messages(req.Symbol),
	}, nil
}

// ProgramAddress resolves a configured program deployment.
func ProgramAddress(programs registry.ProgramAddresses, chainID int64, program registry.Program) (common.Address, error) {
	raw, err := registry.ResolveProgramAddress(programs, chainID, program)
	if err != nil {
		return common.Address{}, clierr.Wrap(clierr.CodeUnsupported, "resolve program address", err)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("configured %s address %q is not a valid EVM address", program, raw))
	}
	return common.HexToAddress(raw), nil
}
