package execution

import (
	"bytes"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/policy"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

var (
	policyERC20ABI        = mustPolicyABI(registry.ERC20MinimalABI)
	policyApproveSelector = policyERC20ABI.Methods["approve"].ID
)

func validateCallPolicy(call Call) error {
	if call.Target == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "call has no target address")
	}
	if call.From == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "call has no sender address")
	}
	if len(call.Data) < 4 {
		return clierr.New(clierr.CodeActionPlan, "call data is missing a method selector")
	}
	switch call.Leg {
	case LegApproval:
		return validateApprovalPolicy(call)
	case LegAction:
		return nil
	default:
		return clierr.New(clierr.CodeActionPlan, "call has unknown leg "+string(call.Leg))
	}
}

func validateApprovalPolicy(call Call) error {
	data := call.Data
	if !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeActionPlan, "approval call must use ERC20 approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval call has invalid spender")
	}
	amount, ok := toBigInt(args[1])
	if !ok {
		return clierr.New(clierr.CodeActionPlan, "approval call has invalid approval amount")
	}
	return policy.ValidateApprovalBound(amount, call.Requested, call.ApprovalMode)
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
