package policy

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

// ApprovalAmount returns the allowance to request for a spend of requested.
// Exact mode asks for the spend itself; unlimited asks for 2^256-1 so later
// spends skip the approval leg.
func ApprovalAmount(requested *big.Int, mode action.ApprovalMode) *big.Int {
	if mode == action.ApprovalUnlimited {
		return new(big.Int).Set(math.MaxBig256)
	}
	if requested == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(requested)
}

func ParseApprovalMode(input string) (action.ApprovalMode, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", string(action.ApprovalExact):
		return action.ApprovalExact, nil
	case string(action.ApprovalUnlimited), "max":
		return action.ApprovalUnlimited, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported approval mode %q (expected exact|unlimited)", input))
	}
}

// ValidateApprovalBound rejects approvals that exceed the requested spend
// unless the caller opted into unlimited mode.
func ValidateApprovalBound(approve, requested *big.Int, mode action.ApprovalMode) error {
	if approve == nil || approve.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval amount must be positive")
	}
	if mode == action.ApprovalUnlimited {
		return nil
	}
	if requested == nil || requested.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds without a positive requested amount")
	}
	if approve.Cmp(requested) > 0 {
		return clierr.New(
			clierr.CodeActionPlan,
			fmt.Sprintf("approval amount %s exceeds requested amount %s; use --approval-mode unlimited to override", approve.String(), requested.String()),
		)
	}
	return nil
}
