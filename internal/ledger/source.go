package ledger

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

// Source performs single point reads against one network. Implementations
// must be safe for concurrent use.
type Source interface {
	BlockHeight(ctx context.Context, network int64) (*big.Int, error)
	TokenSymbol(ctx context.Context, network int64, token common.Address) (string, error)
	Balance(ctx context.Context, network int64, token, account common.Address) (*big.Int, error)
	Allowance(ctx context.Context, network int64, token, owner common.Address, spender registry.Program) (*big.Int, error)
	MinStake(ctx context.Context, network int64, coverKey [32]byte) (*big.Int, error)
	PoolInfo(ctx context.Context, network int64, poolKey [32]byte, account common.Address) (PoolInfo, error)
	UnstakeInfo(ctx context.Context, network int64, account common.Address, coverKey [32]byte, incidentDate *big.Int) (UnstakeInfo, error)
	// WithdrawableFrom is the block height from which reporting stake on a
	// resolved incident can be unstaked.
	WithdrawableFrom(ctx context.Context, network int64, coverKey [32]byte, incidentDate *big.Int) (*big.Int, error)
}

// Identity is the (account, network, subject) tuple a snapshot belongs to.
type Identity struct {
	Account *common.Address
	Network int64
	Request action.Request
}

func (i Identity) Equal(other Identity) bool {
	if i.Network != other.Network {
		return false
	}
	if (i.Account == nil) != (other.Account == nil) {
		return false
	}
	if i.Account != nil && *i.Account != *other.Account {
		return false
	}
	a, b := i.Request, other.Request
	if a.Kind != b.Kind {
		return false
	}
	if a.Subject.Token != b.Subject.Token || a.Subject.CoverKey != b.Subject.CoverKey || a.Subject.PoolKey != b.Subject.PoolKey {
		return false
	}
	return cloneInt(a.Subject.IncidentDate).Cmp(cloneInt(b.Subject.IncidentDate)) == 0
}

func (i Identity) accountLabel() string {
	if i.Account == nil {
		return "none"
	}
	return strings.ToLower(i.Account.Hex())
}

type field string

const (
	fieldBlockHeight      field = "block_height"
	fieldSymbol           field = "token_symbol"
	fieldBalance          field = "balance"
	fieldAllowance        field = "allowance"
	fieldMinStake         field = "min_stake"
	fieldPoolInfo         field = "pool_info"
	fieldUnstakeInfo      field = "unstake_info"
	fieldWithdrawableFrom field = "withdrawable_from"
)

// fieldsFor lists the reads an identity needs. Account scoped reads are
// skipped without an account; pool info falls back to the zero address.
func fieldsFor(id Identity) []field {
	spec, ok := action.Lookup(id.Request.Kind)
	if !ok {
		return nil
	}
	subject := id.Request.Subject
	hasToken := subject.Token != (common.Address{})
	out := make([]field, 0, 8)
	if spec.Gate == action.GateLockupElapsed || spec.Gate == action.GateWithdrawable {
		out = append(out, fieldBlockHeight)
	}
	if hasToken {
		out = append(out, fieldSymbol)
	}
	if id.Account != nil && hasToken && spec.HasCeiling(action.CeilingBalance) {
		out = append(out, fieldBalance)
	}
	if id.Account != nil && hasToken && spec.NeedsAllowance {
		out = append(out, fieldAllowance)
	}
	if spec.Gate == action.GateMinStake {
		out = append(out, fieldMinStake)
	}
	if spec.Program == registry.ProgramStakingPools {
		out = append(out, fieldPoolInfo)
	}
	if spec.Gate == action.GateWithdrawable {
		out = append(out, fieldWithdrawableFrom)
	}
	if spec.Program == registry.ProgramResolution && id.Account != nil {
		out = append(out, fieldUnstakeInfo)
	}
	return out
}
