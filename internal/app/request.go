package app

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/id"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/ggonzalez94/cover-cli/internal/model"
	"github.com/ggonzalez94/cover-cli/internal/registry"
	"github.com/spf13/pflag"
)

var actionKinds = action.Kinds()

func commandName(kind action.Kind) string {
	return strings.ReplaceAll(string(kind), "_", "-")
}

// requestArgs are the flags that identify what an action targets.
type requestArgs struct {
	chain        string
	token        string
	coverKey     string
	poolKey      string
	incidentDate string
	reportInfo   string
}

// bind registers the subject flags. A nil spec registers every flag, for
// commands that take the kind as an argument.
func (a *requestArgs) bind(flags *pflag.FlagSet, spec *action.Spec) {
	flags.StringVar(&a.chain, "chain", "ethereum", "Chain identifier (name, id or CAIP-2)")
	wants := func(programs ...registry.Program) bool {
		if spec == nil {
			return true
		}
		for _, p := range programs {
			if spec.Program == p {
				return true
			}
		}
		return false
	}
	if spec == nil || spec.NeedsAllowance || spec.HasCeiling(action.CeilingBalance) {
		flags.StringVar(&a.token, "token", "", "Token address spent by the action")
	}
	if wants(registry.ProgramGovernance, registry.ProgramResolution, registry.ProgramClaimsProcessor) {
		flags.StringVar(&a.coverKey, "cover-key", "", "Cover key (bytes32 hex or short string)")
	}
	if wants(registry.ProgramStakingPools) {
		flags.StringVar(&a.poolKey, "pool-key", "", "Staking pool key (bytes32 hex or short string)")
	}
	if wants(registry.ProgramResolution, registry.ProgramClaimsProcessor) {
		flags.StringVar(&a.incidentDate, "incident-date", "", "Incident date (unix seconds)")
	}
	if wants(registry.ProgramGovernance) {
		flags.StringVar(&a.reportInfo, "report-info", "", "Report evidence hash (bytes32 hex)")
	}
}

func (a requestArgs) build(kind action.Kind, mode action.ApprovalMode) (action.Request, id.Chain, error) {
	chain, err := id.ParseChain(a.chain)
	if err != nil {
		return action.Request{}, id.Chain{}, err
	}
	req := action.Request{Kind: kind, ApprovalMode: mode}
	if strings.TrimSpace(a.token) != "" {
		if req.Subject.Token, err = id.ParseAddress(a.token, "--token"); err != nil {
			return action.Request{}, id.Chain{}, err
		}
	}
	if strings.TrimSpace(a.coverKey) != "" {
		if req.Subject.CoverKey, err = id.ParseKey(a.coverKey, "--cover-key"); err != nil {
			return action.Request{}, id.Chain{}, err
		}
	}
	if strings.TrimSpace(a.poolKey) != "" {
		if req.Subject.PoolKey, err = id.ParseKey(a.poolKey, "--pool-key"); err != nil {
			return action.Request{}, id.Chain{}, err
		}
	}
	if strings.TrimSpace(a.reportInfo) != "" {
		if req.Subject.ReportInfo, err = id.ParseKey(a.reportInfo, "--report-info"); err != nil {
			return action.Request{}, id.Chain{}, err
		}
	}
	if raw := strings.TrimSpace(a.incidentDate); raw != "" {
		date, ok := new(big.Int).SetString(raw, 10)
		if !ok || date.Sign() <= 0 {
			return action.Request{}, id.Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--incident-date must be a positive unix timestamp, got %q", raw))
		}
		req.Subject.IncidentDate = date
	}
	if err := req.Validate(); err != nil {
		return action.Request{}, id.Chain{}, err
	}
	return req, chain, nil
}

func amountInfo(v *big.Int) model.AmountInfo {
	if v == nil {
		v = new(big.Int)
	}
	return model.AmountInfo{
		AmountBaseUnits: v.String(),
		AmountDecimal:   id.FormatUnits(v, id.DefaultDecimals),
		Decimals:        id.DefaultDecimals,
	}
}

func amountInfoPtr(v *big.Int) *model.AmountInfo {
	info := amountInfo(v)
	return &info
}

// snapshotView renders only the fields the request's kind reads.
func snapshotView(req action.Request, chain id.Chain, account *common.Address, snap ledger.Snapshot, maxInput string) model.LedgerSnapshot {
	spec := req.Spec()
	view := model.LedgerSnapshot{
		Kind:        req.Kind,
		ChainID:     chain.EVMChainID,
		TokenSymbol: snap.TokenSymbol,
		Generation:  snap.Generation,
		Balance:     amountInfo(snap.Balance),
		Allowance:   amountInfo(snap.Allowance),
		MaxInput:    maxInput,
	}
	if account != nil {
		view.Account = account.Hex()
	}
	if req.Subject.Token != (common.Address{}) {
		view.Token = req.Subject.Token.Hex()
	}
	if !snap.UpdatedAt.IsZero() {
		view.UpdatedAt = snap.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if spec.Gate == action.GateMinStake {
		view.MinStake = amountInfoPtr(snap.MinStake)
	}
	if spec.Program == registry.ProgramStakingPools {
		view.PoolName = snap.PoolName
		view.MaxStake = amountInfoPtr(snap.MaxStake)
		view.StakedAmount = amountInfoPtr(snap.StakedAmount)
		view.Rewards = amountInfoPtr(snap.Rewards)
	}
	if spec.Program == registry.ProgramStakingPools || spec.Gate == action.GateWithdrawable {
		view.CanWithdrawFrom = snap.CanWithdrawFrom.String()
	}
	if spec.Gate == action.GateLockupElapsed || spec.Gate == action.GateWithdrawable {
		view.BlockHeight = snap.BlockHeight.String()
	}
	if spec.Program == registry.ProgramResolution {
		view.Unstake = &model.UnstakeBreakdown{
			TotalStakeInWinningCamp: amountInfo(snap.Unstake.TotalStakeInWinningCamp),
			TotalStakeInLosingCamp:  amountInfo(snap.Unstake.TotalStakeInLosingCamp),
			MyStakeInWinningCamp:    amountInfo(snap.Unstake.MyStakeInWinningCamp),
			ToBurn:                  amountInfo(snap.Unstake.ToBurn),
			ToReporter:              amountInfo(snap.Unstake.ToReporter),
			MyReward:                amountInfo(snap.Unstake.MyReward),
		}
	}
	return view
}
