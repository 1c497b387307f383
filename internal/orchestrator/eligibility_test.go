package orchestrator

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/id"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/stretchr/testify/require"
)

func units(t *testing.T, v string) *big.Int {
	t.Helper()
	out, err := id.ParseUnits(v, id.DefaultDecimals)
	require.NoError(t, err)
	return out
}

func request(kind action.Kind) action.Request {
	var cover, pool [32]byte
	copy(cover[:], "huobi-wallet")
	copy(pool[:], "pod-staking")
	return action.Request{
		Kind:         kind,
		ApprovalMode: action.ApprovalExact,
		Subject: action.Subject{
			Token:        common.HexToAddress("0x00000000000000000000000000000000000000f0"),
			CoverKey:     cover,
			PoolKey:      pool,
			IncidentDate: big.NewInt(1650000000),
		},
	}
}

func TestEvaluateApprovalScenario(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")

	e := Evaluate(request(action.KindReport), snap, "100")
	require.True(t, e.InputPresent)
	require.True(t, e.InputValid)
	require.False(t, e.IsInputError)
	require.True(t, e.NeedsApproval)
	require.False(t, e.CanAct)

	snap.Allowance = units(t, "100")
	e = Evaluate(request(action.KindReport), snap, "100")
	require.False(t, e.NeedsApproval)
	require.True(t, e.CanAct)
	require.Equal(t, units(t, "100"), e.Amount)
}

func TestEvaluateExceedingBalanceIsInputError(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")
	for _, allowance := range []string{"0", "600", "100000"} {
		snap.Allowance = units(t, allowance)
		e := Evaluate(request(action.KindStake), snap, "600")
		require.True(t, e.IsInputError, "allowance %s", allowance)
		require.False(t, e.CanAct, "allowance %s", allowance)
	}
}

func TestEvaluateInvalidInputs(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")
	snap.Allowance = units(t, "500")

	empty := Evaluate(request(action.KindClaim), snap, "  ")
	require.False(t, empty.InputPresent)
	require.False(t, empty.IsInputError)
	require.False(t, empty.CanAct)

	for _, input := range []string{"abc", "0", "-1", "1.2.3", "0.0000000000000000001"} {
		e := Evaluate(request(action.KindClaim), snap, input)
		require.True(t, e.InputPresent, input)
		require.True(t, e.IsInputError, input)
		require.False(t, e.CanAct, input)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")
	snap.Allowance = units(t, "40")
	req := request(action.KindStake)
	require.Equal(t, Evaluate(req, snap, "50"), Evaluate(req, snap, "50"))
	require.Equal(t, Evaluate(req, snap, "x"), Evaluate(req, snap, "x"))
}

func TestEvaluateUnstakeGate(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.BlockHeight = big.NewInt(10)
	snap.CanWithdrawFrom = big.NewInt(20)

	for _, kind := range []action.Kind{action.KindUnstake, action.KindUnstakeWithClaim} {
		e := Evaluate(request(kind), snap, "")
		require.False(t, e.CanAct, kind)
		require.False(t, e.GateOK, kind)
		require.False(t, e.NeedsApproval, kind)
	}

	snap.BlockHeight = big.NewInt(20)
	require.True(t, Evaluate(request(action.KindUnstake), snap, "").CanAct)

	snap.CanWithdrawFrom = new(big.Int)
	snap.BlockHeight = new(big.Int)
	require.True(t, Evaluate(request(action.KindUnstake), snap, "").CanAct, "unset withdrawal block never gates")
}

func TestEvaluateWithdrawLockup(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.StakedAmount = units(t, "30")
	snap.BlockHeight = big.NewInt(900)
	snap.CanWithdrawFrom = big.NewInt(900)

	e := Evaluate(request(action.KindWithdraw), snap, "10")
	require.False(t, e.CanAct)
	require.Equal(t, "Could not withdraw during lockup period", e.Reason)
	require.False(t, e.NeedsApproval, "withdraw is allowance exempt")

	snap.BlockHeight = big.NewInt(901)
	require.True(t, Evaluate(request(action.KindWithdraw), snap, "10").CanAct)
	require.True(t, Evaluate(request(action.KindWithdraw), snap, "31").IsInputError)
}

func TestEvaluateReportMinStake(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")
	snap.Allowance = units(t, "500")
	snap.MinStake = units(t, "250")

	low := Evaluate(request(action.KindReport), snap, "100")
	require.False(t, low.IsInputError)
	require.False(t, low.GateOK)
	require.False(t, low.CanAct)
	require.Contains(t, low.Reason, "minimum reporting stake")

	require.True(t, Evaluate(request(action.KindReport), snap, "250").CanAct)
}

func TestEvaluateStakeMaxStake(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")
	snap.Allowance = units(t, "500")
	require.True(t, Evaluate(request(action.KindStake), snap, "400").CanAct, "zero max stake means no cap")

	snap.MaxStake = units(t, "300")
	e := Evaluate(request(action.KindStake), snap, "400")
	require.True(t, e.IsInputError)
	require.Contains(t, e.Reason, "maximum stake")
}

func TestMaxInput(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "500")
	snap.StakedAmount = units(t, "12.5")
	require.Equal(t, "500", MaxInput(request(action.KindStake), snap))

	snap.MaxStake = units(t, "300")
	require.Equal(t, "300", MaxInput(request(action.KindStake), snap))
	require.Equal(t, "12.5", MaxInput(request(action.KindWithdraw), snap))
	require.Equal(t, "", MaxInput(request(action.KindUnstake), snap))
}

func TestEvaluateCollectNeedsRewards(t *testing.T) {
	snap := ledger.NewSnapshot()
	e := Evaluate(request(action.KindCollect), snap, "")
	require.False(t, e.CanAct)
	require.Equal(t, "no rewards to collect", e.Reason)

	snap.Rewards = units(t, "0.5")
	e = Evaluate(request(action.KindCollect), snap, "")
	require.True(t, e.CanAct)
	require.False(t, e.NeedsApproval)
	require.Empty(t, MaxInput(request(action.KindCollect), snap))
}

func TestEvaluateClaimPayout(t *testing.T) {
	snap := ledger.NewSnapshot()
	snap.Balance = units(t, "1000")

	e := Evaluate(request(action.KindClaim), snap, "100")
	require.Equal(t, units(t, "93.5"), e.Payout)
	require.Nil(t, Evaluate(request(action.KindStake), snap, "100").Payout)

	require.Equal(t, int64(0), ClaimPayout(big.NewInt(1)).Int64(), "rounds down")
	require.Equal(t, int64(0), ClaimPayout(nil).Sign())
}
