package action

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestEveryKindHasSpec(t *testing.T) {
	for _, kind := range Kinds() {
		spec, ok := Lookup(kind)
		require.True(t, ok, "kind %s", kind)
		require.NotEmpty(t, spec.Program)
		require.NotEmpty(t, spec.Method)
		msgs := spec.Messages("NPM")
		require.NotEmpty(t, msgs.Pending)
		require.NotEmpty(t, msgs.Success)
		require.NotEmpty(t, msgs.Failure)
		if spec.NeedsAllowance {
			require.True(t, spec.NeedsAmount, "allowance kinds spend an amount: %s", kind)
		}
	}
}

func TestAllowanceExemptKinds(t *testing.T) {
	for _, kind := range []Kind{KindWithdraw, KindUnstake, KindUnstakeWithClaim, KindCollect} {
		spec, _ := Lookup(kind)
		require.False(t, spec.NeedsAllowance, "kind %s", kind)
	}
	unstake, _ := Lookup(KindUnstake)
	require.False(t, unstake.NeedsAmount)
	collect, _ := Lookup(KindCollect)
	require.False(t, collect.NeedsAmount)
	require.Equal(t, GateRewardsAvailable, collect.Gate)
}

func TestMessages(t *testing.T) {
	stake, _ := Lookup(KindStake)
	require.Equal(t, Messages{
		Pending: "Staking NPM",
		Success: "Staked NPM successfully",
		Failure: "Could not stake NPM",
	}, stake.Messages(""))

	require.Equal(t, "Approving DAI tokens", ApprovalMessages("DAI").Pending)

	report, _ := Lookup(KindReport)
	require.Equal(t, "Reporting incident", report.Messages("NPM").Pending)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("unstake-with-claim")
	require.NoError(t, err)
	require.Equal(t, KindUnstakeWithClaim, kind)

	_, err = ParseKind("swap")
	require.True(t, clierr.HasCode(err, clierr.CodeUsage))
}

func TestRequestValidate(t *testing.T) {
	var key [32]byte
	copy(key[:], "cover")
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	require.NoError(t, Request{Kind: KindReport, ApprovalMode: ApprovalExact, Subject: Subject{Token: token, CoverKey: key}}.Validate())
	require.Error(t, Request{Kind: KindReport, ApprovalMode: ApprovalExact, Subject: Subject{Token: token}}.Validate())
	require.Error(t, Request{Kind: KindReport, ApprovalMode: "max", Subject: Subject{Token: token, CoverKey: key}}.Validate())

	require.Error(t, Request{Kind: KindUnstake, ApprovalMode: ApprovalExact, Subject: Subject{CoverKey: key}}.Validate())
	require.NoError(t, Request{Kind: KindUnstake, ApprovalMode: ApprovalExact, Subject: Subject{CoverKey: key, IncidentDate: big.NewInt(1650000000)}}.Validate())

	require.NoError(t, Request{Kind: KindWithdraw, ApprovalMode: ApprovalExact, Subject: Subject{PoolKey: key}}.Validate())
	require.Error(t, Request{Kind: KindStake, ApprovalMode: ApprovalExact, Subject: Subject{PoolKey: key}}.Validate())
	require.NoError(t, Request{Kind: KindCollect, ApprovalMode: ApprovalExact, Subject: Subject{PoolKey: key}}.Validate())
	require.Error(t, Request{Kind: KindCollect, ApprovalMode: ApprovalExact}.Validate())
}
