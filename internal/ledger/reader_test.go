package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/ggonzalez94/cover-cli/internal/ledger/ledgertest"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	npm   = common.HexToAddress("0x00000000000000000000000000000000000000f0")
)

func reportIdentity(account *common.Address) ledger.Identity {
	var key [32]byte
	copy(key[:], "huobi-wallet")
	return ledger.Identity{
		Account: account,
		Network: 1,
		Request: action.Request{
			Kind:         action.KindReport,
			ApprovalMode: action.ApprovalExact,
			Subject:      action.Subject{Token: npm, CoverKey: key},
		},
	}
}

func wait(t *testing.T, gen *ledger.Generation) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, gen.Wait(ctx))
}

func TestObserveAppliesReportFields(t *testing.T) {
	src := ledgertest.New()
	src.SetSymbol("NPM")
	src.SetBalance(alice, big.NewInt(500))
	src.SetAllowance(alice, big.NewInt(40))
	src.SetMinStake(big.NewInt(250))

	log, _ := logtest.NewNullLogger()
	r := ledger.NewReader(src, log)
	defer r.Close()

	gen := r.Observe(context.Background(), reportIdentity(&alice))
	wait(t, gen)

	snap := r.Snapshot()
	require.Equal(t, gen.Token(), snap.Generation)
	require.Equal(t, "NPM", snap.TokenSymbol)
	require.Equal(t, int64(500), snap.Balance.Int64())
	require.Equal(t, int64(40), snap.Allowance.Int64())
	require.Equal(t, int64(250), snap.MinStake.Int64())
	require.Zero(t, src.Calls(ledgertest.MethodPoolInfo))
}

func TestSupersededResponseIsDiscarded(t *testing.T) {
	src := ledgertest.New()
	src.SetBalance(alice, big.NewInt(500))

	log, _ := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	r := ledger.NewReader(src, log)
	defer r.Close()

	release := src.Hold(ledgertest.MethodBalance)
	first := r.Observe(context.Background(), reportIdentity(&alice))
	require.Eventually(t, func() bool { return src.Calls(ledgertest.MethodBalance) == 1 }, time.Second, 5*time.Millisecond)

	src.Unhold(ledgertest.MethodBalance)
	src.SetBalance(alice, big.NewInt(200))
	second := r.Refresh(context.Background())
	wait(t, second)
	require.Equal(t, int64(200), r.Snapshot().Balance.Int64())

	src.SetBalance(alice, big.NewInt(100))
	release()
	wait(t, first)

	snap := r.Snapshot()
	require.Equal(t, int64(200), snap.Balance.Int64(), "late response from an older generation must not apply")
	require.Equal(t, second.Token(), snap.Generation)
	require.Greater(t, second.Token(), first.Token())
}

func TestReadFailureKeepsLastKnownValue(t *testing.T) {
	src := ledgertest.New()
	src.SetBalance(alice, big.NewInt(500))

	log, hook := logtest.NewNullLogger()
	r := ledger.NewReader(src, log)
	defer r.Close()

	wait(t, r.Observe(context.Background(), reportIdentity(&alice)))
	require.Equal(t, int64(500), r.Snapshot().Balance.Int64())

	src.Fail(ledgertest.MethodBalance, errors.New("rpc unavailable"))
	src.SetAllowance(alice, big.NewInt(100))
	wait(t, r.Refresh(context.Background()))

	snap := r.Snapshot()
	require.Equal(t, int64(500), snap.Balance.Int64())
	require.Equal(t, int64(100), snap.Allowance.Int64())

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Data["field"] == "balance" {
			warned = true
		}
	}
	require.True(t, warned, "expected the failed read to be logged")
}

func TestIdentityChangeResetsSnapshot(t *testing.T) {
	src := ledgertest.New()
	src.SetBalance(alice, big.NewInt(500))

	log, _ := logtest.NewNullLogger()
	r := ledger.NewReader(src, log)
	defer r.Close()

	wait(t, r.Observe(context.Background(), reportIdentity(&alice)))
	require.Equal(t, int64(500), r.Snapshot().Balance.Int64())

	wait(t, r.Observe(context.Background(), reportIdentity(&bob)))
	require.Zero(t, r.Snapshot().Balance.Sign())
}

func TestUnauthenticatedIdentitySkipsAccountReads(t *testing.T) {
	src := ledgertest.New()
	src.SetMinStake(big.NewInt(250))

	log, _ := logtest.NewNullLogger()
	r := ledger.NewReader(src, log)
	defer r.Close()

	wait(t, r.Observe(context.Background(), reportIdentity(nil)))
	require.Zero(t, src.Calls(ledgertest.MethodBalance))
	require.Zero(t, src.Calls(ledgertest.MethodAllowance))
	require.Equal(t, int64(250), r.Snapshot().MinStake.Int64())
}

func TestCloseDropsInFlightResponses(t *testing.T) {
	src := ledgertest.New()
	src.SetAllowance(alice, big.NewInt(100))

	log, _ := logtest.NewNullLogger()
	r := ledger.NewReader(src, log)
	updates, _ := r.Subscribe()

	release := src.Hold(ledgertest.MethodAllowance)
	gen := r.Observe(context.Background(), reportIdentity(&alice))
	require.Eventually(t, func() bool { return src.Calls(ledgertest.MethodAllowance) == 1 }, time.Second, 5*time.Millisecond)

	r.Close()
	release()
	wait(t, gen)

	require.Zero(t, r.Snapshot().Allowance.Sign())
	for range updates {
	}
	_, ok := <-updates
	require.False(t, ok, "subscription must be closed on Close")
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	src := ledgertest.New()
	src.SetBalance(alice, big.NewInt(7))

	log, _ := logtest.NewNullLogger()
	r := ledger.NewReader(src, log)
	defer r.Close()

	updates, cancel := r.Subscribe()
	defer cancel()

	wait(t, r.Observe(context.Background(), reportIdentity(&alice)))
	require.Eventually(t, func() bool {
		select {
		case snap := <-updates:
			return snap.Balance.Int64() == 7
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestStakeReadsPoolInfo(t *testing.T) {
	src := ledgertest.New()
	src.SetPool(ledger.PoolInfo{Name: "NPM staking", MaxStake: big.NewInt(1000), StakedAmount: big.NewInt(10), CanWithdrawFrom: big.NewInt(99)})

	log, _ := logtest.NewNullLogger()
	r := ledger.NewReader(src, log, ledger.WithLimiter(ledger.NewNetworkLimiter(1000, 10)))
	defer r.Close()

	var pool [32]byte
	copy(pool[:], "pod-staking")
	wait(t, r.Observe(context.Background(), ledger.Identity{
		Account: &alice,
		Network: 1,
		Request: action.Request{Kind: action.KindStake, ApprovalMode: action.ApprovalExact, Subject: action.Subject{Token: npm, PoolKey: pool}},
	}))

	snap := r.Snapshot()
	require.Equal(t, "NPM staking", snap.PoolName)
	require.Equal(t, int64(1000), snap.MaxStake.Int64())
	require.Equal(t, int64(10), snap.StakedAmount.Int64())
	require.Equal(t, int64(99), snap.CanWithdrawFrom.Int64())
}
