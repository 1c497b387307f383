package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/cover-cli/internal/config"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	execsigner "github.com/ggonzalez94/cover-cli/internal/execution/signer"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/ggonzalez94/cover-cli/internal/ledger/ledgertest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var (
	testAccount = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testToken   = "0x00000000000000000000000000000000000000aa"
)

type fakeSigner struct{ addr common.Address }

func (s fakeSigner) Address() common.Address { return s.addr }

func (s fakeSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

// grantingDispatcher includes every call; an included approval raises the
// owner's allowance in the fake ledger.
type grantingDispatcher struct {
	src   *ledgertest.Source
	grant *big.Int

	mu    sync.Mutex
	calls []execution.Call
}

func (d *grantingDispatcher) Dispatch(_ context.Context, call execution.Call) (common.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return common.BytesToHash([]byte{byte(len(d.calls))}), nil
}

func (d *grantingDispatcher) Await(_ context.Context, call execution.Call, _ common.Hash) error {
	if call.Leg == execution.LegApproval && d.grant != nil {
		d.src.SetAllowance(call.From, d.grant)
	}
	return nil
}

func (d *grantingDispatcher) legs() []execution.Leg {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]execution.Leg, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.Leg)
	}
	return out
}

func fakeBackend(src *ledgertest.Source, disp execution.Dispatcher, signerErr error) Backend {
	return Backend{
		Source: func(config.Settings, ledger.MetadataCache, logrus.FieldLogger) (ledger.Source, func()) {
			return src, func() {}
		},
		Dispatcher: func(config.Settings, execsigner.Signer, execution.ExecuteOptions) (execution.Dispatcher, func()) {
			return disp, func() {}
		},
		Signer: func(execsigner.KeySource) (execsigner.Signer, error) {
			if signerErr != nil {
				return nil, signerErr
			}
			return fakeSigner{addr: testAccount}, nil
		},
	}
}

func writeProgramsConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "cover.yaml")
	body := `programs:
  1:
    governance: "0x0000000000000000000000000000000000000a01"
    staking_pools: "0x0000000000000000000000000000000000000a02"
    resolution: "0x0000000000000000000000000000000000000a03"
    claims_processor: "0x0000000000000000000000000000000000000a04"
log:
  level: error
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func stakeLedger() *ledgertest.Source {
	src := ledgertest.New()
	src.SetSymbol("NPM")
	src.SetBalance(testAccount, units(100))
	src.SetPool(ledger.PoolInfo{Name: "Prime", MaxStake: units(50), StakedAmount: units(5), CanWithdrawFrom: big.NewInt(0)})
	return src
}

func TestRunnerStakeApprovesThenActs(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := stakeLedger()
	disp := &grantingDispatcher{src: src, grant: units(10)}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"stake", "--config", configPath, "--chain", "1", "--token", testToken, "--pool-key", "prime", "--amount", "10", "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())

	var out struct {
		State    string            `json:"state"`
		Account  string            `json:"account"`
		Approval *execution.Ticket `json:"approval"`
		Action   *execution.Ticket `json:"action"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), "output=%s", stdout.String())
	require.Equal(t, "succeeded", out.State)
	require.Equal(t, testAccount.Hex(), out.Account)
	require.NotNil(t, out.Approval)
	require.NotNil(t, out.Action)
	require.Equal(t, execution.PhaseSucceeded, out.Approval.Phase)
	require.Equal(t, execution.PhaseSucceeded, out.Action.Phase)
	require.Equal(t, "Staked NPM successfully", out.Action.Messages.Success)
	require.Equal(t, []execution.Leg{execution.LegApproval, execution.LegAction}, disp.legs())

	// Both tickets were persisted and are visible to a later process.
	stdout.Reset()
	stderr.Reset()
	r = NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code = r.Run([]string{"tickets", "list", "--config", configPath, "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())
	var tickets []execution.Ticket
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &tickets))
	require.Len(t, tickets, 2)

	stdout.Reset()
	code = r.Run([]string{"tickets", "status", "--config", configPath, "--ticket-id", out.Action.ID, "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())
	var status execution.Ticket
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &status))
	require.Equal(t, execution.LegAction, status.Leg)
}

func TestRunnerStakeSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := stakeLedger()
	src.SetAllowance(testAccount, units(60))
	disp := &grantingDispatcher{src: src}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"stake", "--config", configPath, "--chain", "1", "--token", testToken, "--pool-key", "prime", "--amount", "max", "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())
	require.Equal(t, []execution.Leg{execution.LegAction}, disp.legs())

	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	require.Nil(t, out["approval"])
}

func TestRunnerWithdrawBlockedDuringLockup(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := ledgertest.New()
	src.SetBlock(50)
	src.SetPool(ledger.PoolInfo{Name: "Prime", StakedAmount: units(10), CanWithdrawFrom: big.NewInt(100)})
	disp := &grantingDispatcher{src: src}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"withdraw", "--config", configPath, "--chain", "1", "--pool-key", "prime", "--amount", "5"})
	require.Equal(t, 16, code, "stderr=%s", stderr.String())
	require.Empty(t, disp.legs())

	var env struct {
		Success bool `json:"success"`
		Data    struct {
			State string `json:"state"`
		} `json:"data"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(stderr.Bytes(), &env), "stderr=%s", stderr.String())
	require.False(t, env.Success)
	require.Equal(t, "idle", env.Data.State)
	require.Contains(t, env.Error.Message, "lockup")
}

func TestRunnerConfirmAddressMismatch(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := stakeLedger()
	disp := &grantingDispatcher{src: src}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"stake", "--config", configPath, "--chain", "1", "--token", testToken, "--pool-key", "prime", "--amount", "1",
		"--confirm-address", "0x00000000000000000000000000000000000000b2"})
	require.Equal(t, 17, code, "stderr=%s", stderr.String())
	require.Empty(t, disp.legs())
}

func TestRunnerSnapshotWithoutAccountSkipsAccountReads(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := stakeLedger()

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, &grantingDispatcher{src: src}, errors.New("no key")))
	code := r.Run([]string{"snapshot", "stake", "--config", configPath, "--chain", "1", "--token", testToken, "--pool-key", "prime"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())
	require.Zero(t, src.Calls(ledgertest.MethodBalance))
	require.Zero(t, src.Calls(ledgertest.MethodAllowance))

	var env struct {
		Warnings []string `json:"warnings"`
		Data     struct {
			PoolName string `json:"pool_name"`
			Balance  struct {
				AmountBaseUnits string `json:"amount_base_units"`
			} `json:"balance"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &env))
	require.Len(t, env.Warnings, 1)
	require.Equal(t, "Prime", env.Data.PoolName)
	require.Equal(t, "0", env.Data.Balance.AmountBaseUnits)
}

func TestRunnerEligibilityReportsApprovalNeed(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := stakeLedger()
	src.SetAllowance(testAccount, units(3))

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, &grantingDispatcher{src: src}, nil))
	code := r.Run([]string{"eligibility", "stake", "--config", configPath, "--chain", "1", "--token", testToken, "--pool-key", "prime",
		"--account", testAccount.Hex(), "--amount", "7.5", "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())

	var report struct {
		InputValid    bool `json:"input_valid"`
		NeedsApproval bool `json:"needs_approval"`
		CanAct        bool `json:"can_act"`
		Amount        struct {
			AmountBaseUnits string `json:"amount_base_units"`
		} `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	require.True(t, report.InputValid)
	require.True(t, report.NeedsApproval)
	require.False(t, report.CanAct)
	require.Equal(t, "7500000000000000000", report.Amount.AmountBaseUnits)
}

func TestRunnerApproveRejectsKindWithoutAllowance(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := ledgertest.New()
	disp := &grantingDispatcher{src: src}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"approve", "withdraw", "--config", configPath, "--chain", "1", "--pool-key", "prime", "--amount", "1"})
	require.Equal(t, 2, code, "stderr=%s", stderr.String())
	require.Empty(t, disp.legs())
}

func TestRunnerUnstakeBlockedUntilReportingStakeWithdrawable(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := ledgertest.New()
	src.SetBlock(10)
	src.SetWithdrawableFrom(100)
	disp := &grantingDispatcher{src: src}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"unstake", "--config", configPath, "--chain", "1", "--cover-key", "prime", "--incident-date", "1650000000"})
	require.Equal(t, 16, code, "stderr=%s", stderr.String())
	require.Empty(t, disp.legs())

	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(stderr.Bytes(), &env), "stderr=%s", stderr.String())
	require.Contains(t, env.Error.Message, "withdrawal opens at block 100")

	src.SetBlock(100)
	stdout.Reset()
	stderr.Reset()
	r = NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code = r.Run([]string{"unstake", "--config", configPath, "--chain", "1", "--cover-key", "prime", "--incident-date", "1650000000", "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())
	require.Equal(t, []execution.Leg{execution.LegAction}, disp.legs())
}

func TestRunnerCollectRewards(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := ledgertest.New()
	src.SetPool(ledger.PoolInfo{Name: "Prime", CanWithdrawFrom: big.NewInt(0)})
	disp := &grantingDispatcher{src: src}

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code := r.Run([]string{"collect", "--config", configPath, "--chain", "1", "--pool-key", "prime"})
	require.Equal(t, 16, code, "stderr=%s", stderr.String())
	require.Contains(t, stderr.String(), "no rewards to collect")
	require.Empty(t, disp.legs())

	src.SetPool(ledger.PoolInfo{Name: "Prime", Rewards: units(2), CanWithdrawFrom: big.NewInt(0)})
	stdout.Reset()
	stderr.Reset()
	r = NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, disp, nil))
	code = r.Run([]string{"collect", "--config", configPath, "--chain", "1", "--pool-key", "prime", "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())

	var out struct {
		State    string            `json:"state"`
		Approval *execution.Ticket `json:"approval"`
		Action   *execution.Ticket `json:"action"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out), "output=%s", stdout.String())
	require.Equal(t, "succeeded", out.State)
	require.Nil(t, out.Approval)
	require.NotNil(t, out.Action)
	require.Equal(t, "Collected rewards successfully", out.Action.Messages.Success)
	require.Equal(t, []execution.Leg{execution.LegAction}, disp.legs())
}

func TestRunnerEligibilityPreviewsClaimPayout(t *testing.T) {
	tmp := isolateDirs(t)
	configPath := writeProgramsConfig(t, tmp)
	src := ledgertest.New()
	src.SetSymbol("cxToken")
	src.SetBalance(testAccount, units(100))

	var stdout, stderr bytes.Buffer
	r := NewRunnerWithBackend(&stdout, &stderr, fakeBackend(src, &grantingDispatcher{src: src}, nil))
	code := r.Run([]string{"eligibility", "claim", "--config", configPath, "--chain", "1", "--token", testToken,
		"--cover-key", "prime", "--incident-date", "1650000000", "--account", testAccount.Hex(), "--amount", "100", "--results-only"})
	require.Equal(t, 0, code, "stderr=%s", stderr.String())

	var report struct {
		Payout *struct {
			AmountBaseUnits string `json:"amount_base_units"`
		} `json:"payout"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report), "output=%s", stdout.String())
	require.NotNil(t, report.Payout)
	require.Equal(t, "93500000000000000000", report.Payout.AmountBaseUnits)
}
