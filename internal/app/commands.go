package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	execsigner "github.com/ggonzalez94/cover-cli/internal/execution/signer"
	"github.com/ggonzalez94/cover-cli/internal/httpx"
	"github.com/ggonzalez94/cover-cli/internal/id"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/ggonzalez94/cover-cli/internal/model"
	"github.com/ggonzalez94/cover-cli/internal/orchestrator"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type executionArgs struct {
	keySource          string
	confirmAddress     string
	pollInterval       string
	stepTimeout        string
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
}

func (a *executionArgs) bind(flags *pflag.FlagSet) {
	flags.StringVar(&a.keySource, "key-source", string(execsigner.KeySourceAuto), "Key source (auto|env|file|keystore)")
	flags.StringVar(&a.confirmAddress, "confirm-address", "", "Require signer address to match this value")
	flags.StringVar(&a.pollInterval, "poll-interval", "", "Receipt polling interval (default from config)")
	flags.StringVar(&a.stepTimeout, "step-timeout", "", "Per-step receipt timeout (default from config)")
	flags.Float64Var(&a.gasMultiplier, "gas-multiplier", 0, "Gas estimate safety multiplier (default from config)")
	flags.StringVar(&a.maxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	flags.StringVar(&a.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
}

func (s *runtimeState) executeOptions(a executionArgs) (execution.ExecuteOptions, error) {
	opts := execution.ExecuteOptions{
		Simulate:           s.settings.Simulate,
		PollInterval:       s.settings.PollInterval,
		StepTimeout:        s.settings.StepTimeout,
		GasMultiplier:      s.settings.GasMultiplier,
		MaxFeeGwei:         strings.TrimSpace(a.maxFeeGwei),
		MaxPriorityFeeGwei: strings.TrimSpace(a.maxPriorityFeeGwei),
	}
	if raw := strings.TrimSpace(a.pollInterval); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return opts, clierr.New(clierr.CodeUsage, "--poll-interval must be a positive duration")
		}
		opts.PollInterval = d
	}
	if raw := strings.TrimSpace(a.stepTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return opts, clierr.New(clierr.CodeUsage, "--step-timeout must be a positive duration")
		}
		opts.StepTimeout = d
	}
	if a.gasMultiplier != 0 {
		if a.gasMultiplier <= 1 {
			return opts, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
		}
		opts.GasMultiplier = a.gasMultiplier
	}
	return opts, nil
}

func (s *runtimeState) loadSigner(a executionArgs) (execsigner.Signer, error) {
	source, err := execsigner.ParseKeySource(a.keySource)
	if err != nil {
		return nil, err
	}
	txSigner, err := s.runner.backend.Signer(source)
	if err != nil {
		return nil, err
	}
	if confirm := strings.TrimSpace(a.confirmAddress); confirm != "" {
		want, err := id.ParseAddress(confirm, "--confirm-address")
		if err != nil {
			return nil, err
		}
		if want != txSigner.Address() {
			return nil, clierr.New(clierr.CodeSigner, "signer address does not match --confirm-address")
		}
	}
	return txSigner, nil
}

// resolveAccount picks the account for read-only commands: --account, then
// the configured signer. Without either, account-scoped reads are skipped.
func (s *runtimeState) resolveAccount(raw, keySource string) (*common.Address, []string, error) {
	if strings.TrimSpace(raw) != "" {
		addr, err := id.ParseAddress(raw, "--account")
		if err != nil {
			return nil, nil, err
		}
		return &addr, nil, nil
	}
	source, err := execsigner.ParseKeySource(keySource)
	if err != nil {
		return nil, nil, err
	}
	txSigner, err := s.runner.backend.Signer(source)
	if err != nil {
		s.log.WithError(err).Debug("no signer for read-only command")
		return nil, []string{"no account resolved; balance, allowance and unstake reads were skipped"}, nil
	}
	addr := txSigner.Address()
	return &addr, nil, nil
}

func (s *runtimeState) metadataCache() ledger.MetadataCache {
	if s.cache == nil {
		return nil
	}
	return s.cache
}

func (s *runtimeState) newReader(source ledger.Source) *ledger.Reader {
	limiter := ledger.NewNetworkLimiter(s.settings.ReadRateLimit, s.settings.ReadBurst)
	return ledger.NewReader(source, s.log, ledger.WithLimiter(limiter))
}

// observe reads the ledger once for a read-only command.
func (s *runtimeState) observe(req action.Request, chain id.Chain, account *common.Address) (ledger.Snapshot, error) {
	source, closeSource := s.runner.backend.Source(s.settings, s.metadataCache(), s.log)
	defer closeSource()
	reader := s.newReader(source)
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	gen := reader.Observe(ctx, ledger.Identity{Account: account, Network: chain.EVMChainID, Request: req})
	if err := gen.Wait(ctx); err != nil {
		return ledger.Snapshot{}, clierr.Wrap(clierr.CodeUnavailable, "ledger reads timed out", err)
	}
	return reader.Snapshot(), nil
}

func (s *runtimeState) newSnapshotCommand() *cobra.Command {
	var req requestArgs
	var account, keySource string
	cmd := &cobra.Command{
		Use:   "snapshot <kind>",
		Short: "Read the ledger facts an action depends on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := action.ParseKind(args[0])
			if err != nil {
				return err
			}
			request, chain, err := req.build(kind, s.settings.ApprovalMode)
			if err != nil {
				return err
			}
			addr, warnings, err := s.resolveAccount(account, keySource)
			if err != nil {
				return err
			}
			s.setMeta(chain, addr)
			snap, err := s.observe(request, chain, addr)
			if err != nil {
				return err
			}
			view := snapshotView(request, chain, addr, snap, orchestrator.MaxInput(request, snap))
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), view, warnings)
		},
	}
	req.bind(cmd.Flags(), nil)
	cmd.Flags().StringVar(&account, "account", "", "Account to read for (default: signer address)")
	cmd.Flags().StringVar(&keySource, "key-source", string(execsigner.KeySourceAuto), "Key source used to resolve the default account")
	return cmd
}

func (s *runtimeState) newEligibilityCommand() *cobra.Command {
	var req requestArgs
	var account, keySource, amount string
	cmd := &cobra.Command{
		Use:   "eligibility <kind>",
		Short: "Evaluate whether an amount can be approved or acted on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := action.ParseKind(args[0])
			if err != nil {
				return err
			}
			request, chain, err := req.build(kind, s.settings.ApprovalMode)
			if err != nil {
				return err
			}
			addr, warnings, err := s.resolveAccount(account, keySource)
			if err != nil {
				return err
			}
			s.setMeta(chain, addr)
			snap, err := s.observe(request, chain, addr)
			if err != nil {
				return err
			}
			input := amount
			if strings.EqualFold(strings.TrimSpace(input), "max") {
				input = orchestrator.MaxInput(request, snap)
			}
			e := orchestrator.Evaluate(request, snap, input)
			report := model.EligibilityReport{
				Kind:          e.Kind,
				Input:         input,
				InputValid:    e.InputValid,
				IsInputError:  e.IsInputError,
				NeedsApproval: e.NeedsApproval,
				Gate:          e.Gate,
				GateOK:        e.GateOK,
				CanAct:        e.CanAct,
				Reason:        e.Reason,
			}
			if e.Amount != nil {
				report.Amount = amountInfoPtr(e.Amount)
			}
			if e.Payout != nil {
				report.Payout = amountInfoPtr(e.Payout)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, warnings)
		},
	}
	req.bind(cmd.Flags(), nil)
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in token units, or max")
	cmd.Flags().StringVar(&account, "account", "", "Account to evaluate for (default: signer address)")
	cmd.Flags().StringVar(&keySource, "key-source", string(execsigner.KeySourceAuto), "Key source used to resolve the default account")
	return cmd
}

func (s *runtimeState) newApproveCommand() *cobra.Command {
	var req requestArgs
	var exec executionArgs
	var amount string
	cmd := &cobra.Command{
		Use:   "approve <kind>",
		Short: "Approve the token spend an action needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := action.ParseKind(args[0])
			if err != nil {
				return err
			}
			return s.runAction(cmd, kind, req, exec, amount, true)
		},
	}
	req.bind(cmd.Flags(), nil)
	exec.bind(cmd.Flags())
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in token units, or max")
	return cmd
}

func (s *runtimeState) newActionCommand(kind action.Kind) *cobra.Command {
	spec, _ := action.Lookup(kind)
	var req requestArgs
	var exec executionArgs
	var amount string
	short := fmt.Sprintf("Run %s, approving the token spend first when allowance is short", strings.ReplaceAll(string(kind), "_", " "))
	if !spec.NeedsAllowance {
		short = fmt.Sprintf("Run %s", strings.ReplaceAll(string(kind), "_", " "))
	}
	cmd := &cobra.Command{
		Use:   commandName(kind),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.runAction(cmd, kind, req, exec, amount, false)
		},
	}
	req.bind(cmd.Flags(), &spec)
	exec.bind(cmd.Flags())
	if spec.NeedsAmount {
		cmd.Flags().StringVar(&amount, "amount", "", "Amount in token units, or max")
		_ = cmd.MarkFlagRequired("amount")
	}
	return cmd
}

// runAction drives one orchestrator trigger to a terminal ticket.
func (s *runtimeState) runAction(cmd *cobra.Command, kind action.Kind, args requestArgs, exec executionArgs, amount string, approveOnly bool) error {
	request, chain, err := args.build(kind, s.settings.ApprovalMode)
	if err != nil {
		return err
	}
	opts, err := s.executeOptions(exec)
	if err != nil {
		return err
	}
	txSigner, err := s.loadSigner(exec)
	if err != nil {
		return err
	}
	account := txSigner.Address()
	s.setMeta(chain, &account)

	dispatcher, closeDispatcher := s.runner.backend.Dispatcher(s.settings, txSigner, opts)
	defer closeDispatcher()
	source, closeSource := s.runner.backend.Source(s.settings, s.metadataCache(), s.log)
	defer closeSource()

	tracker := execution.NewTracker(dispatcher, s.log, s.trackerOptions(opts)...)
	recorder := &recordingStarter{next: tracker}
	result := model.ActionResult{Kind: kind, ChainID: chain.EVMChainID, Account: account.Hex()}
	var warnings []string

	orch, err := orchestrator.New(s.newReader(source), recorder, orchestrator.Config{
		Request:  request,
		Programs: s.settings.Programs,
		Log:      s.log,
		Hooks: orchestrator.Hooks{
			OnAuthRequired: func() {
				s.log.Warn("no signing session; connect a wallet to continue")
			},
			OnSuccess: func(execution.Ticket) {
				if kind == action.KindReport {
					result.Next = "reporting/active"
				}
			},
		},
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*s.settings.Timeout+2*opts.StepTimeout)
	defer cancel()

	orch.SetSession(ctx, orchestrator.Session{Account: &account, Network: chain.EVMChainID})

	input := amount
	if strings.EqualFold(strings.TrimSpace(input), "max") {
		if err := orch.Sync(ctx); err != nil {
			return clierr.Wrap(clierr.CodeUnavailable, "wait for ledger reads", err)
		}
		input = orchestrator.MaxInput(request, orch.Snapshot())
		warnings = append(warnings, fmt.Sprintf("max resolved to %s", input))
	}

	var ticket execution.Ticket
	if approveOnly {
		ticket, err = orch.Approve(ctx, input)
	} else {
		ticket, err = orch.Run(ctx, input)
	}
	result.State = string(orch.State())
	result.Approval, result.Action = recorder.tickets()
	if err == nil {
		err = ticket.Err()
	}
	if err != nil {
		return s.fail(result, warnings, err)
	}
	s.log.WithFields(logrus.Fields{"kind": kind, "ticket_id": ticket.ID, "tx_hash": ticket.TxHash}).Info("action finished")
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings)
}

func (s *runtimeState) trackerOptions(opts execution.ExecuteOptions) []execution.TrackerOption {
	out := []execution.TrackerOption{
		execution.WithStepTimeout(opts.StepTimeout),
		execution.WithNotifier(s.notifier()),
	}
	if s.tickets != nil {
		out = append(out, execution.WithStore(s.tickets))
	}
	if s.metrics != nil {
		out = append(out, execution.WithMetrics(s.metrics))
	}
	return out
}

// notifier fans ticket transitions out to stderr in plain mode and to the
// configured webhook.
func (s *runtimeState) notifier() execution.Notifier {
	var out execution.MultiNotifier
	if s.settings.OutputMode == "plain" {
		out = append(out, execution.NewConsoleNotifier(s.runner.stderr))
	}
	out = append(out, execution.NotifierFunc(func(_ context.Context, event execution.Event) {
		s.log.WithFields(logrus.Fields{"ticket_id": event.Ticket.ID, "phase": event.Ticket.Phase}).Debug(event.Text)
	}))
	if url := strings.TrimSpace(s.settings.WebhookURL); url != "" {
		hook, err := execution.NewWebhookNotifier(httpx.New(s.settings.Timeout, s.settings.Retries), url, func(err error) {
			s.log.WithError(err).Warn("webhook delivery failed")
		})
		if err != nil {
			s.log.WithError(err).Warn("webhook notifications disabled")
		} else {
			out = append(out, hook)
		}
	}
	return out
}

func (s *runtimeState) setMeta(chain id.Chain, account *common.Address) {
	s.lastMeta.ChainID = chain.EVMChainID
	if account != nil {
		s.lastMeta.Account = account.Hex()
	}
}

// recordingStarter remembers the handles of the latest approval and action
// legs so the command can report both tickets.
type recordingStarter struct {
	next orchestrator.Starter

	mu       sync.Mutex
	approval *execution.Handle
	action   *execution.Handle
}

func (r *recordingStarter) Start(ctx context.Context, call execution.Call) *execution.Handle {
	h := r.next.Start(ctx, call)
	r.mu.Lock()
	defer r.mu.Unlock()
	if call.Leg == execution.LegApproval {
		r.approval = h
	} else {
		r.action = h
	}
	return h
}

func (r *recordingStarter) tickets() (approval, act *execution.Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.approval != nil {
		t := r.approval.Ticket()
		approval = &t
	}
	if r.action != nil {
		t := r.action.Ticket()
		act = &t
	}
	return approval, act
}
