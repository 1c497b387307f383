package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution"
	"github.com/ggonzalez94/cover-cli/internal/execution/planner"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/ggonzalez94/cover-cli/internal/registry"
	"github.com/sirupsen/logrus"
)

// Session is the signing context an orchestrator acts for. A nil Account
// or a zero Network means unauthenticated.
type Session struct {
	Account *common.Address
	Network int64
}

func (s Session) authenticated() bool {
	return s.Account != nil && s.Network != 0
}

type Hooks struct {
	// OnAuthRequired runs when a trigger arrives without a session. The
	// trigger is dropped, not queued.
	OnAuthRequired func()
	// OnSuccess runs after an action ticket succeeded and the ledger was
	// refreshed.
	OnSuccess func(execution.Ticket)
}

// Starter launches a tracked submission. *execution.Tracker implements it.
type Starter interface {
	Start(ctx context.Context, call execution.Call) *execution.Handle
}

type Config struct {
	Request  action.Request
	Programs registry.ProgramAddresses
	Hooks    Hooks
	Log      logrus.FieldLogger
}

// Orchestrator sequences approval and action for one request. Triggers
// block until the submission they start is terminal; at most one runs at a
// time.
type Orchestrator struct {
	req      action.Request
	spec     action.Spec
	reader   *ledger.Reader
	tracker  Starter
	programs registry.ProgramAddresses
	hooks    Hooks
	log      logrus.FieldLogger

	mu       sync.Mutex
	state    State
	session  Session
	epoch    uint64
	gen      *ledger.Generation
	running  bool
	closed   bool

	// Handles of the latest approval and action submissions.
	approveHandle *execution.Handle
	actHandle     *execution.Handle
}

func New(reader *ledger.Reader, tracker Starter, cfg Config) (*Orchestrator, error) {
	if err := cfg.Request.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		req:      cfg.Request,
		spec:     cfg.Request.Spec(),
		reader:   reader,
		tracker:  tracker,
		programs: cfg.Programs,
		hooks:    cfg.Hooks,
		log:      log.WithField("kind", cfg.Request.Kind),
		state:    StateIdle,
	}, nil
}

// SetSession switches account or network. Reads of the previous identity
// are invalidated and the state resets to idle; a ticket already in flight
// keeps running and still reports its outcome.
func (o *Orchestrator) SetSession(ctx context.Context, s Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.session = s
	o.epoch++
	o.state = StateIdle
	o.gen = o.reader.Observe(ctx, ledger.Identity{Account: s.Account, Network: s.Network, Request: o.req})
	o.log.WithFields(logrus.Fields{"network": s.Network, "authenticated": s.authenticated()}).Debug("session changed")
}

// Sync waits until the reads issued for the current session settle.
func (o *Orchestrator) Sync(ctx context.Context) error {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	if gen == nil {
		return nil
	}
	return gen.Wait(ctx)
}

func (o *Orchestrator) Snapshot() ledger.Snapshot { return o.reader.Snapshot() }

func (o *Orchestrator) Evaluate(input string) Eligibility {
	return Evaluate(o.req, o.reader.Snapshot(), input)
}

// State reports settling while the action call waits for inclusion.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateActing && o.actHandle != nil && o.actHandle.Ticket().Phase == execution.PhasePending {
		return StateSettling
	}
	return o.state
}

// Approving reports whether an approval ticket is not yet terminal.
func (o *Orchestrator) Approving() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return inFlight(o.approveHandle)
}

// Acting reports whether an action ticket is not yet terminal.
func (o *Orchestrator) Acting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return inFlight(o.actHandle)
}

func inFlight(h *execution.Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// Close stops applying ledger reads. Tickets in flight are not cancelled.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.epoch++
	o.state = StateIdle
	o.reader.Close()
}

// run is the state shared by one trigger invocation.
type run struct {
	epoch   uint64
	session Session
}

// begin performs the boundary checks every trigger shares. On success the
// orchestrator is marked running and the caller must call end.
func (o *Orchestrator) begin() (run, *ledger.Generation, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return run{}, nil, clierr.New(clierr.CodeUsage, "orchestrator is closed")
	}
	if o.running || inFlight(o.approveHandle) || inFlight(o.actHandle) {
		o.mu.Unlock()
		return run{}, nil, clierr.New(clierr.CodeBusy, fmt.Sprintf("%s already in progress", o.spec.Kind))
	}
	if !o.session.authenticated() {
		o.state = StateIdle
		o.mu.Unlock()
		if o.hooks.OnAuthRequired != nil {
			o.hooks.OnAuthRequired()
		}
		return run{}, nil, clierr.New(clierr.CodeAuth, "connect a wallet to continue")
	}
	o.running = true
	r, gen := run{epoch: o.epoch, session: o.session}, o.gen
	o.mu.Unlock()
	return r, gen, nil
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
}

// setState applies s only while the trigger's session is still current.
func (o *Orchestrator) setState(r run, s State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != r.epoch {
		return false
	}
	if o.state != s {
		o.log.WithFields(logrus.Fields{"from": o.state, "to": s}).Debug("state transition")
	}
	o.state = s
	return true
}

// settleFailure passes through failed before returning to the state the
// trigger can be retried from.
func (o *Orchestrator) settleFailure(r run, ticket execution.Ticket, retry State) {
	o.setState(r, StateFailed)
	o.log.WithFields(logrus.Fields{"ticket_id": ticket.ID, "leg": ticket.Leg, "error_kind": ticket.ErrorKind}).Debug(ticket.Messages.Failure)
	o.setState(r, retry)
}

func (o *Orchestrator) stale(r run) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch == r.epoch {
		return nil
	}
	if !o.session.authenticated() {
		return clierr.New(clierr.CodeAuth, "session ended during evaluation")
	}
	return clierr.New(clierr.CodeUsage, "session changed during evaluation; retry")
}

// evaluate waits for gen and checks the input against the snapshot. Input
// errors leave the orchestrator idle.
func (o *Orchestrator) evaluate(ctx context.Context, r run, gen *ledger.Generation, input string) (Eligibility, error) {
	if o.spec.NeedsAmount {
		if e := Evaluate(o.req, ledger.NewSnapshot(), input); !e.InputPresent || !e.InputValid {
			return e, clierr.New(clierr.CodeUsage, "invalid amount: "+e.Reason)
		}
	}
	o.setState(r, StateEvaluating)
	if gen != nil {
		if err := gen.Wait(ctx); err != nil {
			o.setState(r, StateIdle)
			return Eligibility{}, clierr.Wrap(clierr.CodeUnavailable, "wait for ledger reads", err)
		}
	}
	if err := o.stale(r); err != nil {
		return Eligibility{}, err
	}
	e := Evaluate(o.req, o.reader.Snapshot(), input)
	if e.IsInputError {
		o.setState(r, StateIdle)
		return e, clierr.New(clierr.CodeUsage, "invalid amount: "+e.Reason)
	}
	if !e.GateOK {
		o.setState(r, StateIdle)
		return e, clierr.New(clierr.CodeBlocked, e.Reason)
	}
	if e.NeedsApproval {
		o.setState(r, StateNeedsApproval)
	} else {
		o.setState(r, StateReadyToAct)
	}
	return e, nil
}

// Run is the action trigger. When allowance is short it approves first,
// refreshes the ledger and re-evaluates before acting. A failed ticket is
// returned with a nil error; the error covers boundary failures only.
func (o *Orchestrator) Run(ctx context.Context, input string) (execution.Ticket, error) {
	r, gen, err := o.begin()
	if err != nil {
		return execution.Ticket{}, err
	}
	defer o.end()

	e, err := o.evaluate(ctx, r, gen, input)
	if err != nil {
		return execution.Ticket{}, err
	}
	if e.NeedsApproval {
		ticket, err := o.approve(ctx, r, e.Amount)
		if err != nil || ticket.Phase != execution.PhaseSucceeded {
			return ticket, err
		}
		e, err = o.evaluate(ctx, r, o.refresh(ctx), input)
		if err != nil {
			return ticket, err
		}
		if e.NeedsApproval {
			return ticket, clierr.New(clierr.CodeActionPlan, "allowance is still below the requested amount after approval")
		}
	}
	return o.act(ctx, r, e.Amount)
}

// Approve is the approval trigger. It submits the approval leg only and
// re-evaluates against a refreshed allowance.
func (o *Orchestrator) Approve(ctx context.Context, input string) (execution.Ticket, error) {
	if !o.spec.NeedsAllowance {
		return execution.Ticket{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s does not need a token approval", o.spec.Kind))
	}
	r, gen, err := o.begin()
	if err != nil {
		return execution.Ticket{}, err
	}
	defer o.end()

	e, err := o.evaluate(ctx, r, gen, input)
	if err != nil {
		return execution.Ticket{}, err
	}
	ticket, err := o.approve(ctx, r, e.Amount)
	if err != nil || ticket.Phase != execution.PhaseSucceeded {
		return ticket, err
	}
	_, err = o.evaluate(ctx, r, o.refresh(ctx), input)
	return ticket, err
}

func (o *Orchestrator) approve(ctx context.Context, r run, amount *big.Int) (execution.Ticket, error) {
	spender, err := planner.ProgramAddress(o.programs, r.session.Network, o.spec.Program)
	if err != nil {
		o.setState(r, StateNeedsApproval)
		return execution.Ticket{}, err
	}
	call, err := planner.BuildApproval(planner.ApprovalRequest{
		ChainID:   r.session.Network,
		Sender:    *r.session.Account,
		Token:     o.req.Subject.Token,
		Spender:   spender,
		Requested: amount,
		Mode:      o.req.ApprovalMode,
		Symbol:    o.reader.Snapshot().TokenSymbol,
	})
	if err != nil {
		o.setState(r, StateNeedsApproval)
		return execution.Ticket{}, err
	}

	o.setState(r, StateApproving)
	h := o.tracker.Start(ctx, call)
	o.mu.Lock()
	o.approveHandle = h
	o.mu.Unlock()

	<-h.Done()
	ticket := h.Ticket()
	if ticket.Phase != execution.PhaseSucceeded {
		o.settleFailure(r, ticket, StateNeedsApproval)
	}
	return ticket, nil
}

func (o *Orchestrator) act(ctx context.Context, r run, amount *big.Int) (execution.Ticket, error) {
	call, err := planner.BuildAction(planner.ActionRequest{
		ChainID:  r.session.Network,
		Sender:   *r.session.Account,
		Request:  o.req,
		Amount:   amount,
		Programs: o.programs,
		Symbol:   o.reader.Snapshot().TokenSymbol,
	})
	if err != nil {
		o.setState(r, StateReadyToAct)
		return execution.Ticket{}, err
	}

	o.setState(r, StateActing)
	h := o.tracker.Start(ctx, call)
	o.mu.Lock()
	o.actHandle = h
	o.mu.Unlock()

	<-h.Done()
	ticket := h.Ticket()
	if ticket.Phase != execution.PhaseSucceeded {
		o.settleFailure(r, ticket, StateReadyToAct)
		return ticket, nil
	}
	o.setState(r, StateSettling)
	if o.stale(r) == nil {
		_ = o.refresh(ctx).Wait(ctx)
	}
	o.setState(r, StateSucceeded)
	if o.hooks.OnSuccess != nil {
		o.hooks.OnSuccess(ticket)
	}
	return ticket, nil
}

func (o *Orchestrator) refresh(ctx context.Context) *ledger.Generation {
	gen := o.reader.Refresh(ctx)
	o.mu.Lock()
	o.gen = gen
	o.mu.Unlock()
	return gen
}
