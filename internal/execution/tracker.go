package execution

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/sirupsen/logrus"
)

// TicketStore persists ticket transitions.
type TicketStore interface {
	Save(ctx context.Context, ticket Ticket) error
}

// Tracker drives one call through submitting, pending and a terminal phase,
// announcing every transition.
type Tracker struct {
	dispatcher  Dispatcher
	log         logrus.FieldLogger
	notifier    Notifier
	store       TicketStore
	metrics     *Metrics
	stepTimeout time.Duration
	now         func() time.Time
}

type TrackerOption func(*Tracker)

func WithNotifier(n Notifier) TrackerOption {
	return func(t *Tracker) { t.notifier = n }
}

func WithStore(s TicketStore) TrackerOption {
	return func(t *Tracker) { t.store = s }
}

func WithMetrics(m *Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

func WithStepTimeout(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.stepTimeout = d
		}
	}
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(dispatcher Dispatcher, log logrus.FieldLogger, opts ...TrackerOption) *Tracker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Tracker{
		dispatcher:  dispatcher,
		log:         log,
		stepTimeout: 2 * time.Minute,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle observes one in-flight ticket.
type Handle struct {
	mu     sync.Mutex
	ticket Ticket
	done   chan struct{}
}

func (h *Handle) Ticket() Ticket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticket
}

// Done is closed once the ticket reached a terminal phase.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Wait(ctx context.Context) (Ticket, error) {
	select {
	case <-h.done:
		return h.Ticket(), nil
	case <-ctx.Done():
		return h.Ticket(), ctx.Err()
	}
}

// Start moves the call to submitting before returning and finishes the
// lifecycle in the background. Once the call reached the network,
// cancelling ctx no longer abandons the wait for inclusion.
func (t *Tracker) Start(ctx context.Context, call Call) *Handle {
	started := t.now()
	ticket := newTicket(call, started)
	h := &Handle{done: make(chan struct{})}
	log := t.log.WithFields(logrus.Fields{
		"ticket_id": ticket.ID,
		"leg":       call.Leg,
		"kind":      call.Kind,
		"chain_id":  call.ChainID,
	})
	ticket.Phase = PhaseSubmitting
	t.transition(ctx, log, h, ticket, started)

	go func() {
		defer close(h.done)
		if err := validateCallPolicy(call); err != nil {
			t.finish(ctx, log, h, ticket, started, ErrorKindRejected, err)
			return
		}
		hash, err := t.dispatcher.Dispatch(ctx, call)
		if err != nil {
			t.finish(ctx, log, h, ticket, started, ErrorKindRejected, err)
			return
		}
		ticket.TxHash = hash.Hex()
		ticket.Phase = PhasePending
		t.transition(ctx, log, h, ticket, started)
		t.await(ctx, log, h, ticket, call, hash, started)
	}()
	return h
}

// Submit runs the full lifecycle and returns the terminal ticket.
func (t *Tracker) Submit(ctx context.Context, call Call) Ticket {
	h := t.Start(ctx, call)
	<-h.done
	return h.Ticket()
}

// Resume waits again for a pending ticket, typically one loaded from the
// store by another process.
func (t *Tracker) Resume(ctx context.Context, ticket Ticket) (*Handle, error) {
	if ticket.Phase != PhasePending {
		return nil, clierr.New(clierr.CodeUsage, "only pending tickets can be resumed, got "+string(ticket.Phase))
	}
	hash, ok := normalizeTxHash(ticket.TxHash)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "ticket has no valid transaction hash")
	}
	value, ok := new(big.Int).SetString(ticket.Value, 10)
	if !ok {
		value = new(big.Int)
	}
	call := Call{
		Leg:      ticket.Leg,
		Kind:     ticket.Kind,
		ChainID:  ticket.ChainID,
		From:     common.HexToAddress(ticket.From),
		Target:   common.HexToAddress(ticket.Target),
		Data:     common.FromHex(ticket.Data),
		Value:    value,
		Messages: ticket.Messages,
	}
	started := t.now()
	h := &Handle{ticket: ticket, done: make(chan struct{})}
	log := t.log.WithFields(logrus.Fields{"ticket_id": ticket.ID, "leg": ticket.Leg, "kind": ticket.Kind, "chain_id": ticket.ChainID})
	go func() {
		defer close(h.done)
		t.await(ctx, log, h, ticket, call, hash, started)
	}()
	return h, nil
}

func (t *Tracker) await(ctx context.Context, log logrus.FieldLogger, h *Handle, ticket Ticket, call Call, hash common.Hash, started time.Time) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.stepTimeout)
	defer cancel()
	if err := t.dispatcher.Await(waitCtx, call, hash); err != nil {
		kind := ErrorKindTimeout
		if clierr.HasCode(err, clierr.CodeReverted) {
			kind = ErrorKindReverted
		}
		t.finish(ctx, log, h, ticket, started, kind, err)
		return
	}
	ticket.Phase = PhaseSucceeded
	t.transition(ctx, log, h, ticket, started)
}

func (t *Tracker) finish(ctx context.Context, log logrus.FieldLogger, h *Handle, ticket Ticket, started time.Time, kind ErrorKind, err error) {
	ticket.Phase = PhaseFailed
	ticket.ErrorKind = kind
	ticket.Error = err.Error()
	log.WithError(err).WithField("error_kind", kind).Warn("transaction failed")
	t.transition(ctx, log, h, ticket, started)
}

func (t *Tracker) transition(ctx context.Context, log logrus.FieldLogger, h *Handle, ticket Ticket, started time.Time) {
	now := t.now()
	ticket.UpdatedAt = now.UTC().Format(time.RFC3339)
	h.mu.Lock()
	h.ticket = ticket
	h.mu.Unlock()

	log.WithFields(logrus.Fields{"phase": ticket.Phase, "tx_hash": ticket.TxHash}).Info("ticket transition")
	t.metrics.observe(ticket, started, now)
	if t.store != nil {
		if err := t.store.Save(context.WithoutCancel(ctx), ticket); err != nil {
			log.WithError(err).Warn("persist ticket failed")
		}
	}
	if t.notifier != nil {
		t.notifier.Notify(context.WithoutCancel(ctx), eventFor(ticket))
	}
}
