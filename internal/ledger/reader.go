package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/sirupsen/logrus"
)

// Reader owns the snapshot for one orchestrator. Every Observe starts a new
// generation; a response is applied only while its generation is current.
type Reader struct {
	source  Source
	log     logrus.FieldLogger
	limiter *NetworkLimiter
	now     func() time.Time

	mu          sync.Mutex
	token       uint64
	identity    Identity
	hasIdentity bool
	snap        Snapshot
	cancel      context.CancelFunc
	closed      bool
	subs        map[uint64]chan Snapshot
	nextSub     uint64
}

type Option func(*Reader)

func WithLimiter(limiter *NetworkLimiter) Option {
	return func(r *Reader) { r.limiter = limiter }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reader) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReader(source Source, log logrus.FieldLogger, opts ...Option) *Reader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reader{
		source: source,
		log:    log,
		now:    time.Now,
		snap:   NewSnapshot(),
		subs:   map[uint64]chan Snapshot{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generation tracks the reads issued by one Observe call.
type Generation struct {
	token uint64
	done  chan struct{}
}

func (g *Generation) Token() uint64 { return g.token }

// Done is closed once every read of the generation was applied or discarded.
func (g *Generation) Done() <-chan struct{} { return g.done }

func (g *Generation) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func finishedGeneration(token uint64) *Generation {
	g := &Generation{token: token, done: make(chan struct{})}
	close(g.done)
	return g
}

// Observe switches the reader to id and issues that identity's reads in
// parallel. A different identity resets the snapshot to zero values; the
// same identity keeps last known values until fresh ones arrive.
func (r *Reader) Observe(ctx context.Context, id Identity) *Generation {
	r.mu.Lock()
	if r.closed {
		token := r.token
		r.mu.Unlock()
		return finishedGeneration(token)
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.token++
	token := r.token
	if !r.hasIdentity || !r.identity.Equal(id) {
		r.snap = NewSnapshot()
		r.snap.Generation = token
		r.publishLocked()
	}
	r.identity = id
	r.hasIdentity = true
	readCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	log := r.log.WithFields(logrus.Fields{
		"network":    id.Network,
		"account":    id.accountLabel(),
		"kind":       id.Request.Kind,
		"generation": token,
	})
	gen := &Generation{token: token, done: make(chan struct{})}
	fields := fieldsFor(id)
	log.WithField("fields", len(fields)).Debug("observing ledger")

	var wg sync.WaitGroup
	for _, f := range fields {
		wg.Add(1)
		go func(f field) {
			defer wg.Done()
			r.read(readCtx, log, token, id, f)
		}(f)
	}
	go func() {
		wg.Wait()
		cancel()
		close(gen.done)
	}()
	return gen
}

// Refresh re-reads the current identity under a new generation.
func (r *Reader) Refresh(ctx context.Context) *Generation {
	r.mu.Lock()
	id, ok := r.identity, r.hasIdentity
	token := r.token
	r.mu.Unlock()
	if !ok {
		return finishedGeneration(token)
	}
	return r.Observe(ctx, id)
}

// Invalidate bumps the generation without issuing reads, so every in-flight
// response is discarded.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Close invalidates the generation and ends every subscription. Responses
// still in flight are dropped.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.token++
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for key, ch := range r.subs {
		close(ch)
		delete(r.subs, key)
	}
}

func (r *Reader) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.Clone()
}

// Subscribe returns a channel that receives a copy of the snapshot after
// every applied update. Slow receivers only see the latest value.
func (r *Reader) Subscribe() (<-chan Snapshot, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	key := r.nextSub
	r.nextSub++
	r.subs[key] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[key]; ok {
			close(sub)
			delete(r.subs, key)
		}
	}
}

func (r *Reader) publishLocked() {
	for _, ch := range r.subs {
		snap := r.snap.Clone()
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (r *Reader) read(ctx context.Context, log logrus.FieldLogger, token uint64, id Identity, f field) {
	if err := r.limiter.Wait(ctx, id.Network); err != nil {
		r.fail(log, token, f, err)
		return
	}

	subject := id.Request.Subject
	var (
		mutate func(*Snapshot)
		err    error
	)
	switch f {
	case fieldBlockHeight:
		var v *big.Int
		v, err = r.source.BlockHeight(ctx, id.Network)
		mutate = func(s *Snapshot) { s.BlockHeight = cloneInt(v) }
	case fieldSymbol:
		var v string
		v, err = r.source.TokenSymbol(ctx, id.Network, subject.Token)
		mutate = func(s *Snapshot) { s.TokenSymbol = v }
	case fieldBalance:
		var v *big.Int
		v, err = r.source.Balance(ctx, id.Network, subject.Token, *id.Account)
		mutate = func(s *Snapshot) { s.Balance = cloneInt(v) }
	case fieldAllowance:
		var v *big.Int
		v, err = r.source.Allowance(ctx, id.Network, subject.Token, *id.Account, id.Request.Spec().Program)
		mutate = func(s *Snapshot) { s.Allowance = cloneInt(v) }
	case fieldMinStake:
		var v *big.Int
		v, err = r.source.MinStake(ctx, id.Network, subject.CoverKey)
		mutate = func(s *Snapshot) { s.MinStake = cloneInt(v) }
	case fieldPoolInfo:
		var account common.Address
		if id.Account != nil {
			account = *id.Account
		}
		var v PoolInfo
		v, err = r.source.PoolInfo(ctx, id.Network, subject.PoolKey, account)
		mutate = func(s *Snapshot) {
			s.PoolName = v.Name
			s.MaxStake = cloneInt(v.MaxStake)
			s.StakedAmount = cloneInt(v.StakedAmount)
			s.Rewards = cloneInt(v.Rewards)
			s.CanWithdrawFrom = cloneInt(v.CanWithdrawFrom)
		}
	case fieldWithdrawableFrom:
		var v *big.Int
		v, err = r.source.WithdrawableFrom(ctx, id.Network, subject.CoverKey, subject.IncidentDate)
		mutate = func(s *Snapshot) { s.CanWithdrawFrom = cloneInt(v) }
	case fieldUnstakeInfo:
		var v UnstakeInfo
		v, err = r.source.UnstakeInfo(ctx, id.Network, *id.Account, subject.CoverKey, subject.IncidentDate)
		mutate = func(s *Snapshot) {
			s.Unstake = UnstakeInfo{
				TotalStakeInWinningCamp: cloneInt(v.TotalStakeInWinningCamp),
				TotalStakeInLosingCamp:  cloneInt(v.TotalStakeInLosingCamp),
				MyStakeInWinningCamp:    cloneInt(v.MyStakeInWinningCamp),
				ToBurn:                  cloneInt(v.ToBurn),
				ToReporter:              cloneInt(v.ToReporter),
				MyReward:                cloneInt(v.MyReward),
			}
		}
	default:
		err = fmt.Errorf("unknown field %s", f)
	}
	if err != nil {
		r.fail(log, token, f, err)
		return
	}
	r.apply(log, token, f, mutate)
}

func (r *Reader) apply(log logrus.FieldLogger, token uint64, f field, mutate func(*Snapshot)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || token != r.token {
		log.WithField("field", f).Debug("discarding stale ledger read")
		return false
	}
	mutate(&r.snap)
	r.snap.Generation = token
	r.snap.UpdatedAt = r.now().UTC()
	r.publishLocked()
	return true
}

func (r *Reader) fail(log logrus.FieldLogger, token uint64, f field, err error) {
	r.mu.Lock()
	stale := r.closed || token != r.token
	r.mu.Unlock()
	if stale {
		log.WithField("field", f).Debug("discarding stale ledger read")
		return
	}
	log.WithField("field", f).
		WithError(clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("read %s", f), err)).
		Warn("ledger read failed; keeping last known value")
}
