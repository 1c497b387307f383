// Package ledgertest provides an in-memory ledger.Source for tests.
package ledgertest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/ledger"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

// Method names accepted by Fail, Hold and Calls.
const (
	MethodBlockHeight  = "BlockHeight"
	MethodTokenSymbol  = "TokenSymbol"
	MethodBalance      = "Balance"
	MethodAllowance    = "Allowance"
	MethodMinStake     = "MinStake"
	MethodPoolInfo     = "PoolInfo"
	MethodUnstakeInfo  = "UnstakeInfo"
	MethodWithdrawable = "WithdrawableFrom"
)

// Source answers reads from maps keyed by account. Held methods block until
// released and ignore context cancellation, which lets tests deliver a
// response after its generation was superseded.
type Source struct {
	mu         sync.Mutex
	block      *big.Int
	symbol     string
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	minStake   *big.Int
	pool       ledger.PoolInfo
	unstake    ledger.UnstakeInfo
	withdraw   *big.Int
	errs       map[string]error
	holds      map[string]chan struct{}
	calls      map[string]int
}

func New() *Source {
	return &Source{
		block:      new(big.Int),
		balances:   map[common.Address]*big.Int{},
		allowances: map[common.Address]*big.Int{},
		minStake:   new(big.Int),
		withdraw:   new(big.Int),
		errs:       map[string]error{},
		holds:      map[string]chan struct{}{},
		calls:      map[string]int{},
	}
}

func (s *Source) SetBlock(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = big.NewInt(v)
}

func (s *Source) SetSymbol(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbol = v
}

func (s *Source) SetBalance(account common.Address, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] = new(big.Int).Set(v)
}

func (s *Source) SetAllowance(owner common.Address, v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances[owner] = new(big.Int).Set(v)
}

func (s *Source) SetMinStake(v *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minStake = new(big.Int).Set(v)
}

func (s *Source) SetPool(info ledger.PoolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool = info
}

func (s *Source) SetUnstake(info ledger.UnstakeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unstake = info
}

func (s *Source) SetWithdrawableFrom(v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdraw = big.NewInt(v)
}

// Fail makes method return err until Fail(method, nil).
func (s *Source) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, method)
		return
	}
	s.errs[method] = err
}

// Hold blocks the next calls of method until the returned release func runs.
func (s *Source) Hold(method string) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.holds[method] = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Unhold stops holding future calls of method; calls already parked stay
// parked until released.
func (s *Source) Unhold(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.holds, method)
}

func (s *Source) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Source) enter(method string) error {
	s.mu.Lock()
	s.calls[method]++
	gate := s.holds[method]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[method]
}

func (s *Source) BlockHeight(context.Context, int64) (*big.Int, error) {
	if err := s.enter(MethodBlockHeight); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.block), nil
}

func (s *Source) TokenSymbol(context.Context, int64, common.Address) (string, error) {
	if err := s.enter(MethodTokenSymbol); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.symbol, nil
}

func (s *Source) Balance(_ context.Context, _ int64, _ common.Address, account common.Address) (*big.Int, error) {
	if err := s.enter(MethodBalance); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return valueOrZero(s.balances[account]), nil
}

func (s *Source) Allowance(_ context.Context, _ int64, _ common.Address, owner common.Address, _ registry.Program) (*big.Int, error) {
	if err := s.enter(MethodAllowance); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return valueOrZero(s.allowances[owner]), nil
}

func (s *Source) MinStake(context.Context, int64, [32]byte) (*big.Int, error) {
	if err := s.enter(MethodMinStake); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.minStake), nil
}

func (s *Source) PoolInfo(context.Context, int64, [32]byte, common.Address) (ledger.PoolInfo, error) {
	if err := s.enter(MethodPoolInfo); err != nil {
		return ledger.PoolInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool, nil
}

func (s *Source) UnstakeInfo(context.Context, int64, common.Address, [32]byte, *big.Int) (ledger.UnstakeInfo, error) {
	if err := s.enter(MethodUnstakeInfo); err != nil {
		return ledger.UnstakeInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unstake, nil
}

func (s *Source) WithdrawableFrom(context.Context, int64, [32]byte, *big.Int) (*big.Int, error) {
	if err := s.enter(MethodWithdrawable); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.withdraw), nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var _ ledger.Source = (*Source)(nil)
