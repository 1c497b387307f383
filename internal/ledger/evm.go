package ledger

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/cover-cli/internal/cache"
	"github.com/ggonzalez94/cover-cli/internal/registry"
	"github.com/sirupsen/logrus"
)

// ChainCaller is the read side of an EVM client.
type ChainCaller interface {
	bind.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dialer returns a caller for one network.
type Dialer func(ctx context.Context, network int64) (ChainCaller, error)

// MetadataCache stores immutable token metadata between runs.
type MetadataCache interface {
	Get(key string, maxStale time.Duration) (cache.Result, error)
	Set(key string, value []byte, ttl time.Duration) error
}

var (
	erc20ABI      = mustABI(registry.ERC20MinimalABI)
	governanceABI = mustABI(registry.GovernanceABI)
	poolsABI      = mustABI(registry.StakingPoolsABI)
	resolutionABI = mustABI(registry.ResolutionABI)
)

// EVMSource reads balances, allowances and program thresholds through
// eth_call against the configured program deployments.
type EVMSource struct {
	dial     Dialer
	programs registry.ProgramAddresses
	meta     MetadataCache
	metaTTL  time.Duration
	log      logrus.FieldLogger

	mu      sync.Mutex
	clients map[int64]ChainCaller
}

type EVMOption func(*EVMSource)

func WithMetadataCache(meta MetadataCache, ttl time.Duration) EVMOption {
	return func(s *EVMSource) {
		s.meta = meta
		s.metaTTL = ttl
	}
}

func WithLogger(log logrus.FieldLogger) EVMOption {
	return func(s *EVMSource) {
		if log != nil {
			s.log = log
		}
	}
}

func NewEVMSource(dial Dialer, programs registry.ProgramAddresses, opts ...EVMOption) *EVMSource {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	s := &EVMSource{
		dial:     dial,
		programs: programs,
		metaTTL:  24 * time.Hour,
		log:      quiet,
		clients:  map[int64]ChainCaller{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRPC dials ethclient endpoints, preferring overrides over registry
// defaults.
func DialRPC(overrides map[int64]string) Dialer {
	return func(ctx context.Context, network int64) (ChainCaller, error) {
		rpcURL, err := registry.ResolveRPCURL(overrides[network], network)
		if err != nil {
			return nil, err
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("connect rpc: %w", err)
		}
		return client, nil
	}
}

func (s *EVMSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for network, client := range s.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(s.clients, network)
	}
}

func (s *EVMSource) client(ctx context.Context, network int64) (ChainCaller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[network]; ok {
		return client, nil
	}
	client, err := s.dial(ctx, network)
	if err != nil {
		return nil, err
	}
	s.clients[network] = client
	return client, nil
}

func (s *EVMSource) program(network int64, program registry.Program) (common.Address, error) {
	raw, err := registry.ResolveProgramAddress(s.programs, network, program)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", program, raw)
	}
	return common.HexToAddress(raw), nil
}

func (s *EVMSource) call(ctx context.Context, network int64, address common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	client, err := s.client(ctx, network)
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, client, nil, nil)
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return out, nil
}

func (s *EVMSource) BlockHeight(ctx context.Context, network int64) (*big.Int, error) {
	client, err := s.client(ctx, network)
	if err != nil {
		return nil, err
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}
	return new(big.Int).SetUint64(height), nil
}

func (s *EVMSource) TokenSymbol(ctx context.Context, network int64, token common.Address) (string, error) {
	key := fmt.Sprintf("symbol:%d:%s", network, strings.ToLower(token.Hex()))
	if s.meta != nil {
		if res, err := s.meta.Get(key, 0); err == nil && res.Hit && !res.Stale {
			return string(res.Value), nil
		}
	}
	out, err := s.call(ctx, network, token, erc20ABI, "symbol")
	if err != nil {
		return "", err
	}
	symbol, ok := firstString(out)
	if !ok {
		return "", fmt.Errorf("decode symbol: unexpected output")
	}
	if s.meta != nil {
		if err := s.meta.Set(key, []byte(symbol), s.metaTTL); err != nil {
			s.log.WithError(err).WithField("key", key).Debug("token metadata cache write failed")
		}
	}
	return symbol, nil
}

func (s *EVMSource) Balance(ctx context.Context, network int64, token, account common.Address) (*big.Int, error) {
	out, err := s.call(ctx, network, token, erc20ABI, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return firstBigInt(out, "balanceOf")
}

func (s *EVMSource) Allowance(ctx context.Context, network int64, token, owner common.Address, spender registry.Program) (*big.Int, error) {
	spenderAddr, err := s.program(network, spender)
	if err != nil {
		return nil, err
	}
	out, err := s.call(ctx, network, token, erc20ABI, "allowance", owner, spenderAddr)
	if err != nil {
		return nil, err
	}
	return firstBigInt(out, "allowance")
}

func (s *EVMSource) MinStake(ctx context.Context, network int64, coverKey [32]byte) (*big.Int, error) {
	governance, err := s.program(network, registry.ProgramGovernance)
	if err != nil {
		return nil, err
	}
	out, err := s.call(ctx, network, governance, governanceABI, "getFirstReportingStake", coverKey)
	if err != nil {
		return nil, err
	}
	return firstBigInt(out, "getFirstReportingStake")
}

func (s *EVMSource) PoolInfo(ctx context.Context, network int64, poolKey [32]byte, account common.Address) (PoolInfo, error) {
	pools, err := s.program(network, registry.ProgramStakingPools)
	if err != nil {
		return PoolInfo{}, err
	}
	out, err := s.call(ctx, network, pools, poolsABI, "getInfo", poolKey, account)
	if err != nil {
		return PoolInfo{}, err
	}
	if len(out) != 3 {
		return PoolInfo{}, fmt.Errorf("decode getInfo: expected 3 outputs, got %d", len(out))
	}
	name, _ := out[0].(string)
	values, ok := out[2].([]*big.Int)
	if !ok {
		return PoolInfo{}, fmt.Errorf("decode getInfo: unexpected values type %T", out[2])
	}
	at := func(i int) *big.Int {
		if i < len(values) && values[i] != nil {
			return new(big.Int).Set(values[i])
		}
		return new(big.Int)
	}
	return PoolInfo{
		Name:            name,
		TotalStaked:     at(registry.PoolInfoTotalStaked),
		MaxStake:        at(registry.PoolInfoMaximumStake),
		StakedAmount:    at(registry.PoolInfoAccountStakeBalance),
		Rewards:         at(registry.PoolInfoRewards),
		CanWithdrawFrom: at(registry.PoolInfoCanWithdrawFromBlockHeight),
	}, nil
}

func (s *EVMSource) UnstakeInfo(ctx context.Context, network int64, account common.Address, coverKey [32]byte, incidentDate *big.Int) (UnstakeInfo, error) {
	resolution, err := s.program(network, registry.ProgramResolution)
	if err != nil {
		return UnstakeInfo{}, err
	}
	out, err := s.call(ctx, network, resolution, resolutionABI, "getUnstakeInfoFor", account, coverKey, cloneInt(incidentDate))
	if err != nil {
		return UnstakeInfo{}, err
	}
	if len(out) != 6 {
		return UnstakeInfo{}, fmt.Errorf("decode getUnstakeInfoFor: expected 6 outputs, got %d", len(out))
	}
	values := make([]*big.Int, 6)
	for i, item := range out {
		v, ok := item.(*big.Int)
		if !ok {
			return UnstakeInfo{}, fmt.Errorf("decode getUnstakeInfoFor: unexpected output %d type %T", i, item)
		}
		values[i] = v
	}
	return UnstakeInfo{
		TotalStakeInWinningCamp: values[0],
		TotalStakeInLosingCamp:  values[1],
		MyStakeInWinningCamp:    values[2],
		ToBurn:                  values[3],
		ToReporter:              values[4],
		MyReward:                values[5],
	}, nil
}

func (s *EVMSource) WithdrawableFrom(ctx context.Context, network int64, coverKey [32]byte, incidentDate *big.Int) (*big.Int, error) {
	resolution, err := s.program(network, registry.ProgramResolution)
	if err != nil {
		return nil, err
	}
	out, err := s.call(ctx, network, resolution, resolutionABI, "getWithdrawableFrom", coverKey, cloneInt(incidentDate))
	if err != nil {
		return nil, err
	}
	return firstBigInt(out, "getWithdrawableFrom")
}

func firstBigInt(out []any, method string) (*big.Int, error) {
	if len(out) == 0 {
		return nil, fmt.Errorf("decode %s: empty output", method)
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("decode %s: unexpected output type %T", method, out[0])
	}
	return v, nil
}

func firstString(out []any) (string, bool) {
	if len(out) == 0 {
		return "", false
	}
	v, ok := out[0].(string)
	return v, ok
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var _ Source = (*EVMSource)(nil)
