package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
	"github.com/ggonzalez94/cover-cli/internal/execution/signer"
	"github.com/ggonzalez94/cover-cli/internal/registry"
)

// Dispatcher moves one call onto the network. Dispatch returns once the
// network accepted the transaction; Await blocks until inclusion.
type Dispatcher interface {
	Dispatch(ctx context.Context, call Call) (common.Hash, error)
	Await(ctx context.Context, call Call, hash common.Hash) error
}

type ExecuteOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

func (o ExecuteOptions) normalized() ExecuteOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 2 * time.Minute
	}
	if o.GasMultiplier <= 1 {
		o.GasMultiplier = 1.2
	}
	return o
}

// EVMClient is the subset of ethclient.Client the dispatcher needs.
type EVMClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ClientDialer func(ctx context.Context, chainID int64) (EVMClient, error)

// DialRPC dials ethclient endpoints, preferring overrides over registry
// defaults.
func DialRPC(overrides map[int64]string) ClientDialer {
	return func(ctx context.Context, chainID int64) (EVMClient, error) {
		rpcURL, err := registry.ResolveRPCURL(overrides[chainID], chainID)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
		}
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
		}
		return client, nil
	}
}

// EVMDispatcher signs with a local signer and submits EIP-1559
// transactions.
type EVMDispatcher struct {
	dial   ClientDialer
	signer signer.Signer
	opts   ExecuteOptions

	mu      sync.Mutex
	clients map[int64]EVMClient
}

func NewEVMDispatcher(dial ClientDialer, txSigner signer.Signer, opts ExecuteOptions) *EVMDispatcher {
	return &EVMDispatcher{
		dial:    dial,
		signer:  txSigner,
		opts:    opts.normalized(),
		clients: map[int64]EVMClient{},
	}
}

func (d *EVMDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for chainID, client := range d.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(d.clients, chainID)
	}
}

func (d *EVMDispatcher) client(ctx context.Context, chainID int64) (EVMClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if client, ok := d.clients[chainID]; ok {
		return client, nil
	}
	client, err := d.dial(ctx, chainID)
	if err != nil {
		return nil, err
	}
	d.clients[chainID] = client
	return client, nil
}

func (d *EVMDispatcher) Dispatch(ctx context.Context, call Call) (common.Hash, error) {
	if d.signer == nil {
		return common.Hash{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if d.signer.Address() != call.From {
		return common.Hash{}, clierr.New(clierr.CodeSigner, fmt.Sprintf("signer %s does not match call sender %s", d.signer.Address().Hex(), call.From.Hex()))
	}
	client, err := d.client(ctx, call.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if chainID.Int64() != call.ChainID {
		return common.Hash{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("chain mismatch: rpc reports %d, call targets %d", chainID.Int64(), call.ChainID))
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	target := call.Target
	msg := ethereum.CallMsg{From: call.From, To: &target, Value: value, Data: call.Data}

	if d.opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionSim, "simulate call (eth_call)", err)
		}
	}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * d.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, d.opts.MaxPriorityFeeGwei)
	if err != nil {
		return common.Hash{}, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, d.opts.MaxFeeGwei)
	if err != nil {
		return common.Hash{}, err
	}

	unlock := acquireSignerNonceLock(chainID, call.From)
	defer unlock()
	nonce, err := client.PendingNonceAt(ctx, call.From)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := d.signer.SignTx(chainID, tx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	return signed.Hash(), nil
}

// Await polls for the receipt until ctx ends. Transient polling errors are
// ignored until then.
func (d *EVMDispatcher) Await(ctx context.Context, call Call, hash common.Hash) error {
	client, err := d.client(ctx, call.ChainID)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			reason := d.replayRevert(ctx, client, call, receipt.BlockNumber)
			if reason != "" {
				return clierr.New(clierr.CodeReverted, "transaction reverted on-chain: "+reason)
			}
			return clierr.New(clierr.CodeReverted, "transaction reverted on-chain")
		}
		if ctx.Err() != nil {
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", ctx.Err())
		}
		select {
		case <-ctx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", ctx.Err())
		case <-ticker.C:
		}
	}
}

// replayRevert re-runs the call at the inclusion block to recover a reason.
func (d *EVMDispatcher) replayRevert(ctx context.Context, client EVMClient, call Call, block *big.Int) string {
	target := call.Target
	msg := ethereum.CallMsg{From: call.From, To: &target, Value: call.Value, Data: call.Data}
	_, err := client.CallContract(ctx, msg, block)
	if err == nil {
		return ""
	}
	if reason := decodeRevertFromError(err); reason != "" {
		return reason
	}
	return err.Error()
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce reads and broadcasts for one
// signer on one chain inside this process.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(addr.Hex()))
	value, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func wrapEVMExecutionError(code clierr.Code, msg string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: %s", msg, reason), err)
	}
	return clierr.Wrap(code, msg, err)
}

type rpcDataError interface {
	ErrorData() interface{}
}

func decodeRevertFromError(err error) string {
	var dataErr rpcDataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		buf, decodeErr := decodeHex(data)
		if decodeErr != nil {
			return ""
		}
		return decodeRevertData(buf)
	case []byte:
		return decodeRevertData(data)
	default:
		return ""
	}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return "custom error 0x" + hex.EncodeToString(data[:4])
}

func normalizeTxHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(clean[2:]); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}

func resolveTipCap(ctx context.Context, client EVMClient, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
