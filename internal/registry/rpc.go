package registry

import (
	"fmt"
	"strings"
)

// Canonical default EVM RPC endpoints by chain ID.
// These values are used whenever a command does not pass --rpc-url.
var defaultRPCByChainID = map[int64]string{
	1:        "https://eth.llamarpc.com",
	56:       "https://bsc-dataseed.binance.org",
	137:      "https://polygon-rpc.com",
	8453:     "https://mainnet.base.org",
	42161:    "https://arb1.arbitrum.io/rpc",
	421614:   "https://sepolia-rollup.arbitrum.io/rpc",
	11155111: "https://rpc.sepolia.org",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; provide --rpc-url", chainID)
}
