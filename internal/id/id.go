package id

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	bytes32HexPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

var chainBySlug = map[string]Chain{
	"ethereum":         {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"mainnet":          {Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1},
	"arbitrum":         {Name: "Arbitrum", Slug: "arbitrum", CAIP2: "eip155:42161", EVMChainID: 42161},
	"base":             {Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453},
	"bsc":              {Name: "BSC", Slug: "bsc", CAIP2: "eip155:56", EVMChainID: 56},
	"polygon":          {Name: "Polygon", Slug: "polygon", CAIP2: "eip155:137", EVMChainID: 137},
	"sepolia":          {Name: "Sepolia", Slug: "sepolia", CAIP2: "eip155:11155111", EVMChainID: 11155111},
	"arbitrum-sepolia": {Name: "Arbitrum Sepolia", Slug: "arbitrum-sepolia", CAIP2: "eip155:421614", EVMChainID: 421614},
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.EVMChainID] = chain
	}
	return out
}()

// ParseChain accepts a slug, a CAIP-2 eip155 identifier or a bare chain id.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		return chainFromID(id), nil
	}

	if id, err := strconv.ParseInt(norm, 10, 64); err == nil && id > 0 {
		return chainFromID(id), nil
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ChainByID never fails; unknown ids get a synthetic name.
func ChainByID(id int64) Chain {
	return chainFromID(id)
}

func chainFromID(id int64) Chain {
	if known, ok := chainByID[id]; ok {
		return known
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), CAIP2: fmt.Sprintf("eip155:%d", id), EVMChainID: id}
}

// ParseAddress validates and checksums an EVM address.
func ParseAddress(input, label string) (common.Address, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", label))
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a valid EVM address", label))
	}
	return common.HexToAddress(raw), nil
}

// ParseKey converts a cover/pool key into bytes32. A 0x-prefixed 64 digit
// hex value is taken verbatim; anything else is treated as a short string
// right-padded with zero bytes.
func ParseKey(input, label string) ([32]byte, error) {
	var out [32]byte
	raw := strings.TrimSpace(input)
	if raw == "" {
		return out, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s is required", label))
	}
	if bytes32HexPattern.MatchString(raw) {
		buf, err := hex.DecodeString(raw[2:])
		if err != nil {
			return out, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("decode %s", label), err)
		}
		copy(out[:], buf)
		return out, nil
	}
	if len(raw) > 31 {
		return out, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s string must be at most 31 bytes", label))
	}
	copy(out[:], raw)
	return out, nil
}

// KeyString renders a bytes32 key as 0x-prefixed hex.
func KeyString(key [32]byte) string {
	return "0x" + hex.EncodeToString(key[:])
}
