package blockchain

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"name","outputs":[{"name":"","type":"string"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// ERC20ABI is the parsed subset of the ERC-20 interface used for metadata
// reads and Transfer log decoding.
var ERC20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	return parsed
}

// TokenMetadata is the on-chain descriptive data of an ERC-20 token
type TokenMetadata struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals uint8  `json:"decimals"`
}

// ERC20 performs read-only calls against token contracts
type ERC20 struct {
	reader Reader
}

// NewERC20 creates a token reader on top of a node client
func NewERC20(reader Reader) *ERC20 {
	return &ERC20{reader: reader}
}

// Decimals returns the token's decimal count
func (e *ERC20) Decimals(ctx context.Context, token string) (uint8, error) {
	out, err := e.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	values, err := ERC20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, fmt.Errorf("failed to unpack decimals of %s: %w", token, err)
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("decimals of %s: empty result", token)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T for %s", values[0], token)
	}
	return d, nil
}

// Symbol returns the token's ticker
func (e *ERC20) Symbol(ctx context.Context, token string) (string, error) {
	return e.stringCall(ctx, token, "symbol")
}

// Name returns the token's name
func (e *ERC20) Name(ctx context.Context, token string) (string, error) {
	return e.stringCall(ctx, token, "name")
}

// Metadata reads decimals, symbol and name. Decimals are required; a token
// without a readable symbol or name still yields metadata.
func (e *ERC20) Metadata(ctx context.Context, token string) (TokenMetadata, error) {
	d, err := e.Decimals(ctx, token)
	if err != nil {
		return TokenMetadata{}, err
	}
	md := TokenMetadata{Address: strings.ToLower(token), Decimals: d}
	md.Symbol, _ = e.Symbol(ctx, token)
	md.Name, _ = e.Name(ctx, token)
	return md, nil
}

func (e *ERC20) call(ctx context.Context, token, method string) ([]byte, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	data, err := ERC20ABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	to := common.HexToAddress(token)
	out, err := e.reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call on %s failed: %w", method, token, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s call on %s returned no data", method, token)
	}
	return out, nil
}

// stringCall handles both string and legacy bytes32 return types.
func (e *ERC20) stringCall(ctx context.Context, token, method string) (string, error) {
	out, err := e.call(ctx, token, method)
	if err != nil {
		return "", err
	}
	if values, err := ERC20ABI.Unpack(method, out); err == nil && len(values) == 1 {
		if s, ok := values[0].(string); ok {
			return s, nil
		}
	}
	if len(out) == 32 {
		return string(bytes.TrimRight(out, "\x00")), nil
	}
	return "", fmt.Errorf("failed to unpack %s of %s", method, token)
}
