package blockchain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	tx      *types.Transaction
	pending bool
	receipt *types.Receipt
	results map[string][]byte // method name -> return data
	callErr error
}

func (f *fakeReader) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if f.tx == nil {
		return nil, false, ethereum.NotFound
	}
	return f.tx, f.pending, nil
}

func (f *fakeReader) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeReader) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := ERC20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	return f.results[method.Name], nil
}

const usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"

func packOutput(t *testing.T, method string, v any) []byte {
	t.Helper()
	out, err := ERC20ABI.Methods[method].Outputs.Pack(v)
	require.NoError(t, err)
	return out
}

func TestERC20_Metadata(t *testing.T) {
	r := &fakeReader{results: map[string][]byte{
		"decimals": packOutput(t, "decimals", uint8(6)),
		"symbol":   packOutput(t, "symbol", "USDC"),
		"name":     packOutput(t, "name", "USD Coin"),
	}}

	md, err := NewERC20(r).Metadata(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), md.Decimals)
	assert.Equal(t, "USDC", md.Symbol)
	assert.Equal(t, "USD Coin", md.Name)
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", md.Address)
}

func TestERC20_Bytes32Symbol(t *testing.T) {
	raw := make([]byte, 32)
	copy(raw, "MKR")
	r := &fakeReader{results: map[string][]byte{"symbol": raw}}

	sym, err := NewERC20(r).Symbol(context.Background(), usdc)
	require.NoError(t, err)
	assert.Equal(t, "MKR", sym)
}

func TestERC20_Errors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		r     *fakeReader
	}{
		{"invalid address", "0x1234", &fakeReader{}},
		{"rpc failure", usdc, &fakeReader{callErr: errors.New("connection refused")}},
		{"empty return", usdc, &fakeReader{results: map[string][]byte{}}},
		{"short return", usdc, &fakeReader{results: map[string][]byte{"decimals": {0x06}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewERC20(tt.r).Decimals(context.Background(), tt.token)
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "%!")
		})
	}
}

func TestParseHash(t *testing.T) {
	valid := "0xab" + strings.Repeat("0", 62)
	_, err := ParseHash(valid)
	assert.NoError(t, err)

	for _, bad := range []string{"", "0xabc", "abcd", "0x" + "zz" + valid[4:]} {
		_, err := ParseHash(bad)
		assert.ErrorIs(t, err, ErrInvalidHash, bad)
	}
}

func TestDetails(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(1)
	signer := types.LatestSignerForChainID(chainID)

	to := common.HexToAddress(usdc)
	call := types.MustSignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		To:        &to,
		Gas:       60000,
		GasFeeCap: big.NewInt(30e9),
		GasTipCap: big.NewInt(1e9),
		Value:     big.NewInt(5),
		Data:      []byte{0x09, 0x5e, 0xa7, 0xb3},
	})
	create := types.MustSignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     8,
		Gas:       500000,
		GasFeeCap: big.NewInt(30e9),
		GasTipCap: big.NewInt(1e9),
		Value:     big.NewInt(0),
		Data:      []byte{0x60, 0x80},
	})
	receipt := &types.Receipt{BlockNumber: big.NewInt(19000000), TransactionIndex: 3}

	t.Run("contract call", func(t *testing.T) {
		d, err := Details(context.Background(), &fakeReader{tx: call, receipt: receipt}, call.Hash().Hex())
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), d.From)
		assert.Equal(t, to.Hex(), d.To)
		assert.Equal(t, uint64(19000000), d.BlockNumber)
		assert.Equal(t, uint(3), d.TransactionIndex)
		assert.Equal(t, "5", d.Value)
		assert.Equal(t, "0x095ea7b3", d.Input)
		assert.Equal(t, "dynamic_fee", d.TypeName())
		assert.False(t, d.ContractCreation)
		assert.False(t, d.IsBlob())
	})

	t.Run("contract creation", func(t *testing.T) {
		d, err := Details(context.Background(), &fakeReader{tx: create, receipt: receipt}, create.Hash().Hex())
		require.NoError(t, err)
		assert.True(t, d.ContractCreation)
		assert.Empty(t, d.To)
	})

	t.Run("pending", func(t *testing.T) {
		_, err := Details(context.Background(), &fakeReader{tx: call, pending: true}, call.Hash().Hex())
		assert.ErrorIs(t, err, ErrPending)
	})

	t.Run("missing receipt", func(t *testing.T) {
		_, err := Details(context.Background(), &fakeReader{tx: call}, call.Hash().Hex())
		assert.ErrorIs(t, err, ethereum.NotFound)
	})
}
