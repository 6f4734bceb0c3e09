package decoder_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/decoder"
)

type stubReader struct {
	md    blockchain.TokenMetadata
	err   error
	calls int
}

func (s *stubReader) Metadata(ctx context.Context, token string) (blockchain.TokenMetadata, error) {
	s.calls++
	return s.md, s.err
}

const weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"

func TestTokenResolver_RedisCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reader := &stubReader{md: blockchain.TokenMetadata{
		Address: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", Symbol: "WETH", Name: "Wrapped Ether", Decimals: 18,
	}}
	r := decoder.NewTokenResolver("ethereum", reader, decoder.NewRedisAdapter(db), nil)

	key := "tok:ethereum:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	stored := `{"address":"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2","symbol":"WETH","name":"Wrapped Ether","decimals":18}`
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, stored, decoder.TokenTTL).SetVal("OK")
	mock.ExpectGet(key).SetVal(stored)

	d, err := r.Decimals(context.Background(), weth)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), d)

	md, err := r.Metadata(context.Background(), weth)
	require.NoError(t, err)
	assert.Equal(t, "WETH", md.Symbol)

	assert.Equal(t, 1, reader.calls, "second lookup must be served from cache")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenResolver_ReaderError(t *testing.T) {
	r := decoder.NewTokenResolver("ethereum", &stubReader{err: errors.New("execution reverted")}, nil, nil)
	_, err := r.Decimals(context.Background(), weth)
	assert.Error(t, err)
}

func TestTokenResolver_CacheReadFailureFallsBack(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reader := &stubReader{md: blockchain.TokenMetadata{Decimals: 6}}
	r := decoder.NewTokenResolver("base", reader, decoder.NewRedisAdapter(db), nil)

	key := "tok:base:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	mock.ExpectGet(key).SetErr(errors.New("connection reset"))
	mock.ExpectSet(key, `{"address":"","symbol":"","name":"","decimals":6}`, decoder.TokenTTL).SetVal("OK")

	d, err := r.Decimals(context.Background(), weth)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), d)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryCache(t *testing.T) {
	c := decoder.NewMemoryCache()
	ctx := context.Background()

	_, err := c.GetString(ctx, "missing")
	assert.ErrorIs(t, err, decoder.ErrCacheMiss)

	require.NoError(t, c.SetString(ctx, "k", "v", time.Minute))
	v, err := c.GetString(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, c.SetString(ctx, "gone", "v", -time.Second))
	_, err = c.GetString(ctx, "gone")
	assert.ErrorIs(t, err, decoder.ErrCacheMiss)
	assert.Equal(t, 1, c.Len())
}

func TestDecodeTransfers(t *testing.T) {
	token := common.HexToAddress(weth)
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	data := common.LeftPadBytes(amount.Bytes(), 32)

	logs := []*types.Log{
		{Address: token, Topics: []common.Hash{decoder.TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())}, Data: data, Index: 4},
		// ERC-721 transfer: token id is indexed
		{Address: token, Topics: []common.Hash{decoder.TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes()), common.BigToHash(big.NewInt(1))}},
		// Approval event
		{Address: token, Topics: []common.Hash{common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925"), common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())}, Data: data},
		// truncated data
		{Address: token, Topics: []common.Hash{decoder.TransferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())}, Data: data[:16]},
		nil,
	}

	transfers := decoder.DecodeTransfers(logs)
	require.Len(t, transfers, 1)
	tr := transfers[0]
	assert.Equal(t, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", tr.Token)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", tr.From)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", tr.To)
	assert.Equal(t, 0, amount.Cmp(tr.Amount))
	assert.Equal(t, uint(4), tr.LogIndex)
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", decoder.TransferTopic.Hex())
}
