package simulation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/trace"
)

const simResponse = `{
  "transaction": {
    "hash": "0xsimulated",
    "status": false,
    "transaction_info": {
      "call_trace": {
        "contract_name": "Dai",
        "function_name": "approve",
        "from": "0x1111111111111111111111111111111111111111",
        "to": "0x6b175474e89094c44da98b954eedeac495271d0f",
        "decoded_input": [{"soltype": {"name": "amount", "type": "uint256"}, "value": 100000000000000000000000001}],
        "calls": [{"contract_name": "Inner", "function_name": "g"}]
      },
      "asset_changes": [{
        "type": "Transfer",
        "from": "0x1111111111111111111111111111111111111111",
        "to": "0x2222222222222222222222222222222222222222",
        "amount": null,
        "dollar_value": "0",
        "token_info": {"standard": "ERC20", "symbol": "DAI", "decimals": 18, "contract_address": "0x6b175474e89094c44da98b954eedeac495271d0f"}
      }]
    }
  },
  "simulation": {"status": false, "error_message": "execution reverted"}
}`

func TestClient_Simulate(t *testing.T) {
	var got Request
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.Header.Get("X-Access-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(simResponse))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AccountSlug: "acct", ProjectSlug: "proj", AccessKey: "k"}, nil)
	req := RequestFromDetails(1, &blockchain.TxDetails{
		BlockNumber: 19000000, TransactionIndex: 4, From: "0xfrom", To: "0xto", Gas: 50000, Value: "0", Input: "0x",
	})

	sim, err := c.Simulate(context.Background(), "0xabc", req)
	require.NoError(t, err)

	assert.Equal(t, "/account/acct/project/proj/simulate", path)
	assert.Equal(t, "k", key)
	assert.Equal(t, "1", got.NetworkID)
	assert.Equal(t, "full", got.SimulationType)
	assert.True(t, got.GenerateAccessList)
	assert.Equal(t, uint(4), got.TransactionIndex)

	assert.Equal(t, "0xabc", sim.Hash)
	assert.False(t, sim.Success)
	assert.Equal(t, "execution reverted", sim.ErrorMessage)
	require.NotNil(t, sim.CallTrace)
	assert.Equal(t, "0xabc", sim.CallTrace.Hash)
	assert.Equal(t, "approve", sim.CallTrace.FunctionName)
	require.Len(t, sim.CallTrace.DecodedInput, 1)
	assert.Equal(t, json.Number("100000000000000000000000001"), sim.CallTrace.DecodedInput[0].Value)
	require.Len(t, sim.AssetChanges, 1)
	assert.Nil(t, sim.AssetChanges[0].Amount)
	assert.JSONEq(t, simResponse, string(sim.Raw))
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		is     error
	}{
		{"api error", http.StatusBadRequest, `{"error":{"slug":"invalid_transaction","message":"bad"}}`, ErrSimulationFailed},
		{"server error", http.StatusBadGateway, `{}`, ErrSimulationFailed},
		{"missing transaction", http.StatusOK, `{}`, trace.ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(Config{BaseURL: srv.URL}, nil).Simulate(context.Background(), "0xabc", Request{})
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transaction":{"status":true}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RatePerSecond: 10}, nil)
	start := time.Now()
	for i := 0; i < 3; i++ {
		sim, err := c.Simulate(context.Background(), "0xabc", Request{})
		require.NoError(t, err)
		assert.True(t, sim.Success)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestClient_ContextCanceled(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:0", RatePerSecond: 0.001}, nil)
	_, _ = c.Simulate(context.Background(), "0x1", Request{}) // consumes the only token

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Simulate(ctx, "0x2", Request{})
	assert.Error(t, err)
}
