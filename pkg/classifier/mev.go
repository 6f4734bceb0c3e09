package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultMEVBaseURL is the public ZeroMEV data API
const DefaultMEVBaseURL = "https://data.zeromev.org/v1"

// mevTypes are the ZeroMEV classifications that make a transaction MEV
var mevTypes = []string{"arb", "frontrun", "backrun", "sandwich", "liquid"}

// MEVTransaction is one row of a ZeroMEV block report
type MEVTransaction struct {
	BlockNumber        uint64   `json:"block_number"`
	TxIndex            uint     `json:"tx_index"`
	MEVType            string   `json:"mev_type"`
	Protocol           string   `json:"protocol,omitempty"`
	UserSwapCount      *int     `json:"user_swap_count,omitempty"`
	UserSwapVolumeUSD  *float64 `json:"user_swap_volume_usd,omitempty"`
	UserLossUSD        *float64 `json:"user_loss_usd,omitempty"`
	ExtractorProfitUSD *float64 `json:"extractor_profit_usd,omitempty"`
	AddressFrom        string   `json:"address_from,omitempty"`
	AddressTo          string   `json:"address_to,omitempty"`
}

// MEVClient queries ZeroMEV for the MEV rows of a block
type MEVClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewMEVClient creates a ZeroMEV client. ZeroMEV throttles anonymous callers,
// so requests are paced at ratePerSecond; zero disables pacing.
func NewMEVClient(baseURL string, ratePerSecond float64, timeout time.Duration, logger *zap.Logger) *MEVClient {
	if baseURL == "" {
		baseURL = DefaultMEVBaseURL
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &MEVClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Lookup returns the MEV rows matching the transaction at txIndex in block
func (c *MEVClient) Lookup(ctx context.Context, block uint64, txIndex uint) ([]MEVTransaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/mevBlock?block_number=%d&count=1", c.baseURL, block)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mev request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mev request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mev request failed with status %d: %s", resp.StatusCode, body)
	}

	var rows []MEVTransaction
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode mev response: %w", err)
	}

	var out []MEVTransaction
	for _, row := range rows {
		if row.TxIndex == txIndex && slices.Contains(mevTypes, row.MEVType) {
			out = append(out, row)
		}
	}
	c.logger.Debug("mev lookup",
		zap.Uint64("block", block),
		zap.Uint("tx_index", txIndex),
		zap.Int("matches", len(out)))
	return out, nil
}
