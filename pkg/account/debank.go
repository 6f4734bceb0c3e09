package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultDebankBaseURL is the DeBank Pro OpenAPI
const DefaultDebankBaseURL = "https://pro-openapi.debank.com/v1"

// DefaultPageCount is the number of history entries requested
const DefaultPageCount = 20

// ErrUnsupportedChain is returned for networks DeBank does not index
var ErrUnsupportedChain = errors.New("chain is not supported on DeBank")

var debankChains = map[string]string{
	"ethereum":  "eth",
	"arbitrum":  "arb",
	"optimism":  "op",
	"avalanche": "avax",
}

// ChainID returns the DeBank chain id of network
func ChainID(network string) (string, error) {
	id, ok := debankChains[network]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, network)
	}
	return id, nil
}

// DebankConfig configures a DebankClient
type DebankConfig struct {
	BaseURL       string
	APIKey        string
	PageCount     int
	RatePerSecond float64 // zero disables pacing
	Timeout       time.Duration
}

// DebankClient reads account positions and history from DeBank
type DebankClient struct {
	cfg     DebankConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewDebankClient creates a DeBank client
func NewDebankClient(cfg DebankConfig, logger *zap.Logger) *DebankClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDebankBaseURL
	}
	if cfg.PageCount == 0 {
		cfg.PageCount = DefaultPageCount
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &DebankClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// Positions returns the protocol positions of address on chain
func (c *DebankClient) Positions(ctx context.Context, address, chain string) ([]Project, error) {
	var out []Project
	q := url.Values{"id": {address}, "chain_id": {chain}}
	if err := c.get(ctx, "/user/complex_protocol_list", q, &out); err != nil {
		return nil, fmt.Errorf("positions of %s: %w", address, err)
	}
	return out, nil
}

// History returns the most recent activity of address on chain
func (c *DebankClient) History(ctx context.Context, address, chain string) (*History, error) {
	var out History
	q := url.Values{
		"id":         {address},
		"chain_id":   {chain},
		"page_count": {strconv.Itoa(c.cfg.PageCount)},
	}
	if err := c.get(ctx, "/user/history_list", q, &out); err != nil {
		return nil, fmt.Errorf("history of %s: %w", address, err)
	}
	return &out, nil
}

func (c *DebankClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create debank request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("AccessKey", c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("debank request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("debank request failed with status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode debank response: %w", err)
	}
	c.logger.Debug("debank request",
		zap.String("path", path),
		zap.String("chain", q.Get("chain_id")),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
