package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is Tenderly's public API root
const DefaultBaseURL = "https://api.tenderly.co/api/v1"

// ErrSimulationFailed is returned when the simulator rejects a request
var ErrSimulationFailed = errors.New("simulation failed")

// Request is the simulator's request body
type Request struct {
	NetworkID          string `json:"network_id"`
	BlockNumber        uint64 `json:"block_number"`
	From               string `json:"from"`
	To                 string `json:"to,omitempty"`
	Gas                uint64 `json:"gas"`
	Value              string `json:"value"`
	Input              string `json:"input"`
	TransactionIndex   uint   `json:"transaction_index"`
	SimulationType     string `json:"simulation_type"`
	GenerateAccessList bool   `json:"generate_access_list"`
}

// RequestFromDetails builds a full-trace simulation request replaying a
// mined transaction at its original position.
func RequestFromDetails(chainID uint64, d *blockchain.TxDetails) Request {
	return Request{
		NetworkID:          strconv.FormatUint(chainID, 10),
		BlockNumber:        d.BlockNumber,
		From:               d.From,
		To:                 d.To,
		Gas:                d.Gas,
		Value:              d.Value,
		Input:              d.Input,
		TransactionIndex:   d.TransactionIndex,
		SimulationType:     "full",
		GenerateAccessList: true,
	}
}

// Config configures a Client
type Config struct {
	BaseURL       string
	AccountSlug   string
	ProjectSlug   string
	AccessKey     string
	RatePerSecond float64
	Timeout       time.Duration
}

// Client calls the Tenderly simulate endpoint
type Client struct {
	endpoint  string
	accessKey string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewClient creates a simulator client. A zero rate disables pacing.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Client{
		endpoint:  fmt.Sprintf("%s/account/%s/project/%s/simulate", cfg.BaseURL, cfg.AccountSlug, cfg.ProjectSlug),
		accessKey: cfg.AccessKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   limiter,
		logger:    logger,
	}
}

type response struct {
	Transaction *struct {
		Hash            string `json:"hash"`
		Status          *bool  `json:"status"`
		ErrorMessage    string `json:"error_message"`
		TransactionInfo *struct {
			CallTrace    *trace.RawCallFrame `json:"call_trace"`
			AssetChanges []trace.AssetChange `json:"asset_changes"`
		} `json:"transaction_info"`
	} `json:"transaction"`
	Simulation *struct {
		Status       *bool  `json:"status"`
		ErrorMessage string `json:"error_message"`
	} `json:"simulation"`
	Error *struct {
		Slug    string `json:"slug"`
		Message string `json:"message"`
	} `json:"error"`
}

// Simulate runs req and stamps txHash onto the result
func (c *Client) Simulate(ctx context.Context, txHash string, req Request) (*trace.Simulation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal simulation request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create simulation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Access-Key", c.accessKey)

	c.logger.Debug("simulating transaction", zap.String("tx_hash", txHash), zap.String("network_id", req.NetworkID))
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("simulation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read simulation response: %w", err)
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode simulation response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrSimulationFailed, parsed.Error.Slug, parsed.Error.Message)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrSimulationFailed, resp.StatusCode)
	}
	if parsed.Transaction == nil {
		return nil, fmt.Errorf("simulation response transaction: %w", trace.ErrMissingField)
	}

	sim := &trace.Simulation{Hash: txHash, Success: true, Raw: raw}
	if parsed.Transaction.Status != nil {
		sim.Success = *parsed.Transaction.Status
	}
	if !sim.Success {
		sim.ErrorMessage = parsed.Transaction.ErrorMessage
		if parsed.Simulation != nil && parsed.Simulation.ErrorMessage != "" {
			sim.ErrorMessage = parsed.Simulation.ErrorMessage
		}
	}
	if info := parsed.Transaction.TransactionInfo; info != nil {
		sim.CallTrace = info.CallTrace
		sim.AssetChanges = info.AssetChanges
		if sim.CallTrace != nil {
			sim.CallTrace.Hash = txHash
		}
	}
	return sim, nil
}
