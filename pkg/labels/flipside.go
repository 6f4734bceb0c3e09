package labels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// DefaultFlipsideEndpoint is the public SQL-over-JSON-RPC endpoint
const DefaultFlipsideEndpoint = "https://api-v2.flipsidecrypto.xyz/json-rpc"

const (
	stateSuccess  = "QUERY_STATE_SUCCESS"
	stateFailed   = "QUERY_STATE_FAILED"
	stateCanceled = "QUERY_STATE_CANCELED"
)

var (
	// ErrQueryFailed is returned when the warehouse reports a failed run
	ErrQueryFailed = errors.New("label query failed")

	networkIdent = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// LabelQuery renders the label SQL for a network over already validated
// lower-case addresses. Ethereum exposes a label column; other chains label
// by project name.
func LabelQuery(network string, addresses []string) (string, error) {
	if !networkIdent.MatchString(network) {
		return "", fmt.Errorf("invalid network identifier %q", network)
	}
	quoted := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if !AddressPattern.MatchString(a) {
			return "", fmt.Errorf("invalid address %q", a)
		}
		quoted = append(quoted, "'"+strings.ToLower(a)+"'")
	}
	if len(quoted) == 0 {
		return "", fmt.Errorf("no addresses to query")
	}

	labelCol := "project_name as label"
	if network == "ethereum" {
		labelCol = "label"
	}
	return fmt.Sprintf(`select address,
    address_name,
    %s,
    label_type,
    label_subtype
from %s.core.dim_labels
where lower(address) in (%s)`, labelCol, network, strings.Join(quoted, ", ")), nil
}

// FlipsideClient runs label queries against the Flipside data warehouse.
// Query blocks until the run finishes.
type FlipsideClient struct {
	rpc          *rpc.Client
	pollInterval time.Duration
	pageSize     int
	logger       *zap.Logger
}

// FlipsideOption configures a FlipsideClient
type FlipsideOption func(*FlipsideClient)

// WithPollInterval sets how often run state is checked
func WithPollInterval(d time.Duration) FlipsideOption {
	return func(c *FlipsideClient) { c.pollInterval = d }
}

// WithPageSize sets how many result rows are fetched per page
func WithPageSize(n int) FlipsideOption {
	return func(c *FlipsideClient) { c.pageSize = n }
}

// NewFlipsideClient connects to a Flipside JSON-RPC endpoint
func NewFlipsideClient(ctx context.Context, endpoint, apiKey string, logger *zap.Logger, opts ...FlipsideOption) (*FlipsideClient, error) {
	if endpoint == "" {
		endpoint = DefaultFlipsideEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := rpc.DialOptions(ctx, endpoint, rpc.WithHeader("x-api-key", apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to dial flipside: %w", err)
	}
	c := &FlipsideClient{rpc: client, pollInterval: 2 * time.Second, pageSize: 1000, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type queryRun struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage"`
}

type queryRunEnvelope struct {
	QueryRun queryRun `json:"queryRun"`
}

type queryResults struct {
	ColumnNames []string          `json:"columnNames"`
	Rows        []json.RawMessage `json:"rows"`
	Page        *struct {
		TotalPages int `json:"totalPages"`
	} `json:"page"`
}

// Query implements Source
func (c *FlipsideClient) Query(ctx context.Context, addresses []string, network string) ([]Label, error) {
	sql, err := LabelQuery(network, addresses)
	if err != nil {
		return nil, err
	}

	var created queryRunEnvelope
	err = c.rpc.CallContext(ctx, &created, "createQueryRun", map[string]any{
		"resultTTLHours": 1,
		"maxAgeMinutes":  0,
		"sql":            sql,
		"tags":           map[string]string{"source": "ekko-explain"},
		"dataSource":     "snowflake-default",
		"dataProvider":   "flipside",
	})
	if err != nil {
		return nil, fmt.Errorf("createQueryRun: %w", err)
	}
	id := created.QueryRun.ID
	if id == "" {
		return nil, fmt.Errorf("createQueryRun returned no run id")
	}
	c.logger.Debug("label query submitted", zap.String("query_run", id), zap.String("network", network))

	if err := c.wait(ctx, id, created.QueryRun); err != nil {
		return nil, err
	}

	var out []Label
	for page := 1; ; page++ {
		var res queryResults
		err = c.rpc.CallContext(ctx, &res, "getQueryRunResults", map[string]any{
			"queryRunId": id,
			"format":     "json",
			"page":       map[string]int{"number": page, "size": c.pageSize},
		})
		if err != nil {
			return nil, fmt.Errorf("getQueryRunResults page %d: %w", page, err)
		}
		rows, err := decodeRows(res)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
		if !morePages(res, page, c.pageSize) {
			break
		}
	}
	return out, nil
}

// morePages reports whether a page after page exists. Without page info a
// full page means there may be more.
func morePages(res queryResults, page, size int) bool {
	if len(res.Rows) == 0 {
		return false
	}
	if res.Page != nil && res.Page.TotalPages > 0 {
		return page < res.Page.TotalPages
	}
	return len(res.Rows) >= size
}

func (c *FlipsideClient) wait(ctx context.Context, id string, run queryRun) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		switch run.State {
		case stateSuccess:
			return nil
		case stateFailed, stateCanceled:
			return fmt.Errorf("%w: %s %s", ErrQueryFailed, run.State, run.ErrorMessage)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var env queryRunEnvelope
		if err := c.rpc.CallContext(ctx, &env, "getQueryRun", map[string]string{"queryRunId": id}); err != nil {
			return fmt.Errorf("getQueryRun: %w", err)
		}
		run = env.QueryRun
	}
}

// decodeRows accepts rows either as objects keyed by column or as arrays
// aligned with ColumnNames.
func decodeRows(res queryResults) ([]Label, error) {
	out := make([]Label, 0, len(res.Rows))
	for i, raw := range res.Rows {
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			var arr []any
			if err := json.Unmarshal(raw, &arr); err != nil {
				return nil, fmt.Errorf("malformed result row %d: %w", i, err)
			}
			if len(arr) != len(res.ColumnNames) {
				return nil, fmt.Errorf("result row %d has %d values for %d columns", i, len(arr), len(res.ColumnNames))
			}
			obj = make(map[string]any, len(arr))
			for j, col := range res.ColumnNames {
				obj[col] = arr[j]
			}
		}
		out = append(out, Label{
			Address:      str(obj["address"]),
			AddressName:  str(obj["address_name"]),
			Label:        str(obj["label"]),
			LabelType:    str(obj["label_type"]),
			LabelSubtype: str(obj["label_subtype"]),
		})
	}
	return out, nil
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Close releases the RPC client
func (c *FlipsideClient) Close() {
	c.rpc.Close()
}
