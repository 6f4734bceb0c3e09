package account

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the UTC layout timestamps are rendered in
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp is a DeBank unix time. It decodes from seconds or from
// TimeLayout and encodes as TimeLayout.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(TimeLayout, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = time.Unix(int64(secs), 0).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(TimeLayout))
}

// Transfer is one token movement of a history entry
type Transfer struct {
	TokenID  string  `json:"token_id"`
	Amount   float64 `json:"amount"`
	ToAddr   string  `json:"to_addr,omitempty"`
	FromAddr string  `json:"from_addr,omitempty"`
}

// Tx is the transaction part of a history entry. The chain fields are
// filled from the node; DeBank reports the interacting contract as the
// sender for smart accounts.
type Tx struct {
	FromAddr  string          `json:"from_addr"`
	Message   json.RawMessage `json:"message,omitempty"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params,omitempty"`
	Status    int             `json:"status"`
	ToAddr    string          `json:"to_addr"`
	Value     float64         `json:"value"`
	EthGasFee float64         `json:"eth_gas_fee"`
	UsdGasFee float64         `json:"usd_gas_fee"`

	FromEOA          string  `json:"from_eoa,omitempty"`
	BlockNumber      *uint64 `json:"block_number,omitempty"`
	TransactionIndex *uint   `json:"transaction_index,omitempty"`
	TransactionType  *uint8  `json:"transaction_type,omitempty"`
}

// HistoryItem is one entry of an account history. ID is the transaction
// hash.
type HistoryItem struct {
	CateID       string          `json:"cate_id"`
	CexID        string          `json:"cex_id"`
	ID           string          `json:"id"`
	IsScam       bool            `json:"is_scam"`
	OtherAddr    string          `json:"other_addr"`
	ProjectID    string          `json:"project_id"`
	Receives     []Transfer      `json:"receives"`
	Sends        []Transfer      `json:"sends"`
	TimeAt       Timestamp       `json:"time_at"`
	TokenApprove json.RawMessage `json:"token_approve,omitempty"`
	Tx           *Tx             `json:"tx"`
	Explanation  string          `json:"tx_explanation,omitempty"`
}

// TokenInfo describes a token referenced by the history
type TokenInfo struct {
	Decimals       int     `json:"decimals"`
	ID             string  `json:"id"`
	IsCore         bool    `json:"is_core"`
	IsScam         bool    `json:"is_scam"`
	IsSuspicious   bool    `json:"is_suspicious"`
	IsVerified     bool    `json:"is_verified"`
	IsWallet       bool    `json:"is_wallet"`
	Name           string  `json:"name"`
	Price          float64 `json:"price"`
	Price24hChange float64 `json:"price_24h_change"`
}

// History is the recent activity of an account. Decoding keeps only the
// fields listed here.
type History struct {
	CateDict    map[string]json.RawMessage `json:"cate_dict"`
	CexDict     map[string]json.RawMessage `json:"cex_dict"`
	HistoryList []HistoryItem              `json:"history_list"`
	ProjectDict map[string]json.RawMessage `json:"project_dict"`
	TokenDict   map[string]TokenInfo       `json:"token_dict"`
	Overview    *Overview                  `json:"user_account_overview,omitempty"`
}

// PositionToken is a token held in a protocol position
type PositionToken struct {
	ID       string  `json:"id"`
	Chain    string  `json:"chain,omitempty"`
	Name     string  `json:"name"`
	Decimals int     `json:"decimals"`
	Price    float64 `json:"price"`
	Amount   float64 `json:"amount"`
}

// PositionStats are the USD totals of a position
type PositionStats struct {
	AssetUSDValue float64 `json:"asset_usd_value"`
	DebtUSDValue  float64 `json:"debt_usd_value"`
	NetUSDValue   float64 `json:"net_usd_value"`
}

// PositionDetail lists supplied tokens and the unlock time, if any
type PositionDetail struct {
	SupplyTokenList []PositionToken `json:"supply_token_list"`
	UnlockAt        *float64        `json:"unlock_at"`
}

// Pool identifies the protocol pool of a position
type Pool struct {
	ID         string          `json:"id"`
	Chain      string          `json:"chain"`
	ProjectID  string          `json:"project_id"`
	AdapterID  string          `json:"adapter_id"`
	Controller string          `json:"controller"`
	Index      json.RawMessage `json:"index,omitempty"`
	TimeAt     float64         `json:"time_at"`
}

// PortfolioItem is one position within a protocol
type PortfolioItem struct {
	Stats          PositionStats      `json:"stats"`
	AssetDict      map[string]float64 `json:"asset_dict"`
	AssetTokenList []PositionToken    `json:"asset_token_list"`
	Name           string             `json:"name"`
	DetailTypes    []string           `json:"detail_types"`
	Detail         PositionDetail     `json:"detail"`
	Pool           Pool               `json:"pool"`
}

// Project is a protocol the account holds positions in
type Project struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	TVL               float64         `json:"tvl"`
	PortfolioItemList []PortfolioItem `json:"portfolio_item_list"`
}

// Interactions counts the counterparties of an account
type Interactions struct {
	InitiatedByEOA map[string]int `json:"initiated_by_eoa"`
	SentTo         map[string]int `json:"sent_to"`
	ReceivedFrom   map[string]int `json:"received_from"`
}

// Overview aggregates a history into the figures the summary leads with
type Overview struct {
	TotalTransactions int             `json:"total_transactions"`
	TimeRange         [2]Timestamp    `json:"time_range"`
	TotalGasFeesETH   decimal.Decimal `json:"total_gas_fees_eth"`
	TotalGasFeesUSD   decimal.Decimal `json:"total_gas_fees_usd"`
	TokensInvolved    []string        `json:"tokens_involved"`
	Interactions      Interactions    `json:"address_interaction_pattern"`
}

// Payload is the account document handed to the model
type Payload struct {
	User          string          `json:"user"`
	Network       string          `json:"network"`
	Positions     []Project       `json:"positions"`
	History       *History        `json:"transaction_history"`
	AddressLabels json.RawMessage `json:"address_labels,omitempty"`
}
