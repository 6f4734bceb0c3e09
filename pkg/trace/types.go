package trace

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrMissingField is returned when an upstream payload lacks a field the
// summary cannot be built without.
var ErrMissingField = errors.New("required field missing")

// SolType names a decoded ABI parameter
type SolType struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RawParam is a decoded input/output parameter as reported by the simulator.
// Numeric values decode as json.Number so uint256 amounts keep every digit.
type RawParam struct {
	SolType SolType `json:"soltype"`
	Value   any     `json:"value"`
}

func (p *RawParam) UnmarshalJSON(data []byte) error {
	var raw struct {
		SolType SolType         `json:"soltype"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.SolType = raw.SolType
	p.Value = nil
	if len(raw.Value) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw.Value))
	dec.UseNumber()
	return dec.Decode(&p.Value)
}

// RawCaller is the optional nested caller object. When present it takes
// precedence over the flat from/from_balance fields.
type RawCaller struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// RawCallFrame is one node of the simulator's call tree
type RawCallFrame struct {
	Hash          string         `json:"hash,omitempty"`
	ContractName  string         `json:"contract_name"`
	FunctionName  string         `json:"function_name"`
	From          string         `json:"from"`
	FromBalance   string         `json:"from_balance"`
	Caller        *RawCaller     `json:"caller,omitempty"`
	To            string         `json:"to"`
	Input         string         `json:"input"`
	Output        string         `json:"output"`
	Value         string         `json:"value"`
	DecodedInput  []RawParam     `json:"decoded_input,omitempty"`
	DecodedOutput []RawParam     `json:"decoded_output,omitempty"`
	Calls         []RawCallFrame `json:"calls,omitempty"`
	Error         *string        `json:"error,omitempty"`
}

// Param is a compacted decoded parameter
type Param struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// CompactCallFrame is the depth-bounded canonical form of a RawCallFrame.
// Frames below MaxDepth are absent, never partially present.
type CompactCallFrame struct {
	ContractName  string             `json:"contract_name"`
	Function      string             `json:"function"`
	From          string             `json:"from"`
	FromBalance   string             `json:"from_balance"`
	To            string             `json:"to"`
	Input         string             `json:"input"`
	Output        string             `json:"output"`
	Value         string             `json:"value"`
	Decimals      *uint8             `json:"decimals,omitempty"`
	Error         *string            `json:"error,omitempty"`
	DecodedInput  []Param            `json:"decoded_input,omitempty"`
	DecodedOutput []Param            `json:"decoded_output,omitempty"`
	Calls         []CompactCallFrame `json:"calls,omitempty"`
}

// Depth returns the number of levels in the frame, counting the frame itself.
func (f CompactCallFrame) Depth() int {
	deepest := 0
	for _, c := range f.Calls {
		if d := c.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// TokenInfo describes the asset moved by an AssetChange
type TokenInfo struct {
	Standard        string `json:"standard"`
	Type            string `json:"type"`
	Symbol          string `json:"symbol"`
	Name            string `json:"name"`
	Decimals        *int   `json:"decimals"`
	ContractAddress string `json:"contract_address"`
}

// AssetChange is one token or native-currency movement inferred by the
// simulator. Amount stays nil until it is known exactly.
type AssetChange struct {
	Type        string    `json:"type"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      *string   `json:"amount"`
	DollarValue string    `json:"dollar_value"`
	TokenInfo   TokenInfo `json:"token_info"`
}

// Simulation is the simulator output the pipeline consumes
type Simulation struct {
	Hash         string        `json:"hash"`
	Success      bool          `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CallTrace    *RawCallFrame `json:"call_trace,omitempty"`
	AssetChanges []AssetChange `json:"asset_changes,omitempty"`

	// Raw is the simulator's full response body, kept for archiving
	Raw json.RawMessage `json:"-"`
}

// Summary is the trimmed, prompt-sized view of a simulated transaction.
type Summary struct {
	Hash         string             `json:"hash"`
	Status       bool               `json:"status"`
	Error        string             `json:"error,omitempty"`
	CallTrace    []CompactCallFrame `json:"call_trace"`
	AssetChanges []AssetChange      `json:"asset_changes"`
}

// RootFunction returns the function name of the outermost call, if any.
func (s *Summary) RootFunction() string {
	if s == nil || len(s.CallTrace) == 0 {
		return ""
	}
	return s.CallTrace[0].Function
}
