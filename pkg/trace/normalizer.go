package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxDepth is the deepest subcall level kept by Compact; the root is level 0.
const MaxDepth = 2

// approvalFunctions are the calls whose amount parameters get rescaled by
// the token's decimals.
var approvalFunctions = map[string]struct{}{
	"approve":           {},
	"increaseAllowance": {},
	"decreaseAllowance": {},
}

var amountParams = map[string]struct{}{
	"amount":          {},
	"_amount":         {},
	"value":           {},
	"_value":          {},
	"wad":             {},
	"addedValue":      {},
	"subtractedValue": {},
}

// DecimalsResolver reads a token's decimal count from the chain
type DecimalsResolver interface {
	Decimals(ctx context.Context, token string) (uint8, error)
}

// Normalizer compacts raw simulator output into prompt-sized summaries.
type Normalizer struct {
	decimals DecimalsResolver
	logger   *zap.Logger
}

// NewNormalizer creates a normalizer. A nil resolver disables decimal lookups.
func NewNormalizer(decimals DecimalsResolver, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{decimals: decimals, logger: logger}
}

// Compact reduces a raw call tree to at most MaxDepth+1 levels.
// Decimal lookups are best effort: a failed read leaves raw integer values.
func (n *Normalizer) Compact(ctx context.Context, frame RawCallFrame) CompactCallFrame {
	return n.compact(ctx, frame, 0)
}

func (n *Normalizer) compact(ctx context.Context, call RawCallFrame, depth int) CompactCallFrame {
	out := CompactCallFrame{
		ContractName: call.ContractName,
		Function:     call.FunctionName,
		From:         call.From,
		FromBalance:  call.FromBalance,
		To:           call.To,
		Input:        call.Input,
		Output:       call.Output,
		Value:        call.Value,
		Error:        call.Error,
	}
	if call.Caller != nil {
		out.From = call.Caller.Address
		out.FromBalance = call.Caller.Balance
	}

	if _, ok := approvalFunctions[call.FunctionName]; ok && n.decimals != nil && call.To != "" {
		d, err := n.decimals.Decimals(ctx, call.To)
		if err != nil {
			n.logger.Warn("token decimals lookup failed",
				zap.String("token", call.To),
				zap.String("function", call.FunctionName),
				zap.Error(err))
		} else {
			out.Decimals = &d
		}
	}

	if len(call.DecodedInput) > 0 {
		out.DecodedInput = make([]Param, 0, len(call.DecodedInput))
		for _, p := range call.DecodedInput {
			out.DecodedInput = append(out.DecodedInput, rescaleParam(p, out.Decimals))
		}
	}
	if len(call.DecodedOutput) > 0 {
		out.DecodedOutput = make([]Param, 0, len(call.DecodedOutput))
		for _, p := range call.DecodedOutput {
			out.DecodedOutput = append(out.DecodedOutput, Param{Name: p.SolType.Name, Type: p.SolType.Type, Value: p.Value})
		}
	}

	if depth < MaxDepth && len(call.Calls) > 0 {
		out.Calls = make([]CompactCallFrame, 0, len(call.Calls))
		for _, sub := range call.Calls {
			out.Calls = append(out.Calls, n.compact(ctx, sub, depth+1))
		}
	}
	return out
}

// Summarize builds the trimmed summary of a simulation.
func (n *Normalizer) Summarize(ctx context.Context, sim *Simulation) (*Summary, error) {
	if sim == nil {
		return nil, fmt.Errorf("simulation: %w", ErrMissingField)
	}
	if sim.Hash == "" {
		return nil, fmt.Errorf("simulation hash: %w", ErrMissingField)
	}

	summary := &Summary{
		Hash:         sim.Hash,
		Status:       sim.Success,
		CallTrace:    []CompactCallFrame{},
		AssetChanges: make([]AssetChange, 0, len(sim.AssetChanges)),
	}
	if !sim.Success {
		summary.Error = sim.ErrorMessage
	}
	if sim.CallTrace != nil {
		summary.CallTrace = append(summary.CallTrace, n.Compact(ctx, *sim.CallTrace))
	}
	summary.AssetChanges = append(summary.AssetChanges, sim.AssetChanges...)
	return summary, nil
}

func rescaleParam(p RawParam, decimals *uint8) Param {
	out := Param{Name: p.SolType.Name, Type: p.SolType.Type, Value: p.Value}
	if decimals == nil || *decimals == 0 {
		return out
	}
	if _, ok := amountParams[p.SolType.Name]; !ok {
		return out
	}
	if scaled, ok := ScaleAmount(p.Value, *decimals); ok {
		out.Value = scaled
	}
	return out
}

// ScaleAmount divides an integer amount by 10^decimals without going through
// binary floating point. Non-integer inputs are reported as not scalable.
func ScaleAmount(v any, decimals uint8) (string, bool) {
	var raw string
	switch t := v.(type) {
	case string:
		raw = t
	case json.Number:
		raw = t.String()
	case *big.Int:
		if t == nil {
			return "", false
		}
		raw = t.String()
	default:
		return "", false
	}

	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	i, ok := new(big.Int).SetString(raw, base)
	if !ok {
		return "", false
	}
	return decimal.NewFromBigInt(i, -int32(decimals)).String(), true
}
