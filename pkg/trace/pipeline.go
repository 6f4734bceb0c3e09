package trace

import (
	"context"

	"go.uber.org/zap"
)

// Tools are the chain-bound collaborators used to trace one network. Any of
// them may be nil, which disables the corresponding lookup.
type Tools struct {
	Decimals DecimalsResolver
	Receipts ReceiptFetcher
	Tokens   MetadataResolver
}

// ToolSource hands out the tools for a network
type ToolSource interface {
	Tools(ctx context.Context, network string) (Tools, error)
}

// Pipeline compacts a simulation into its summary and fills the asset
// changes the simulator left without an amount.
type Pipeline struct {
	tools  ToolSource
	logger *zap.Logger
}

// NewPipeline creates a pipeline. A nil tool source traces structurally only.
func NewPipeline(tools ToolSource, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{tools: tools, logger: logger}
}

// Trace summarizes sim as seen on network
func (p *Pipeline) Trace(ctx context.Context, network string, sim *Simulation) (*Summary, error) {
	var tools Tools
	if p.tools != nil {
		t, err := p.tools.Tools(ctx, network)
		if err != nil {
			p.logger.Warn("chain tools unavailable, tracing without lookups",
				zap.String("network", network), zap.Error(err))
		} else {
			tools = t
		}
	}

	summary, err := NewNormalizer(tools.Decimals, p.logger).Summarize(ctx, sim)
	if err != nil {
		return nil, err
	}
	if tools.Receipts != nil && tools.Tokens != nil {
		summary.AssetChanges = NewReconciler(tools.Receipts, tools.Tokens, p.logger).
			Reconcile(ctx, summary.AssetChanges, summary.Hash)
	}
	return summary, nil
}
