package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/labels"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/orchestrator"
	"github.com/web3ekko/ekko-explain/pkg/stream"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultSystemPrompt is used when no account prompt file is configured.
// {address} is replaced with the summarized account.
const DefaultSystemPrompt = `You summarize the on-chain activity of the account {address} for non-experts.
You receive its open protocol positions, its recent transaction history with explanations of the latest transactions, an overview of that history and labels for the addresses involved.
Describe what kind of account this is and what it mainly does. Name protocols and tokens where the data identifies them and do not speculate beyond it.`

// DefaultExplainLimit is the number of recent transactions explained per
// account
const DefaultExplainLimit = 5

// ErrInvalidAddress is returned for an account that is not a hex address
var ErrInvalidAddress = errors.New("invalid account address")

// Runner is the part of the orchestrator the account explainer drives
type Runner interface {
	Admit(ctx context.Context) (func(), error)
	Explain(ctx context.Context, network, txHash string, force bool) (*orchestrator.WorkItem, *stream.Stream)
	Generate(ctx context.Context, req llm.Request, emit stream.Emit) (string, error)
}

// Portfolio reads the positions and history of an account
type Portfolio interface {
	Positions(ctx context.Context, address, chain string) ([]Project, error)
	History(ctx context.Context, address, chain string) (*History, error)
}

// ReaderSource hands out the node client for a network
type ReaderSource interface {
	Get(ctx context.Context, network string) (blockchain.Reader, error)
}

// Enricher resolves the addresses found in v to labels
type Enricher interface {
	Enrich(ctx context.Context, v any, network string) ([]labels.Label, []byte)
}

// Config configures an Explainer
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	// ExplainLimit caps the transactions explained per account; negative
	// disables explanations
	ExplainLimit int
	// DetailConcurrency caps parallel node lookups
	DetailConcurrency int
}

// Deps are the collaborators of an Explainer. Readers and Enricher are
// optional.
type Deps struct {
	Runner    Runner
	Portfolio Portfolio
	Readers   ReaderSource
	Enricher  Enricher
	Logger    *zap.Logger
}

// Explainer summarizes what an account does from its positions and
// history. Summaries are not stored; the transaction explanations it
// requests are.
type Explainer struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates an account explainer
func New(cfg Config, deps Deps) *Explainer {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = orchestrator.DefaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ExplainLimit == 0 {
		cfg.ExplainLimit = DefaultExplainLimit
	}
	if cfg.DetailConcurrency < 1 {
		cfg.DetailConcurrency = 8
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Explainer{cfg: cfg, deps: deps, log: deps.Logger}
}

// Explain streams the summary of address on network
func (e *Explainer) Explain(ctx context.Context, network, address string) *stream.Stream {
	return stream.New(ctx, stream.DefaultBuffer, func(ctx context.Context, emit stream.Emit) error {
		payload, err := e.Gather(ctx, network, address)
		if err != nil {
			return err
		}
		req, err := e.request(payload)
		if err != nil {
			return err
		}

		release, err := e.deps.Runner.Admit(ctx)
		if err != nil {
			return err
		}
		defer release()
		_, err = e.deps.Runner.Generate(ctx, req, emit)
		return err
	})
}

// Gather builds the account document: positions, history with chain
// details, explanations of the latest transactions, the history overview
// and address labels.
func (e *Explainer) Gather(ctx context.Context, network, address string) (*Payload, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	chain, err := ChainID(network)
	if err != nil {
		return nil, err
	}
	address = strings.ToLower(address)
	logger := e.log.With(zap.String("account", address), zap.String("network", network))

	var (
		positions []Project
		history   *History
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		positions, err = e.deps.Portfolio.Positions(gctx, address, chain)
		return err
	})
	g.Go(func() error {
		var err error
		history, err = e.deps.Portfolio.History(gctx, address, chain)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []Project{}
	}
	if history == nil {
		history = &History{}
	}

	e.attachDetails(ctx, network, history.HistoryList, logger)

	// labels read the history while explanations run, so explanations are
	// attached afterwards
	var (
		explanations map[string]string
		labelDoc     []byte
	)
	var both errgroup.Group
	both.Go(func() error {
		explanations = e.explanations(ctx, network, history.HistoryList, logger)
		return nil
	})
	both.Go(func() error {
		if e.deps.Enricher != nil {
			_, labelDoc = e.deps.Enricher.Enrich(ctx, history, network)
		}
		return nil
	})
	_ = both.Wait()

	for i := range history.HistoryList {
		if text, ok := explanations[history.HistoryList[i].ID]; ok {
			history.HistoryList[i].Explanation = text
		}
	}
	history.Overview = Summarize(history.HistoryList)

	logger.Info("account data gathered",
		zap.Int("positions", len(positions)),
		zap.Int("history", len(history.HistoryList)),
		zap.Int("explained", len(explanations)))
	return &Payload{
		User:          address,
		Network:       network,
		Positions:     positions,
		History:       history,
		AddressLabels: labelDoc,
	}, nil
}

// attachDetails fills the node-side fields of each entry. Entries whose
// transaction cannot be read keep the DeBank fields only.
func (e *Explainer) attachDetails(ctx context.Context, network string, items []HistoryItem, logger *zap.Logger) {
	if e.deps.Readers == nil || len(items) == 0 {
		return
	}
	reader, err := e.deps.Readers.Get(ctx, network)
	if err != nil {
		logger.Warn("no node client for account history", zap.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.DetailConcurrency)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			d, err := blockchain.Details(ctx, reader, item.ID)
			if err != nil {
				logger.Debug("transaction details unavailable", zap.String("tx_hash", item.ID), zap.Error(err))
				return nil
			}
			if item.Tx == nil {
				item.Tx = &Tx{}
			}
			item.Tx.FromEOA = strings.ToLower(d.From)
			item.Tx.BlockNumber = &d.BlockNumber
			item.Tx.TransactionIndex = &d.TransactionIndex
			item.Tx.TransactionType = &d.Type
			return nil
		})
	}
	_ = g.Wait()
}

// explanations explains the latest entries through the orchestrator, so
// stored explanations are reused and new ones are stored. Failures leave
// the entry unexplained.
func (e *Explainer) explanations(ctx context.Context, network string, items []HistoryItem, logger *zap.Logger) map[string]string {
	n := min(e.cfg.ExplainLimit, len(items))
	if n <= 0 {
		return nil
	}
	texts := make([]string, n)
	var g errgroup.Group
	for i := range n {
		hash := items[i].ID
		g.Go(func() error {
			item, s := e.deps.Runner.Explain(ctx, network, hash, false)
			if _, err := s.Collect(); err != nil {
				logger.Warn("transaction explanation failed", zap.String("tx_hash", hash), zap.Error(err))
				return nil
			}
			if item.Status() != orchestrator.Stored {
				logger.Warn("transaction explanation not stored",
					zap.String("tx_hash", hash),
					zap.Stringer("status", item.Status()),
					zap.Error(item.Err()))
				return nil
			}
			texts[i] = item.Result()
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, n)
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			out[items[i].ID] = text
		}
	}
	return out
}

func (e *Explainer) request(p *Payload) (llm.Request, error) {
	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return llm.Request{}, fmt.Errorf("failed to encode account data: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Here is the data for address %s on %s blockchain.\n", p.User, p.Network)
	b.WriteString("Provide a high-level summary of the address based on this data. ")
	b.WriteString("Keep it unstructured and bring out the important points about the account. ")
	b.WriteString("The reader should understand what the address is about without technical detail.\n")
	b.WriteString("Account data:\n")
	b.Write(data)

	return llm.Request{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		System:      strings.ReplaceAll(e.cfg.SystemPrompt, "{address}", p.User),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	}, nil
}
