package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/events"
	"github.com/web3ekko/ekko-explain/pkg/labels"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/orchestrator"
	"github.com/web3ekko/ekko-explain/pkg/persistence"
	"github.com/web3ekko/ekko-explain/pkg/retry"
	"github.com/web3ekko/ekko-explain/pkg/stream"
	"go.uber.org/zap"
)

// MaxAttempts caps model calls per classification
const MaxAttempts = 2

// Marker must appear in a usable model response
const Marker = "labels"

var (
	// ErrInvalidRequest is returned for requests missing the hash or network
	ErrInvalidRequest = errors.New("invalid classification request")

	errMalformed = errors.New("malformed classification output")
)

// Result is the category document of one transaction. Labels and
// Probabilities have equal length.
type Result struct {
	Labels        []string  `json:"labels"`
	Probabilities []float64 `json:"probabilities"`
}

// Default is returned when no valid classification could be produced
func Default() Result {
	return Result{Labels: []string{}, Probabilities: []float64{}}
}

// Runner is the part of the orchestrator the classifier drives
type Runner interface {
	Admit(ctx context.Context) (func(), error)
	Explain(ctx context.Context, network, txHash string, force bool) (*orchestrator.WorkItem, *stream.Stream)
	Generate(ctx context.Context, req llm.Request, emit stream.Emit) (string, error)
}

// ReaderSource hands out the node client for a network
type ReaderSource interface {
	Get(ctx context.Context, network string) (blockchain.Reader, error)
}

// MEVLookup reports the MEV rows of one transaction
type MEVLookup interface {
	Lookup(ctx context.Context, block uint64, txIndex uint) ([]MEVTransaction, error)
}

// Enricher resolves the addresses found in v to labels
type Enricher interface {
	Enrich(ctx context.Context, v any, network string) ([]labels.Label, []byte)
}

// Config configures a Classifier
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Prompt      Prompt
	// MEVNetworks lists the networks the MEV service covers
	MEVNetworks []string
}

// Deps are the collaborators of a Classifier. Readers, MEV, Enricher and
// Publisher are optional; a missing one drops its part of the augmentation.
type Deps struct {
	Runner    Runner
	Store     persistence.BlobStore
	Readers   ReaderSource
	MEV       MEVLookup
	Enricher  Enricher
	Publisher events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
}

// Classifier assigns category labels with probabilities to transactions
type Classifier struct {
	cfg  Config
	deps Deps
	mev  map[string]bool
	log  *zap.Logger
}

// New creates a classifier
func New(cfg Config, deps Deps) *Classifier {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = orchestrator.DefaultMaxTokens
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	mev := make(map[string]bool, len(cfg.MEVNetworks))
	for _, n := range cfg.MEVNetworks {
		mev[n] = true
	}
	return &Classifier{cfg: cfg, deps: deps, mev: mev, log: deps.Logger}
}

// Classify returns the categories of txHash on network. A stored result is
// returned as is unless force is set. When the model never produces a valid
// document the default empty result is returned, not an error.
func (c *Classifier) Classify(ctx context.Context, network, txHash string, force bool) (Result, error) {
	if network == "" || txHash == "" {
		return Result{}, fmt.Errorf("%w: network and transaction hash are required", ErrInvalidRequest)
	}
	logger := c.log.With(zap.String("tx_hash", txHash), zap.String("network", network))
	key := persistence.Key(network, persistence.KindCategories, txHash)

	if !force {
		if res, ok := c.cached(ctx, key, logger); ok {
			return res, nil
		}
	}

	explanation, err := c.explanation(ctx, network, txHash, force)
	if err != nil {
		logger.Warn("no explanation to classify", zap.Error(err))
		return Default(), nil
	}
	summary := c.summary(ctx, network, txHash, logger)

	release, err := c.deps.Runner.Admit(ctx)
	if err != nil {
		return Default(), err
	}
	defer release()

	augmented := c.augment(ctx, network, txHash, explanation, summary, logger)
	res, err := c.generate(ctx, augmented, logger)
	if err != nil {
		logger.Warn("classification failed, returning default", zap.Error(err))
		return Default(), nil
	}

	if err := persistence.PutJSON(ctx, c.deps.Store, key, res); err != nil {
		logger.Error("failed to store categories", zap.String("key", key), zap.Error(err))
		return res, nil
	}
	if c.deps.Publisher != nil {
		event := events.NewResultEvent(network, txHash, events.KindCategory, key, c.cfg.Model, c.deps.Now())
		if err := c.deps.Publisher.Publish(ctx, event); err != nil {
			logger.Warn("failed to publish result event", zap.String("key", key), zap.Error(err))
		}
	}
	return res, nil
}

func (c *Classifier) cached(ctx context.Context, key string, logger *zap.Logger) (Result, bool) {
	ok, err := c.deps.Store.Exists(ctx, key)
	if err != nil {
		logger.Warn("cache check failed", zap.String("key", key), zap.Error(err))
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	data, err := c.deps.Store.Get(ctx, key)
	if err != nil {
		logger.Warn("cached categories unreadable", zap.String("key", key), zap.Error(err))
		return Result{}, false
	}
	res, err := parse(string(data))
	if err != nil {
		logger.Warn("cached categories malformed", zap.String("key", key), zap.Error(err))
		return Result{}, false
	}
	return res, true
}

// explanation returns the stored explanation of txHash, generating it first
// when there is none.
func (c *Classifier) explanation(ctx context.Context, network, txHash string, force bool) (string, error) {
	key := persistence.Key(network, persistence.KindExplanations, txHash)
	if !force {
		var rec persistence.ExplanationRecord
		err := persistence.GetJSON(ctx, c.deps.Store, key, &rec)
		if err == nil && strings.TrimSpace(rec.Result) != "" {
			return rec.Result, nil
		}
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			c.log.Warn("stored explanation unreadable", zap.String("key", key), zap.Error(err))
		}
	}

	item, s := c.deps.Runner.Explain(ctx, network, txHash, force)
	if _, err := s.Collect(); err != nil {
		return "", err
	}
	if item.Status() != orchestrator.Stored {
		if err := item.Err(); err != nil {
			return "", fmt.Errorf("explanation ended %s: %w", item.Status(), err)
		}
		return "", fmt.Errorf("explanation ended %s", item.Status())
	}
	return item.Result(), nil
}

// summary loads the trimmed simulation written while explaining. It is nil
// when the explanation came from an older cache entry without one.
func (c *Classifier) summary(ctx context.Context, network, txHash string, logger *zap.Logger) json.RawMessage {
	key := persistence.Key(network, persistence.KindSimulationsTrimmed, txHash)
	data, err := c.deps.Store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			logger.Warn("trimmed simulation unreadable", zap.String("key", key), zap.Error(err))
		}
		return nil
	}
	if !json.Valid(data) {
		logger.Warn("trimmed simulation is not JSON", zap.String("key", key))
		return nil
	}
	return data
}

// augment appends the facts the explanation alone does not state: resolved
// address labels, envelope type, contract creation and MEV status. Each part
// is dropped on its own when its source is unavailable.
func (c *Classifier) augment(ctx context.Context, network, txHash, explanation string, summary json.RawMessage, logger *zap.Logger) string {
	var b strings.Builder
	b.WriteString(explanation)

	if c.deps.Enricher != nil {
		var target any = explanation
		if summary != nil {
			target = summary
		}
		if _, doc := c.deps.Enricher.Enrich(ctx, target, network); len(doc) > 0 {
			b.WriteString("\n")
			b.Write(doc)
		}
	}

	details := c.details(ctx, network, txHash, logger)
	if details == nil {
		return b.String()
	}

	blob := "NOT a"
	if details.IsBlob() {
		blob = "a"
	}
	fmt.Fprintf(&b, "\nTransaction type: %d. This transaction is %s Blob transaction.", details.Type, blob)
	if details.ContractCreation {
		b.WriteString("\nThis transaction is a Contract Creation transaction.")
	} else {
		b.WriteString("\nThis transaction is NOT a Contract Creation transaction.")
	}

	if status := c.mevStatus(ctx, network, details, logger); status != "" {
		b.WriteString("\n")
		b.WriteString(status)
	}
	return b.String()
}

func (c *Classifier) details(ctx context.Context, network, txHash string, logger *zap.Logger) *blockchain.TxDetails {
	if c.deps.Readers == nil {
		return nil
	}
	reader, err := c.deps.Readers.Get(ctx, network)
	if err != nil {
		logger.Warn("no node client for augmentation", zap.Error(err))
		return nil
	}
	details, err := blockchain.Details(ctx, reader, txHash)
	if err != nil {
		logger.Warn("failed to load transaction details", zap.Error(err))
		return nil
	}
	return details
}

func (c *Classifier) mevStatus(ctx context.Context, network string, details *blockchain.TxDetails, logger *zap.Logger) string {
	if c.deps.MEV == nil || !c.mev[network] {
		return ""
	}
	rows, err := c.deps.MEV.Lookup(ctx, details.BlockNumber, details.TransactionIndex)
	if err != nil {
		logger.Warn("mev lookup failed", zap.Uint64("block", details.BlockNumber), zap.Error(err))
		return ""
	}
	if len(rows) == 0 {
		return "MEV status: This transaction is NOT a MEV transaction."
	}
	data, err := json.MarshalIndent(rows, "", "    ")
	if err != nil {
		return "MEV status: This transaction is a MEV transaction."
	}
	return fmt.Sprintf("MEV status: This transaction is a MEV transaction:\n%s", data)
}

func (c *Classifier) generate(ctx context.Context, summary string, logger *zap.Logger) (Result, error) {
	req := llm.Request{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: c.cfg.Prompt.Render(summary)}},
	}

	var res Result
	policy := retry.Policy[string]{
		MaxAttempts: MaxAttempts,
		Classify:    retry.Only(errMalformed),
		Validate: func(out string) error {
			parsed, err := parse(out)
			if err != nil {
				return err
			}
			res = parsed
			return nil
		},
		OnRetry: func(attempt int, _ time.Duration, err error) {
			logger.Warn("classification output rejected, retrying",
				zap.Int("attempt", attempt),
				zap.String("model", req.Model),
				zap.Error(err))
		},
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (string, error) {
		return c.deps.Runner.Generate(ctx, req, nil)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// parse extracts the category document from a model response. Single quotes
// are read as double quotes. An empty label list is the unavailable sentinel
// and never a valid answer.
func parse(out string) (Result, error) {
	if !strings.Contains(out, Marker) {
		return Result{}, fmt.Errorf("%w: missing %q", errMalformed, Marker)
	}
	start, end := strings.Index(out, "{"), strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("%w: no JSON object", errMalformed)
	}
	doc := strings.ReplaceAll(out[start:end+1], "'", `"`)

	var res Result
	if err := json.Unmarshal([]byte(doc), &res); err != nil {
		return Result{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if len(res.Labels) == 0 {
		return Result{}, fmt.Errorf("%w: no labels", errMalformed)
	}
	if len(res.Labels) != len(res.Probabilities) {
		return Result{}, fmt.Errorf("%w: %d labels but %d probabilities", errMalformed, len(res.Labels), len(res.Probabilities))
	}
	return res, nil
}
