package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/web3ekko/ekko-explain/pkg/events"
	"github.com/web3ekko/ekko-explain/pkg/labels"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/persistence"
	"github.com/web3ekko/ekko-explain/pkg/stream"
	"github.com/web3ekko/ekko-explain/pkg/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSkipped marks items whose root call is on the skip list
	ErrSkipped = errors.New("transaction skipped")

	// ErrCanceled marks items whose consumer stopped reading the stream
	ErrCanceled = errors.New("stream closed by consumer")

	// ErrEmptyResult is returned when the model produced no text
	ErrEmptyResult = errors.New("model returned no text")
)

const (
	DefaultMaxTokens    = 2000
	DefaultItemDelay    = 1200 * time.Millisecond
	DefaultOverflowDrop = 8
)

// Simulator replays a mined transaction
type Simulator interface {
	Simulate(ctx context.Context, network, txHash string) (*trace.Simulation, error)
}

// Tracer turns a simulation into its trimmed, reconciled summary
type Tracer interface {
	Trace(ctx context.Context, network string, sim *trace.Simulation) (*trace.Summary, error)
}

// Enricher resolves the addresses found in v to labels. It never fails; an
// unavailable label source yields no rows.
type Enricher interface {
	Enrich(ctx context.Context, v any, network string) ([]labels.Label, []byte)
}

// Config is the orchestrator's read-only configuration
type Config struct {
	Model           string
	CorrectionModel string
	MaxTokens       int
	Temperature     float64
	SystemPrompt    string
	Correction      bool

	MaxConcurrency int
	ItemDelay      time.Duration
	OverflowDrop   int
	SkipFunctions  []string
	ChatConstraint string
}

// Deps are the service handles the orchestrator drives. Publisher and
// Observer are optional.
type Deps struct {
	Simulator Simulator
	Tracer    Tracer
	Enricher  Enricher
	Model     llm.Model
	Store     persistence.BlobStore
	Publisher events.Publisher
	Observer  Observer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Orchestrator runs work items from cache check to stored explanation
type Orchestrator struct {
	cfg  Config
	deps Deps
	gate *Gate
	skip map[string]struct{}
	log  *zap.Logger
}

// New creates an orchestrator. Zero config values take their defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.OverflowDrop <= 0 {
		cfg.OverflowDrop = DefaultOverflowDrop
	}
	if cfg.CorrectionModel == "" {
		cfg.CorrectionModel = cfg.Model
	}
	if cfg.ChatConstraint == "" {
		cfg.ChatConstraint = DefaultChatConstraint
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	skip := make(map[string]struct{}, len(cfg.SkipFunctions))
	for _, f := range cfg.SkipFunctions {
		skip[f] = struct{}{}
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		gate: NewGate(cfg.MaxConcurrency, cfg.ItemDelay),
		skip: skip,
		log:  deps.Logger,
	}
}

// Admit waits for a slot in the shared admission gate. Callers running their
// own upstream calls (the classifier) go through the same gate.
func (o *Orchestrator) Admit(ctx context.Context) (func(), error) {
	return o.gate.Acquire(ctx)
}

// Close waits for delayed gate releases to finish
func (o *Orchestrator) Close() {
	o.gate.Drain()
}

// Explain streams the explanation of one transaction word by word. The
// returned item reflects progress; closing the stream abandons the item.
func (o *Orchestrator) Explain(ctx context.Context, network, txHash string, force bool) (*WorkItem, *stream.Stream) {
	item := NewWorkItem(network, txHash, force)
	s := stream.New(ctx, stream.DefaultBuffer, func(ctx context.Context, emit stream.Emit) error {
		release, err := o.gate.Acquire(ctx)
		if err != nil {
			o.fail(item, err)
			return err
		}
		defer release()
		return o.Run(ctx, item, emit)
	})
	return item, s
}

// Process runs items through the gate in order and returns once every item
// is terminal. One item's failure does not affect the others. The error is
// non-nil only if ctx ended before every item was admitted.
func (o *Orchestrator) Process(ctx context.Context, items []*WorkItem) error {
	var g errgroup.Group
	var admitErr error
	for i, item := range items {
		release, err := o.gate.Acquire(ctx)
		if err != nil {
			for _, rest := range items[i:] {
				o.fail(rest, err)
			}
			admitErr = err
			break
		}
		g.Go(func() error {
			defer release()
			if err := o.Run(ctx, item, nil); err != nil {
				o.log.Warn("work item failed",
					zap.String("tx_hash", item.TxHash),
					zap.String("network", item.Network),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return admitErr
}

// Run drives one admitted item to a terminal state. emit may be nil when
// nobody consumes the words.
func (o *Orchestrator) Run(ctx context.Context, item *WorkItem, emit stream.Emit) error {
	if emit == nil {
		emit = func(string) bool { return true }
	}
	logger := o.log.With(zap.String("tx_hash", item.TxHash), zap.String("network", item.Network))
	key := persistence.Key(item.Network, persistence.KindExplanations, item.TxHash)

	if !item.Force {
		if rec, ok := o.cached(ctx, key, logger); ok {
			return o.replay(item, rec, emit)
		}
	}

	if err := o.advance(item, Simulating); err != nil {
		return err
	}
	sim, err := o.deps.Simulator.Simulate(ctx, item.Network, item.TxHash)
	if err != nil {
		return o.fail(item, fmt.Errorf("simulate: %w", err))
	}

	if err := o.advance(item, Normalizing); err != nil {
		return err
	}
	summary, err := o.deps.Tracer.Trace(ctx, item.Network, sim)
	if err != nil {
		return o.fail(item, fmt.Errorf("normalize: %w", err))
	}
	if fn := summary.RootFunction(); fn != "" {
		if _, ok := o.skip[fn]; ok {
			return o.fail(item, fmt.Errorf("%w: root call %s", ErrSkipped, fn))
		}
	}
	if len(sim.Raw) > 0 {
		o.bestEffortPut(ctx, persistence.Key(item.Network, persistence.KindSimulationsFull, item.TxHash), sim.Raw, logger)
	}
	if data, err := json.Marshal(summary); err == nil {
		o.bestEffortPut(ctx, persistence.Key(item.Network, persistence.KindSimulationsTrimmed, item.TxHash), data, logger)
	}

	if err := o.advance(item, Enriching); err != nil {
		return err
	}
	payload, err := o.payload(ctx, item.Network, summary)
	if err != nil {
		return o.fail(item, err)
	}
	item.set(func(w *WorkItem) { w.payload = payload })

	if err := o.advance(item, Generating); err != nil {
		return err
	}
	text, err := o.explain(ctx, item, payload, summary.AssetChanges, emit)
	if err != nil {
		return o.fail(item, err)
	}

	o.persist(ctx, item, key, text, logger)
	return nil
}

func (o *Orchestrator) cached(ctx context.Context, key string, logger *zap.Logger) (persistence.ExplanationRecord, bool) {
	var rec persistence.ExplanationRecord
	ok, err := o.deps.Store.Exists(ctx, key)
	if err != nil {
		logger.Warn("cache check failed", zap.String("key", key), zap.Error(err))
		return rec, false
	}
	if !ok {
		return rec, false
	}
	if err := persistence.GetJSON(ctx, o.deps.Store, key, &rec); err != nil {
		logger.Warn("cached explanation unreadable", zap.String("key", key), zap.Error(err))
		return rec, false
	}
	return rec, true
}

func (o *Orchestrator) replay(item *WorkItem, rec persistence.ExplanationRecord, emit stream.Emit) error {
	if err := o.advance(item, CacheHit); err != nil {
		return err
	}
	for _, w := range stream.Words(rec.Result) {
		if !emit(w) {
			break
		}
	}
	item.set(func(w *WorkItem) { w.result = rec.Result })
	return o.advance(item, Stored)
}

type promptPayload struct {
	*trace.Summary
	AddressLabels []labels.Label `json:"address_labels"`
}

func (o *Orchestrator) payload(ctx context.Context, network string, summary *trace.Summary) ([]byte, error) {
	rows := []labels.Label{}
	if o.deps.Enricher != nil {
		rows, _ = o.deps.Enricher.Enrich(ctx, summary, network)
	}
	data, err := json.Marshal(promptPayload{Summary: summary, AddressLabels: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt payload: %w", err)
	}
	return data, nil
}

func (o *Orchestrator) persist(ctx context.Context, item *WorkItem, key, text string, logger *zap.Logger) {
	rec := persistence.NewExplanationRecord(text, o.cfg.Model, o.deps.Now())
	item.set(func(w *WorkItem) { w.result = text })
	if err := o.advance(item, Stored); err != nil {
		logger.Error("cannot mark item stored", zap.Error(err))
		return
	}
	if err := persistence.PutJSON(ctx, o.deps.Store, key, rec); err != nil {
		logger.Error("failed to store explanation", zap.String("key", key), zap.Error(err))
		return
	}
	o.publish(ctx, events.NewResultEvent(item.Network, item.TxHash, events.KindExplanation, key, rec.Model, o.deps.Now()), logger)
}

func (o *Orchestrator) publish(ctx context.Context, event events.ResultEvent, logger *zap.Logger) {
	if o.deps.Publisher == nil {
		return
	}
	if err := o.deps.Publisher.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish result event", zap.String("key", event.Key), zap.Error(err))
	}
}

func (o *Orchestrator) bestEffortPut(ctx context.Context, key string, data []byte, logger *zap.Logger) {
	if err := o.deps.Store.Put(ctx, key, data); err != nil {
		logger.Warn("failed to store object", zap.String("key", key), zap.Error(err))
	}
}

func (o *Orchestrator) advance(item *WorkItem, to Status) error {
	from, err := item.advance(to)
	if err != nil {
		return err
	}
	if o.deps.Observer != nil {
		o.deps.Observer(item, from, to)
	}
	return nil
}

// fail records err as the item's terminal state and returns it
func (o *Orchestrator) fail(item *WorkItem, err error) error {
	item.set(func(w *WorkItem) { w.err = err })
	if aerr := o.advance(item, Failed); aerr != nil {
		o.log.Error("cannot fail work item", zap.String("tx_hash", item.TxHash), zap.Error(aerr))
	}
	return err
}
