package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/web3ekko/ekko-explain/internal/config"
	"github.com/web3ekko/ekko-explain/internal/pipeline"
	"github.com/web3ekko/ekko-explain/internal/storage"
	"github.com/web3ekko/ekko-explain/pkg/account"
	"github.com/web3ekko/ekko-explain/pkg/blockchain"
	"github.com/web3ekko/ekko-explain/pkg/classifier"
	"github.com/web3ekko/ekko-explain/pkg/decoder"
	"github.com/web3ekko/ekko-explain/pkg/events"
	"github.com/web3ekko/ekko-explain/pkg/labels"
	"github.com/web3ekko/ekko-explain/pkg/llm"
	"github.com/web3ekko/ekko-explain/pkg/orchestrator"
	"github.com/web3ekko/ekko-explain/pkg/persistence"
	"github.com/web3ekko/ekko-explain/pkg/simulation"
	"github.com/web3ekko/ekko-explain/pkg/trace"
	"go.uber.org/zap"
)

// DefaultSystemPrompt is used when no system prompt file is configured
const DefaultSystemPrompt = `You explain EVM blockchain transactions to non-experts.
You receive a JSON summary of a simulated transaction: its status, a compact call trace, the asset changes it caused and labels for the addresses involved.
Describe what the transaction did in a few short paragraphs. Name protocols and tokens where the labels or token info identify them, state token amounts exactly as given and do not speculate about intent.`

// ErrClassifierDisabled is returned when the categorization prompt files
// are not configured
var ErrClassifierDisabled = errors.New("classifier is not configured")

// ErrAccountDisabled is returned when no DeBank key is configured
var ErrAccountDisabled = errors.New("account summaries are not configured")

// App owns every service handle of the process
type App struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Store        persistence.BlobStore

	classifier *classifier.Classifier
	account    *account.Explainer
	logger     *zap.Logger
	closers    []func() error
}

// New constructs the service handles described by cfg. On error the handles
// built so far are closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.logger

	readers := blockchain.NewClients(cfg.Networks.Endpoints())
	a.onClose(func() error { readers.Close(); return nil })

	cache, err := a.tokenCache(ctx)
	if err != nil {
		return err
	}

	store, err := a.blobStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store

	source, err := a.labelSource(ctx)
	if err != nil {
		return err
	}
	enricher := labels.NewEnricher(source, logger.Named("labels"))

	model, err := a.model(ctx)
	if err != nil {
		return err
	}

	publisher, err := a.publisher()
	if err != nil {
		return err
	}

	systemPrompt := DefaultSystemPrompt
	if path := cfg.LLM.SystemPromptFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read system prompt: %w", err)
		}
		systemPrompt = strings.TrimSpace(string(data))
	}

	simulator := simulation.NewService(simulation.NewClient(simulation.Config{
		BaseURL:       cfg.Simulation.BaseURL,
		AccountSlug:   cfg.Simulation.AccountSlug,
		ProjectSlug:   cfg.Simulation.ProjectSlug,
		AccessKey:     cfg.Simulation.AccessKey,
		RatePerSecond: cfg.Simulation.RateLimit,
		Timeout:       cfg.RequestTimeout,
	}, logger.Named("simulation")), readers, cfg.Networks.ChainIDs())

	a.Orchestrator = orchestrator.New(orchestrator.Config{
		Model:           cfg.LLM.Model,
		CorrectionModel: cfg.LLM.CorrectionModel,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		SystemPrompt:    systemPrompt,
		Correction:      cfg.LLM.Correction,
		MaxConcurrency:  cfg.Orchestrator.MaxConcurrency,
		ItemDelay:       cfg.Orchestrator.ItemDelay,
		OverflowDrop:    cfg.Orchestrator.OverflowDrop,
		SkipFunctions:   cfg.Orchestrator.SkipFunctions,
	}, orchestrator.Deps{
		Simulator: simulator,
		Tracer:    trace.NewPipeline(&chainTools{readers: readers, cache: cache, logger: logger.Named("decoder")}, logger.Named("trace")),
		Enricher:  enricher,
		Model:     model,
		Store:     store,
		Publisher: publisher,
		Observer:  a.observe,
		Logger:    logger.Named("orchestrator"),
	})
	a.onClose(func() error { a.Orchestrator.Close(); return nil })

	if err := a.buildClassifier(readers, enricher, publisher); err != nil {
		return err
	}
	return a.buildAccount(readers, enricher)
}

// Classifier returns the category classifier
func (a *App) Classifier() (*classifier.Classifier, error) {
	if a.classifier == nil {
		return nil, ErrClassifierDisabled
	}
	return a.classifier, nil
}

// Account returns the account summarizer
func (a *App) Account() (*account.Explainer, error) {
	if a.account == nil {
		return nil, ErrAccountDisabled
	}
	return a.account, nil
}

// Close shuts the service handles down in reverse construction order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) observe(item *orchestrator.WorkItem, from, to orchestrator.Status) {
	a.logger.Debug("work item status",
		zap.String("tx_hash", item.TxHash),
		zap.String("network", item.Network),
		zap.Stringer("from", from),
		zap.Stringer("status", to))
}

func (a *App) tokenCache(ctx context.Context) (decoder.Cache, error) {
	if a.Config.CacheType != "redis" {
		return decoder.NewMemoryCache(), nil
	}
	url := a.Config.RedisURL
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	client, err := decoder.NewRedisClient(ctx, url)
	if err != nil {
		return nil, err
	}
	adapter := decoder.NewRedisAdapter(client)
	a.onClose(adapter.Close)
	return adapter, nil
}

func (a *App) blobStore(ctx context.Context) (persistence.BlobStore, error) {
	m := a.Config.Minio
	if m.Endpoint == "" {
		a.logger.Warn("MINIO_ENDPOINT not set, results are kept in memory only")
		return persistence.NewMemoryStore(), nil
	}
	return persistence.NewMinioStore(ctx, persistence.MinioConfig{
		Endpoint:   m.Endpoint,
		AccessKey:  m.AccessKey,
		SecretKey:  m.SecretKey,
		UseSSL:     m.UseSSL,
		BucketName: m.Bucket,
		BasePath:   m.BasePath,
	}, a.logger.Named("minio"))
}

func (a *App) labelSource(ctx context.Context) (labels.Source, error) {
	lc := a.Config.Labels
	switch lc.Source {
	case "flipside":
		client, err := labels.NewFlipsideClient(ctx, lc.FlipsideEndpoint, lc.FlipsideAPIKey, a.logger.Named("flipside"))
		if err != nil {
			return nil, err
		}
		a.onClose(func() error { client.Close(); return nil })
		return client, nil
	case "duckdb":
		m := a.Config.Minio
		db, err := storage.NewLabelDB(lc.DBPath, storage.S3Config{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			UseSSL:    m.UseSSL,
		}, a.logger.Named("labeldb"))
		if err != nil {
			return nil, err
		}
		a.onClose(db.Close)
		if lc.File != "" {
			if _, err := db.Import(ctx, lc.File); err != nil {
				return nil, err
			}
		}
		return db, nil
	default:
		return nil, nil
	}
}

func (a *App) model(ctx context.Context) (llm.Model, error) {
	lc := a.Config.LLM
	switch lc.Provider {
	case "gemini":
		return llm.NewGeminiClient(ctx, lc.GeminiAPIKey, lc.GeminiBaseURL, a.logger.Named("gemini"))
	default:
		if lc.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required")
		}
		return llm.NewAnthropicClient(lc.AnthropicAPIKey, lc.AnthropicEndpoint, 0, a.logger.Named("anthropic")), nil
	}
}

func (a *App) publisher() (events.Publisher, error) {
	nc := a.Config.NATS
	if nc.URL == "" {
		return nil, nil
	}
	sink, err := pipeline.NewNATSSink(nc.URL, nc.Stream, nc.Subject, a.logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	a.onClose(sink.Close)
	return sink, nil
}

func (a *App) buildClassifier(readers *blockchain.Clients, enricher *labels.Enricher, publisher events.Publisher) error {
	cc := a.Config.Classifier
	if cc.SystemPromptFile == "" {
		a.logger.Info("CATEGORIZATION_SYSTEM_PROMPT_FILE not set, classification disabled")
		return nil
	}
	prompt, err := classifier.LoadPrompt(classifier.PromptFiles{
		Template:          cc.SystemPromptFile,
		LabelList:         cc.LabelsFile,
		ProbabilityConfig: cc.ProbabilityConfigFile,
		OutputFormat:      cc.OutputFormatFile,
	})
	if err != nil {
		return err
	}
	model := cc.Model
	if model == "" {
		model = a.Config.LLM.Model
	}
	a.classifier = classifier.New(classifier.Config{
		Model:       model,
		MaxTokens:   a.Config.LLM.MaxTokens,
		Temperature: a.Config.LLM.Temperature,
		Prompt:      prompt,
		MEVNetworks: a.Config.Networks.MEVNetworks(),
	}, classifier.Deps{
		Runner:    a.Orchestrator,
		Store:     a.Store,
		Readers:   readers,
		MEV:       classifier.NewMEVClient(cc.MEVBaseURL, cc.MEVRateLimit, a.Config.RequestTimeout, a.logger.Named("mev")),
		Enricher:  enricher,
		Publisher: publisher,
		Logger:    a.logger.Named("classifier"),
	})
	return nil
}

func (a *App) buildAccount(readers *blockchain.Clients, enricher *labels.Enricher) error {
	ac := a.Config.Account
	if ac.DebankAPIKey == "" {
		a.logger.Info("DEBANK_API_KEY not set, account summaries disabled")
		return nil
	}
	prompt := ""
	if ac.SystemPromptFile != "" {
		data, err := os.ReadFile(ac.SystemPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read account system prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	model := ac.Model
	if model == "" {
		model = a.Config.LLM.Model
	}
	debank := account.NewDebankClient(account.DebankConfig{
		BaseURL:       ac.DebankBaseURL,
		APIKey:        ac.DebankAPIKey,
		RatePerSecond: ac.DebankRateLimit,
		Timeout:       a.Config.RequestTimeout,
	}, a.logger.Named("debank"))
	a.account = account.New(account.Config{
		Model:        model,
		MaxTokens:    a.Config.LLM.MaxTokens,
		Temperature:  a.Config.LLM.Temperature,
		SystemPrompt: prompt,
		ExplainLimit: ac.ExplainLimit,
	}, account.Deps{
		Runner:    a.Orchestrator,
		Portfolio: debank,
		Readers:   readers,
		Enricher:  enricher,
		Logger:    a.logger.Named("account"),
	})
	return nil
}

// chainTools builds the per-network lookups used while tracing
type chainTools struct {
	readers *blockchain.Clients
	cache   decoder.Cache
	logger  *zap.Logger
}

func (t *chainTools) Tools(ctx context.Context, network string) (trace.Tools, error) {
	reader, err := t.readers.Get(ctx, network)
	if err != nil {
		return trace.Tools{}, err
	}
	resolver := decoder.NewTokenResolver(network, blockchain.NewERC20(reader), t.cache, t.logger)
	return trace.Tools{Decimals: resolver, Receipts: reader, Tokens: resolver}, nil
}
