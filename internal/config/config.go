package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// OrchestratorConfig holds the admission and generation settings
type OrchestratorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	ItemDelay      time.Duration `yaml:"item_delay"`
	OverflowDrop   int           `yaml:"overflow_drop"`
	SkipFunctions  []string      `yaml:"skip_functions"`
}

// NATSConfig holds the result-event sink settings. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
}

// MinioConfig holds the blob store settings. An empty endpoint selects the
// in-memory store.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	BasePath  string `yaml:"base_path"`
}

// SimulationConfig holds the Tenderly settings
type SimulationConfig struct {
	BaseURL     string  `yaml:"base_url"`
	AccountSlug string  `yaml:"account_slug"`
	ProjectSlug string  `yaml:"project_slug"`
	AccessKey   string  `yaml:"access_key"`
	RateLimit   float64 `yaml:"rate_limit"` // requests per second, zero for no pacing
}

// LabelsConfig selects and configures the address label source
type LabelsConfig struct {
	Source           string `yaml:"source"` // flipside, duckdb or none
	FlipsideAPIKey   string `yaml:"flipside_api_key"`
	FlipsideEndpoint string `yaml:"flipside_endpoint"`
	DBPath           string `yaml:"db_path"`
	File             string `yaml:"file"` // CSV or Parquet bulk-loaded into the DuckDB table
}

// LLMConfig selects and configures the language model
type LLMConfig struct {
	Provider          string  `yaml:"provider"` // anthropic or gemini
	AnthropicAPIKey   string  `yaml:"anthropic_api_key"`
	AnthropicEndpoint string  `yaml:"anthropic_endpoint"`
	GeminiAPIKey      string  `yaml:"gemini_api_key"`
	GeminiBaseURL     string  `yaml:"gemini_base_url"`
	Model             string  `yaml:"model"`
	CorrectionModel   string  `yaml:"correction_model"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	SystemPromptFile  string  `yaml:"system_prompt_file"`
	Correction        bool    `yaml:"correction"`
}

// ClassifierConfig holds the categorization settings
type ClassifierConfig struct {
	Model                 string  `yaml:"model"`
	SystemPromptFile      string  `yaml:"system_prompt_file"`
	LabelsFile            string  `yaml:"labels_file"`
	ProbabilityConfigFile string  `yaml:"probability_config_file"`
	OutputFormatFile      string  `yaml:"output_format_file"`
	MEVBaseURL            string  `yaml:"mev_base_url"`
	MEVRateLimit          float64 `yaml:"mev_rate_limit"`
}

// AccountConfig holds the account summary settings. An empty DeBank key
// disables account summaries.
type AccountConfig struct {
	Model            string  `yaml:"model"`
	SystemPromptFile string  `yaml:"system_prompt_file"`
	ExplainLimit     int     `yaml:"explain_limit"`
	DebankAPIKey     string  `yaml:"debank_api_key"`
	DebankBaseURL    string  `yaml:"debank_base_url"`
	DebankRateLimit  float64 `yaml:"debank_rate_limit"`
}

// Config holds the application configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Orchestrator   OrchestratorConfig `yaml:"orchestrator"`
	RequestTimeout time.Duration      `yaml:"request_timeout"`

	// Token metadata cache
	CacheType string `yaml:"cache_type"`
	RedisURL  string `yaml:"redis_url"`

	NATS       NATSConfig       `yaml:"nats"`
	Minio      MinioConfig      `yaml:"minio"`
	Simulation SimulationConfig `yaml:"simulation"`
	Labels     LabelsConfig     `yaml:"labels"`
	LLM        LLMConfig        `yaml:"llm"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Account    AccountConfig    `yaml:"account"`

	// RPCEndpoints maps network name to node URL; overrides the env keys
	RPCEndpoints map[string]string `yaml:"rpc_endpoints"`

	Networks *NetworkRegistry `yaml:"-"`
}

// LoadFromEnv loads configuration from environment variables. A .env file in
// the working directory is read first when present.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "json"),
		Orchestrator: OrchestratorConfig{
			MaxConcurrency: getEnvAsInt("MAX_CONCURRENCY", 1),
			ItemDelay:      getEnvAsDuration("ITEM_DELAY", 1200*time.Millisecond),
			OverflowDrop:   getEnvAsInt("OVERFLOW_DROP", 8),
			SkipFunctions:  getEnvAsList("SKIP_FUNCTIONS"),
		},
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),
		CacheType:      getEnvWithDefault("CACHE_TYPE", "memory"),
		RedisURL:       getEnvWithDefault("REDIS_URL", "localhost:6379"),
		NATS: NATSConfig{
			URL:     os.Getenv("NATS_URL"),
			Stream:  getEnvWithDefault("NATS_STREAM", "EXPLANATIONS"),
			Subject: getEnvWithDefault("NATS_SUBJECT", "explanations.results"),
		},
		Minio: MinioConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    getEnvWithDefault("MINIO_BUCKET", "ekko-explain"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
			BasePath:  os.Getenv("MINIO_BASE_PATH"),
		},
		Simulation: SimulationConfig{
			BaseURL:     os.Getenv("TENDERLY_BASE_URL"),
			AccountSlug: os.Getenv("TENDERLY_ACCOUNT_SLUG"),
			ProjectSlug: os.Getenv("TENDERLY_PROJECT_SLUG"),
			AccessKey:   os.Getenv("TENDERLY_ACCESS_KEY"),
			RateLimit:   getEnvAsFloat("SIMULATION_RATE_LIMIT", 0),
		},
		Labels: LabelsConfig{
			Source:           getEnvWithDefault("LABEL_SOURCE", "none"),
			FlipsideAPIKey:   os.Getenv("FLIPSIDE_API_KEY"),
			FlipsideEndpoint: os.Getenv("FLIPSIDE_ENDPOINT_URL"),
			DBPath:           os.Getenv("LABELS_DB_PATH"),
			File:             os.Getenv("LABELS_FILE"),
		},
		LLM: LLMConfig{
			Provider:          getEnvWithDefault("LLM_PROVIDER", "anthropic"),
			AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicEndpoint: os.Getenv("ANTHROPIC_ENDPOINT"),
			GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
			GeminiBaseURL:     os.Getenv("GEMINI_BASE_URL"),
			Model:             os.Getenv("DEFAULT_MODEL"),
			CorrectionModel:   os.Getenv("CORRECTION_MODEL"),
			MaxTokens:         getEnvAsInt("MAX_TOKENS", 2000),
			Temperature:       getEnvAsFloat("TEMPERATURE", 0),
			SystemPromptFile:  os.Getenv("SYSTEM_PROMPT_FILE"),
			Correction:        getEnvAsBool("CORRECTION_ENABLED", false),
		},
		Classifier: ClassifierConfig{
			Model:                 os.Getenv("CATEGORIZATION_MODEL"),
			SystemPromptFile:      os.Getenv("CATEGORIZATION_SYSTEM_PROMPT_FILE"),
			LabelsFile:            os.Getenv("LABELS_FILE_PATH"),
			ProbabilityConfigFile: os.Getenv("PROBABILITY_CONFIG_PATH"),
			OutputFormatFile:      os.Getenv("OUTPUT_FORMAT_PATH"),
			MEVBaseURL:            os.Getenv("MEV_BASE_URL"),
			MEVRateLimit:          getEnvAsFloat("MEV_RATE_LIMIT", 1),
		},
		Account: AccountConfig{
			Model:            os.Getenv("ACCOUNT_MODEL"),
			SystemPromptFile: os.Getenv("ACCOUNT_SYSTEM_PROMPT_FILE"),
			ExplainLimit:     getEnvAsInt("ACCOUNT_EXPLAIN_LIMIT", 5),
			DebankAPIKey:     os.Getenv("DEBANK_API_KEY"),
			DebankBaseURL:    os.Getenv("DEBANK_BASE_URL"),
			DebankRateLimit:  getEnvAsFloat("DEBANK_RATE_LIMIT", 1),
		},
		RPCEndpoints: map[string]string{},
	}

	networks := GetDefaultNetworkRegistry()
	for name, n := range networks.Networks {
		if url := os.Getenv(n.RPCEnv); url != "" {
			cfg.RPCEndpoints[name] = url
		}
	}
	cfg.Networks = networks
	return cfg, cfg.finish()
}

// Load reads a YAML config file over the environment configuration. A
// missing file falls back to the environment alone.
func Load(path string) (*Config, error) {
	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// keys absent from the file keep their environment values
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, cfg.finish()
}

// Default models per LLM provider
const (
	DefaultAnthropicModel = "claude-3-haiku-20240307"
	DefaultGeminiModel    = "gemini-2.0-flash"
)

// finish applies the RPC endpoints to the network registry, fills the model
// default and validates
func (c *Config) finish() error {
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultAnthropicModel
		if c.LLM.Provider == "gemini" {
			c.LLM.Model = DefaultGeminiModel
		}
	}
	if c.Networks == nil {
		c.Networks = GetDefaultNetworkRegistry()
	}
	for name, url := range c.RPCEndpoints {
		if err := c.Networks.SetRPC(name, url); err != nil {
			return fmt.Errorf("rpc_endpoints: %w", err)
		}
	}
	return c.Validate()
}

// Validate checks the values that have no usable default
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.Orchestrator.MaxConcurrency)
	}
	if c.Orchestrator.ItemDelay < 0 {
		return fmt.Errorf("ITEM_DELAY must not be negative")
	}
	if c.Orchestrator.OverflowDrop < 1 {
		return fmt.Errorf("OVERFLOW_DROP must be at least 1, got %d", c.Orchestrator.OverflowDrop)
	}
	if c.Account.ExplainLimit < 0 {
		return fmt.Errorf("ACCOUNT_EXPLAIN_LIMIT must not be negative, got %d", c.Account.ExplainLimit)
	}
	switch c.CacheType {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_TYPE must be memory or redis, got %q", c.CacheType)
	}
	switch c.Labels.Source {
	case "flipside", "duckdb", "none":
	default:
		return fmt.Errorf("LABEL_SOURCE must be flipside, duckdb or none, got %q", c.Labels.Source)
	}
	switch c.LLM.Provider {
	case "anthropic", "gemini":
	default:
		return fmt.Errorf("LLM_PROVIDER must be anthropic or gemini, got %q", c.LLM.Provider)
	}
	return nil
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma or space separated variable
func getEnvAsList(key string) []string {
	return strings.FieldsFunc(os.Getenv(key), func(r rune) bool {
		return r == ',' || r == ' '
	})
}
