// Package config loads the geoscale YAML configuration and applies
// GEOSCALE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/fetch"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GEOSCALE_"

// Config is the full configuration file.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Retriever RetrieverConfig `yaml:"retriever" envPrefix:"RETRIEVER_"`
	Tools     ToolsConfig     `yaml:"tools" envPrefix:"TOOLS_"`
	Fetch     FetchConfig     `yaml:"fetch" envPrefix:"FETCH_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Data      DataConfig      `yaml:"data" envPrefix:"DATA_"`
	Oracle    OracleConfig    `yaml:"oracle" envPrefix:"ORACLE_"`
}

// EngineConfig holds the planning loop budgets.
type EngineConfig struct {
	MaxSteps            int           `yaml:"max_steps" env:"MAX_STEPS"`
	MaxToolInvocations  int           `yaml:"max_tool_invocations" env:"MAX_TOOL_INVOCATIONS"`
	MaxDuration         time.Duration `yaml:"max_duration" env:"MAX_DURATION"`
	OracleTimeout       time.Duration `yaml:"oracle_timeout" env:"ORACLE_TIMEOUT"`
	OracleRetries       int           `yaml:"oracle_retries" env:"ORACLE_RETRIES"`
	RequireRelevantData bool          `yaml:"require_relevant_data" env:"REQUIRE_RELEVANT_DATA"`
	DiagnosticTail      int           `yaml:"diagnostic_tail" env:"DIAGNOSTIC_TAIL"`
	EventBus            bool          `yaml:"event_bus" env:"EVENT_BUS"`
	StepLog             string        `yaml:"step_log" env:"STEP_LOG"` // JSON-lines file, "-" for stderr, empty to disable
}

type RetrieverConfig struct {
	K              int      `yaml:"k" env:"K"`
	MinSimilarity  float64  `yaml:"min_similarity" env:"MIN_SIMILARITY"`
	AlwaysInclude  []string `yaml:"always_include" env:"ALWAYS_INCLUDE"`
	Embedder       string   `yaml:"embedder" env:"EMBEDDER"` // "lexical" or "genkit"
	EmbedderModel  string   `yaml:"embedder_model" env:"EMBEDDER_MODEL"`
	Dimensions     int      `yaml:"dimensions" env:"DIMENSIONS"`
	QueryCacheSize int      `yaml:"query_cache_size" env:"QUERY_CACHE_SIZE"`
}

type ToolsConfig struct {
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Retries      int           `yaml:"retries" env:"RETRIES"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	CacheTTL     time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	CacheEntries int           `yaml:"cache_entries" env:"CACHE_ENTRIES"`
}

type FetchConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	OverpassURL      string        `yaml:"overpass_url" env:"OVERPASS_URL"`
	NominatimURL     string        `yaml:"nominatim_url" env:"NOMINATIM_URL"`
	UserAgent        string        `yaml:"user_agent" env:"USER_AGENT"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	OpenTimeout      time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	TavilyURL        string        `yaml:"tavily_url" env:"TAVILY_URL"`
	TavilyAPIKey     string        `yaml:"tavily_api_key" env:"TAVILY_API_KEY"` // empty leaves web_search out
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR"`
	RPCAddr         string        `yaml:"rpc_addr" env:"RPC_ADDR"` // empty disables the JSON-RPC listener
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type DataConfig struct {
	Root     string        `yaml:"root" env:"ROOT"`
	Include  []string      `yaml:"include" env:"INCLUDE"`
	Exclude  []string      `yaml:"exclude" env:"EXCLUDE"`
	Workers  int           `yaml:"workers" env:"WORKERS"`
	Watch    bool          `yaml:"watch" env:"WATCH"`
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
	Catalog  string        `yaml:"catalog" env:"CATALOG"` // SQLite path
}

type OracleConfig struct {
	Kind           string `yaml:"kind" env:"KIND"` // "genkit" or "script"
	Model          string `yaml:"model" env:"MODEL"`
	PromptDir      string `yaml:"prompt_dir" env:"PROMPT_DIR"`
	PromptName     string `yaml:"prompt_name" env:"PROMPT_NAME"`
	Script         string `yaml:"script" env:"SCRIPT"`
	TranscriptRows int    `yaml:"transcript_rows" env:"TRANSCRIPT_ROWS"`
}

// Default returns the documented defaults.
func Default() Config {
	engine := geoscale.DefaultConfig()
	circuit := fetch.DefaultCircuitConfig()
	return Config{
		Engine: EngineConfig{
			MaxSteps:            engine.MaxSteps,
			MaxToolInvocations:  engine.MaxToolInvocations,
			MaxDuration:         engine.MaxDuration,
			OracleTimeout:       engine.OracleTimeout,
			OracleRetries:       engine.OracleRetries,
			RequireRelevantData: engine.RequireRelevantData,
			DiagnosticTail:      engine.DiagnosticTail,
			EventBus:            engine.EnableEventBus,
		},
		Retriever: RetrieverConfig{
			K:              engine.RetrieverK,
			MinSimilarity:  0.12,
			AlwaysInclude:  []string{catalog.BoundariesCategory},
			Embedder:       "lexical",
			Dimensions:     256,
			QueryCacheSize: 256,
		},
		Tools: ToolsConfig{
			Timeout:      30 * time.Second,
			Retries:      1,
			RetryDelay:   200 * time.Millisecond,
			CacheTTL:     10 * time.Minute,
			CacheEntries: 1024,
		},
		Fetch: FetchConfig{
			Enabled:          true,
			OverpassURL:      fetch.DefaultOverpassURL,
			NominatimURL:     fetch.DefaultNominatimURL,
			UserAgent:        "geoscale-genkit/1.0",
			Timeout:          90 * time.Second,
			FailureThreshold: circuit.FailureThreshold,
			OpenTimeout:      circuit.OpenTimeout,
			TavilyURL:        fetch.DefaultTavilyURL,
		},
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Data: DataConfig{
			Root:     "data",
			Workers:  4,
			Debounce: 500 * time.Millisecond,
			Catalog:  "geoscale.db",
		},
		Oracle: OracleConfig{
			Kind:           "genkit",
			Model:          "googleai/gemini-2.0-flash",
			PromptDir:      "prompts",
			PromptName:     "geoplanner",
			TranscriptRows: 5,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, geoscale.NewConfigurationError(fmt.Sprintf("cannot read config file '%s'", path), err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, geoscale.NewConfigurationError(fmt.Sprintf("invalid config file '%s'", path), err)
		}
	}
	if err := cfg.ApplyEnv(env.ToMap(os.Environ())); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GEOSCALE_<SECTION>_<FIELD> variables in
// environ, e.g. GEOSCALE_ENGINE_MAX_STEPS=4 or
// GEOSCALE_DATA_EXCLUDE="tmp/**,*.bak". Empty variables are ignored.
func (c *Config) ApplyEnv(environ map[string]string) error {
	err := env.ParseWithOptions(c, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf([]string(nil)): parseList,
		},
	})
	if err != nil {
		return geoscale.NewConfigurationError("invalid environment override", err)
	}
	return nil
}

// parseList splits a comma-separated list, trimming items and dropping empty ones.
func parseList(s string) (interface{}, error) {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out, nil
}

// Validate checks cross-field constraints and the engine budgets.
func (c Config) Validate() error {
	if err := c.Budgets().Validate(); err != nil {
		return err
	}
	switch {
	case c.Retriever.MinSimilarity < 0 || c.Retriever.MinSimilarity > 1:
		return geoscale.NewConfigurationError("retriever.min_similarity must be within [0, 1]", nil)
	case c.Retriever.Embedder != "lexical" && c.Retriever.Embedder != "genkit":
		return geoscale.NewConfigurationError(fmt.Sprintf("unknown retriever.embedder '%s'", c.Retriever.Embedder), nil)
	case c.Retriever.Embedder == "genkit" && c.Retriever.EmbedderModel == "":
		return geoscale.NewConfigurationError("retriever.embedder_model is required with the genkit embedder", nil)
	case c.Tools.Timeout <= 0:
		return geoscale.NewConfigurationError("tools.timeout must be positive", nil)
	case c.Tools.Retries < 0:
		return geoscale.NewConfigurationError("tools.retries cannot be negative", nil)
	case c.Fetch.Enabled && (c.Fetch.OverpassURL == "" || c.Fetch.NominatimURL == ""):
		return geoscale.NewConfigurationError("fetch needs overpass_url and nominatim_url when enabled", nil)
	case c.Data.Root == "":
		return geoscale.NewConfigurationError("data.root is required", nil)
	case c.Oracle.Kind != "genkit" && c.Oracle.Kind != "script":
		return geoscale.NewConfigurationError(fmt.Sprintf("unknown oracle.kind '%s'", c.Oracle.Kind), nil)
	case c.Oracle.Kind == "script" && c.Oracle.Script == "":
		return geoscale.NewConfigurationError("oracle.script is required with the script oracle", nil)
	}
	return nil
}

// Budgets converts the engine and retriever sections into the engine's Config.
func (c Config) Budgets() geoscale.Config {
	out := geoscale.DefaultConfig()
	out.MaxSteps = c.Engine.MaxSteps
	out.MaxToolInvocations = c.Engine.MaxToolInvocations
	out.MaxDuration = c.Engine.MaxDuration
	out.OracleTimeout = c.Engine.OracleTimeout
	out.OracleRetries = c.Engine.OracleRetries
	out.RequireRelevantData = c.Engine.RequireRelevantData
	out.DiagnosticTail = c.Engine.DiagnosticTail
	out.EnableEventBus = c.Engine.EventBus
	out.RetrieverK = c.Retriever.K
	return out
}

// CircuitConfig converts the fetch section into breaker settings.
func (c Config) CircuitConfig() fetch.CircuitConfig {
	out := fetch.DefaultCircuitConfig()
	out.FailureThreshold = c.Fetch.FailureThreshold
	out.OpenTimeout = c.Fetch.OpenTimeout
	return out
}
