package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "MIRADOR_CHAOS_"

// Config captures every setting required to boot the chaos control plane.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	LLM           LLMConfig           `koanf:"llm"`
	Flags         FlagsConfig         `koanf:"flags"`
	Chaos         ChaosConfig         `koanf:"chaos"`
	Scheduler     SchedulerConfig     `koanf:"scheduler"`
	Detector      DetectorConfig      `koanf:"detector"`
	FixIt         FixItConfig         `koanf:"fixit"`
	Memory        MemoryConfig        `koanf:"memory"`
	Cache         CacheConfig         `koanf:"cache"`
	Telemetry     TelemetryConfig     `koanf:"telemetry"`
}

// ServerConfig controls the gRPC control surface and metrics listener.
type ServerConfig struct {
	Address         string        `koanf:"address" validate:"required"`
	MetricsAddress  string        `koanf:"metrics_address"`
	GracefulTimeout time.Duration `koanf:"graceful_timeout" validate:"gt=0"`
	ReloadInterval  time.Duration `koanf:"reload_interval"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// ObservabilityConfig configures the monitoring backend client.
type ObservabilityConfig struct {
	BaseURL     string        `koanf:"base_url"`
	APIToken    string        `koanf:"api_token"`
	Timeout     time.Duration `koanf:"timeout" validate:"gt=0"`
	TopologyTTL time.Duration `koanf:"topology_ttl"`
	EventSource string        `koanf:"event_source"`
}

// LLMConfig configures the optional completion service.
type LLMConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	EmbeddingModel    string        `koanf:"embedding_model"`
	Timeout           time.Duration `koanf:"timeout" validate:"gt=0"`
	Temperature       float32       `koanf:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int           `koanf:"max_tokens" validate:"gte=0"`
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"gte=0"`
	ProbeTTL          time.Duration `koanf:"probe_ttl"`
}

// FlagsConfig selects where service feature flags live.
type FlagsConfig struct {
	Mode    string        `koanf:"mode" validate:"oneof=memory http"`
	BaseURL string        `koanf:"base_url" validate:"required_if=Mode http"`
	Timeout time.Duration `koanf:"timeout"`
}

// ChaosConfig configures the injection engine and its registry.
type ChaosConfig struct {
	RecipesPath         string        `koanf:"recipes_path"`
	MaxConcurrentFaults int           `koanf:"max_concurrent_faults" validate:"min=1"`
	DefaultDuration     time.Duration `koanf:"default_duration" validate:"gte=0"`
	RevertOnShutdown    bool          `koanf:"revert_on_shutdown"`
	RetiredCapacity     int           `koanf:"retired_capacity" validate:"gte=0"`
}

// SchedulerConfig configures the autonomous chaos loop. It is hot-reloadable.
type SchedulerConfig struct {
	Enabled              bool          `koanf:"enabled"`
	Interval             time.Duration `koanf:"interval" validate:"gt=0"`
	Warmup               time.Duration `koanf:"warmup" validate:"gte=0"`
	ChaosInterval        time.Duration `koanf:"chaos_interval" validate:"gte=0"`
	UseVolumeTrigger     bool          `koanf:"use_volume_trigger"`
	TransactionThreshold int64         `koanf:"transaction_threshold" validate:"gte=0"`
	MeanInterarrival     time.Duration `koanf:"mean_interarrival" validate:"gte=0"`
	UseAI                bool          `koanf:"use_ai"`
	Targets              []string      `koanf:"targets"`
	MinIntensity         int           `koanf:"min_intensity" validate:"min=1,max=10"`
	MaxIntensity         int           `koanf:"max_intensity" validate:"min=1,max=10,gtefield=MinIntensity"`
}

// DetectorConfig configures the problem poller. It is hot-reloadable.
type DetectorConfig struct {
	Enabled            bool          `koanf:"enabled"`
	PollInterval       time.Duration `koanf:"poll_interval" validate:"gt=0"`
	Lookback           time.Duration `koanf:"lookback" validate:"gt=0"`
	MaxConcurrentFixes int           `koanf:"max_concurrent_fixes" validate:"min=1"`
	ProcessedTTL       time.Duration `koanf:"processed_ttl" validate:"gte=0"`
}

// FixItConfig configures diagnosis, remediation and verification.
type FixItConfig struct {
	RulesPath        string        `koanf:"rules_path"`
	SettleDelay      time.Duration `koanf:"settle_delay" validate:"gte=0"`
	VerifyInterval   time.Duration `koanf:"verify_interval" validate:"gte=0"`
	VerifyTimeout    time.Duration `koanf:"verify_timeout" validate:"gte=0"`
	MaxAgentTurns    int           `koanf:"max_agent_turns" validate:"min=1"`
	SimilarIncidents int           `koanf:"similar_incidents" validate:"gte=0"`
	LogLimit         int           `koanf:"log_limit" validate:"gte=0"`
	RunRetention     int           `koanf:"run_retention" validate:"gte=0"`
}

// MemoryConfig configures operational memory persistence and similarity search.
type MemoryConfig struct {
	Backend    string         `koanf:"backend" validate:"oneof=memory sqlite"`
	SQLitePath string         `koanf:"sqlite_path" validate:"required_if=Backend sqlite"`
	Index      string         `koanf:"index" validate:"oneof=none memory weaviate qdrant"`
	SimilarTTL time.Duration  `koanf:"similar_ttl"`
	Weaviate   WeaviateConfig `koanf:"weaviate"`
	Qdrant     QdrantConfig   `koanf:"qdrant"`
}

// WeaviateConfig configures the Weaviate incident index.
type WeaviateConfig struct {
	Endpoint string        `koanf:"endpoint"`
	APIKey   string        `koanf:"api_key"`
	Class    string        `koanf:"class"`
	Timeout  time.Duration `koanf:"timeout"`
}

// QdrantConfig configures the Qdrant incident index.
type QdrantConfig struct {
	Addr       string `koanf:"addr"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size" validate:"gte=0"`
}

// CacheConfig controls the optional Valkey backend shared by replicas.
type CacheConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Addr         string        `koanf:"addr" validate:"required_if=Enabled true"`
	Username     string        `koanf:"username"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	Prefix       string        `koanf:"prefix"`
	TLS          bool          `koanf:"tls"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
	MaxRetries   int           `koanf:"max_retries"`
}

// TelemetryConfig controls OpenTelemetry tracing export.
type TelemetryConfig struct {
	Exporter     string `koanf:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `koanf:"otlp_endpoint" validate:"required_if=Exporter otlp"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
	ServiceName  string `koanf:"service_name"`
}

var validate = validator.New()

// Load builds Config from defaults, an optional YAML file and environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}

	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints across every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ValidateSection checks the constraints of a single section, such as a
// SchedulerConfig produced by a runtime update.
func ValidateSection(section any) error {
	if err := validate.Struct(section); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Redacted returns a copy with credentials masked, for printing.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Observability.APIToken = mask(c.Observability.APIToken)
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.Memory.Weaviate.APIKey = mask(c.Memory.Weaviate.APIKey)
	c.Cache.Password = mask(c.Cache.Password)
	return c
}

// envKeys maps environment variable suffixes (after EnvPrefix) onto config keys.
var envKeys = map[string]string{
	"SERVER_ADDRESS":                  "server.address",
	"METRICS_ADDRESS":                 "server.metrics_address",
	"GRACEFUL_TIMEOUT":                "server.graceful_timeout",
	"LOG_LEVEL":                       "logging.level",
	"LOG_JSON":                        "logging.json",
	"OBSERVABILITY_URL":               "observability.base_url",
	"OBSERVABILITY_TOKEN":             "observability.api_token",
	"OBSERVABILITY_TIMEOUT":           "observability.timeout",
	"LLM_ENABLED":                     "llm.enabled",
	"LLM_BASE_URL":                    "llm.base_url",
	"LLM_API_KEY":                     "llm.api_key",
	"LLM_MODEL":                       "llm.model",
	"LLM_EMBEDDING_MODEL":             "llm.embedding_model",
	"LLM_TIMEOUT":                     "llm.timeout",
	"FLAGS_MODE":                      "flags.mode",
	"FLAGS_URL":                       "flags.base_url",
	"RECIPES_PATH":                    "chaos.recipes_path",
	"MAX_CONCURRENT_FAULTS":           "chaos.max_concurrent_faults",
	"SCHEDULER_ENABLED":               "scheduler.enabled",
	"SCHEDULER_INTERVAL":              "scheduler.interval",
	"SCHEDULER_WARMUP":                "scheduler.warmup",
	"SCHEDULER_CHAOS_INTERVAL":        "scheduler.chaos_interval",
	"SCHEDULER_USE_AI":                "scheduler.use_ai",
	"SCHEDULER_TARGETS":               "scheduler.targets",
	"SCHEDULER_TRANSACTION_THRESHOLD": "scheduler.transaction_threshold",
	"DETECTOR_ENABLED":                "detector.enabled",
	"DETECTOR_POLL_INTERVAL":          "detector.poll_interval",
	"MAX_CONCURRENT_FIXES":            "detector.max_concurrent_fixes",
	"RULES_PATH":                      "fixit.rules_path",
	"MEMORY_BACKEND":                  "memory.backend",
	"MEMORY_SQLITE_PATH":              "memory.sqlite_path",
	"MEMORY_INDEX":                    "memory.index",
	"WEAVIATE_URL":                    "memory.weaviate.endpoint",
	"WEAVIATE_API_KEY":                "memory.weaviate.api_key",
	"QDRANT_ADDR":                     "memory.qdrant.addr",
	"CACHE_ENABLED":                   "cache.enabled",
	"CACHE_ADDR":                      "cache.addr",
	"CACHE_USERNAME":                  "cache.username",
	"CACHE_PASSWORD":                  "cache.password",
	"CACHE_DB":                        "cache.db",
	"CACHE_TLS":                       "cache.tls",
	"TELEMETRY_EXPORTER":              "telemetry.exporter",
	"OTLP_ENDPOINT":                   "telemetry.otlp_endpoint",
}

// envKey returns the config key for an environment variable, or "" to ignore it.
func envKey(name string) string {
	return envKeys[strings.TrimPrefix(name, EnvPrefix)]
}

func defaults() map[string]any {
	return map[string]any{
		"server.address":          ":50061",
		"server.metrics_address":  ":2113",
		"server.graceful_timeout": 15 * time.Second,
		"server.reload_interval":  5 * time.Second,

		"logging.level": "info",
		"logging.json":  false,

		"observability.timeout":      10 * time.Second,
		"observability.topology_ttl": 5 * time.Minute,
		"observability.event_source": "mirador-chaos",

		"llm.enabled":             false,
		"llm.model":               "gpt-4o-mini",
		"llm.embedding_model":     "text-embedding-3-small",
		"llm.timeout":             90 * time.Second,
		"llm.temperature":         0.2,
		"llm.max_tokens":          1024,
		"llm.requests_per_minute": 30,
		"llm.probe_ttl":           30 * time.Second,

		"flags.mode":    "memory",
		"flags.timeout": 5 * time.Second,

		"chaos.max_concurrent_faults": 3,
		"chaos.default_duration":      5 * time.Minute,
		"chaos.revert_on_shutdown":    true,
		"chaos.retired_capacity":      512,

		"scheduler.enabled":               false,
		"scheduler.interval":              time.Minute,
		"scheduler.warmup":                2 * time.Hour,
		"scheduler.chaos_interval":        30 * time.Minute,
		"scheduler.use_volume_trigger":    true,
		"scheduler.transaction_threshold": 1000,
		"scheduler.mean_interarrival":     20 * time.Minute,
		"scheduler.use_ai":                false,
		"scheduler.targets":               []string{},
		"scheduler.min_intensity":         3,
		"scheduler.max_intensity":         7,

		"detector.enabled":              false,
		"detector.poll_interval":        30 * time.Second,
		"detector.lookback":             30 * time.Minute,
		"detector.max_concurrent_fixes": 2,
		"detector.processed_ttl":        time.Hour,

		"fixit.settle_delay":      30 * time.Second,
		"fixit.verify_interval":   15 * time.Second,
		"fixit.verify_timeout":    2 * time.Minute,
		"fixit.max_agent_turns":   8,
		"fixit.similar_incidents": 3,
		"fixit.log_limit":         50,
		"fixit.run_retention":     200,

		"memory.backend":            "memory",
		"memory.index":              "memory",
		"memory.similar_ttl":        2 * time.Minute,
		"memory.weaviate.class":     "ChaosIncident",
		"memory.weaviate.timeout":   5 * time.Second,
		"memory.qdrant.collection":  "chaos_incidents",
		"memory.qdrant.vector_size": 1536,

		"cache.enabled":       false,
		"cache.prefix":        "mirador-chaos",
		"cache.dial_timeout":  2 * time.Second,
		"cache.read_timeout":  500 * time.Millisecond,
		"cache.write_timeout": 500 * time.Millisecond,
		"cache.max_retries":   2,

		"telemetry.exporter":     "none",
		"telemetry.service_name": "mirador-chaos",
	}
}
