// Package config loads application configuration from a YAML file with
// environment-variable overrides. Defaults are applied first, then the file,
// then GCIQS_* variables (and the GROQ_* aliases for the LLM section).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Corpus    CorpusConfig    `yaml:"corpus"`
	LLM       LLMConfig       `yaml:"llm"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// RetrievalConfig controls the hybrid retriever.
type RetrievalConfig struct {
	DefaultTopK         int     `yaml:"defaultTopK"`
	MaxTopK             int     `yaml:"maxTopK"`
	CandidateMultiplier int     `yaml:"candidateMultiplier"`
	RRFK                int     `yaml:"rrfK"`
	BM25K1              float64 `yaml:"bm25K1"`
	BM25B               float64 `yaml:"bm25B"`
	ScorePrecision      int     `yaml:"scorePrecision"`
	BuildOnDemand       bool    `yaml:"buildOnDemand"`
	EagerBuild          bool    `yaml:"eagerBuild"`
}

// CorpusConfig selects where documents come from.
type CorpusConfig struct {
	// Source is one of "embedded", "file" or "postgres".
	Source string `yaml:"source"`
	Path   string `yaml:"path"`
	// Watch rebuilds the index when the file at Path changes.
	Watch    bool          `yaml:"watch"`
	Debounce time.Duration `yaml:"debounce"`
}

// LLMConfig holds the OpenAI-compatible chat completion endpoint settings.
type LLMConfig struct {
	APIURL            string        `yaml:"apiUrl"`
	APIKey            string        `yaml:"apiKey"`
	Model             string        `yaml:"model"`
	Temperature       float64       `yaml:"temperature"`
	MaxTokens         int           `yaml:"maxTokens"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BreakerFailures   uint32        `yaml:"breakerFailures"`
	BreakerCooldown   time.Duration `yaml:"breakerCooldown"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings. Analytics publishing is
// skipped when Enabled is false.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	QueryEvents  string `yaml:"queryEvents"`
	IndexRebuilt string `yaml:"indexRebuilt"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// CacheConfig controls the search result cache.
type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	LocalEntries int           `yaml:"localEntries"`
}

// AnalyticsConfig controls query event batching and snapshot persistence.
// Snapshots are written to Postgres only when SnapshotInterval is positive.
type AnalyticsConfig struct {
	BufferSize       int           `yaml:"bufferSize"`
	BatchSize        int           `yaml:"batchSize"`
	FlushInterval    time.Duration `yaml:"flushInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig toggles span logging.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sampleRate"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// CORSConfig lists the origins allowed to call the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. A .env file in the working directory is loaded first when
// present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the retriever and server cannot run with.
func (c *Config) Validate() error {
	r := c.Retrieval
	switch {
	case r.DefaultTopK <= 0:
		return fmt.Errorf("retrieval.defaultTopK must be positive, got %d", r.DefaultTopK)
	case r.MaxTopK < r.DefaultTopK:
		return fmt.Errorf("retrieval.maxTopK (%d) must be >= defaultTopK (%d)", r.MaxTopK, r.DefaultTopK)
	case r.CandidateMultiplier < 1:
		return fmt.Errorf("retrieval.candidateMultiplier must be >= 1, got %d", r.CandidateMultiplier)
	case r.RRFK < 1:
		return fmt.Errorf("retrieval.rrfK must be >= 1, got %d", r.RRFK)
	case r.BM25K1 < 0 || r.BM25B < 0 || r.BM25B > 1:
		return fmt.Errorf("retrieval bm25 parameters out of range: k1=%v b=%v", r.BM25K1, r.BM25B)
	case r.ScorePrecision < 1:
		return fmt.Errorf("retrieval.scorePrecision must be >= 1, got %d", r.ScorePrecision)
	}
	switch c.Corpus.Source {
	case "embedded", "postgres":
	case "file":
		if c.Corpus.Path == "" {
			return fmt.Errorf("corpus.path is required when corpus.source is file")
		}
	default:
		return fmt.Errorf("unknown corpus.source %q", c.Corpus.Source)
	}
	return nil
}

// defaultConfig returns a Config with defaults suitable for local development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			RequestTimeout:  90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:         5,
			MaxTopK:             10,
			CandidateMultiplier: 2,
			RRFK:                60,
			BM25K1:              1.5,
			BM25B:               0.75,
			ScorePrecision:      4,
			BuildOnDemand:       true,
			EagerBuild:          true,
		},
		Corpus: CorpusConfig{
			Source:   "embedded",
			Debounce: 500 * time.Millisecond,
		},
		LLM: LLMConfig{
			APIURL:            "https://api.groq.com/openai/v1/chat/completions",
			Model:             "llama-3.3-70b-versatile",
			Temperature:       0.3,
			MaxTokens:         2048,
			Timeout:           60 * time.Second,
			RequestsPerMinute: 30,
			MaxAttempts:       2,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "gciqs",
			User:            "gciqs",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "gciqs-analytics",
			Topics: KafkaTopics{
				QueryEvents:  "gciqs.query-events",
				IndexRebuilt: "gciqs.index-rebuilt",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Cache: CacheConfig{
			TTL:          5 * time.Minute,
			LocalEntries: 512,
		},
		Analytics: AnalyticsConfig{
			BufferSize:    10000,
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRate: 1,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// applyEnvOverrides reads GCIQS_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "GCIQS_SERVER_PORT")
	setInt(&cfg.Retrieval.DefaultTopK, "GCIQS_RETRIEVAL_DEFAULT_TOP_K")
	setInt(&cfg.Retrieval.MaxTopK, "GCIQS_RETRIEVAL_MAX_TOP_K")
	setInt(&cfg.Retrieval.CandidateMultiplier, "GCIQS_RETRIEVAL_CANDIDATE_MULTIPLIER")
	setInt(&cfg.Retrieval.RRFK, "GCIQS_RETRIEVAL_RRF_K")
	setBool(&cfg.Retrieval.BuildOnDemand, "GCIQS_RETRIEVAL_BUILD_ON_DEMAND")
	setBool(&cfg.Retrieval.EagerBuild, "GCIQS_RETRIEVAL_EAGER_BUILD")

	setString(&cfg.Corpus.Source, "GCIQS_CORPUS_SOURCE")
	setString(&cfg.Corpus.Path, "GCIQS_CORPUS_PATH")
	setBool(&cfg.Corpus.Watch, "GCIQS_CORPUS_WATCH")

	setString(&cfg.LLM.APIURL, "GROQ_API_URL")
	setString(&cfg.LLM.APIKey, "GROQ_API_KEY")
	setString(&cfg.LLM.Model, "GROQ_MODEL")
	setFloat(&cfg.LLM.Temperature, "GROQ_TEMPERATURE")
	setInt(&cfg.LLM.MaxTokens, "GROQ_MAX_TOKENS")
	setString(&cfg.LLM.APIURL, "GCIQS_LLM_API_URL")
	setString(&cfg.LLM.APIKey, "GCIQS_LLM_API_KEY")
	setString(&cfg.LLM.Model, "GCIQS_LLM_MODEL")

	setString(&cfg.Postgres.Host, "GCIQS_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GCIQS_POSTGRES_PORT")
	setString(&cfg.Postgres.Database, "GCIQS_POSTGRES_DATABASE")
	setString(&cfg.Postgres.User, "GCIQS_POSTGRES_USER")
	setString(&cfg.Postgres.Password, "GCIQS_POSTGRES_PASSWORD")
	setString(&cfg.Postgres.SSLMode, "GCIQS_POSTGRES_SSLMODE")

	setBool(&cfg.Kafka.Enabled, "GCIQS_KAFKA_ENABLED")
	if v := os.Getenv("GCIQS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	setBool(&cfg.Redis.Enabled, "GCIQS_REDIS_ENABLED")
	setString(&cfg.Redis.Addr, "GCIQS_REDIS_ADDR")
	setString(&cfg.Redis.Password, "GCIQS_REDIS_PASSWORD")

	setDuration(&cfg.Analytics.SnapshotInterval, "GCIQS_ANALYTICS_SNAPSHOT_INTERVAL")

	setString(&cfg.Logging.Level, "GCIQS_LOGGING_LEVEL")
	setString(&cfg.Logging.Format, "GCIQS_LOGGING_FORMAT")
	setBool(&cfg.Tracing.Enabled, "GCIQS_TRACING_ENABLED")
	setBool(&cfg.Metrics.Enabled, "GCIQS_METRICS_ENABLED")
	setInt(&cfg.Metrics.Port, "GCIQS_METRICS_PORT")

	if v := os.Getenv("GCIQS_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORS.AllowedOrigins = strings.Split(v, ",")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
