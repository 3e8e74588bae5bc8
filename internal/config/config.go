package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warfeedhq/ingest/pkg/types"
)

// Config is the engine configuration loaded from the main YAML file.
// Source descriptors live in a separate sources file (see SourcesFile)
// so an administration surface can edit them without touching engine
// settings.
type Config struct {
	Logging     LoggingConfig    `yaml:"logging"`
	SourcesFile string           `yaml:"sources_file"`
	Cursor      CursorConfig     `yaml:"cursor"`
	Pool        PoolConfig       `yaml:"pool"`
	Poll        PollConfig       `yaml:"poll"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Consumers   []ConsumerConfig `yaml:"consumers"`
	Metrics     *MetricsConfig   `yaml:"metrics,omitempty"`
	Health      *HealthConfig    `yaml:"health,omitempty"`
	Tracing     *TracingConfig   `yaml:"tracing,omitempty"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Duration wraps time.Duration so YAML values like "30s" parse. Bare
// integers are taken as nanoseconds, matching time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CursorConfig configures the cursor store.
type CursorConfig struct {
	Dir       string   `yaml:"dir"`
	Retention Duration `yaml:"retention,omitempty"`
}

// PoolConfig configures the shared remote session pool.
type PoolConfig struct {
	MaxSessions    int      `yaml:"max_sessions"`
	AcquireTimeout Duration `yaml:"acquire_timeout,omitempty"`
	ReadTimeout    Duration `yaml:"read_timeout,omitempty"`
	DialTimeout    Duration `yaml:"dial_timeout,omitempty"`
	// HostReadsPerSecond caps remote reads per host across all sources
	// sharing that host. Zero disables the limiter.
	HostReadsPerSecond float64 `yaml:"host_reads_per_second,omitempty"`
}

// PollConfig configures poll scheduling per source.
type PollConfig struct {
	Interval         Duration      `yaml:"interval"`
	Jitter           Duration      `yaml:"jitter,omitempty"`
	DegradedInterval Duration      `yaml:"degraded_interval,omitempty"`
	DegradedAfter    int           `yaml:"degraded_after,omitempty"`
	Workers          int           `yaml:"workers,omitempty"`
	ChunkSize        int           `yaml:"chunk_size,omitempty"`
	MaxBatchBytes    int64         `yaml:"max_batch_bytes,omitempty"`
	Backoff          BackoffConfig `yaml:"backoff,omitempty"`
}

// BackoffConfig holds exponential backoff parameters.
type BackoffConfig struct {
	Initial    Duration `yaml:"initial,omitempty"`
	Max        Duration `yaml:"max,omitempty"`
	Multiplier float64  `yaml:"multiplier,omitempty"`
}

// DispatchConfig configures delivery retries.
type DispatchConfig struct {
	MaxRetries     int      `yaml:"max_retries,omitempty"`
	InitialBackoff Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     Duration `yaml:"max_backoff,omitempty"`
}

// ConsumerConfig selects and configures one downstream consumer.
type ConsumerConfig struct {
	Type string `yaml:"type"` // stdout, kafka, elasticsearch, s3

	Kafka         *KafkaConsumerConfig         `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchConsumerConfig `yaml:"elasticsearch,omitempty"`
	S3            *S3ConsumerConfig            `yaml:"s3,omitempty"`
}

// KafkaConsumerConfig configures the Kafka delivery consumer.
type KafkaConsumerConfig struct {
	Brokers         []string `yaml:"brokers"`
	TopicPrefix     string   `yaml:"topic_prefix"`
	RequiredAcks    int16    `yaml:"required_acks,omitempty"`
	Compression     string   `yaml:"compression,omitempty"` // none, gzip, snappy, lz4, zstd
	MaxMessageBytes int      `yaml:"max_message_bytes,omitempty"`
	ClientID        string   `yaml:"client_id,omitempty"`
}

// ElasticsearchConsumerConfig configures the Elasticsearch delivery consumer.
type ElasticsearchConsumerConfig struct {
	Addresses   []string `yaml:"addresses"`
	IndexPrefix string   `yaml:"index_prefix"`
	Username    string   `yaml:"username,omitempty"`
	Password    string   `yaml:"password,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
}

// S3ConsumerConfig configures the S3 archive consumer.
type S3ConsumerConfig struct {
	Bucket        string   `yaml:"bucket"`
	Region        string   `yaml:"region"`
	Prefix        string   `yaml:"prefix,omitempty"`
	BatchSize     int      `yaml:"batch_size,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty"`
	Compression   string   `yaml:"compression,omitempty"` // none, snappy
	Endpoint      string   `yaml:"endpoint,omitempty"`
	UsePathStyle  bool     `yaml:"use_path_style,omitempty"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// HealthConfig holds health endpoint configuration
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// SourcesDocument is the shape of the sources file maintained by the
// administration surface.
type SourcesDocument struct {
	Sources []types.Source `yaml:"sources"`
}

// Default values
const (
	DefaultCursorDir        = "/var/lib/ingestd/cursors"
	DefaultCursorRetention  = 24 * time.Hour
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMaxSessions      = 32
	DefaultAcquireTimeout   = 10 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultDialTimeout      = 15 * time.Second
	DefaultPollInterval     = 30 * time.Second
	DefaultPollJitter       = 5 * time.Second
	DefaultDegradedInterval = 5 * time.Minute
	DefaultDegradedAfter    = 4
	DefaultPollWorkers      = 8
	DefaultChunkSize        = 256 * 1024
	DefaultBackoffInitial   = 5 * time.Second
	DefaultBackoffMax       = 2 * time.Minute
	DefaultBackoffMult      = 2.0
)

// Load loads configuration from a YAML file with environment variable
// expansion, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadSources reads a sources document, expanding environment variables so
// credentials can live outside the file.
func LoadSources(path string) ([]types.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sources file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	var doc SourcesDocument
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse sources file: %w", err)
	}

	for i := range doc.Sources {
		applySourceDefaults(&doc.Sources[i])
		if err := ValidateSource(&doc.Sources[i]); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
	}

	return doc.Sources, nil
}

func applySourceDefaults(s *types.Source) {
	if s.Port == 0 {
		s.Port = 22
	}
	if s.Format == "" {
		s.Format = types.FormatKillfeedCSV
	}
}

// ValidateSource checks the structural contract of a source descriptor.
func ValidateSource(s *types.Source) error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.Host == "" {
		return fmt.Errorf("source %s: host is required", s.ID)
	}
	if s.Username == "" {
		return fmt.Errorf("source %s: username is required", s.ID)
	}
	if s.Password == "" && s.KeyFile == "" {
		return fmt.Errorf("source %s: password or key_file is required", s.ID)
	}
	if s.Path == "" {
		return fmt.Errorf("source %s: path is required", s.ID)
	}
	if len(s.Tenants) == 0 {
		return fmt.Errorf("source %s: at least one tenant link is required", s.ID)
	}
	switch s.Format {
	case types.FormatKillfeedCSV, types.FormatServerLog:
	default:
		return fmt.Errorf("source %s: unknown format %q", s.ID, s.Format)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Cursor.Dir == "" {
		c.Cursor.Dir = DefaultCursorDir
	}
	if c.Cursor.Retention == 0 {
		c.Cursor.Retention = Duration(DefaultCursorRetention)
	}
	if c.Pool.MaxSessions == 0 {
		c.Pool.MaxSessions = DefaultMaxSessions
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = Duration(DefaultAcquireTimeout)
	}
	if c.Pool.ReadTimeout == 0 {
		c.Pool.ReadTimeout = Duration(DefaultReadTimeout)
	}
	if c.Pool.DialTimeout == 0 {
		c.Pool.DialTimeout = Duration(DefaultDialTimeout)
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = Duration(DefaultPollInterval)
	}
	if c.Poll.Jitter == 0 {
		c.Poll.Jitter = Duration(DefaultPollJitter)
	}
	if c.Poll.DegradedInterval == 0 {
		c.Poll.DegradedInterval = Duration(DefaultDegradedInterval)
	}
	if c.Poll.DegradedAfter == 0 {
		c.Poll.DegradedAfter = DefaultDegradedAfter
	}
	if c.Poll.Workers == 0 {
		c.Poll.Workers = DefaultPollWorkers
	}
	if c.Poll.ChunkSize == 0 {
		c.Poll.ChunkSize = DefaultChunkSize
	}
	if c.Poll.Backoff.Initial == 0 {
		c.Poll.Backoff.Initial = Duration(DefaultBackoffInitial)
	}
	if c.Poll.Backoff.Max == 0 {
		c.Poll.Backoff.Max = Duration(DefaultBackoffMax)
	}
	if c.Poll.Backoff.Multiplier == 0 {
		c.Poll.Backoff.Multiplier = DefaultBackoffMult
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.InitialBackoff == 0 {
		c.Dispatch.InitialBackoff = Duration(100 * time.Millisecond)
	}
	if c.Dispatch.MaxBackoff == 0 {
		c.Dispatch.MaxBackoff = Duration(5 * time.Second)
	}
	if len(c.Consumers) == 0 {
		c.Consumers = []ConsumerConfig{{Type: "stdout"}}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SourcesFile == "" {
		return fmt.Errorf("sources_file is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions must be at least 1")
	}

	for i, cc := range c.Consumers {
		switch cc.Type {
		case "stdout":
		case "kafka":
			if cc.Kafka == nil || len(cc.Kafka.Brokers) == 0 {
				return fmt.Errorf("consumer %d: kafka brokers are required", i)
			}
		case "elasticsearch":
			if cc.Elasticsearch == nil || len(cc.Elasticsearch.Addresses) == 0 {
				return fmt.Errorf("consumer %d: elasticsearch addresses are required", i)
			}
		case "s3":
			if cc.S3 == nil || cc.S3.Bucket == "" {
				return fmt.Errorf("consumer %d: s3 bucket is required", i)
			}
		default:
			return fmt.Errorf("consumer %d: unknown type %q", i, cc.Type)
		}
	}

	return nil
}
