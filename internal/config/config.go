package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/output"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/reliability"
)

// Config represents the main configuration
type Config struct {
	Files       []string          `yaml:"files"`
	WorkDir     string            `yaml:"work_dir"`
	Interval    time.Duration     `yaml:"interval"`
	Offline     bool              `yaml:"offline"`
	Watch       bool              `yaml:"watch"`
	RunID       string            `yaml:"run_id,omitempty"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Logging     LoggingConfig     `yaml:"logging"`
	Sinks       SinksConfig       `yaml:"sinks"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Metrics     *MetricsConfig    `yaml:"metrics,omitempty"`
	Tracing     *TracingConfig    `yaml:"tracing,omitempty"`
}

// CheckpointConfig selects the position store format
type CheckpointConfig struct {
	Backend checkpoint.Backend `yaml:"backend"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// SinksConfig enables the destinations events are written to. Remote sinks
// are disabled when their section is absent.
type SinksConfig struct {
	TensorBoard   TensorBoardConfig    `yaml:"tensorboard"`
	JSONL         *JSONLConfig         `yaml:"jsonl,omitempty"`
	Stdout        bool                 `yaml:"stdout,omitempty"`
	Prometheus    bool                 `yaml:"prometheus,omitempty"`
	Kafka         *KafkaSinkConfig     `yaml:"kafka,omitempty"`
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch,omitempty"`
	S3            *S3Config            `yaml:"s3,omitempty"`
}

// TensorBoardConfig controls the event file written in each checkpoint dir
type TensorBoardConfig struct {
	Disabled bool `yaml:"disabled,omitempty"`
}

// JSONLConfig writes one JSON object per event. Each file gets
// <dir>/<checkpoint dir name>.jsonl; an empty dir writes metrics.jsonl in
// the checkpoint dir.
type JSONLConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// KafkaSinkConfig holds Kafka sink configuration
type KafkaSinkConfig struct {
	output.KafkaConfig `yaml:",inline"`
	Optional           bool `yaml:"optional,omitempty"`
}

// ElasticsearchConfig holds Elasticsearch sink configuration
type ElasticsearchConfig struct {
	output.ElasticsearchConfig `yaml:",inline"`
	Optional                   bool `yaml:"optional,omitempty"`
}

// S3Config holds S3 sink configuration
type S3Config struct {
	output.S3Config `yaml:",inline"`
	Optional        bool `yaml:"optional,omitempty"`
}

// ReliabilityConfig holds retry and circuit breaker settings for remote sinks
type ReliabilityConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown,omitempty"`
}

// MetricsConfig holds the metrics and health endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path,omitempty"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
}

// Default values
const (
	DefaultWorkDir          = "logdir"
	DefaultInterval         = 5 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultMetricsAddress   = ":9090"
	DefaultMetricsPath      = "/metrics"
	DefaultTracingEndpoint  = "localhost:4317"
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// Load loads configuration from a YAML file with environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := []byte(os.ExpandEnv(string(data)))

	cfg := Config{Interval: -1}
	if err := yaml.Unmarshal(expandedData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration. An
// explicit zero interval is kept: it means a single pass.
func (c *Config) applyDefaults() {
	if c.WorkDir == "" {
		c.WorkDir = DefaultWorkDir
	}
	if c.Interval < 0 {
		c.Interval = DefaultInterval
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = checkpoint.BackendFile
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}

	retry := reliability.DefaultRetryConfig()
	if c.Reliability.Retry.MaxRetries == 0 {
		c.Reliability.Retry.MaxRetries = retry.MaxRetries
	}
	if c.Reliability.Retry.InitialBackoff == 0 {
		c.Reliability.Retry.InitialBackoff = retry.InitialBackoff
	}
	if c.Reliability.Retry.MaxBackoff == 0 {
		c.Reliability.Retry.MaxBackoff = retry.MaxBackoff
	}
	if c.Reliability.Retry.Multiplier == 0 {
		c.Reliability.Retry.Multiplier = retry.Multiplier
	}
	if c.Reliability.CircuitBreaker.FailureThreshold == 0 {
		c.Reliability.CircuitBreaker.FailureThreshold = DefaultFailureThreshold
	}
	if c.Reliability.CircuitBreaker.Cooldown == 0 {
		c.Reliability.CircuitBreaker.Cooldown = DefaultCooldown
	}

	if k := c.Sinks.Kafka; k != nil {
		def := output.DefaultKafkaConfig()
		if k.Topic == "" {
			k.Topic = def.Topic
		}
		if k.RequiredAcks == 0 {
			k.RequiredAcks = def.RequiredAcks
		}
		if k.ClientID == "" {
			k.ClientID = def.ClientID
		}
	}
	if es := c.Sinks.Elasticsearch; es != nil {
		def := output.DefaultElasticsearchConfig()
		if len(es.Addresses) == 0 && es.CloudID == "" {
			es.Addresses = def.Addresses
		}
		if es.Index == "" {
			es.Index = def.Index
		}
		if es.IndexRotation == "" {
			es.IndexRotation = def.IndexRotation
		}
	}
	if s3 := c.Sinks.S3; s3 != nil {
		def := output.DefaultS3Config()
		if s3.Region == "" {
			s3.Region = def.Region
		}
		if s3.Prefix == "" {
			s3.Prefix = def.Prefix
		}
		if s3.Compression == "" {
			s3.Compression = def.Compression
		}
	}

	if c.Metrics != nil {
		if c.Metrics.Address == "" {
			c.Metrics.Address = DefaultMetricsAddress
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = DefaultMetricsPath
		}
	}
	if c.Tracing != nil {
		if c.Tracing.Endpoint == "" {
			c.Tracing.Endpoint = DefaultTracingEndpoint
		}
		if c.Tracing.SampleRate == 0 {
			c.Tracing.SampleRate = 1.0
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Files) == 0 {
		return errors.New("at least one file must be configured")
	}
	for i, f := range c.Files {
		if f == "" {
			return fmt.Errorf("file %d has an empty path", i)
		}
	}

	if c.Interval < 0 {
		return fmt.Errorf("invalid interval: %s", c.Interval)
	}

	switch c.Checkpoint.Backend {
	case checkpoint.BackendFile, checkpoint.BackendBolt:
	default:
		return fmt.Errorf("invalid checkpoint backend: %s", c.Checkpoint.Backend)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
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

	if k := c.Sinks.Kafka; k != nil && len(k.Brokers) == 0 {
		return errors.New("kafka sink has no brokers configured")
	}
	if es := c.Sinks.Elasticsearch; es != nil {
		switch es.IndexRotation {
		case "daily", "monthly", "none":
		default:
			return fmt.Errorf("invalid index rotation: %s", es.IndexRotation)
		}
	}
	if s3 := c.Sinks.S3; s3 != nil {
		if s3.Bucket == "" {
			return errors.New("s3 sink has no bucket configured")
		}
		if _, err := output.GetCompressor(s3.Compression); err != nil {
			return fmt.Errorf("s3 sink: %w", err)
		}
	}

	if c.Tracing != nil && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("invalid tracing sample rate: %g", c.Tracing.SampleRate)
	}

	return nil
}

// RetryPolicy converts the retry settings for the reliability package
func (c *Config) RetryPolicy() reliability.RetryConfig {
	r := c.Reliability.Retry
	return reliability.RetryConfig{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
	}
}

// BreakerPolicy converts the circuit breaker settings for the reliability package
func (c *Config) BreakerPolicy() reliability.BreakerConfig {
	return reliability.BreakerConfig{
		FailureThreshold: c.Reliability.CircuitBreaker.FailureThreshold,
		Cooldown:         c.Reliability.CircuitBreaker.Cooldown,
	}
}

// DefaultConfig returns a configuration with every default applied and no
// files. Callers fill Files before validating.
func DefaultConfig() *Config {
	cfg := &Config{Interval: -1}
	cfg.applyDefaults()
	return cfg
}
