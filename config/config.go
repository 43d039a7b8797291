package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g. JSQ_NATS_URLS.
const EnvPrefix = "JSQ"

type Config struct {
	NATS          NATSConfig     `yaml:"nats" envconfig:"NATS"`
	Stream        StreamConfig   `yaml:"stream" envconfig:"STREAM"`
	Consumer      ConsumerConfig `yaml:"consumer" envconfig:"CONSUMER"`
	Breaker       BreakerConfig  `yaml:"breaker" envconfig:"BREAKER"`
	Health        HealthConfig   `yaml:"health" envconfig:"HEALTH"`
	Processing    ProcConfig     `yaml:"processing" envconfig:"PROCESSING"`
	Logging       LogConfig      `yaml:"logging" envconfig:"LOG"`
	Metrics       MetricsConfig  `yaml:"metrics" envconfig:"METRICS"`
	Subscriptions []string       `yaml:"subscriptions" envconfig:"SUBSCRIPTIONS"`
}

type NATSConfig struct {
	URLs       []string  `yaml:"urls" envconfig:"URLS"`
	Username   string    `yaml:"username" envconfig:"USERNAME"`
	Password   string    `yaml:"password" envconfig:"PASSWORD"`
	Token      string    `yaml:"token" envconfig:"TOKEN"`
	ClientName string    `yaml:"clientName" envconfig:"CLIENT_NAME"`
	TLS        TLSConfig `yaml:"tls" envconfig:"TLS"`

	ConnectTimeout    time.Duration `yaml:"connectTimeout" envconfig:"CONNECT_TIMEOUT"`
	MaxStartupRetries int           `yaml:"maxStartupRetries" envconfig:"MAX_STARTUP_RETRIES"`
	BackoffBase       float64       `yaml:"backoffBase" envconfig:"BACKOFF_BASE"`
	BackoffUnit       time.Duration `yaml:"backoffUnit" envconfig:"BACKOFF_UNIT"`
	MaxReconnects     int           `yaml:"maxReconnects" envconfig:"MAX_RECONNECTS"`
	ReconnectWait     time.Duration `yaml:"reconnectWait" envconfig:"RECONNECT_WAIT"`
	DrainTimeout      time.Duration `yaml:"drainTimeout" envconfig:"DRAIN_TIMEOUT"`
	PingTimeout       time.Duration `yaml:"pingTimeout" envconfig:"PING_TIMEOUT"`
	PublishTimeout    time.Duration `yaml:"publishTimeout" envconfig:"PUBLISH_TIMEOUT"`
}

type TLSConfig struct {
	Enable   bool   `yaml:"enable" envconfig:"ENABLE"`
	CertFile string `yaml:"certFile" envconfig:"CERT_FILE"`
	KeyFile  string `yaml:"keyFile" envconfig:"KEY_FILE"`
	CAFile   string `yaml:"caFile" envconfig:"CA_FILE"`
}

// StreamConfig describes the durable work-queue stream. Subjects are always {name}.>
type StreamConfig struct {
	Name            string        `yaml:"name" envconfig:"NAME"`
	MaxAge          time.Duration `yaml:"maxAge" envconfig:"MAX_AGE"`
	MaxMsgs         int64         `yaml:"maxMsgs" envconfig:"MAX_MSGS"`
	MaxBytes        int64         `yaml:"maxBytes" envconfig:"MAX_BYTES"`
	DuplicateWindow time.Duration `yaml:"duplicateWindow" envconfig:"DUPLICATE_WINDOW"`
	Replicas        int           `yaml:"replicas" envconfig:"REPLICAS"`
}

type ConsumerConfig struct {
	Prefix           string        `yaml:"prefix" envconfig:"PREFIX"`
	MaxDeliver       int           `yaml:"maxDeliver" envconfig:"MAX_DELIVER"`
	AckWait          time.Duration `yaml:"ackWait" envconfig:"ACK_WAIT"`
	SubscribeTimeout time.Duration `yaml:"subscribeTimeout" envconfig:"SUBSCRIBE_TIMEOUT"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold" envconfig:"FAILURE_THRESHOLD"`
	Cooldown         time.Duration `yaml:"cooldown" envconfig:"COOLDOWN"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL"`
}

// ProcConfig sizes the worker pool that runs message handlers.
type ProcConfig struct {
	Workers   int `yaml:"workers" envconfig:"WORKERS"`
	QueueSize int `yaml:"queueSize" envconfig:"QUEUE_SIZE"`
}

type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`       // debug, info, warn, error
	Encoding   string `yaml:"encoding" envconfig:"ENCODING"` // json or console
	Output     string `yaml:"output" envconfig:"OUTPUT"`     // stdout, file or both
	Directory  string `yaml:"directory" envconfig:"DIRECTORY"`
	MaxSize    int    `yaml:"maxSize" envconfig:"MAX_SIZE"` // megabytes
	MaxAge     int    `yaml:"maxAge" envconfig:"MAX_AGE"`   // days
	MaxBackups int    `yaml:"maxBackups" envconfig:"MAX_BACKUPS"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" envconfig:"ENABLED"`
	Address        string        `yaml:"address" envconfig:"ADDRESS"`
	Path           string        `yaml:"path" envconfig:"PATH"`
	UpdateInterval time.Duration `yaml:"updateInterval" envconfig:"UPDATE_INTERVAL"`
}

// Load reads the YAML configuration file, applies environment overrides and
// defaults, then validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		if err := loadFromFile(path, &config); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}

	config.SetDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	return decoder.Decode(cfg)
}

// SetDefaults fills every zero-valued field with its default.
func (c *Config) SetDefaults() {
	// Defaults for NATS
	if len(c.NATS.URLs) == 0 {
		c.NATS.URLs = []string{"nats://127.0.0.1:4222"}
	}
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = "jsqueue-" + uuid.NewString()
	}
	if c.NATS.ConnectTimeout <= 0 {
		c.NATS.ConnectTimeout = 10 * time.Second
	}
	if c.NATS.MaxStartupRetries <= 0 {
		c.NATS.MaxStartupRetries = 5
	}
	if c.NATS.BackoffBase == 0 {
		c.NATS.BackoffBase = 2
	}
	if c.NATS.BackoffUnit <= 0 {
		c.NATS.BackoffUnit = time.Second
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWait <= 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.DrainTimeout <= 0 {
		c.NATS.DrainTimeout = 5 * time.Second
	}
	if c.NATS.PingTimeout <= 0 {
		c.NATS.PingTimeout = 2 * time.Second
	}
	if c.NATS.PublishTimeout <= 0 {
		c.NATS.PublishTimeout = 5 * time.Second
	}

	// Defaults for the stream
	if c.Stream.MaxAge <= 0 {
		c.Stream.MaxAge = 24 * time.Hour
	}
	if c.Stream.MaxMsgs == 0 {
		c.Stream.MaxMsgs = 1_000_000
	}
	if c.Stream.MaxBytes == 0 {
		c.Stream.MaxBytes = 1 << 30
	}
	if c.Stream.DuplicateWindow <= 0 {
		c.Stream.DuplicateWindow = 2 * time.Minute
	}
	if c.Stream.Replicas <= 0 {
		c.Stream.Replicas = 1
	}

	// Defaults for consumers
	if c.Consumer.Prefix == "" {
		c.Consumer.Prefix = "jsqueue"
	}
	if c.Consumer.MaxDeliver == 0 {
		c.Consumer.MaxDeliver = 5
	}
	if c.Consumer.AckWait <= 0 {
		c.Consumer.AckWait = 30 * time.Second
	}
	if c.Consumer.SubscribeTimeout <= 0 {
		c.Consumer.SubscribeTimeout = 10 * time.Second
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}

	if c.Health.Interval <= 0 {
		c.Health.Interval = 30 * time.Second
	}

	// Defaults for processing
	if c.Processing.Workers <= 0 {
		c.Processing.Workers = runtime.NumCPU()
	}
	if c.Processing.QueueSize <= 0 {
		c.Processing.QueueSize = 1000
	}

	// Defaults for logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = 100
	}
	if c.Logging.MaxAge <= 0 {
		c.Logging.MaxAge = 7
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}

	// Defaults for metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval <= 0 {
		c.Metrics.UpdateInterval = 15 * time.Second
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate NATS config
	if len(cfg.NATS.URLs) == 0 {
		return fmt.Errorf("at least one nats url is required")
	}
	for _, u := range cfg.NATS.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("nats url cannot be empty")
		}
	}
	if cfg.NATS.MaxStartupRetries < 1 {
		return fmt.Errorf("max startup retries must be greater than 0")
	}
	if cfg.NATS.BackoffBase < 1 {
		return fmt.Errorf("backoff base must be at least 1, got %v", cfg.NATS.BackoffBase)
	}
	if cfg.NATS.TLS.Enable {
		if cfg.NATS.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.NATS.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
	}

	// Validate stream and consumer naming
	if cfg.Stream.Name == "" {
		return fmt.Errorf("stream name is required")
	}
	if strings.ContainsAny(cfg.Stream.Name, ".*> \t") {
		return fmt.Errorf("invalid stream name: %q", cfg.Stream.Name)
	}
	if strings.ContainsAny(cfg.Consumer.Prefix, ".*> \t") {
		return fmt.Errorf("invalid consumer prefix: %q", cfg.Consumer.Prefix)
	}
	if cfg.Consumer.MaxDeliver < -1 || cfg.Consumer.MaxDeliver == 0 {
		return fmt.Errorf("max deliver must be positive or -1, got %d", cfg.Consumer.MaxDeliver)
	}
	for _, subject := range cfg.Subscriptions {
		if !strings.HasPrefix(subject, cfg.Stream.Name+".") {
			return fmt.Errorf("subscription %q is outside stream subjects %s.>", subject, cfg.Stream.Name)
		}
	}

	// Validate processing config
	if cfg.Processing.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if cfg.Processing.QueueSize < 1 {
		return fmt.Errorf("queue size must be greater than 0")
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	switch cfg.Logging.Output {
	case "stdout":
	case "file", "both":
		if cfg.Logging.Directory == "" {
			return fmt.Errorf("log directory is required when logging to file")
		}
	default:
		return fmt.Errorf("invalid log output: %s", cfg.Logging.Output)
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(natsURLs, streamName, logLevel, metricsAddr string, healthInterval time.Duration) {
	if natsURLs != "" {
		c.NATS.URLs = strings.Split(natsURLs, ",")
	}
	if streamName != "" {
		c.Stream.Name = streamName
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
		c.Metrics.Enabled = true
	}
	if healthInterval > 0 {
		c.Health.Interval = healthInterval
	}
}

// Validate re-runs validation, used after ApplyOverrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}
