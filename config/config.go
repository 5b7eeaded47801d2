package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Depthflow     DepthflowConfig           `yaml:"depthflow"`
	Logging       LoggingConfig             `yaml:"logging"`
	Metrics       MetricsConfig             `yaml:"metrics"`
	Dashboard     DashboardConfig           `yaml:"dashboard"`
	Feed          FeedConfig                `yaml:"feed"`
	Fetcher       FetcherConfig             `yaml:"fetcher"`
	Exchanges     map[string]ExchangeConfig `yaml:"exchanges"`
	Subscriptions []SubscriptionConfig      `yaml:"subscriptions"`
	Storage       StorageConfig             `yaml:"storage"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	UsedWeight bool             `yaml:"used_weight"`
	QueueSize  bool             `yaml:"queue_size"`
	Interval   time.Duration    `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

type CloudWatchConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Namespace       string        `yaml:"namespace"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
	MetricsHistory  int           `yaml:"metrics_history"`
}

// FeedConfig tunes the per-instrument actors.
type FeedConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	DiffBuffer      int           `yaml:"diff_buffer"`
	TradeWindow     int           `yaml:"trade_window"`
	DedupeWindow    int           `yaml:"dedupe_window"`
	HistoryLimit    int           `yaml:"history_limit"`
	LateGrace       time.Duration `yaml:"late_grace"`
	HeatmapDepth    int           `yaml:"heatmap_depth"`
	HeatmapLimit    int           `yaml:"heatmap_limit"`
	PriceStep       string        `yaml:"price_step"`
	ResyncAlert     int           `yaml:"resync_alert"`
	PublishDepth    int           `yaml:"publish_depth"`
	SizeInQuote     bool          `yaml:"size_in_quote"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	TrackDepth      int           `yaml:"track_depth"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

type FetcherConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	Backoff         BackoffConfig `yaml:"backoff"`
	BackfillCandles int           `yaml:"backfill_candles"`
	BackfillTrades  time.Duration `yaml:"backfill_trades"`
	PageLimit       int           `yaml:"page_limit"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ExchangeConfig configures one connector. The map key in Config.Exchanges
// is the exchange key, e.g. "binance_linear".
type ExchangeConfig struct {
	Enabled           bool            `yaml:"enabled"`
	WSURL             string          `yaml:"ws_url"`
	PrivateWSURL      string          `yaml:"private_ws_url"`
	RestURL           string          `yaml:"rest_url"`
	ArchiveURL        string          `yaml:"archive_url"`
	APIKey            string          `yaml:"api_key"`
	APISecret         string          `yaml:"api_secret"`
	Passphrase        string          `yaml:"passphrase"`
	SnapshotDepth     int             `yaml:"snapshot_depth"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration   `yaml:"heartbeat_timeout"`
	Backoff           BackoffConfig   `yaml:"backoff"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	WriteRate         float64         `yaml:"write_rate"`
	LocalIP           string          `yaml:"local_ip"`
}

type SubscriptionConfig struct {
	Instrument  string   `yaml:"instrument"`
	Resolutions []string `yaml:"resolutions"`
}

// StorageConfig configures the closed candle export. Batching applies to
// every enabled sink.
type StorageConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	QueueSize     int           `yaml:"queue_size"`
	Local         LocalConfig   `yaml:"local"`
	S3            S3Config      `yaml:"s3"`
	Kafka         KafkaConfig   `yaml:"kafka"`
}

type LocalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for fields the file leaves out.
func Default() Config {
	return Config{
		Depthflow: DepthflowConfig{Name: "depthflow", Version: "dev"},
		Logging:   LoggingConfig{Level: "info", Format: "json", Output: "stdout", MaxAge: 7},
		Metrics: MetricsConfig{
			UsedWeight: true,
			QueueSize:  true,
			Interval:   30 * time.Second,
			CloudWatch: CloudWatchConfig{Namespace: "Depthflow", PublishInterval: time.Minute},
			Prometheus: PrometheusConfig{Address: "0.0.0.0:2112"},
		},
		Dashboard: DashboardConfig{Address: ":8080", RefreshInterval: 5 * time.Second, LogHistory: 200, MetricsHistory: 200},
		Feed: FeedConfig{
			QueueSize:       4096,
			DiffBuffer:      2048,
			TradeWindow:     10000,
			DedupeWindow:    20000,
			HistoryLimit:    1000,
			LateGrace:       2 * time.Second,
			HeatmapDepth:    50,
			HeatmapLimit:    600,
			ResyncAlert:     3,
			PublishDepth:    0,
			TickInterval:    time.Second,
			TrackDepth:      5000,
			SnapshotTimeout: 10 * time.Second,
		},
		Fetcher: FetcherConfig{
			Timeout:         10 * time.Second,
			MaxRetries:      5,
			Backoff:         BackoffConfig{Initial: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.25},
			BackfillCandles: 500,
			BackfillTrades:  10 * time.Minute,
			PageLimit:       1000,
		},
		Storage: StorageConfig{FlushInterval: time.Minute, BatchSize: 500, QueueSize: 1024},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	for key, ex := range config.Exchanges {
		config.Exchanges[key] = ex.withDefaults(key)
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets secrets live outside the YAML file. Exchange
// credentials are read from <KEY>_API_KEY, <KEY>_API_SECRET and
// <KEY>_PASSPHRASE, e.g. BYBIT_LINEAR_API_KEY.
func applyEnvOverrides(config *Config) {
	for key, ex := range config.Exchanges {
		prefix := strings.ToUpper(key)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			ex.APIKey = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			ex.APISecret = strings.TrimSpace(v)
		}
		if v := os.Getenv(prefix + "_PASSPHRASE"); v != "" {
			ex.Passphrase = strings.TrimSpace(v)
		}
		config.Exchanges[key] = ex
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" && config.Storage.Kafka.Enabled {
		config.Storage.Kafka.Brokers = strings.Split(v, ",")
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}
	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}

	if cfg.Feed.QueueSize <= 0 {
		return fmt.Errorf("feed.queue_size must be greater than 0")
	}
	if cfg.Feed.DiffBuffer <= 0 {
		return fmt.Errorf("feed.diff_buffer must be greater than 0")
	}
	if cfg.Feed.HistoryLimit <= 0 {
		return fmt.Errorf("feed.history_limit must be greater than 0")
	}
	if cfg.Feed.LateGrace < 0 {
		return fmt.Errorf("feed.late_grace must not be negative")
	}
	if cfg.Feed.SnapshotTimeout < 0 {
		return fmt.Errorf("feed.snapshot_timeout must not be negative")
	}
	if cfg.Feed.TrackDepth < 0 {
		return fmt.Errorf("feed.track_depth must not be negative")
	}
	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be greater than 0")
	}
	if cfg.Fetcher.MaxRetries < 0 {
		return fmt.Errorf("fetcher.max_retries must not be negative")
	}

	for key, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		if !isKnownExchange(key) {
			return fmt.Errorf("invalid exchanges.%s: unknown exchange", key)
		}
		if ex.RestURL == "" {
			return fmt.Errorf("exchanges.%s.rest_url is required", key)
		}
		if ex.WSURL == "" && !strings.HasPrefix(key, "kucoin") {
			return fmt.Errorf("exchanges.%s.ws_url is required", key)
		}
		if ex.Backoff.Max < ex.Backoff.Initial {
			return fmt.Errorf("invalid exchanges.%s.backoff: max is below initial", key)
		}
	}

	for i, sub := range cfg.Subscriptions {
		key, _, ok := strings.Cut(sub.Instrument, ":")
		if !ok {
			return fmt.Errorf("invalid subscriptions[%d].instrument: want exchange:symbol", i)
		}
		if ex, found := cfg.Exchanges[strings.ToLower(key)]; !found || !ex.Enabled {
			return fmt.Errorf("invalid subscriptions[%d].instrument: exchange %s is not enabled", i, key)
		}
	}

	if cfg.Storage.Local.Enabled && cfg.Storage.Local.Dir == "" {
		return fmt.Errorf("storage.local.dir is required when local storage is enabled")
	}
	if cfg.Storage.Local.Enabled || cfg.Storage.S3.Enabled || cfg.Storage.Kafka.Enabled {
		if cfg.Storage.FlushInterval <= 0 {
			return fmt.Errorf("storage.flush_interval must be greater than 0")
		}
		if cfg.Storage.BatchSize <= 0 {
			return fmt.Errorf("storage.batch_size must be greater than 0")
		}
	}
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Storage.Kafka.Enabled {
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers is required when Kafka is enabled")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required when Kafka is enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
