package config

import (
	"encoding/hex"
	"fmt"
	"gopkg.in/yaml.v3"
	"os"
	"regexp"
	"strings"
	"time"
)

const DefaultConfigPath = "config/config.yml"

// envConfigPaths maps APP_ENV to the config file a deployment reads when no
// -config flag is given.
var envConfigPaths = map[string]string{
	"production": "config/config.production.yml",
	"staging":    "config/config.staging.yml",
}

type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Reader    ReaderConfig    `yaml:"reader"`
	Processor ProcessorConfig `yaml:"processor"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type RelayConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	ChannelSize    bool          `yaml:"channel_size"`
	ReportInterval time.Duration `yaml:"report_interval"`
	CloudWatch     bool          `yaml:"cloudwatch"`
}

type ChannelsConfig struct {
	AccumulatorBuffer int `yaml:"accumulator_buffer"`
	VAABuffer         int `yaml:"vaa_buffer"`
}

type ReaderConfig struct {
	Endpoints      []EndpointConfig `yaml:"endpoints"`
	Timeout        time.Duration    `yaml:"timeout"`
	PingInterval   time.Duration    `yaml:"ping_interval"`
	ReadLimitBytes int64            `yaml:"read_limit_bytes"`
	RateLimit      RateLimitConfig  `yaml:"rate_limit"`
}

// EndpointConfig is one relay websocket. LocalIP pins the outgoing address
// when the host has several.
type EndpointConfig struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	LocalIP string `yaml:"local_ip"`
}

// RateLimitConfig paces reconnect attempts per endpoint.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ProcessorConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type AggregateConfig struct {
	CacheSize            int           `yaml:"cache_size"`
	MaxPendingSlots      int           `yaml:"max_pending_slots"`
	MaxCompletedSlots    int           `yaml:"max_completed_slots"`
	ObservedVAACacheSize int           `yaml:"observed_vaa_cache_size"`
	StalenessThreshold   time.Duration `yaml:"staleness_threshold"`
	MaxSlotLag           uint64        `yaml:"max_slot_lag"`
	PruneRemovedKeys     bool          `yaml:"prune_removed_keys"`
	EmitterChain         uint16        `yaml:"emitter_chain"`
	EmitterAddress       string        `yaml:"emitter_address"`
	// GuardianSets maps a guardian set index to its size. Empty disables
	// quorum checks.
	GuardianSets map[uint32]int `yaml:"guardian_sets"`
}

// Emitter decodes EmitterAddress. It returns nil when no address is set.
func (c AggregateConfig) Emitter() (*[32]byte, error) {
	s := strings.TrimPrefix(strings.TrimSpace(c.EmitterAddress), "0x")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("aggregate.emitter_address: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("aggregate.emitter_address must be 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return &out, nil
}

type WriterConfig struct {
	Enabled      bool               `yaml:"enabled"`
	EventBuffer  int                `yaml:"event_buffer"`
	Batch        BatchConfig        `yaml:"batch"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
	Formats      FormatsConfig      `yaml:"formats"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type PartitioningConfig struct {
	Prefix     string `yaml:"prefix"`
	TimeFormat string `yaml:"time_format"`
}

type FormatsConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Compression string `yaml:"compression"`
	PageSize    int64  `yaml:"page_size"`
	RowGroup    int64  `yaml:"row_group_size"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

// AppEnvironment returns APP_ENV lower cased, with "prod" and "stag"
// expanded. It defaults to development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	switch env {
	case "":
		return "development"
	case "prod":
		return "production"
	case "stag":
		return "staging"
	}
	return env
}

// verifiesEnvelopes reports whether env must only relay envelopes from a
// pinned emitter that carry a guardian quorum.
func verifiesEnvelopes(env string) bool {
	_, ok := envConfigPaths[env]
	return ok
}

// ResolvePath returns the config file of the current APP_ENV when path is
// empty or the default one. Any other path is returned unchanged.
func ResolvePath(path string) string {
	if path != "" && path != DefaultConfigPath {
		return path
	}
	if envPath, ok := envConfigPaths[AppEnvironment()]; ok {
		return envPath
	}
	return DefaultConfigPath
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			Address:        ":9090",
			ChannelSize:    true,
			ReportInterval: 30 * time.Second,
		},
		Reader: ReaderConfig{
			Timeout:      10 * time.Second,
			PingInterval: 20 * time.Second,
			RateLimit:    RateLimitConfig{RequestsPerSecond: 0.2, BurstSize: 1},
		},
		Processor: ProcessorConfig{ReportInterval: 30 * time.Second},
		Writer: WriterConfig{
			EventBuffer:  64,
			Partitioning: PartitioningConfig{Prefix: "price_updates", TimeFormat: "2006-01-02"},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
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

	// A single endpoint from the environment replaces the configured ones.
	if v := strings.TrimSpace(os.Getenv("RELAY_WS_URL")); v != "" {
		config.Reader.Endpoints = []EndpointConfig{{Name: "env", URL: v}}
	}

	// Validate configuration
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Relay.Name == "" {
		return fmt.Errorf("relay.name is required")
	}

	if cfg.Relay.Version == "" {
		return fmt.Errorf("relay.version is required")
	}

	if cfg.Channels.AccumulatorBuffer <= 0 {
		return fmt.Errorf("channels.accumulator_buffer must be greater than 0")
	}
	if cfg.Channels.VAABuffer <= 0 {
		return fmt.Errorf("channels.vaa_buffer must be greater than 0")
	}

	if len(cfg.Reader.Endpoints) == 0 {
		return fmt.Errorf("reader.endpoints must list at least one relay endpoint")
	}
	for i, ep := range cfg.Reader.Endpoints {
		if !strings.HasPrefix(ep.URL, "ws://") && !strings.HasPrefix(ep.URL, "wss://") {
			return fmt.Errorf("reader.endpoints[%d].url '%s' must be a ws:// or wss:// url", i, ep.URL)
		}
	}
	if cfg.Reader.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("reader.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Processor.MaxWorkers <= 0 {
		return fmt.Errorf("processor.max_workers must be greater than 0")
	}

	if cfg.Aggregate.CacheSize <= 0 {
		return fmt.Errorf("aggregate.cache_size must be greater than 0")
	}
	if cfg.Aggregate.MaxPendingSlots <= 0 {
		return fmt.Errorf("aggregate.max_pending_slots must be greater than 0")
	}
	if _, err := cfg.Aggregate.Emitter(); err != nil {
		return err
	}
	for idx, size := range cfg.Aggregate.GuardianSets {
		if size <= 0 || size > 255 {
			return fmt.Errorf("aggregate.guardian_sets[%d] must be between 1 and 255", idx)
		}
	}
	if env := AppEnvironment(); verifiesEnvelopes(env) {
		if strings.TrimSpace(cfg.Aggregate.EmitterAddress) == "" {
			return fmt.Errorf("aggregate.emitter_address is required in %s", env)
		}
		if len(cfg.Aggregate.GuardianSets) == 0 {
			return fmt.Errorf("aggregate.guardian_sets is required in %s", env)
		}
	}

	if cfg.Writer.Enabled {
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("writer.enabled requires storage.s3.enabled")
		}
		if cfg.Writer.Batch.Size <= 0 {
			return fmt.Errorf("writer.batch.size must be greater than 0")
		}
		if cfg.Writer.Batch.FlushInterval <= 0 {
			return fmt.Errorf("writer.batch.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
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
