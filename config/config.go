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
	Tickflow    TickflowConfig    `yaml:"tickflow"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Feed        FeedConfig        `yaml:"feed"`
	Auth        AuthConfig        `yaml:"auth"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Indices     []IndexConfig     `yaml:"indices"`
	Chain       ChainConfig       `yaml:"chain"`
	Publish     PublishConfig     `yaml:"publish"`
	Alerts      []AlertRule       `yaml:"alerts"`
	History     HistoryConfig     `yaml:"history"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	FeedRate    bool `yaml:"feed_rate"`
	ChannelSize bool `yaml:"channel_size"`
}

type FeedConfig struct {
	URL          string          `yaml:"url"`
	PingInterval time.Duration   `yaml:"ping_interval"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type AuthConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	RedisURL  string        `yaml:"redis_url"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type InstrumentsConfig struct {
	URL               string      `yaml:"url"`
	Exchange          string      `yaml:"exchange"`
	RequestsPerSecond int         `yaml:"requests_per_second"`
	BurstSize         int         `yaml:"burst_size"`
	Retry             RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type IndexConfig struct {
	Name             string  `yaml:"name"`
	SpotToken        uint32  `yaml:"spot_token"`
	DerivativePrefix string  `yaml:"derivative_prefix"`
	StrikeGap        float64 `yaml:"strike_gap"`
	ExpiryCadence    string  `yaml:"expiry_cadence"`
}

type ChainConfig struct {
	StrikesPerSide int `yaml:"strikes_per_side"`
}

type PublishConfig struct {
	Interval       time.Duration `yaml:"interval"`
	SinkRetries    int           `yaml:"sink_retries"`
	SinkRetryDelay time.Duration `yaml:"sink_retry_delay"`
	Output         string        `yaml:"output"`
}

type AlertRule struct {
	Name       string `yaml:"name"`
	Index      string `yaml:"index"`
	Expression string `yaml:"expression"`
}

type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	OutputDir string        `yaml:"output_dir"`
	Interval  string        `yaml:"interval"`
	Days      int           `yaml:"days"`
	Retry     RetryConfig   `yaml:"retry"`
	RateLimit float64       `yaml:"rate_limit"`
	Timeout   time.Duration `yaml:"timeout"`
	S3        S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
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

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Metrics: MetricsConfig{
			FeedRate:    true,
			ChannelSize: true,
		},
		Feed: FeedConfig{
			PingInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				MaxAttempts:    5,
				InitialBackoff: 5 * time.Second,
				MaxBackoff:     300 * time.Second,
			},
		},
		Chain: ChainConfig{
			StrikesPerSide: 5,
		},
		Publish: PublishConfig{
			Interval:       500 * time.Millisecond,
			SinkRetries:    3,
			SinkRetryDelay: time.Second,
			Output:         "-",
		},
		Instruments: InstrumentsConfig{
			RequestsPerSecond: 1,
			BurstSize:         1,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseDelay:   2 * time.Second,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("TICKFLOW_API_KEY"); v != "" {
		config.Auth.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("TICKFLOW_API_SECRET"); v != "" {
		config.Auth.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Auth.RedisURL = strings.TrimSpace(v)
	}
	if config.History.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.History.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.History.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.History.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.History.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.History.S3.Bucket = strings.TrimSpace(config.History.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if cfg.Feed.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must be greater than 0")
	}
	if cfg.Feed.Reconnect.InitialBackoff <= 0 {
		return fmt.Errorf("feed.reconnect.initial_backoff must be greater than 0")
	}
	if cfg.Feed.Reconnect.MaxBackoff < cfg.Feed.Reconnect.InitialBackoff {
		return fmt.Errorf("feed.reconnect.max_backoff must not be less than initial_backoff")
	}

	if len(cfg.Indices) == 0 {
		return fmt.Errorf("at least one index must be configured")
	}
	seen := make(map[string]bool, len(cfg.Indices))
	for i, idx := range cfg.Indices {
		if idx.Name == "" {
			return fmt.Errorf("indices[%d].name is required", i)
		}
		if seen[idx.Name] {
			return fmt.Errorf("indices[%d].name %q is duplicated", i, idx.Name)
		}
		seen[idx.Name] = true
		if idx.SpotToken == 0 {
			return fmt.Errorf("indices[%d].spot_token is required", i)
		}
		if idx.StrikeGap <= 0 {
			return fmt.Errorf("indices[%d].strike_gap must be greater than 0", i)
		}
		switch idx.ExpiryCadence {
		case "weekly", "monthly":
		default:
			return fmt.Errorf("indices[%d].expiry_cadence must be weekly or monthly", i)
		}
	}

	if cfg.Chain.StrikesPerSide < 0 {
		return fmt.Errorf("chain.strikes_per_side must not be negative")
	}

	if cfg.Publish.Interval <= 0 {
		return fmt.Errorf("publish.interval must be greater than 0")
	}
	if cfg.Publish.SinkRetries < 0 {
		return fmt.Errorf("publish.sink_retries must not be negative")
	}

	if cfg.History.Enabled && cfg.History.BaseURL == "" {
		return fmt.Errorf("history.base_url is required when history is enabled")
	}

	if cfg.History.S3.Enabled {
		if cfg.History.S3.Bucket == "" {
			return fmt.Errorf("history.s3.bucket is required when S3 is enabled")
		}
		if cfg.History.S3.Region == "" {
			return fmt.Errorf("history.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.History.S3.Bucket) {
			return fmt.Errorf("history.s3.bucket '%s' is invalid", cfg.History.S3.Bucket)
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
