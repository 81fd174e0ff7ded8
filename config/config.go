package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRESTURL     = "https://api.binance.com/api/v3"
	DefaultStreamURL   = "wss://stream.binance.com:9443/ws"
	DefaultDepthLimit  = 20
	DefaultPair        = "BTCUSDT"
	DefaultSettleDelay = 100 * time.Millisecond
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Binance   BinanceConfig   `yaml:"binance"`
	Session   SessionConfig   `yaml:"session"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	MaxAge  int    `yaml:"max_age"`
	MaxSize int    `yaml:"max_size"`
}

type BinanceConfig struct {
	REST   RESTConfig   `yaml:"rest"`
	Stream StreamConfig `yaml:"stream"`
}

type RESTConfig struct {
	URL            string               `yaml:"url"`
	Limit          int                  `yaml:"limit"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

// RetryConfig controls how often the initial snapshot load is retried after
// its first failure.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type StreamConfig struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReadLimit            int64         `yaml:"read_limit"`
}

type SessionConfig struct {
	DefaultPair string        `yaml:"default_pair"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

type DashboardConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	PushInterval time.Duration `yaml:"push_interval"`
	LogHistory   int           `yaml:"log_history"`

	// MetricsHistory bounds the recent metric events listed by /api/metrics.
	MetricsHistory int `yaml:"metrics_history"`

	// Rows is the number of levels shown per side.
	Rows int `yaml:"rows"`
}

type MetricsConfig struct {
	Prometheus bool             `yaml:"prometheus"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Region        string        `yaml:"region"`
	Namespace     string        `yaml:"namespace"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a configuration usable without any file.
func Default() Config {
	return Config{
		App: AppConfig{Name: "depthview", Version: "dev"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Binance: BinanceConfig{
			REST: RESTConfig{
				URL:     DefaultRESTURL,
				Limit:   DefaultDepthLimit,
				Timeout: 10 * time.Second,
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    4,
					MaxConnsPerHost: 4,
					IdleConnTimeout: 90 * time.Second,
				},
				RateLimit: RateLimitConfig{RequestsPerSecond: 5, BurstSize: 5},
				Retry: RetryConfig{
					MaxRetries: 2,
					BaseDelay:  time.Second,
					MaxDelay:   30 * time.Second,
				},
			},
			Stream: StreamConfig{
				URL:                  DefaultStreamURL,
				HandshakeTimeout:     10 * time.Second,
				ReconnectBaseDelay:   time.Second,
				MaxReconnectAttempts: 5,
				ReadLimit:            1 << 20,
			},
		},
		Session: SessionConfig{
			DefaultPair: DefaultPair,
			SettleDelay: DefaultSettleDelay,
		},
		Dashboard: DashboardConfig{
			Enabled:      true,
			Address:      ":8080",
			PushInterval:   100 * time.Millisecond,
			LogHistory:     200,
			MetricsHistory: 200,
			Rows:           DefaultDepthLimit,
		},
		Metrics: MetricsConfig{
			Prometheus: true,
			CloudWatch: CloudWatchConfig{Namespace: "DepthView", FlushInterval: time.Minute},
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, applies
// environment overrides and validates the result. APP_ENV may redirect a
// default path to an environment specific file.
func LoadConfig(path string) (*Config, error) {
	path = ResolvePath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEPTHVIEW_REST_URL"); v != "" {
		cfg.Binance.REST.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPTHVIEW_WS_URL"); v != "" {
		cfg.Binance.Stream.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DEPTHVIEW_DEFAULT_PAIR"); v != "" {
		cfg.Session.DefaultPair = strings.ToUpper(strings.TrimSpace(v))
	}
	if v := os.Getenv("DEPTHVIEW_ADDRESS"); v != "" {
		cfg.Dashboard.Address = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" && cfg.Metrics.CloudWatch.Region == "" {
		cfg.Metrics.CloudWatch.Region = strings.TrimSpace(v)
	}
	cfg.Binance.REST.URL = strings.TrimRight(cfg.Binance.REST.URL, "/")
	cfg.Binance.Stream.URL = strings.TrimRight(cfg.Binance.Stream.URL, "/")
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}

	if err := validateURL("binance.rest.url", cfg.Binance.REST.URL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("binance.stream.url", cfg.Binance.Stream.URL, "ws", "wss"); err != nil {
		return err
	}

	if cfg.Binance.REST.Limit <= 0 {
		return fmt.Errorf("binance.rest.limit must be greater than 0")
	}
	if cfg.Binance.REST.Retry.MaxRetries < 0 {
		return fmt.Errorf("binance.rest.retry.max_retries must not be negative")
	}
	if cfg.Binance.REST.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("binance.rest.rate_limit.requests_per_second must not be negative")
	}

	if cfg.Binance.Stream.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("binance.stream.reconnect_base_delay must be greater than 0")
	}
	if cfg.Binance.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("binance.stream.max_reconnect_attempts must not be negative")
	}

	if cfg.Session.DefaultPair == "" {
		return fmt.Errorf("session.default_pair is required")
	}
	if cfg.Session.SettleDelay < 0 {
		return fmt.Errorf("session.settle_delay must not be negative")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.PushInterval <= 0 {
		return fmt.Errorf("dashboard.push_interval must be greater than 0")
	}
	if cfg.Dashboard.Rows < 0 {
		return fmt.Errorf("dashboard.rows must not be negative")
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when cloudwatch is enabled")
	}

	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", field, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", field)
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got '%s'", field, schemes, parsed.Scheme)
}
