package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // exchange time zones on hosts without zoneinfo

	"circuit_go/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent with every broker request
	DefaultUserAgent = "circuit_go/1.0 (+kiteconnect)"

	// SourceHTTP polls the REST quote endpoint each cycle.
	SourceHTTP = "http"
	// SourceWS drains the WebSocket full-mode stream each cycle.
	SourceWS = "ws"
)

// Config holds every setting of the service.
// After LoadConfig reads the file, secrets and paths are overridden from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Source struct {
		Kind           string   `yaml:"kind"`
		QuoteURL       string   `yaml:"quote_url"`
		WSURL          string   `yaml:"ws_url"`
		InstrumentsURL string   `yaml:"instruments_url"`
		APIKey         string   `yaml:"api_key"`
		AccessToken    string   `yaml:"access_token"`
		Exchanges      []string `yaml:"exchanges"`
		Underlyings    []string `yaml:"underlyings"`
		ChunkSize      int      `yaml:"chunk_size"`
		TimeoutSec     int      `yaml:"timeout_sec"`
		MaxRetries     int      `yaml:"max_retries"`
	} `yaml:"source"`

	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	Ingest struct {
		PollIntervalSec  int `yaml:"poll_interval_sec"`
		MaxRetries       int `yaml:"max_retries"`
		InitialBackoffMS int `yaml:"initial_backoff_ms"`
		MaxBackoffMS     int `yaml:"max_backoff_ms"`
		MaxFutureSkewSec int `yaml:"max_future_skew_sec"`
	} `yaml:"ingest"`

	Session struct {
		Timezone string `yaml:"timezone"`
	} `yaml:"session"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// Secrets come from the environment when present
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Kind == "" {
		c.Source.Kind = SourceHTTP
	}
	if len(c.Source.Exchanges) == 0 {
		c.Source.Exchanges = []string{"NFO"}
	}
	if c.Source.ChunkSize <= 0 {
		c.Source.ChunkSize = 500
	}
	if c.Source.TimeoutSec <= 0 {
		c.Source.TimeoutSec = 10
	}
	if c.Source.MaxRetries <= 0 {
		c.Source.MaxRetries = 3
	}
	if c.Ingest.PollIntervalSec <= 0 {
		c.Ingest.PollIntervalSec = 60
	}
	if c.Ingest.MaxRetries <= 0 {
		c.Ingest.MaxRetries = 5
	}
	if c.Ingest.InitialBackoffMS <= 0 {
		c.Ingest.InitialBackoffMS = 200
	}
	if c.Ingest.MaxBackoffMS <= 0 {
		c.Ingest.MaxBackoffMS = 5000
	}
	if c.Ingest.MaxFutureSkewSec <= 0 {
		c.Ingest.MaxFutureSkewSec = 86400
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "Asia/Kolkata"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = "localhost:6060"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceHTTP:
		if !strings.HasPrefix(c.Source.QuoteURL, "http://") && !strings.HasPrefix(c.Source.QuoteURL, "https://") {
			return &domain.ConfigError{Field: "source.quote_url", Err: fmt.Errorf("invalid quote URL: %q", c.Source.QuoteURL)}
		}
	case SourceWS:
		if !strings.HasPrefix(c.Source.WSURL, "ws://") && !strings.HasPrefix(c.Source.WSURL, "wss://") {
			return &domain.ConfigError{Field: "source.ws_url", Err: fmt.Errorf("invalid WS URL: %q", c.Source.WSURL)}
		}
	default:
		return &domain.ConfigError{Field: "source.kind", Err: fmt.Errorf("unknown source kind %q", c.Source.Kind)}
	}

	if len(c.Source.Underlyings) == 0 {
		return &domain.ConfigError{Field: "source.underlyings", Err: errors.New("at least one underlying is required")}
	}

	if _, err := c.Location(); err != nil {
		return &domain.ConfigError{Field: "session.timezone", Err: err}
	}

	if c.Ingest.InitialBackoffMS > c.Ingest.MaxBackoffMS {
		return &domain.ConfigError{Field: "ingest.initial_backoff_ms", Err: errors.New("must not exceed max_backoff_ms")}
	}

	return nil
}

// Location resolves the exchange time zone used to derive business dates.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Session.Timezone)
}

// PollInterval is the ingest cycle period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Ingest.PollIntervalSec) * time.Second
}

// SourceTimeout bounds one broker request.
func (c *Config) SourceTimeout() time.Duration {
	return time.Duration(c.Source.TimeoutSec) * time.Second
}

// overrideWithEnv replaces values with environment variables when they are set.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("CIRCUIT_API_KEY"); key != "" {
		cfg.Source.APIKey = key
	}
	if token := os.Getenv("CIRCUIT_ACCESS_TOKEN"); token != "" {
		cfg.Source.AccessToken = token
	}
	if path := os.Getenv("CIRCUIT_DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
	if url := os.Getenv("CIRCUIT_SOURCE_URL"); url != "" {
		switch cfg.Source.Kind {
		case SourceWS:
			cfg.Source.WSURL = url
		default:
			cfg.Source.QuoteURL = url
		}
	}
}
