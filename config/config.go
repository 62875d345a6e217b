// Package config loads soaflow settings from a YAML file with environment
// overrides.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	SOA      SOAConfig      `yaml:"soa"`
	NATS     NATSConfig     `yaml:"nats"`
	Temporal TemporalConfig `yaml:"temporal"`
	Storage  StorageConfig  `yaml:"storage"`
	Renderer RendererConfig `yaml:"renderer"`
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// PublicRateLimitPerMinute caps token route requests per remote address. 0 disables.
	PublicRateLimitPerMinute int           `yaml:"public_rate_limit_per_minute"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type SOAConfig struct {
	// PublicBaseURL is where clients open sign links.
	PublicBaseURL         string        `yaml:"public_base_url"`
	LinkTTL               time.Duration `yaml:"link_ttl"`
	SignedURLTTL          time.Duration `yaml:"signed_url_ttl"`
	ExpirySweepInterval   time.Duration `yaml:"expiry_sweep_interval"`
	FinalizeSweepInterval time.Duration `yaml:"finalize_sweep_interval"`
	// FinalizeClaimTTL is how long a worker owns a record while rendering.
	FinalizeClaimTTL      time.Duration `yaml:"finalize_claim_ttl"`
	SweepBatch            int           `yaml:"sweep_batch"`
}

// NATSConfig configures delivery and the outbox relay. An empty URL logs
// deliveries instead of publishing them.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	RelayInterval time.Duration `yaml:"relay_interval"`
}

// TemporalConfig configures finalization retries. An empty HostPort retries
// from the API's own sweep.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
}

type StorageConfig struct {
	Dir string `yaml:"dir"`
	// URLKey signs artifact download links.
	URLKey string `yaml:"url_key"`
	// BaseURL is the API origin that serves /files.
	BaseURL string `yaml:"base_url"`
}

// RendererConfig points at the PDF service. Empty renders in process.
type RendererConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:                     ":8080",
			PublicRateLimitPerMinute: 60,
			ShutdownTimeout:          15 * time.Second,
		},
		Database: DatabaseConfig{MaxConns: 10},
		Auth:     AuthConfig{SessionTTL: 12 * time.Hour},
		SOA: SOAConfig{
			PublicBaseURL:         "http://localhost:8080",
			LinkTTL:               7 * 24 * time.Hour,
			SignedURLTTL:          15 * time.Minute,
			ExpirySweepInterval:   5 * time.Minute,
			FinalizeSweepInterval: 10 * time.Minute,
			FinalizeClaimTTL:      5 * time.Minute,
			SweepBatch:            200,
		},
		NATS:     NATSConfig{RelayInterval: 2 * time.Second},
		Temporal: TemporalConfig{Namespace: "default"},
		Storage: StorageConfig{
			Dir:     "./data/artifacts",
			BaseURL: "http://localhost:8080",
		},
		Renderer: RendererConfig{Timeout: 30 * time.Second},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFromFile reads a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load applies defaults, then the optional file, then the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		fromFile, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = fromFile
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables that are set.
func (c *Config) ApplyEnv(getenv func(string) string) {
	env := envReader{getenv: getenv}
	env.str("HTTP_ADDR", &c.HTTP.Addr)
	env.int("PUBLIC_RATE_LIMIT_PER_MINUTE", &c.HTTP.PublicRateLimitPerMinute)
	env.str("DATABASE_URL", &c.Database.URL)
	env.str("JWT_SECRET", &c.Auth.JWTSecret)
	env.str("PUBLIC_BASE_URL", &c.SOA.PublicBaseURL)
	env.duration("SOA_LINK_TTL", &c.SOA.LinkTTL)
	env.str("NATS_URL", &c.NATS.URL)
	env.str("TEMPORAL_HOSTPORT", &c.Temporal.HostPort)
	env.str("TEMPORAL_NAMESPACE", &c.Temporal.Namespace)
	env.str("STORAGE_DIR", &c.Storage.Dir)
	env.str("STORAGE_URL_KEY", &c.Storage.URLKey)
	env.str("STORAGE_BASE_URL", &c.Storage.BaseURL)
	env.str("RENDERER_URL", &c.Renderer.URL)
	env.str("LOG_LEVEL", &c.Log.Level)
	env.str("LOG_FORMAT", &c.Log.Format)
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) raw(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e envReader) str(key string, dst *string) {
	if v, ok := e.raw(key); ok {
		*dst = v
	}
}

// int keeps the current value when the variable is not a non-negative integer.
func (e envReader) int(key string, dst *int) {
	if v, ok := e.raw(key); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func (e envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.raw(key); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url (DATABASE_URL) is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("config: auth.jwt_secret (JWT_SECRET) must be at least 16 characters")
	}
	if err := absoluteURL("soa.public_base_url", c.SOA.PublicBaseURL); err != nil {
		return err
	}
	if c.SOA.LinkTTL <= 0 {
		return fmt.Errorf("config: soa.link_ttl must be positive")
	}
	if c.SOA.SweepBatch <= 0 {
		return fmt.Errorf("config: soa.sweep_batch must be positive")
	}
	if c.SOA.ExpirySweepInterval <= 0 || c.SOA.FinalizeSweepInterval <= 0 {
		return fmt.Errorf("config: soa sweep intervals must be positive")
	}
	if c.SOA.FinalizeClaimTTL <= c.Renderer.Timeout {
		return fmt.Errorf("config: soa.finalize_claim_ttl must exceed renderer.timeout")
	}
	if c.NATS.RelayInterval <= 0 {
		return fmt.Errorf("config: nats.relay_interval must be positive")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("config: storage.dir is required")
	}
	if c.Storage.URLKey == "" {
		return fmt.Errorf("config: storage.url_key (STORAGE_URL_KEY) is required")
	}
	if err := absoluteURL("storage.base_url", c.Storage.BaseURL); err != nil {
		return err
	}
	if c.Renderer.URL != "" {
		if err := absoluteURL("renderer.url", c.Renderer.URL); err != nil {
			return err
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: log.format must be json or text")
	}
	return nil
}

func absoluteURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL", field)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger. Invalid settings fall back to JSON at info.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
