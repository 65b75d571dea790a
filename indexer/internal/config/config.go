package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/ratingindexer/indexer/internal/model"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort         = 8080
	DefaultScheduleInterval = time.Hour
	DefaultLensTimeout      = 30 * time.Second
	DefaultRetryBaseDelay   = time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultAPIKeyHeader     = "x-api-key"
	DefaultStoragePath      = "indexer.db"
)

// Roles a caller can hold.
const (
	RoleProxy      = "proxy"
	RoleController = "controller"
)

// Config is the top-level configuration file.
type Config struct {
	Indexer IndexerConfig `yaml:"indexer"`
}

// IndexerConfig holds every indexer setting.
type IndexerConfig struct {
	// HTTPPort is the port the REST API, WebSocket hub and /metrics listen on.
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of: debug | info | warn | error. Hot-reloadable.
	LogLevel string `yaml:"log_level"`

	// LogFormat is json or console.
	LogFormat string `yaml:"log_format"`

	Storage  StorageConfig  `yaml:"storage"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Auth     AuthConfig     `yaml:"auth"`
	Lenses   []Lens         `yaml:"lenses"`
	Alerts   AlertsConfig   `yaml:"alerts"`

	// Tasks are registered at startup when no task with the same id exists.
	Tasks []model.Task `yaml:"tasks"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is one of: sqlite | badger | memory.
	Backend string `yaml:"backend"`

	// Path is the SQLite file or the Badger directory.
	Path string `yaml:"path"`
}

// ScheduleConfig drives the periodic indexing round.
type ScheduleConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// Caller is the identity the scheduler presents to the access gate.
	// It must hold the proxy role.
	Caller string `yaml:"caller"`
}

// AuthConfig configures caller identification for the REST API.
type AuthConfig struct {
	// Mode is apikey or none. With none every request is treated as a caller
	// holding every role.
	Mode string `yaml:"mode"`

	// Header carries the API key. Defaults to x-api-key.
	Header string `yaml:"header"`

	Callers []Caller `yaml:"callers"`
}

// EffectiveHeader returns Header or the default.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

// Caller is one identity allowed to call the API.
type Caller struct {
	ID string `yaml:"id"`

	// KeyEnv names the environment variable holding this caller's API key.
	KeyEnv string `yaml:"key_env"`

	Roles []string `yaml:"roles"`
}

// Key returns the caller's API key resolved from the environment.
func (c Caller) Key() string {
	if c.KeyEnv == "" {
		return ""
	}
	return os.Getenv(c.KeyEnv)
}

// Lens is a remote lens a task can reference by name.
type Lens struct {
	Name string `yaml:"name"`

	// Endpoint is the base URL of the lens service.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds one fetch attempt.
	Timeout time.Duration `yaml:"timeout"`

	Auth  ClientAuth  `yaml:"auth"`
	TLS   TLSConfig   `yaml:"tls"`
	Retry RetryConfig `yaml:"retry"`
}

// ClientAuth specifies how the indexer authenticates to a lens.
type ClientAuth struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`

	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// EffectiveHeader returns Header or the default API key header.
func (a ClientAuth) EffectiveHeader() string {
	if a.Header == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

// Key returns the API key resolved from the environment.
func (a ClientAuth) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Token returns the bearer token resolved from the environment.
func (a ClientAuth) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a ClientAuth) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds per-lens TLS dial options.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// RetryConfig is the lens transport retry policy. MaxAttempts <= 1 disables
// retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// AlertRule defines one threshold-based alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Condition is "field op value": "score < 3.5", "failures >= 3".
	Condition string `yaml:"condition"`

	// Bucket selects the aggregation key a score condition reads.
	// Empty is the global bucket, "*" checks every bucket.
	Bucket string `yaml:"bucket"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates config YAML.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	applyLensDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaults()
	cfg.Indexer.Auth.Mode = "none"
	return cfg
}

func defaults() *Config {
	return &Config{
		Indexer: IndexerConfig{
			HTTPPort:  DefaultHTTPPort,
			LogLevel:  "info",
			LogFormat: "json",
			Storage: StorageConfig{
				Backend: "sqlite",
				Path:    DefaultStoragePath,
			},
			Schedule: ScheduleConfig{
				Interval: DefaultScheduleInterval,
			},
			Auth: AuthConfig{
				Mode: "apikey",
			},
		},
	}
}

func applyLensDefaults(cfg *Config) {
	for i := range cfg.Indexer.Lenses {
		l := &cfg.Indexer.Lenses[i]
		if l.Timeout <= 0 {
			l.Timeout = DefaultLensTimeout
		}
		if l.Retry.BaseDelay <= 0 {
			l.Retry.BaseDelay = DefaultRetryBaseDelay
		}
		if l.Retry.MaxDelay <= 0 {
			l.Retry.MaxDelay = DefaultRetryMaxDelay
		}
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	ix := cfg.Indexer
	if ix.HTTPPort <= 0 || ix.HTTPPort > 65535 {
		return fmt.Errorf("indexer.http_port %d out of range", ix.HTTPPort)
	}
	switch ix.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("indexer.log_format: unknown format %q", ix.LogFormat)
	}
	switch ix.Storage.Backend {
	case "sqlite", "badger":
		if ix.Storage.Path == "" {
			return fmt.Errorf("indexer.storage.path is required for %s", ix.Storage.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("indexer.storage.backend: unknown backend %q", ix.Storage.Backend)
	}

	switch ix.Auth.Mode {
	case "apikey", "none":
	default:
		return fmt.Errorf("indexer.auth.mode: unknown mode %q", ix.Auth.Mode)
	}
	seen := make(map[string]bool)
	for i, c := range ix.Auth.Callers {
		if c.ID == "" {
			return fmt.Errorf("auth.callers[%d]: id is required", i)
		}
		if seen[c.ID] {
			return fmt.Errorf("auth.callers[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		for _, r := range c.Roles {
			if r != RoleProxy && r != RoleController {
				return fmt.Errorf("auth.callers[%d] %q: unknown role %q", i, c.ID, r)
			}
		}
	}

	if ix.Schedule.Enabled {
		if ix.Schedule.Interval <= 0 {
			return fmt.Errorf("indexer.schedule.interval must be positive")
		}
		if ix.Schedule.Caller == "" && ix.Auth.Mode == "apikey" {
			return fmt.Errorf("indexer.schedule.caller is required when auth.mode is apikey")
		}
	}

	names := make(map[string]bool)
	for i, l := range ix.Lenses {
		if l.Name == "" {
			return fmt.Errorf("lenses[%d]: name is required", i)
		}
		if names[l.Name] {
			return fmt.Errorf("lenses[%d]: duplicate name %q", i, l.Name)
		}
		names[l.Name] = true
		if l.Endpoint == "" {
			return fmt.Errorf("lenses[%d] %q: endpoint is required", i, l.Name)
		}
		switch l.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("lenses[%d] %q: unknown auth mode %q", i, l.Name, l.Auth.Mode)
		}
	}

	for i, r := range ix.Alerts.Rules {
		if r.Name == "" {
			return fmt.Errorf("alerts.rules[%d]: name is required", i)
		}
		if r.Condition == "" {
			return fmt.Errorf("alerts.rules[%d] %q: condition is required", i, r.Name)
		}
	}
	return nil
}
