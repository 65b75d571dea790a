package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/ratingindexer/lens/internal/series"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort     = 9090
	DefaultRetention    = 7 * 24 * time.Hour
	DefaultAPIKeyHeader = "x-api-key"
	DefaultTag          = "id"
)

// Config is the top-level configuration file.
type Config struct {
	Lens LensConfig `yaml:"lens"`
}

// LensConfig holds every lens service setting.
type LensConfig struct {
	HTTPPort  int    `yaml:"http_port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Auth protects POST /v1/fetch.
	Auth ServerAuth `yaml:"auth"`

	// ScrapeInterval is how often prometheus sources are scraped into
	// history. Zero disables history; every fetch scrapes live.
	ScrapeInterval time.Duration `yaml:"scrape_interval"`

	// Retention bounds how long scraped samples are kept.
	Retention time.Duration `yaml:"retention"`

	Sources []Source `yaml:"sources"`

	// DefaultSource answers requests that name no source.
	DefaultSource string `yaml:"default_source"`
}

// ServerAuth configures how callers authenticate to the lens.
type ServerAuth struct {
	// Mode is apikey or none.
	Mode   string `yaml:"mode"`
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`
}

// EffectiveHeader returns Header or the default.
func (a ServerAuth) EffectiveHeader() string {
	if a.Header == "" {
		return DefaultAPIKeyHeader
	}
	return a.Header
}

// Key returns the expected API key resolved from the environment.
func (a ServerAuth) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Source describes one series backend.
type Source struct {
	Name string `yaml:"name"`

	// Type is prometheus or influx.
	Type string `yaml:"type"`

	// Endpoint is the metrics URL (prometheus) or the server URL (influx).
	Endpoint string `yaml:"endpoint"`

	// Method reduces an id's samples. See package series.
	Method string `yaml:"method"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`

	// Influx only. Tag is the column holding the id; Field filters _field
	// when set.
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
	Field       string `yaml:"field"`
	Tag         string `yaml:"tag"`
	TokenEnv    string `yaml:"token_env"`
}

// Token returns the influx token resolved from the environment.
func (s Source) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// AuthConfig specifies how the lens authenticates to a prometheus endpoint.
type AuthConfig struct {
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

// Key returns the API key resolved from the environment.
func (a AuthConfig) Key() string { return env(a.KeyEnv) }

// Token returns the bearer token resolved from the environment.
func (a AuthConfig) Token() string { return env(a.TokenEnv) }

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string { return env(a.PasswordEnv) }

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates config YAML.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Lens: LensConfig{
		HTTPPort:  DefaultHTTPPort,
		LogLevel:  "info",
		LogFormat: "json",
		Retention: DefaultRetention,
		Auth:      ServerAuth{Mode: "none"},
	}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	for i := range cfg.Lens.Sources {
		s := &cfg.Lens.Sources[i]
		if s.Method == "" {
			s.Method = series.Last
		}
		if s.Type == "influx" {
			if s.Tag == "" {
				s.Tag = DefaultTag
			}
		}
		if s.Auth.Mode == "apikey" && s.Auth.Header == "" {
			s.Auth.Header = DefaultAPIKeyHeader
		}
	}
	if cfg.Lens.DefaultSource == "" && len(cfg.Lens.Sources) == 1 {
		cfg.Lens.DefaultSource = cfg.Lens.Sources[0].Name
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	l := cfg.Lens
	if l.HTTPPort <= 0 || l.HTTPPort > 65535 {
		return fmt.Errorf("lens.http_port %d out of range", l.HTTPPort)
	}
	switch l.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("lens.log_format: unknown format %q", l.LogFormat)
	}
	switch l.Auth.Mode {
	case "none":
	case "apikey":
		if l.Auth.KeyEnv == "" {
			return fmt.Errorf("lens.auth.key_env is required when mode is apikey")
		}
	default:
		return fmt.Errorf("lens.auth.mode: unknown mode %q", l.Auth.Mode)
	}
	if l.ScrapeInterval < 0 || l.Retention <= 0 {
		return fmt.Errorf("lens.scrape_interval must be >= 0 and lens.retention > 0")
	}

	names := make(map[string]bool)
	for i, s := range l.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if s.Endpoint == "" {
			return fmt.Errorf("sources[%d] %q: endpoint is required", i, s.Name)
		}
		if !series.Valid(s.Method) {
			return fmt.Errorf("sources[%d] %q: unknown method %q (want one of %v)", i, s.Name, s.Method, series.Methods())
		}
		switch s.Type {
		case "prometheus":
		case "influx":
			if s.Org == "" || s.Bucket == "" || s.Measurement == "" {
				return fmt.Errorf("sources[%d] %q: influx needs org, bucket and measurement", i, s.Name)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unsupported type %q", i, s.Name, s.Type)
		}
		switch s.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, s.Name, s.Auth.Mode)
		}
	}
	if l.DefaultSource != "" && !names[l.DefaultSource] {
		return fmt.Errorf("lens.default_source %q is not a configured source", l.DefaultSource)
	}
	return nil
}
