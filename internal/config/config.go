package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"epicflow/internal/audit"
)

const FileName = "epicflow.yml"

// Config models epicflow.yml.
type Config struct {
	GitHub    GitHub    `yaml:"github"`
	Server    Server    `yaml:"server"`
	Audit     Audit     `yaml:"audit"`
	Webhooks  []Webhook `yaml:"webhooks"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type GitHub struct {
	APIURL         string `yaml:"api_url"`
	TokenEnv       string `yaml:"token_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Token reads the token from the configured environment variable.
func (g GitHub) Token() string {
	if g.TokenEnv == "" {
		return ""
	}
	return os.Getenv(g.TokenEnv)
}

func (g GitHub) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

type Server struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type Audit struct {
	DefaultLimit int `yaml:"default_limit"`
}

type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries. Hooks are on
// unless explicitly disabled.
func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Wants reports whether the hook subscribes to action. An empty list means all.
func (w Webhook) Wants(action string) bool {
	return len(w.Events) == 0 || slices.Contains(w.Events, action)
}

type Telemetry struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

var knownActions = []string{
	audit.EpicCreated, audit.EpicUpdated, audit.EpicStatusChanged, audit.EpicDeleted,
	audit.TaskCreated, audit.TaskStateChanged, audit.ValidationStarted, audit.ValidationUpdated,
}

// Load reads and validates config from workspace. A missing file yields the
// defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.GitHub.APIURL != "" {
		if u, err := url.Parse(c.GitHub.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.github.api_url must be an absolute URL")
		}
	}
	if c.GitHub.TimeoutSeconds < 0 {
		return fmt.Errorf("config.github.timeout_seconds must be >= 0")
	}
	if c.GitHub.MaxRetries < 0 {
		return fmt.Errorf("config.github.max_retries must be >= 0")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Audit.DefaultLimit < 0 || c.Audit.DefaultLimit > 500 {
		return fmt.Errorf("config.audit.default_limit must be between 0 and 500")
	}
	for i, w := range c.Webhooks {
		u, err := url.Parse(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		for _, ev := range w.Events {
			if !slices.Contains(knownActions, ev) {
				return fmt.Errorf("config.webhooks[%d] subscribes to unknown event %s", i, ev)
			}
		}
		if w.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("config.telemetry.service_name is required when telemetry is enabled")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the parsed default config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores the default config in workspace unless one already exists.
func Write(workspace string) (string, bool, error) {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", false, err
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

const defaultTemplate = `github:
  api_url: https://api.github.com
  token_env: GITHUB_TOKEN
  timeout_seconds: 30
  max_retries: 3

server:
  addr: 127.0.0.1:8080
  base_path: /v0

audit:
  default_limit: 50

webhooks: []

telemetry:
  enabled: false
  service_name: epicflow
  otlp_endpoint: http://127.0.0.1:4318
`
