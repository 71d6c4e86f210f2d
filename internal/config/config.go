package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"visatrack/internal/domain"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"

	LockLocal = "local"
	LockRedis = "redis"
)

// Config models visatrack.yml.
type Config struct {
	Workflow domain.Template `yaml:"workflow"`
	Storage  struct {
		Driver string `yaml:"driver"`
		SQLite struct {
			Workspace string `yaml:"workspace"`
		} `yaml:"sqlite"`
		Mongo MongoConfig `yaml:"mongo"`
	} `yaml:"storage"`
	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`
	Lock     LockConfig      `yaml:"lock"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// LockConfig selects how owner operations are serialized. local only
// covers one process; redis covers every process sharing the server.
type LockConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := ValidateTemplate(c.Workflow); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "", DriverSQLite:
	case DriverMongo:
		if strings.TrimSpace(c.Storage.Mongo.URI) == "" {
			return fmt.Errorf("config.storage.mongo.uri is required for driver mongo")
		}
	default:
		return fmt.Errorf("config.storage.driver must be %q or %q", DriverSQLite, DriverMongo)
	}
	switch c.Lock.Driver {
	case "", LockLocal:
	case LockRedis:
		if strings.TrimSpace(c.Lock.Redis.Addr) == "" {
			return fmt.Errorf("config.lock.redis.addr is required for driver redis")
		}
		if c.Lock.Redis.TTLSeconds < 0 {
			return fmt.Errorf("config.lock.redis.ttl_seconds must not be negative")
		}
	default:
		return fmt.Errorf("config.lock.driver must be %q or %q", LockLocal, LockRedis)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// ValidateTemplate checks a step template independently of the rest of the config.
func ValidateTemplate(t domain.Template) error {
	if len(t.Steps) == 0 {
		return fmt.Errorf("config.workflow.steps must not be empty")
	}
	for i, s := range t.Steps {
		seq := i + 1
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("step %d has empty title", seq)
		}
		switch s.Artifacts.Mode {
		case "", domain.RequireNone:
			if s.Artifacts.Count != 0 {
				return fmt.Errorf("step %d sets count without an artifact mode", seq)
			}
		case domain.RequireExact, domain.RequireMin:
			if s.Artifacts.Count < 1 {
				return fmt.Errorf("step %d artifact mode %s requires count >= 1", seq, s.Artifacts.Mode)
			}
		default:
			return fmt.Errorf("step %d has invalid artifact mode %q", seq, s.Artifacts.Mode)
		}
	}
	return nil
}

func (c *Config) normalize() {
	if c.Workflow.Name == "" {
		c.Workflow.Name = "default"
	}
	for i := range c.Workflow.Steps {
		if c.Workflow.Steps[i].Artifacts.Mode == "" {
			c.Workflow.Steps[i].Artifacts.Mode = domain.RequireNone
		}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.SQLite.Workspace == "" {
		c.Storage.SQLite.Workspace = "."
	}
	if c.Storage.Mongo.Database == "" {
		c.Storage.Mongo.Database = "visatrack"
	}
	if c.Storage.Mongo.Collection == "" {
		c.Storage.Mongo.Collection = "workflows"
	}
	if c.Lock.Driver == "" {
		c.Lock.Driver = LockLocal
	}
	if c.Lock.Redis.Prefix == "" {
		c.Lock.Redis.Prefix = "visatrack:"
	}
}

// ArtifactsDir returns where uploaded artifacts are stored.
func (c *Config) ArtifactsDir() string {
	if c.Artifacts.Dir != "" {
		return c.Artifacts.Dir
	}
	return filepath.Join(c.Storage.SQLite.Workspace, ".visatrack", "artifacts")
}

const redactedValue = "********"

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Lock.Redis.Password != "" {
		out.Lock.Redis.Password = redactedValue
	}
	if u, err := url.Parse(out.Storage.Mongo.URI); err == nil && u.User != nil {
		out.Storage.Mongo.URI = u.Redacted()
	}
	out.Webhooks = make([]WebhookConfig, len(c.Webhooks))
	for i, hook := range c.Webhooks {
		if hook.Secret != "" {
			hook.Secret = redactedValue
		}
		out.Webhooks[i] = hook
	}
	return &out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "visatrack.yml")
}

// Load reads config from the workspace, falling back to defaults when the file is missing.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Storage.SQLite.Workspace = workspace
			cfg.normalize()
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.SQLite.Workspace == "." && workspace != "" {
		cfg.Storage.SQLite.Workspace = workspace
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()
	return &cfg, nil
}

// Default returns the built-in visa application config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(DefaultYAML), &cfg)
	cfg.normalize()
	return &cfg
}

// DefaultYAML is the config written by `vt config init`.
const DefaultYAML = `workflow:
  name: visa-application
  steps:
    - title: Send Agreement
      artifacts: {mode: exact, count: 2}
    - title: Document Collection
      artifacts: {mode: min, count: 1}
    - title: Visa Application Form
      artifacts: {mode: min, count: 1}
    - title: Biometrics Appointment
    - title: Interview Preparation
    - title: Final Submission
      artifacts: {mode: min, count: 1}

storage:
  driver: sqlite
  sqlite:
    workspace: .
  mongo:
    uri: ""
    database: visatrack
    collection: workflows

artifacts:
  dir: ""

lock:
  driver: local
  redis:
    addr: ""
    prefix: "visatrack:"
    ttl_seconds: 30

webhooks: []
`
