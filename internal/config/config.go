package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/tierflow/internal/resources"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config/tierflow.yaml"

type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Resources ResourcesConfig `yaml:"resources"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Engine    EngineConfig    `yaml:"engine"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
}

type NATSConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	Instance string `yaml:"instance"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
	// Permissions granted to authenticated API callers.
	Permissions []string `yaml:"permissions"`
}

type TelegramConfig struct {
	Token     string  `yaml:"token"`
	ChatID    int64   `yaml:"chat_id"`
	AllowFrom []int64 `yaml:"allow_from"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ResourcesConfig holds partial per-tier overrides keyed by tier name
// (swarm, run, step).
type ResourcesConfig struct {
	Tiers map[string]resources.Overrides `yaml:"tiers"`
}

type ApprovalConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Retention time.Duration `yaml:"retention"`
}

type EngineConfig struct {
	DefaultMode        string `yaml:"default_mode"`
	AdaptiveTokenFloor int64  `yaml:"adaptive_token_floor"`
	// ApprovalTools lists tool name patterns that need human sign-off.
	// "*" gates every tool.
	ApprovalTools []string `yaml:"approval_tools"`
	HistoryLimit  int      `yaml:"history_limit"`
}

type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() Config {
	return Config{
		NATS: NATSConfig{
			Port:     4222,
			DataDir:  "data/nats",
			Instance: "tierflow",
		},
		Store: StoreConfig{
			Path: "data/tierflow.db",
		},
		Web: WebConfig{
			Enabled:     true,
			Port:        8080,
			Permissions: []string{"swarm:read", "swarm:execute", "swarm:manage", "tool:approve"},
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Approval: ApprovalConfig{
			Timeout:   5 * time.Minute,
			Retention: time.Hour,
		},
		Engine: EngineConfig{
			DefaultMode:        "sequential",
			AdaptiveTokenFloor: 2000,
			ApprovalTools:      []string{"*"},
			HistoryLimit:       50,
		},
		Archive: ArchiveConfig{
			Dir: "data/archive",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the config file location.
func Path() string {
	if p := os.Getenv("TIERFLOW_CONFIG"); p != "" {
		return p
	}
	return defaultPath
}

func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the YAML file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TIERFLOW_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TIERFLOW_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("TIERFLOW_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("TIERFLOW_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("TIERFLOW_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("TIERFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("TIERFLOW_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Timeout = d
		}
	}
	if v := os.Getenv("TIERFLOW_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	for name := range c.Resources.Tiers {
		if _, err := resources.ParseTier(name); err != nil {
			return fmt.Errorf("resources.tiers: %w", err)
		}
	}
	if _, err := c.TierConfigs(); err != nil {
		return err
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	switch strings.ToLower(c.Engine.DefaultMode) {
	case "sequential", "parallel", "adaptive":
	default:
		return fmt.Errorf("engine.default_mode: unknown mode %q", c.Engine.DefaultMode)
	}
	for _, pattern := range c.Engine.ApprovalTools {
		if _, err := path.Match(pattern, ""); err != nil {
			return fmt.Errorf("engine.approval_tools: bad pattern %q", pattern)
		}
	}
	return nil
}

// TierConfigs merges the configured overrides into the built-in tier table.
func (c *Config) TierConfigs() (map[resources.Tier]resources.TierConfig, error) {
	out := make(map[resources.Tier]resources.TierConfig, 3)
	for _, tier := range resources.Tiers() {
		ov := c.Resources.Tiers[tier.String()]
		tc, err := resources.MergeConfig(tier, ov)
		if err != nil {
			return nil, fmt.Errorf("resources.tiers.%s: %w", tier, err)
		}
		out[tier] = tc
	}
	return out, nil
}
