package resources

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/tierflow/internal/events"
)

// Tier is one of the three nested accounting scopes. The set is closed.
type Tier int

const (
	TierSwarm Tier = 1
	TierRun   Tier = 2
	TierStep  Tier = 3
)

// Tiers returns every tier, outermost first.
func Tiers() []Tier { return []Tier{TierSwarm, TierRun, TierStep} }

func (t Tier) Valid() bool { return t >= TierSwarm && t <= TierStep }

func (t Tier) String() string {
	switch t {
	case TierSwarm:
		return "swarm"
	case TierRun:
		return "run"
	case TierStep:
		return "step"
	default:
		return "tier(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseTier accepts a tier name or its number.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "swarm", "1":
		return TierSwarm, nil
	case "run", "2":
		return TierRun, nil
	case "step", "3":
		return TierStep, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// RateLimitConfig is a fixed window of DefaultLimit reservations per Window.
// A window may go up to DefaultLimit*BurstMultiplier when the previous one
// stayed under the steady limit. DefaultLimit <= 0 disables limiting.
type RateLimitConfig struct {
	DefaultLimit    int           `json:"defaultLimit"`
	Window          time.Duration `json:"window"`
	BurstMultiplier float64       `json:"burstMultiplier"`
}

// TierConfig is the immutable per-tier policy.
type TierConfig struct {
	Tier            Tier            `json:"tier"`
	DefaultLimits   Amount          `json:"defaultLimits"`
	CleanupInterval time.Duration   `json:"cleanupInterval"`
	AbandonAfter    time.Duration   `json:"abandonAfter"`
	EventTopic      string          `json:"eventTopic"`
	RateLimit       RateLimitConfig `json:"rateLimit"`
}

const (
	kib = int64(1024)
	mib = 1024 * kib
	gib = 1024 * mib
)

var defaultConfigs = [...]TierConfig{
	{
		Tier: TierSwarm,
		DefaultLimits: Amount{
			Credits:  100_000,
			Time:     time.Hour.Milliseconds(),
			Memory:   gib,
			Tokens:   1_000_000,
			APICalls: 10_000,
		},
		CleanupInterval: 5 * time.Minute,
		AbandonAfter:    24 * time.Hour,
		EventTopic:      events.TopicSwarmResources,
		RateLimit:       RateLimitConfig{DefaultLimit: 1000, Window: time.Minute, BurstMultiplier: 1.5},
	},
	{
		Tier: TierRun,
		DefaultLimits: Amount{
			Credits:  10_000,
			Time:     (10 * time.Minute).Milliseconds(),
			Memory:   512 * mib,
			Tokens:   100_000,
			APICalls: 1_000,
		},
		CleanupInterval: 2 * time.Minute,
		AbandonAfter:    time.Hour,
		EventTopic:      events.TopicRunResources,
		RateLimit:       RateLimitConfig{DefaultLimit: 300, Window: time.Minute, BurstMultiplier: 1.5},
	},
	{
		Tier: TierStep,
		DefaultLimits: Amount{
			Credits:  1_000,
			Time:     time.Minute.Milliseconds(),
			Memory:   256 * mib,
			Tokens:   10_000,
			APICalls: 100,
		},
		CleanupInterval: time.Minute,
		AbandonAfter:    10 * time.Minute,
		EventTopic:      events.TopicStepResources,
		RateLimit:       RateLimitConfig{DefaultLimit: 100, Window: time.Minute, BurstMultiplier: 2},
	},
}

// Config returns the built-in defaults for tier. The result is a copy.
func Config(tier Tier) (TierConfig, error) {
	if !tier.Valid() {
		return TierConfig{}, fmt.Errorf("get config: unknown tier %d", int(tier))
	}
	return defaultConfigs[tier-1], nil
}

// AmountOverride sets individual dimensions; nil fields keep the default.
type AmountOverride struct {
	Credits  *int64 `yaml:"credits" json:"credits,omitempty"`
	Time     *int64 `yaml:"time" json:"time,omitempty"`
	Memory   *int64 `yaml:"memory" json:"memory,omitempty"`
	Tokens   *int64 `yaml:"tokens" json:"tokens,omitempty"`
	APICalls *int64 `yaml:"api_calls" json:"apiCalls,omitempty"`
}

type RateLimitOverride struct {
	DefaultLimit    *int           `yaml:"default_limit" json:"defaultLimit,omitempty"`
	Window          *time.Duration `yaml:"window" json:"window,omitempty"`
	BurstMultiplier *float64       `yaml:"burst_multiplier" json:"burstMultiplier,omitempty"`
}

// Overrides is a partial TierConfig.
type Overrides struct {
	DefaultLimits   *AmountOverride    `yaml:"default_limits" json:"defaultLimits,omitempty"`
	CleanupInterval *time.Duration     `yaml:"cleanup_interval" json:"cleanupInterval,omitempty"`
	AbandonAfter    *time.Duration     `yaml:"abandon_after" json:"abandonAfter,omitempty"`
	EventTopic      *string            `yaml:"event_topic" json:"eventTopic,omitempty"`
	RateLimit       *RateLimitOverride `yaml:"rate_limit" json:"rateLimit,omitempty"`
}

// MergeConfig deep-merges ov into the defaults for tier. The default table
// is never modified.
func MergeConfig(tier Tier, ov Overrides) (TierConfig, error) {
	cfg, err := Config(tier)
	if err != nil {
		return TierConfig{}, err
	}

	if l := ov.DefaultLimits; l != nil {
		setInt64(&cfg.DefaultLimits.Credits, l.Credits)
		setInt64(&cfg.DefaultLimits.Time, l.Time)
		setInt64(&cfg.DefaultLimits.Memory, l.Memory)
		setInt64(&cfg.DefaultLimits.Tokens, l.Tokens)
		setInt64(&cfg.DefaultLimits.APICalls, l.APICalls)
	}
	if ov.CleanupInterval != nil {
		cfg.CleanupInterval = *ov.CleanupInterval
	}
	if ov.AbandonAfter != nil {
		cfg.AbandonAfter = *ov.AbandonAfter
	}
	if ov.EventTopic != nil {
		cfg.EventTopic = *ov.EventTopic
	}
	if r := ov.RateLimit; r != nil {
		if r.DefaultLimit != nil {
			cfg.RateLimit.DefaultLimit = *r.DefaultLimit
		}
		if r.Window != nil {
			cfg.RateLimit.Window = *r.Window
		}
		if r.BurstMultiplier != nil {
			cfg.RateLimit.BurstMultiplier = *r.BurstMultiplier
		}
	}

	if err := cfg.validate(); err != nil {
		return TierConfig{}, fmt.Errorf("merge %s config: %w", tier, err)
	}
	return cfg, nil
}

func (c TierConfig) validate() error {
	if c.DefaultLimits.negative() {
		return fmt.Errorf("default limits must not be negative")
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	if c.AbandonAfter < 0 {
		return fmt.Errorf("abandon after must not be negative")
	}
	if c.EventTopic == "" {
		return fmt.Errorf("event topic is required")
	}
	if c.RateLimit.DefaultLimit > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.RateLimit.BurstMultiplier != 0 && c.RateLimit.BurstMultiplier < 1 {
		return fmt.Errorf("burst multiplier must be >= 1")
	}
	return nil
}

func setInt64(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

// DefaultConfigs returns the built-in table keyed by tier.
func DefaultConfigs() map[Tier]TierConfig {
	out := make(map[Tier]TierConfig, len(defaultConfigs))
	for _, c := range defaultConfigs {
		out[c.Tier] = c
	}
	return out
}
