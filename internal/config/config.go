// Package config loads runtime settings from an optional YAML file with
// environment overrides. The zero-value path yields the shipped policy
// defaults, so a config file is never required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pysugar/codex-nexus/internal/authlimit"
	"github.com/pysugar/codex-nexus/internal/breaker"
	"github.com/pysugar/codex-nexus/internal/selection"
	"github.com/pysugar/codex-nexus/internal/tracker"
)

// DefaultFamilies are the model families quota state is tracked for.
var DefaultFamilies = []string{"codex", "codex-mini"}

// Config is the full runtime configuration.
type Config struct {
	StoragePath    string          `yaml:"storage_path"`
	Families       []string        `yaml:"families"`
	MaxAccounts    int             `yaml:"max_accounts"`
	RequestLogging bool            `yaml:"request_logging"`
	PromptURL      string          `yaml:"prompt_url"`
	Health         HealthPolicy    `yaml:"health"`
	Bucket         BucketPolicy    `yaml:"bucket"`
	Breaker        BreakerPolicy   `yaml:"breaker"`
	AuthLimit      AuthLimitPolicy `yaml:"auth_limit"`
	Weights        WeightsPolicy   `yaml:"weights"`
}

type HealthPolicy struct {
	SuccessDelta           float64 `yaml:"success_delta"`
	RateLimitDelta         float64 `yaml:"rate_limit_delta"`
	FailureDelta           float64 `yaml:"failure_delta"`
	PassiveRecoveryPerHour float64 `yaml:"passive_recovery_per_hour"`
}

type BucketPolicy struct {
	MaxTokens       float64 `yaml:"max_tokens"`
	TokensPerMinute float64 `yaml:"tokens_per_minute"`
	RefundWindowSec int     `yaml:"refund_window_sec"`
}

type BreakerPolicy struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	FailureWindowSec    int `yaml:"failure_window_sec"`
	ResetTimeoutSec     int `yaml:"reset_timeout_sec"`
	HalfOpenMaxAttempts int `yaml:"half_open_max_attempts"`
}

type AuthLimitPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
	WindowSec   int `yaml:"window_sec"`
}

type WeightsPolicy struct {
	Health  float64 `yaml:"health"`
	Tokens  float64 `yaml:"tokens"`
	Recency float64 `yaml:"recency"`
}

// Default returns the shipped policy.
func Default() Config {
	h := tracker.DefaultHealthConfig()
	b := tracker.DefaultBucketConfig()
	br := breaker.DefaultConfig()
	al := authlimit.DefaultConfig()
	w := selection.DefaultWeights()
	return Config{
		Families:    append([]string(nil), DefaultFamilies...),
		MaxAccounts: 10,
		Health: HealthPolicy{
			SuccessDelta:           h.SuccessDelta,
			RateLimitDelta:         h.RateLimitDelta,
			FailureDelta:           h.FailureDelta,
			PassiveRecoveryPerHour: h.PassiveRecoveryPerHour,
		},
		Bucket: BucketPolicy{
			MaxTokens:       b.MaxTokens,
			TokensPerMinute: b.TokensPerMinute,
			RefundWindowSec: int(b.RefundWindow / time.Second),
		},
		Breaker: BreakerPolicy{
			FailureThreshold:    br.FailureThreshold,
			FailureWindowSec:    int(br.FailureWindow / time.Second),
			ResetTimeoutSec:     int(br.ResetTimeout / time.Second),
			HalfOpenMaxAttempts: br.HalfOpenMaxAttempts,
		},
		AuthLimit: AuthLimitPolicy{
			MaxAttempts: al.MaxAttempts,
			WindowSec:   int(al.Window / time.Second),
		},
		Weights: WeightsPolicy{Health: w.Health, Tokens: w.Tokens, Recency: w.Recency},
	}
}

// Load reads the YAML file at path when it exists, then applies env
// overrides. An empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional file
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENCODE_CODEX_PROMPT_URL"); v != "" {
		cfg.PromptURL = v
	}
	if v := os.Getenv("ENABLE_PLUGIN_REQUEST_LOGGING"); v != "" {
		cfg.RequestLogging = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CODEX_ACCOUNTS_PATH"); v != "" {
		cfg.StoragePath = v
	}
	if v := os.Getenv("CODEX_MAX_ACCOUNTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAccounts = n
		}
	}
	if v := os.Getenv("CODEX_FAMILIES"); v != "" {
		parts := strings.Split(v, ",")
		families := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				families = append(families, p)
			}
		}
		if len(families) > 0 {
			cfg.Families = families
		}
	}
}

func (c Config) validate() error {
	if c.MaxAccounts <= 0 {
		return fmt.Errorf("max_accounts must be positive, got %d", c.MaxAccounts)
	}
	if len(c.Families) == 0 {
		return fmt.Errorf("at least one model family is required")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive, got %d", c.Breaker.FailureThreshold)
	}
	if c.AuthLimit.MaxAttempts <= 0 {
		return fmt.Errorf("auth_limit max_attempts must be positive, got %d", c.AuthLimit.MaxAttempts)
	}
	return nil
}

// HealthConfig converts the policy into tracker config.
func (c Config) HealthConfig() tracker.HealthConfig {
	h := tracker.DefaultHealthConfig()
	h.SuccessDelta = c.Health.SuccessDelta
	h.RateLimitDelta = c.Health.RateLimitDelta
	h.FailureDelta = c.Health.FailureDelta
	h.PassiveRecoveryPerHour = c.Health.PassiveRecoveryPerHour
	return h
}

func (c Config) BucketConfig() tracker.BucketConfig {
	return tracker.BucketConfig{
		MaxTokens:       c.Bucket.MaxTokens,
		TokensPerMinute: c.Bucket.TokensPerMinute,
		RefundWindow:    time.Duration(c.Bucket.RefundWindowSec) * time.Second,
	}
}

func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:    c.Breaker.FailureThreshold,
		FailureWindow:       time.Duration(c.Breaker.FailureWindowSec) * time.Second,
		ResetTimeout:        time.Duration(c.Breaker.ResetTimeoutSec) * time.Second,
		HalfOpenMaxAttempts: c.Breaker.HalfOpenMaxAttempts,
	}
}

func (c Config) AuthLimitConfig() authlimit.Config {
	return authlimit.Config{
		MaxAttempts: c.AuthLimit.MaxAttempts,
		Window:      time.Duration(c.AuthLimit.WindowSec) * time.Second,
	}
}

func (c Config) SelectionWeights() selection.Weights {
	return selection.Weights{Health: c.Weights.Health, Tokens: c.Weights.Tokens, Recency: c.Weights.Recency}
}
