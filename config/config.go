// Package config loads the designloop server configuration: an optional YAML
// file, then environment overrides, then defaults and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/designloop/iterate"
	"github.com/hazyhaar/designloop/render"
	"github.com/hazyhaar/designloop/shield"
)

// Config holds the full server configuration.
type Config struct {
	Listen         string        `yaml:"listen"`
	LogLevel       string        `yaml:"log_level"`
	MaxBodyMB      int           `yaml:"max_body_mb"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`

	// CORSOrigins lists the browser origins allowed to call the API; "*"
	// allows any. Empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins"`

	Render  RenderConfig   `yaml:"render"`
	Iterate iterate.Config `yaml:"iterate"`
	Ledger  LedgerConfig   `yaml:"ledger"`
	Import  ImportConfig   `yaml:"import"`
	Vision  VisionConfig   `yaml:"vision"`

	// RateLimits keys are "METHOD /path", e.g. "POST /iterate".
	RateLimits map[string]shield.RateLimitConfig `yaml:"rate_limits"`
}

// RenderConfig configures the engine chain.
type RenderConfig struct {
	ChromeBin     string        `yaml:"chrome_bin"`
	NoSandbox     bool          `yaml:"no_sandbox"`
	Stealth       bool          `yaml:"stealth"`
	AllowRemote   bool          `yaml:"allow_remote"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent_renders"`

	// Engines lists the engine stages in order. Known: rod, chromedp.
	Engines []string `yaml:"engines"`

	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// LedgerConfig configures the run history. An empty Path disables it.
type LedgerConfig struct {
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"`

	// TraceSQL logs ledger statements; those slower than SlowQuery log at
	// warn level.
	TraceSQL  bool          `yaml:"trace_sql"`
	SlowQuery time.Duration `yaml:"slow_query"`
}

// ImportConfig configures PDF import and temp file cleanup.
type ImportConfig struct {
	TempDir       string        `yaml:"temp_dir"`
	MaxPages      int           `yaml:"max_pages"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// VisionConfig configures the code generation providers. A provider without
// an API key is disabled.
type VisionConfig struct {
	GeminiAPIKey string        `yaml:"gemini_api_key"`
	GeminiModel  string        `yaml:"gemini_model"`
	OpenAIAPIKey string        `yaml:"openai_api_key"`
	OpenAIModel  string        `yaml:"openai_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:         ":3001",
		LogLevel:       "info",
		MaxBodyMB:      50,
		RequestTimeout: 5 * time.Minute,
		Heartbeat:      time.Minute,
		CORSOrigins:    []string{"*"},
		Render: RenderConfig{
			Timeout:          render.MaxTimeout,
			MaxConcurrent:    4,
			Engines:          []string{"rod", "chromedp"},
			BreakerThreshold: 3,
			BreakerReset:     30 * time.Second,
		},
		Iterate: iterate.Config{
			MaxIterations:    5,
			MaxIterationsCap: 20,
			ConvergeBelow:    5,
		},
		Ledger: LedgerConfig{
			FlushInterval: 5 * time.Second,
			Retention:     30 * 24 * time.Hour,
			SlowQuery:     100 * time.Millisecond,
		},
		Import: ImportConfig{
			TempDir:       os.TempDir(),
			MaxPages:      20,
			MaxAge:        time.Hour,
			SweepInterval: time.Hour,
		},
		Vision: VisionConfig{
			Timeout: 2 * time.Minute,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: PORT %q: %w", v, err)
		}
		c.Listen = ":" + v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("CHROME_BIN"); v != "" {
		c.Render.ChromeBin = v
	}
	if v := getenv("CHROME_NO_SANDBOX"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: CHROME_NO_SANDBOX %q: %w", v, err)
		}
		c.Render.NoSandbox = b
	}
	if v := getenv("LEDGER_DB"); v != "" {
		c.Ledger.Path = v
	}
	if v := getenv("TEMP_DIR"); v != "" {
		c.Import.TempDir = v
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.CORSOrigins = append(c.CORSOrigins, o)
			}
		}
	}
	if v := getenv("GEMINI_API_KEY"); v != "" {
		c.Vision.GeminiAPIKey = v
	}
	if v := getenv("OPENAI_API_KEY"); v != "" {
		c.Vision.OpenAIAPIKey = v
	}
	if v := getenv("MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_ITERATIONS %q: %w", v, err)
		}
		c.Iterate.MaxIterations = n
	}
	return nil
}

// Validate checks that values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.MaxBodyMB <= 0 {
		return fmt.Errorf("config: max_body_mb must be > 0")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be > 0")
	}
	if c.Render.MaxConcurrent <= 0 {
		return fmt.Errorf("config: render.max_concurrent_renders must be > 0")
	}
	if c.Render.Timeout <= 0 || c.Render.Timeout > render.MaxTimeout {
		return fmt.Errorf("config: render.timeout must be in (0, %s]", render.MaxTimeout)
	}
	for i, e := range c.Render.Engines {
		switch e {
		case "rod", "chromedp":
		default:
			return fmt.Errorf("config: render.engines[%d]: unknown engine %q (use rod or chromedp)", i, e)
		}
	}
	if c.Iterate.MaxIterations <= 0 {
		return fmt.Errorf("config: iterate.max_iterations must be > 0")
	}
	if c.Iterate.MaxIterationsCap > 0 && c.Iterate.MaxIterations > c.Iterate.MaxIterationsCap {
		return fmt.Errorf("config: iterate.max_iterations %d exceeds cap %d", c.Iterate.MaxIterations, c.Iterate.MaxIterationsCap)
	}
	if c.Iterate.ConvergeBelow < 0 || c.Iterate.ConvergeBelow > 100 {
		return fmt.Errorf("config: iterate.converge_below must be in [0, 100]")
	}
	if c.Iterate.Tolerance < 0 || c.Iterate.Tolerance > 1 {
		return fmt.Errorf("config: iterate.tolerance must be in [0, 1]")
	}
	for i, t := range c.Iterate.Tiers {
		if t.Type == "" {
			return fmt.Errorf("config: iterate.tiers[%d]: type is required", i)
		}
	}
	if c.Import.MaxPages <= 0 {
		return fmt.Errorf("config: import.max_pages must be > 0")
	}
	return nil
}

// MaxBodyBytes returns the request body limit in bytes.
func (c *Config) MaxBodyBytes() int64 { return int64(c.MaxBodyMB) << 20 }

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("config: log_level %q: %w", s, err)
	}
	return lvl, nil
}

// EngineConfig returns the engine settings shared by every engine stage.
func (c *Config) EngineConfig(tracker *render.Tracker, logger *slog.Logger) render.EngineConfig {
	return render.EngineConfig{
		Bin:         c.Render.ChromeBin,
		NoSandbox:   c.Render.NoSandbox,
		Stealth:     c.Render.Stealth,
		AllowRemote: c.Render.AllowRemote,
		Timeout:     c.Render.Timeout,
		Tracker:     tracker,
		Logger:      logger,
	}
}

// BreakerOptions returns the per-stage breaker settings.
func (c *Config) BreakerOptions() []render.BreakerOption {
	var opts []render.BreakerOption
	if c.Render.BreakerThreshold > 0 {
		opts = append(opts, render.WithBreakerThreshold(c.Render.BreakerThreshold))
	}
	if c.Render.BreakerReset > 0 {
		opts = append(opts, render.WithBreakerResetTimeout(c.Render.BreakerReset))
	}
	return opts
}
