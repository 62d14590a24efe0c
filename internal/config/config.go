// Package config defines all configuration for both services.
//
// Config is loaded with precedence (highest first): command-line flags,
// TRADEPILOT_* environment variables (double underscore as the hierarchy
// separator, e.g. TRADEPILOT_API__PORT), a YAML config file, and built-in
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the top-level configuration shared by the engine and the learner.
type Config struct {
	Mode       string                 `mapstructure:"mode"` // initial operation mode: paper or live
	Logging    LoggingConfig          `mapstructure:"logging"`
	Exchange   ExchangeConfig         `mapstructure:"exchange"`
	Strategy   StrategyConfig         `mapstructure:"strategy"`
	Execution  ExecutionConfig        `mapstructure:"execution"`
	Api        ApiConfig              `mapstructure:"api"`
	Cycle      CycleConfig            `mapstructure:"cycle"`
	Resilience ResilienceConfig       `mapstructure:"resilience"`
	EngineApi  EngineApiConfig        `mapstructure:"engine_api"`
	Tools      ToolsConfig            `mapstructure:"tools"`
	Ollama     OllamaConfig           `mapstructure:"ollama"`
	Agents     map[string]AgentConfig `mapstructure:"agents"`
	Storage    StorageConfig          `mapstructure:"storage"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ExchangeConfig points the live adapter at an exchange and seeds the paper
// adapter's simulated account.
type ExchangeConfig struct {
	BaseURL         string  `mapstructure:"base_url"`
	WSURL           string  `mapstructure:"ws_url"`
	ApiKey          string  `mapstructure:"api_key"`
	MinOrderSize    float64 `mapstructure:"min_order_size"`    // exchange minimum quantity per order
	StartingCashUSD float64 `mapstructure:"starting_cash_usd"` // paper adapter opening balance
}

// StrategyConfig controls the strategy file watcher and validity monitor.
type StrategyConfig struct {
	WatchPath               string `mapstructure:"watch_path"`
	ReloadLatencyMs         int    `mapstructure:"reload_latency_ms"`          // polling fallback interval
	ValidityCheckIntervalMs int    `mapstructure:"validity_check_interval_ms"` // expiry timer interval
}

// ReloadLatency returns the polling fallback interval as a duration.
func (c StrategyConfig) ReloadLatency() time.Duration {
	return time.Duration(c.ReloadLatencyMs) * time.Millisecond
}

// ValidityCheckInterval returns the expiry timer interval as a duration.
func (c StrategyConfig) ValidityCheckInterval() time.Duration {
	return time.Duration(c.ValidityCheckIntervalMs) * time.Millisecond
}

// ExecutionConfig sets where the engine persists durable state
// (positions.json, trades.json, events.log).
type ExecutionConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ApiConfig configures an HTTP surface. ApiKey guards mutating endpoints.
type ApiConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	ApiKey string `mapstructure:"api_key"`
}

// Addr returns the host:port listen address.
func (c ApiConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CycleConfig bounds learning-cycle duration and cadence.
type CycleConfig struct {
	MinDurationMinutes      int `mapstructure:"min_duration_minutes"`
	MaxDurationMinutes      int `mapstructure:"max_duration_minutes"`
	ScheduleIntervalMinutes int `mapstructure:"schedule_interval_minutes"`
}

// ResilienceConfig tunes stall detection and recovery for the learner.
type ResilienceConfig struct {
	MaxRestartAttempts   int `mapstructure:"max_restart_attempts"`
	StallWarningMinutes  int `mapstructure:"stall_warning_minutes"`
	StallCriticalMinutes int `mapstructure:"stall_critical_minutes"`
}

// EngineApiConfig points the learner's tools at the execution engine's API.
type EngineApiConfig struct {
	BaseUrl string `mapstructure:"base_url"`
}

// ToolsConfig applies to every registered tool unless the tool overrides it.
type ToolsConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	CacheTtlSeconds       int `mapstructure:"cache_ttl_seconds"`
	MaxRetries            int `mapstructure:"max_retries"`
	MaxRetryDelaySeconds  int `mapstructure:"max_retry_delay_seconds"`
}

// OllamaConfig points the agent invoker at an Ollama-compatible server.
type OllamaConfig struct {
	BaseUrl        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AgentConfig tunes one agent stage (plan, research, analyze, synthesize,
// evaluate).
type AgentConfig struct {
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutMinutes int     `mapstructure:"timeout_minutes"`
	MaxRetries     int     `mapstructure:"max_retries"`
	MaxIterations  int     `mapstructure:"max_iterations"`
}

// StorageConfig lays out the learner's durable tree.
type StorageConfig struct {
	BasePath              string `mapstructure:"base_path"`
	CyclesPath            string `mapstructure:"cycles_path"`
	MemoryPath            string `mapstructure:"memory_path"`
	ArchiveRetentionCount int    `mapstructure:"archive_retention_count"`
}

// AgentNames lists the five pipeline agents in stage order.
var AgentNames = []string{"plan", "research", "analyze", "synthesize", "evaluate"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("exchange.min_order_size", 0.0001)
	v.SetDefault("exchange.starting_cash_usd", 10000)
	v.SetDefault("strategy.watch_path", "data/strategy.json")
	v.SetDefault("strategy.reload_latency_ms", 500)
	v.SetDefault("strategy.validity_check_interval_ms", 100)
	v.SetDefault("execution.data_dir", "data/execution")
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("cycle.min_duration_minutes", 5)
	v.SetDefault("cycle.max_duration_minutes", 60)
	v.SetDefault("cycle.schedule_interval_minutes", 30)
	v.SetDefault("resilience.max_restart_attempts", 3)
	v.SetDefault("resilience.stall_warning_minutes", 10)
	v.SetDefault("resilience.stall_critical_minutes", 20)
	v.SetDefault("engine_api.base_url", "http://localhost:8080")
	v.SetDefault("tools.default_timeout_seconds", 30)
	v.SetDefault("tools.cache_ttl_seconds", 60)
	v.SetDefault("tools.max_retries", 3)
	v.SetDefault("tools.max_retry_delay_seconds", 30)
	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.timeout_seconds", 120)
	v.SetDefault("storage.base_path", "data/learner")
	v.SetDefault("storage.cycles_path", "cycles")
	v.SetDefault("storage.memory_path", "memory")
	v.SetDefault("storage.archive_retention_count", 5)
	for _, name := range AgentNames {
		v.SetDefault("agents."+name+".model", "llama3.1")
		v.SetDefault("agents."+name+".temperature", 0.4)
		v.SetDefault("agents."+name+".max_tokens", 4096)
		v.SetDefault("agents."+name+".timeout_minutes", 10)
		v.SetDefault("agents."+name+".max_retries", 2)
		v.SetDefault("agents."+name+".max_iterations", 50)
	}
}

// Load reads config from an optional YAML file with env and flag overrides.
// flags may be nil when the caller binds no command-line flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADEPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be paper or live, got %q", c.Mode)
	}
	if c.Strategy.WatchPath == "" {
		return fmt.Errorf("strategy.watch_path is required")
	}
	if c.Strategy.ReloadLatencyMs <= 0 {
		return fmt.Errorf("strategy.reload_latency_ms must be > 0")
	}
	if c.Strategy.ValidityCheckIntervalMs <= 0 {
		return fmt.Errorf("strategy.validity_check_interval_ms must be > 0")
	}
	if c.Exchange.MinOrderSize < 0 {
		return fmt.Errorf("exchange.min_order_size must be >= 0")
	}
	if c.Mode == "live" && c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required in live mode")
	}
	if c.Api.Port <= 0 || c.Api.Port > 65535 {
		return fmt.Errorf("api.port must be in 1..65535")
	}
	if c.Cycle.ScheduleIntervalMinutes <= 0 {
		return fmt.Errorf("cycle.schedule_interval_minutes must be > 0")
	}
	if c.Resilience.StallCriticalMinutes <= c.Resilience.StallWarningMinutes {
		return fmt.Errorf("resilience.stall_critical_minutes must exceed stall_warning_minutes")
	}
	if c.Tools.MaxRetries < 0 {
		return fmt.Errorf("tools.max_retries must be >= 0")
	}
	for name, agent := range c.Agents {
		if agent.MaxIterations <= 0 {
			return fmt.Errorf("agents.%s.max_iterations must be > 0", name)
		}
		if agent.Model == "" {
			return fmt.Errorf("agents.%s.model is required", name)
		}
	}
	return nil
}
