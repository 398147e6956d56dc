// Package config provides YAML-based configuration loading for Ery, with
// environment variable overrides for secrets and deployment settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Ery configuration, loaded from config.yaml and the
// environment.
type Config struct {
	Discord   DiscordConfig   `yaml:"discord"`
	Database  DatabaseConfig  `yaml:"database"`
	Batching  BatchingConfig  `yaml:"batching"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Agent     AgentConfig     `yaml:"agent"`
	AI        AIConfig        `yaml:"ai"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DiscordConfig holds gateway credentials and message filtering.
type DiscordConfig struct {
	Token      string `yaml:"token"`
	AllowDMs   bool   `yaml:"allow_dms"`
	IgnoreBots *bool  `yaml:"ignore_bots"`
	MaxRetries int    `yaml:"max_retries"`
}

// DatabaseConfig selects the persistence driver.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql, postgres
	Path     string `yaml:"path"`   // sqlite file
	DSN      string `yaml:"dsn"`    // postgres DSN, or a full mysql DSN
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// BatchingConfig controls when per-channel message queues are sealed.
type BatchingConfig struct {
	MessageCount         int           `yaml:"message_count"`
	TimeWindow           time.Duration `yaml:"time_window"`
	MaxQueueAge          time.Duration `yaml:"max_queue_age"`
	QueueCleanupInterval time.Duration `yaml:"queue_cleanup_interval"`
	ReplyChainMaxDepth   int           `yaml:"reply_chain_max_depth"`
	ReplyChainMaxAge     time.Duration `yaml:"reply_chain_max_age"`
}

// ThreadsConfig controls task-thread concurrency and expiry.
type ThreadsConfig struct {
	MaxActivePerGuild int           `yaml:"max_active_per_guild"`
	Timeout           time.Duration `yaml:"timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// AgentConfig bounds the agent loop and shapes the model context.
type AgentConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	MaxProcessingTime  time.Duration `yaml:"max_processing_time"`
	ReplyExcerptLength int           `yaml:"reply_excerpt_length"`
	ReplyExcerptSuffix string        `yaml:"reply_excerpt_suffix"`
	SystemPrompt       string        `yaml:"system_prompt"`
}

// AIConfig describes the language-model provider.
type AIConfig struct {
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Model         string        `yaml:"model"`
	FallbackModel string        `yaml:"fallback_model"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DashboardConfig enables the read-only status API. Port 0 disables it.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlp-http
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// FromEnv builds a validated Config from the environment alone.
func FromEnv() (*Config, error) {
	return Parse(nil)
}

// Parse unmarshals YAML bytes into a validated Config. Environment variables
// take precedence over file values.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// AIEnabled reports whether an API key is configured for the model provider.
func (c *Config) AIEnabled() bool {
	return c.AI.APIKey != ""
}

// IgnoreBotAuthors reports whether messages written by bots are dropped at
// the gateway. Defaults to true.
func (c *Config) IgnoreBotAuthors() bool {
	return c.Discord.IgnoreBots == nil || *c.Discord.IgnoreBots
}

func (c *Config) applyEnv() error {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.Discord.Token, "DISCORD_BOT_TOKEN")
	setString(&c.AI.APIKey, "AI_API_KEY")
	setString(&c.AI.Model, "AI_MODEL")
	setString(&c.AI.FallbackModel, "AI_FALLBACK_MODEL")
	setString(&c.AI.BaseURL, "AI_BASE_URL")
	setString(&c.Database.Driver, "DATABASE_DRIVER")
	setString(&c.Database.Path, "DATABASE_PATH")
	setString(&c.Database.DSN, "DATABASE_DSN")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Telemetry.Exporter, "OTEL_EXPORTER")
	setString(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if v := os.Getenv("DASHBOARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: DASHBOARD_PORT: %w", err)
		}
		c.Dashboard.Port = port
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Discord.MaxRetries == 0 {
		c.Discord.MaxRetries = 3
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "./data/ery.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	}

	b := &c.Batching
	if b.MessageCount == 0 {
		b.MessageCount = 5
	}
	if b.TimeWindow == 0 {
		b.TimeWindow = 30 * time.Second
	}
	if b.MaxQueueAge == 0 {
		b.MaxQueueAge = 5 * time.Minute
	}
	if b.QueueCleanupInterval == 0 {
		b.QueueCleanupInterval = time.Minute
	}
	if b.ReplyChainMaxDepth == 0 {
		b.ReplyChainMaxDepth = 5
	}
	if b.ReplyChainMaxAge == 0 {
		b.ReplyChainMaxAge = 24 * time.Hour
	}

	th := &c.Threads
	if th.MaxActivePerGuild == 0 {
		th.MaxActivePerGuild = 10
	}
	if th.Timeout == 0 {
		th.Timeout = 5 * time.Minute
	}
	if th.CleanupInterval == 0 {
		th.CleanupInterval = time.Minute
	}

	a := &c.Agent
	if a.MaxIterations == 0 {
		a.MaxIterations = 10
	}
	if a.MaxProcessingTime == 0 {
		a.MaxProcessingTime = 30 * time.Second
	}
	if a.ReplyExcerptLength == 0 {
		a.ReplyExcerptLength = 100
	}
	if a.ReplyExcerptSuffix == "" {
		a.ReplyExcerptSuffix = "..."
	}

	ai := &c.AI
	if ai.BaseURL == "" {
		ai.BaseURL = "https://openrouter.ai/api/v1"
	}
	if ai.Model == "" {
		ai.Model = "openai/gpt-4o-mini"
	}
	if ai.FallbackModel == "" {
		ai.FallbackModel = "openai/gpt-3.5-turbo"
	}
	if ai.Temperature == 0 {
		ai.Temperature = 0.7
	}
	if ai.MaxTokens == 0 {
		ai.MaxTokens = 2000
	}
	if ai.Timeout == 0 {
		ai.Timeout = 60 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = "none"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "ery"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Discord.Token == "" {
		errs = append(errs, "discord.token is required (DISCORD_BOT_TOKEN)")
	}

	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.DSN == "" && c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql, postgres)", c.Database.Driver))
	}

	if c.Batching.MessageCount < 1 {
		errs = append(errs, "batching.message_count must be at least 1")
	}
	if c.Batching.TimeWindow < 0 || c.Batching.MaxQueueAge < 0 || c.Batching.ReplyChainMaxAge < 0 {
		errs = append(errs, "batching durations must not be negative")
	}
	if c.Batching.ReplyChainMaxDepth < 0 {
		errs = append(errs, "batching.reply_chain_max_depth must not be negative")
	}
	if c.Threads.MaxActivePerGuild < 1 {
		errs = append(errs, "threads.max_active_per_guild must be at least 1")
	}
	if c.Threads.Timeout < 0 {
		errs = append(errs, "threads.timeout must not be negative")
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, "agent.max_iterations must be at least 1")
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		errs = append(errs, "ai.temperature must be between 0 and 2")
	}
	if c.AI.MaxTokens < 1 {
		errs = append(errs, "ai.max_tokens must be at least 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not supported", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}
	switch c.Telemetry.Exporter {
	case "none", "stdout", "otlp-http":
	default:
		errs = append(errs, fmt.Sprintf("telemetry.exporter %q is not supported", c.Telemetry.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
