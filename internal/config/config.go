// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omegabot/omega/internal/evolution/policy"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Redis() RedisConfig
	GitHub() GitHubConfig
	Git() GitConfig
	LLM() LLMRouterConfig
	Evolution() EvolutionConfig

	// Policy returns the validated evolution policy with deployment overrides applied.
	Policy() (policy.Policy, error)
	// ValidateForActing reports missing settings needed to push and open pull requests.
	ValidateForActing() error
	Document() Document

	// CLI overrides
	SetEvolutionDryRun(bool)
	SetLoggerLevel(string)
}

// Config holds the entire application configuration. Fields are private so
// that callers go through Interface; Document is the (un)marshalling form.
type Config struct {
	logger    LoggerConfig
	database  DatabaseConfig
	redis     RedisConfig
	github    GitHubConfig
	git       GitConfig
	llm       LLMRouterConfig
	evolution EvolutionConfig
}

// Document is the on-disk shape of the configuration file.
type Document struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	GitHub    GitHubConfig    `mapstructure:"github" yaml:"github"`
	Git       GitConfig       `mapstructure:"git" yaml:"git"`
	LLM       LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	Evolution EvolutionConfig `mapstructure:"evolution" yaml:"evolution"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.logger }
func (c *Config) Database() DatabaseConfig   { return c.database }
func (c *Config) Redis() RedisConfig         { return c.redis }
func (c *Config) GitHub() GitHubConfig       { return c.github }
func (c *Config) Git() GitConfig             { return c.git }
func (c *Config) LLM() LLMRouterConfig       { return c.llm }
func (c *Config) Evolution() EvolutionConfig { return c.evolution }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEvolutionDryRun(b bool) { c.evolution.DryRun = b }
func (c *Config) SetLoggerLevel(lvl string) { c.logger.Level = lvl }

// Document returns a copy of the configuration in its serializable form.
func (c *Config) Document() Document {
	return Document{
		Logger:    c.logger,
		Database:  c.database,
		Redis:     c.redis,
		GitHub:    c.github,
		Git:       c.git,
		LLM:       c.llm,
		Evolution: c.evolution,
	}
}

func fromDocument(d Document) *Config {
	return &Config{
		logger:    d.Logger,
		database:  d.Database,
		redis:     d.Redis,
		github:    d.GitHub,
		git:       d.Git,
		llm:       d.LLM,
		evolution: d.Evolution,
	}
}

// Policy starts from the compiled-in policy, applies the deployment values
// from the evolution section, and validates the result.
func (c *Config) Policy() (policy.Policy, error) {
	p := policy.Default()
	if len(c.evolution.Reviewers) > 0 {
		p = p.WithReviewers(c.evolution.Reviewers)
	}
	if c.evolution.Timezone != "" {
		p.Schedule.Timezone = c.evolution.Timezone
	}
	if c.evolution.Draft {
		p.PullRequests.Draft = true
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, err
	}
	return p, nil
}

// GitConfig defines the committer identity and the repository evolved by the engine.
type GitConfig struct {
	RemoteURL   string `mapstructure:"remote_url" yaml:"remote_url"`
	AuthorName  string `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string `mapstructure:"author_email" yaml:"author_email"`
	WorkDir     string `mapstructure:"work_dir" yaml:"work_dir"`
}

// GitHubConfig defines the configuration for GitHub integration.
type GitHubConfig struct {
	Token             string  `mapstructure:"token" yaml:"-"`
	RepoOwner         string  `mapstructure:"repo_owner" yaml:"repo_owner"`
	RepoName          string  `mapstructure:"repo_name" yaml:"repo_name"`
	BaseBranch        string  `mapstructure:"base_branch" yaml:"base_branch"`
	APIURL            string  `mapstructure:"api_url" yaml:"api_url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxRetries        uint64  `mapstructure:"max_retries" yaml:"max_retries"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"-"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	Migrate  bool   `mapstructure:"migrate" yaml:"migrate"`
}

// RedisConfig configures the shared cycle lock. An empty Addr selects the
// in-process lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	LockKey  string `mapstructure:"lock_key" yaml:"lock_key"`
}

// EvolutionConfig holds the deployment-specific settings of the evolution engine.
// Everything else lives in the compiled-in policy.
type EvolutionConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	DryRun          bool          `mapstructure:"dry_run" yaml:"dry_run"`
	Reviewers       []string      `mapstructure:"reviewers" yaml:"reviewers"`
	Timezone        string        `mapstructure:"timezone" yaml:"timezone"`
	Draft           bool          `mapstructure:"draft" yaml:"draft"`
	ActConcurrency  int           `mapstructure:"act_concurrency" yaml:"act_concurrency"`
	LockTTL         time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	HistoryLookback time.Duration `mapstructure:"history_lookback" yaml:"history_lookback"`
	BusBufferSize   int           `mapstructure:"bus_buffer_size" yaml:"bus_buffer_size"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	// ProviderNone disables the LLM; change sets come from the scaffold writer.
	ProviderNone LLMProvider = "none"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider    LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// Enabled reports whether any model is configured with a real provider.
func (l LLMRouterConfig) Enabled() bool {
	for _, m := range l.Models {
		if m.Provider != "" && m.Provider != ProviderNone {
			return true
		}
	}
	return false
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return fromDocument(doc)
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "omega")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)

	// -- Redis --
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "omega:evolution:cycle")

	// -- GitHub --
	v.SetDefault("github.base_branch", "main")
	v.SetDefault("github.requests_per_second", 1.0)
	v.SetDefault("github.max_retries", 3)

	// -- Git --
	v.SetDefault("git.author_name", "omega-evolution")
	v.SetDefault("git.author_email", "omega-evolution@users.noreply.github.com")

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Evolution --
	v.SetDefault("evolution.enabled", true)
	v.SetDefault("evolution.dry_run", false)
	v.SetDefault("evolution.act_concurrency", 2)
	v.SetDefault("evolution.lock_ttl", "2h")
	v.SetDefault("evolution.history_lookback", "720h")
	v.SetDefault("evolution.bus_buffer_size", 64)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data
	_ = v.BindEnv("github.token", "OMEGA_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("database.url", "OMEGA_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.password", "OMEGA_REDIS_PASSWORD")

	var doc Document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg := fromDocument(doc)

	// The API key applies to every Gemini model that does not carry its own.
	if key := os.Getenv("OMEGA_LLM_API_KEY"); key != "" {
		for name, m := range cfg.llm.Models {
			if m.APIKey == "" && m.Provider == ProviderGemini {
				m.APIKey = key
				cfg.llm.Models[name] = m
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.evolution.ActConcurrency <= 0 {
		return fmt.Errorf("evolution.act_concurrency must be a positive integer")
	}
	if c.evolution.LockTTL <= 0 {
		return fmt.Errorf("evolution.lock_ttl must be a positive duration")
	}
	if c.evolution.BusBufferSize < 0 {
		return fmt.Errorf("evolution.bus_buffer_size must not be negative")
	}
	if c.github.RequestsPerSecond < 0 {
		return fmt.Errorf("github.requests_per_second must not be negative")
	}
	if err := c.llm.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	return nil
}

// ValidateForActing checks the settings needed to push branches and open pull requests.
func (c *Config) ValidateForActing() error {
	var missing []string
	if c.github.RepoOwner == "" {
		missing = append(missing, "github.repo_owner")
	}
	if c.github.RepoName == "" {
		missing = append(missing, "github.repo_name")
	}
	if c.github.Token == "" {
		missing = append(missing, "github.token (OMEGA_GITHUB_TOKEN)")
	}
	if c.git.RemoteURL == "" {
		missing = append(missing, "git.remote_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks every configured model.
func (l *LLMRouterConfig) Validate() error {
	for name, m := range l.Models {
		switch m.Provider {
		case ProviderGemini:
			if m.Model == "" {
				return fmt.Errorf("model %q: model name is required", name)
			}
		case ProviderNone, "":
		default:
			return fmt.Errorf("model %q: unsupported provider %q", name, m.Provider)
		}
	}
	return nil
}
