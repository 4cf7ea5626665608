package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines a contract for accessing application configuration.
// Components depend on it rather than on *Config so tests can hand in partial configs.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Planner() PlannerConfig
	Review() ReviewConfig
	Runner() RunnerConfig
	Artifacts() ArtifactsConfig
	Login() LoginConfig

	// Run Setters (flags override the file)
	SetLogin(LoginConfig)
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	PlannerCfg   PlannerConfig   `mapstructure:"planner" yaml:"planner"`
	ReviewCfg    ReviewConfig    `mapstructure:"review" yaml:"review"`
	RunnerCfg    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	ArtifactsCfg ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	// LoginCfg gets its values from CLI flags, not the config file.
	LoginCfg LoginConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Planner() PlannerConfig     { return c.PlannerCfg }
func (c *Config) Review() ReviewConfig       { return c.ReviewCfg }
func (c *Config) Runner() RunnerConfig       { return c.RunnerCfg }
func (c *Config) Artifacts() ArtifactsConfig { return c.ArtifactsCfg }
func (c *Config) Login() LoginConfig         { return c.LoginCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetLogin(l LoginConfig)    { c.LoginCfg = l }
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

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

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the Chromium instance the runs drive.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	Viewport        ViewportSize  `mapstructure:"viewport" yaml:"viewport"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout" yaml:"navigate_timeout"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
}

// ViewportSize is the default display size. The planner is told the same dimensions.
type ViewportSize struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// ProviderConfig selects and authenticates a Responses API endpoint.
type ProviderConfig struct {
	// Provider is "openai" or "azure".
	Provider   string `mapstructure:"provider" yaml:"provider"`
	APIKey     string `mapstructure:"api_key" yaml:"-"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	APIVersion string `mapstructure:"api_version" yaml:"api_version"`
	// Model is the model name for openai, or the deployment name for azure.
	Model               string        `mapstructure:"model" yaml:"model"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerMinute   int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	RateLimitMaxElapsed time.Duration `mapstructure:"rate_limit_max_elapsed" yaml:"rate_limit_max_elapsed"`
}

// PlannerConfig configures the computer-use planning service.
type PlannerConfig struct {
	ProviderConfig  `mapstructure:",squash" yaml:",inline"`
	EnvInstructions string `mapstructure:"env_instructions" yaml:"env_instructions"`
}

// ReviewConfig configures the screenshot review service.
type ReviewConfig struct {
	ProviderConfig `mapstructure:",squash" yaml:",inline"`
	// Backend is "openai" (Responses API, uses ProviderConfig) or "gemini".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// PersistContinuation threads the previous response id through successive reviews.
	PersistContinuation  bool `mapstructure:"persist_continuation" yaml:"persist_continuation"`
	AwaitFirstCheckpoint bool `mapstructure:"await_first_checkpoint" yaml:"await_first_checkpoint"`
	// ShutdownWait bounds how long the run waits for queued reviews before exiting.
	ShutdownWait time.Duration `mapstructure:"shutdown_wait" yaml:"shutdown_wait"`
}

// RunnerConfig tunes the action loop.
type RunnerConfig struct {
	SettleInterval      time.Duration `mapstructure:"settle_interval" yaml:"settle_interval"`
	ScreenshotAttempts  int           `mapstructure:"screenshot_attempts" yaml:"screenshot_attempts"`
	ScreenshotBackoff   time.Duration `mapstructure:"screenshot_backoff" yaml:"screenshot_backoff"`
	MaxTurns            int           `mapstructure:"max_turns" yaml:"max_turns"`
	MaxFrameDepth       int           `mapstructure:"max_frame_depth" yaml:"max_frame_depth"`
	RunTimeout          time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`
	PostNavigateSettle  time.Duration `mapstructure:"post_navigate_settle" yaml:"post_navigate_settle"`
	PostLoginFillSettle time.Duration `mapstructure:"post_login_fill_settle" yaml:"post_login_fill_settle"`
}

// ArtifactsConfig controls where review screenshots are stored.
type ArtifactsConfig struct {
	// Store is "file" or "postgres".
	Store       string `mapstructure:"store" yaml:"store"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	DatabaseURL string `mapstructure:"database_url" yaml:"-"`
}

// LoginConfig carries optional credentials for the target application.
type LoginConfig struct {
	Enabled  bool
	Username string
	Password string
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "lookout")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.viewport.width", 1024)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.navigate_timeout", "60s")
	v.SetDefault("browser.debug", false)

	// -- Planner --
	v.SetDefault("planner.provider", "openai")
	v.SetDefault("planner.endpoint", "https://api.openai.com/v1")
	v.SetDefault("planner.model", "computer-use-preview")
	v.SetDefault("planner.timeout", "120s")
	v.SetDefault("planner.requests_per_minute", 60)
	v.SetDefault("planner.rate_limit_max_elapsed", "2m")

	// -- Review --
	v.SetDefault("review.backend", "openai")
	v.SetDefault("review.provider", "openai")
	v.SetDefault("review.endpoint", "https://api.openai.com/v1")
	v.SetDefault("review.model", "gpt-4o")
	v.SetDefault("review.timeout", "120s")
	v.SetDefault("review.requests_per_minute", 60)
	v.SetDefault("review.rate_limit_max_elapsed", "2m")
	v.SetDefault("review.persist_continuation", true)
	v.SetDefault("review.await_first_checkpoint", true)
	v.SetDefault("review.shutdown_wait", "2m")

	// -- Runner --
	v.SetDefault("runner.settle_interval", "1s")
	v.SetDefault("runner.screenshot_attempts", 3)
	v.SetDefault("runner.screenshot_backoff", "2s")
	v.SetDefault("runner.max_turns", 200)
	v.SetDefault("runner.max_frame_depth", 2)
	v.SetDefault("runner.run_timeout", "30m")
	v.SetDefault("runner.post_navigate_settle", "2s")
	v.SetDefault("runner.post_login_fill_settle", "2s")

	// -- Artifacts --
	v.SetDefault("artifacts.store", "file")
	v.SetDefault("artifacts.dir", "./test_results")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("planner.api_key", "LOOKOUT_PLANNER_API_KEY")
	_ = v.BindEnv("review.api_key", "LOOKOUT_REVIEW_API_KEY")
	_ = v.BindEnv("artifacts.database_url", "LOOKOUT_ARTIFACTS_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Gemini reads its key from the standard variable when none was configured.
	if cfg.ReviewCfg.Backend == "gemini" && cfg.ReviewCfg.APIKey == "" {
		cfg.ReviewCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// Secrets are not required here; `plan validate` runs without them.
func (c *Config) Validate() error {
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport width and height must be positive integers")
	}
	if err := c.PlannerCfg.Validate(); err != nil {
		return fmt.Errorf("planner configuration invalid: %w", err)
	}
	if err := c.ReviewCfg.Validate(); err != nil {
		return fmt.Errorf("review configuration invalid: %w", err)
	}
	if err := c.RunnerCfg.Validate(); err != nil {
		return fmt.Errorf("runner configuration invalid: %w", err)
	}
	if err := c.ArtifactsCfg.Validate(); err != nil {
		return fmt.Errorf("artifacts configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the provider selection and endpoint.
func (p *ProviderConfig) Validate() error {
	switch strings.ToLower(p.Provider) {
	case "openai":
	case "azure":
		if p.APIVersion == "" {
			return fmt.Errorf("api_version is required for the azure provider")
		}
	default:
		return fmt.Errorf("unsupported provider %q (expected openai or azure)", p.Provider)
	}
	if _, err := url.ParseRequestURI(p.Endpoint); err != nil {
		return fmt.Errorf("endpoint %q is not a valid URL: %w", p.Endpoint, err)
	}
	if p.Model == "" {
		return fmt.Errorf("model is required")
	}
	if p.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	return nil
}

// Validate checks the review backend selection.
func (r *ReviewConfig) Validate() error {
	switch r.Backend {
	case "openai":
		return r.ProviderConfig.Validate()
	case "gemini":
		if r.Model == "" {
			return fmt.Errorf("model is required")
		}
		return nil
	default:
		return fmt.Errorf("unsupported review backend %q (expected openai or gemini)", r.Backend)
	}
}

// Validate checks the loop bounds.
func (r *RunnerConfig) Validate() error {
	if r.ScreenshotAttempts <= 0 {
		return fmt.Errorf("screenshot_attempts must be greater than 0")
	}
	if r.MaxTurns <= 0 {
		return fmt.Errorf("max_turns must be greater than 0")
	}
	if r.MaxFrameDepth <= 0 {
		return fmt.Errorf("max_frame_depth must be greater than 0")
	}
	if r.SettleInterval < 0 || r.ScreenshotBackoff < 0 {
		return fmt.Errorf("settle_interval and screenshot_backoff must not be negative")
	}
	return nil
}

// Validate checks the artifact store selection.
func (a *ArtifactsConfig) Validate() error {
	switch a.Store {
	case "file":
		if a.Dir == "" {
			return fmt.Errorf("dir is required for the file store")
		}
	case "postgres":
		// The URL is usually injected through LOOKOUT_ARTIFACTS_DATABASE_URL at run time.
	default:
		return fmt.Errorf("unsupported artifact store %q (expected file or postgres)", a.Store)
	}
	return nil
}
