// Package config loads and validates the executor's YAML configuration,
// grounded on original_source's config.py (the same env:NAME
// indirection, the same section layout) and on
// Heikkila-Pty-Ltd-cortex's internal/config package for the Go shape
// (a typed Config struct, a Clone used by the hot-reload manager, a
// validate pass run once at load).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level executor configuration (spec.md §6's
// implicit knobs plus original_source/config.py's full section set).
type Config struct {
	BindHost           string `yaml:"bind_host"`
	BindPort           int    `yaml:"bind_port"`
	AuthToken          string `yaml:"auth_token"`
	DatabaseURL        string `yaml:"database_url"`
	PlansRoot          string `yaml:"plans_root"`
	ArtifactsRoot      string `yaml:"artifacts_root"`
	CatalogPath        string `yaml:"catalog_path"`
	LogLevel           string `yaml:"log_level"`
	LockFile           string `yaml:"lock_file"`
	MaxConcurrentRuns  int    `yaml:"max_concurrent_runs"`
	DefaultTimeoutMS   int    `yaml:"default_timeout_ms"`
	RunTimeoutMS       int    `yaml:"run_timeout_ms"`
	RunClaimTTLSeconds int    `yaml:"run_claim_ttl_seconds"`

	Retry       RetryConfig       `yaml:"retry"`
	Policy      PolicyConfig      `yaml:"policy"`
	LLM         LLMConfig         `yaml:"llm"`
	PII         PIIConfig         `yaml:"pii"`
	AgentEmail  AgentEmailConfig  `yaml:"agent_email"`
	Browser     BrowserConfig     `yaml:"browser"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Retention   RetentionConfig   `yaml:"retention"`
}

// RetryConfig is the Retry Controller's default policy (spec.md §4.3).
type RetryConfig struct {
	Attempts   int     `yaml:"attempts"`
	MinDelayMS int     `yaml:"min_delay_ms"`
	MaxDelayMS int     `yaml:"max_delay_ms"`
	Jitter     float64 `yaml:"jitter"`
}

// PolicyConfig governs approval/side-effect policy decisions the task
// dispatcher and runner consult.
type PolicyConfig struct {
	RequireIdempotencyKey      bool    `yaml:"require_idempotency_key"`
	FailClosedOnMissingPolicy bool    `yaml:"fail_closed_on_missing_policy"`
	SideEffectsRequireApproval bool    `yaml:"side_effects_require_approval"`
	ConfidenceThreshold        float64 `yaml:"confidence_threshold"`
	RequireApprovalFirstBroker bool    `yaml:"require_approval_first_broker"`
}

// LLMConfig configures the llm.json task type's backing provider.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// PIIConfig configures profile encryption and the subset of retention
// knobs expressed alongside it in the original config (the authoritative
// retention block used by the sweeper is RetentionConfig below). The
// ArtifactRetention* fields are not read from the config file
// (yaml:"-"); applyDefaults fills them, and they serve as the defaults
// for RetentionConfig's windows.
type PIIConfig struct {
	EncryptionKey                  string `yaml:"encryption_key"`
	LogRedaction                   bool   `yaml:"log_redaction"`
	ArtifactRetentionHTMLDays        int  `yaml:"-"`
	ArtifactRetentionScreenshotDays  int  `yaml:"-"`
	ArtifactRetentionConfirmationDays int `yaml:"-"`
}

// AgentEmailConfig is the mailbox email.send/email.check/
// email.click_verify operate against.
type AgentEmailConfig struct {
	Address               string   `yaml:"address"`
	IMAPHost              string   `yaml:"imap_host"`
	IMAPPort              int      `yaml:"imap_port"`
	SMTPHost              string   `yaml:"smtp_host"`
	SMTPPort              int      `yaml:"smtp_port"`
	Password              string   `yaml:"password"`
	AlternativeAddresses  []string `yaml:"alternative_addresses"`
}

// BrowserConfig configures the scrape.rendered/form.submit headless
// browser collaborator, including the process-local rate limiter's
// per-broker budget (spec.md §5).
type BrowserConfig struct {
	Headless                  bool   `yaml:"headless"`
	Stealth                   bool   `yaml:"stealth"`
	DefaultTimeoutMS          int    `yaml:"default_timeout_ms"`
	MinDelayMS                int    `yaml:"min_delay_ms"`
	MaxDelayMS                int    `yaml:"max_delay_ms"`
	ProxyURL                  string `yaml:"proxy_url"`
	ProxyUsername             string `yaml:"proxy_username"`
	ProxyPassword             string `yaml:"proxy_password"`
	CheckRobotsTxt            bool   `yaml:"check_robots_txt"`
	RateLimitPerBrokerPerHour int    `yaml:"rate_limit_per_broker_per_hour"`
}

// SchedulerConfig controls the C6 tick loop.
type SchedulerConfig struct {
	Enabled             bool `yaml:"enabled"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
}

// DeadLetterConfig controls the C7 consecutive-failure threshold.
type DeadLetterConfig struct {
	MaxFailures int `yaml:"max_failures"`
}

// RetentionConfig controls the C8 sweeper's cadence and per-kind windows.
// A negative *Days value means "keep indefinitely" (spec.md §4.7).
type RetentionConfig struct {
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	HTMLDays             int `yaml:"html_days"`
	ScreenshotDays       int `yaml:"screenshot_days"`
	ConfirmationDays     int `yaml:"confirmation_days"`
}

// Clone returns a deep copy so a reader holding a Get() snapshot is
// insulated from a concurrent Reload (Heikkila-Pty-Ltd-cortex's
// RWMutexManager.Get/Set pattern).
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.AgentEmail.AlternativeAddresses = cloneStrings(cfg.AgentEmail.AlternativeAddresses)
	return &out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// resolveEnv implements original_source/config.py's _resolve_env: a
// "env:NAME" value is replaced with the named environment variable,
// rejected if unset or blank.
func resolveEnv(value string) (string, error) {
	key, ok := strings.CutPrefix(value, "env:")
	if !ok {
		return value, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("invalid env ref: empty key")
	}
	resolved, set := os.LookupEnv(key)
	if !set || strings.TrimSpace(resolved) == "" {
		return "", fmt.Errorf("environment variable %q referenced in config is missing/empty", key)
	}
	return strings.TrimSpace(resolved), nil
}

// resolveOptionalEnv mirrors _optional_str: an "env:NAME" ref that is
// unset resolves to "" rather than erroring (used for secrets that may
// legitimately be absent in dev, e.g. proxy credentials).
func resolveOptionalEnv(value string) string {
	key, ok := strings.CutPrefix(value, "env:")
	if !ok {
		return value
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	resolved, set := os.LookupEnv(key)
	if !set {
		return ""
	}
	return strings.TrimSpace(resolved)
}

// Load reads and validates the YAML configuration at path, resolving
// every "env:NAME" indirection (spec.md §6's "reject unset env: refs at
// startup" design note).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	// Booleans that default to true are preset before decoding, since a
	// false after decoding cannot tell "absent" from "set to false".
	cfg := Config{
		PII:       PIIConfig{LogRedaction: true},
		Browser:   BrowserConfig{Headless: true},
		Scheduler: SchedulerConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := resolveEnvRefs(&cfg); err != nil {
		return nil, fmt.Errorf("resolving config env refs: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads and re-validates the configuration file. Named
// distinctly from Load to reflect the runtime-refresh call site.
func Reload(path string) (*Config, error) {
	return Load(path)
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager for hot-reload.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func resolveEnvRefs(cfg *Config) error {
	var err error
	resolve := func(field *string) {
		if err != nil || *field == "" {
			return
		}
		*field, err = resolveEnv(*field)
	}

	resolve(&cfg.AuthToken)
	resolve(&cfg.DatabaseURL)
	resolve(&cfg.PlansRoot)
	resolve(&cfg.ArtifactsRoot)
	resolve(&cfg.BindHost)
	if err != nil {
		return err
	}

	cfg.LLM.Endpoint = resolveOptionalEnv(cfg.LLM.Endpoint)
	cfg.LLM.APIKey = resolveOptionalEnv(cfg.LLM.APIKey)
	cfg.LLM.Model = resolveOptionalEnv(cfg.LLM.Model)

	cfg.PII.EncryptionKey = resolveOptionalEnv(cfg.PII.EncryptionKey)

	cfg.AgentEmail.Address = resolveOptionalEnv(cfg.AgentEmail.Address)
	cfg.AgentEmail.IMAPHost = resolveOptionalEnv(cfg.AgentEmail.IMAPHost)
	cfg.AgentEmail.SMTPHost = resolveOptionalEnv(cfg.AgentEmail.SMTPHost)
	cfg.AgentEmail.Password = resolveOptionalEnv(cfg.AgentEmail.Password)
	for i, addr := range cfg.AgentEmail.AlternativeAddresses {
		cfg.AgentEmail.AlternativeAddresses[i] = resolveOptionalEnv(addr)
	}

	cfg.Browser.ProxyURL = resolveOptionalEnv(cfg.Browser.ProxyURL)
	cfg.Browser.ProxyUsername = resolveOptionalEnv(cfg.Browser.ProxyUsername)
	cfg.Browser.ProxyPassword = resolveOptionalEnv(cfg.Browser.ProxyPassword)

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 3
	}
	if cfg.DefaultTimeoutMS <= 0 {
		cfg.DefaultTimeoutMS = 120_000
	}
	if cfg.RunTimeoutMS <= 0 {
		cfg.RunTimeoutMS = 3_600_000
	}
	if cfg.RunClaimTTLSeconds <= 0 {
		cfg.RunClaimTTLSeconds = 600
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = 3
	}
	if cfg.Retry.MinDelayMS <= 0 {
		cfg.Retry.MinDelayMS = 500
	}
	if cfg.Retry.MaxDelayMS <= 0 {
		cfg.Retry.MaxDelayMS = 60_000
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = 0.15
	}

	if cfg.Policy.ConfidenceThreshold == 0 {
		cfg.Policy.ConfidenceThreshold = 0.8
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "mock"
	}

	if cfg.PII.ArtifactRetentionHTMLDays == 0 {
		cfg.PII.ArtifactRetentionHTMLDays = 7
	}
	if cfg.PII.ArtifactRetentionScreenshotDays == 0 {
		cfg.PII.ArtifactRetentionScreenshotDays = 30
	}
	if cfg.PII.ArtifactRetentionConfirmationDays == 0 {
		cfg.PII.ArtifactRetentionConfirmationDays = -1
	}

	if cfg.AgentEmail.IMAPPort == 0 {
		cfg.AgentEmail.IMAPPort = 993
	}
	if cfg.AgentEmail.SMTPPort == 0 {
		cfg.AgentEmail.SMTPPort = 587
	}

	if cfg.Browser.DefaultTimeoutMS <= 0 {
		cfg.Browser.DefaultTimeoutMS = 15_000
	}
	if cfg.Browser.MinDelayMS <= 0 {
		cfg.Browser.MinDelayMS = 1_000
	}
	if cfg.Browser.MaxDelayMS <= 0 {
		cfg.Browser.MaxDelayMS = 3_000
	}
	if cfg.Browser.RateLimitPerBrokerPerHour <= 0 {
		cfg.Browser.RateLimitPerBrokerPerHour = 30
	}

	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 300
	}

	if cfg.DeadLetter.MaxFailures <= 0 {
		cfg.DeadLetter.MaxFailures = 3
	}

	if cfg.Retention.PollIntervalSeconds <= 0 {
		cfg.Retention.PollIntervalSeconds = 86_400
	}
	if cfg.Retention.HTMLDays == 0 {
		cfg.Retention.HTMLDays = cfg.PII.ArtifactRetentionHTMLDays
	}
	if cfg.Retention.ScreenshotDays == 0 {
		cfg.Retention.ScreenshotDays = cfg.PII.ArtifactRetentionScreenshotDays
	}
	if cfg.Retention.ConfirmationDays == 0 {
		cfg.Retention.ConfirmationDays = cfg.PII.ArtifactRetentionConfirmationDays
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.BindHost) == "" {
		return fmt.Errorf("bind_host is required")
	}
	if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
		return fmt.Errorf("bind_port must be in (0, 65535]")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return fmt.Errorf("auth_token is required")
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("database_url is required")
	}
	if strings.TrimSpace(cfg.PlansRoot) == "" {
		return fmt.Errorf("plans_root is required")
	}
	if strings.TrimSpace(cfg.ArtifactsRoot) == "" {
		return fmt.Errorf("artifacts_root is required")
	}
	if cfg.RunTimeoutMS < 1000 {
		return fmt.Errorf("run_timeout_ms must be >= 1000")
	}
	if cfg.RunClaimTTLSeconds < 30 {
		return fmt.Errorf("run_claim_ttl_seconds must be >= 30")
	}

	switch cfg.LLM.Provider {
	case "mock", "openai_compatible":
	default:
		return fmt.Errorf("llm.provider must be 'mock' or 'openai_compatible'")
	}
	if cfg.LLM.Provider == "openai_compatible" {
		if cfg.LLM.Endpoint == "" || cfg.LLM.APIKey == "" || cfg.LLM.Model == "" {
			return fmt.Errorf("llm.provider=openai_compatible requires endpoint, api_key, and model")
		}
	}

	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory, the
// way every project/plans-root path in this config may be written.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + strings.TrimPrefix(path, "~")
}

// parsePositiveInt is a small helper mirroring _coerce_int's tolerance
// for numeric strings arriving via an env: indirection.
func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return n, nil
}
