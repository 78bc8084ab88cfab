// Package config loads the runtime's static wiring (rate-limit
// buckets, cost limits, pruning thresholds, tool policy, provider and
// agent definitions) from YAML, following the teacher's
// pkg/config/koanf_loader.go loader shape. It is a thin layer that
// fills the structs the core packages already accept; it never reaches
// into the step loop itself.
package config

// Config is the root document a YAML config file unmarshals into.
type Config struct {
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
	Agents          []AgentConfig    `yaml:"agents"`

	MaxSteps            int `yaml:"max_steps"`
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`
	MaxAgentDepth       int `yaml:"max_agent_depth"`

	CostLimits CostLimitsConfig `yaml:"cost_limits"`
	Pricing    PricingConfig    `yaml:"pricing"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Pruning    PruningConfig    `yaml:"pruning"`
	Policy     PolicyConfig     `yaml:"policy"`
	Project    ProjectConfig    `yaml:"project"`

	LogLevel string `yaml:"log_level"`

	// MetricsNamespace, when set, enables Prometheus metrics collection
	// under this namespace (see runtime.Config.MetricsNamespace).
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// ProviderConfig names one LLM provider to wire and its credentials.
// Type selects the adapter ("anthropic", "openai", "gemini", "ollama");
// APIKey/BaseURL are interpreted per adapter.
type ProviderConfig struct {
	Type    string `yaml:"type"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Fallback marks this provider as the registry's fallback (spec
	// §4.6 routing: used for any model not claimed by name).
	Fallback bool `yaml:"fallback"`
}

// AgentConfig is the YAML shape of one agent.Definition (spec §3).
type AgentConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Model       string   `yaml:"model"`
	ToolNames   []string `yaml:"tools"`
	SubAgentIDs []string `yaml:"sub_agents"`

	SystemPrompt      string `yaml:"system_prompt"`
	InstructionPrompt string `yaml:"instruction_prompt"`
	StepPrompt        string `yaml:"step_prompt"`

	IncludeMessageHistory bool `yaml:"include_message_history"`
	SetOutputEndsRun      bool `yaml:"set_output_ends_run"`

	MaxSteps   int    `yaml:"max_steps"`
	OutputMode string `yaml:"output_mode"`
}

// CostLimitsConfig mirrors cost.Limits.
type CostLimitsConfig struct {
	MaxCostPerRun   float64 `yaml:"max_cost_per_run"`
	MaxCostPerDay   float64 `yaml:"max_cost_per_day"`
	WarningFraction float64 `yaml:"warning_fraction"`
}

// PricingConfig mirrors cost.PricingTable in YAML form: a flat list
// keyed by model name plus a default rate.
type PricingConfig struct {
	Default RateConfig            `yaml:"default"`
	Rates   map[string]RateConfig `yaml:"rates"`
}

// RateConfig mirrors cost.Rate.
type RateConfig struct {
	PromptCostPer1K     float64 `yaml:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `yaml:"completion_cost_per_1k"`
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	Enabled            bool `yaml:"enabled"`
	RequestsPerMinute  int  `yaml:"requests_per_minute"`
	RequestsPerHour    int  `yaml:"requests_per_hour"`
	TokensPerMinute    int  `yaml:"tokens_per_minute"`
	TokensPerHour      int  `yaml:"tokens_per_hour"`
	ConcurrentRequests int  `yaml:"concurrent_requests"`
}

// PruningConfig mirrors pruning.Config (minus the Summarizer, which is
// wired in code since it depends on a live llm.Registry).
type PruningConfig struct {
	MaxTokens              int    `yaml:"max_tokens"`
	TargetTokens           int    `yaml:"target_tokens"`
	PreserveRecentMessages int    `yaml:"preserve_recent_messages"`
	SummaryModel           string `yaml:"summary_model"`
}

// PolicyConfig mirrors tool.Policy.
type PolicyConfig struct {
	MaxFileSystem string   `yaml:"max_file_system"`
	MaxNetwork    string   `yaml:"max_network"`
	AllowShell    bool     `yaml:"allow_shell"`
	AllowEnv      bool     `yaml:"allow_env"`
	AllowedPaths  []string `yaml:"allowed_paths"`
	DeniedPaths   []string `yaml:"denied_paths"`
}

// ProjectConfig mirrors tool.ProjectContext.
type ProjectConfig struct {
	ProjectRoot string            `yaml:"project_root"`
	WorkingDir  string            `yaml:"working_dir"`
	Env         map[string]string `yaml:"env"`
}
