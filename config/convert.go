package config

import (
	"fmt"

	"github.com/kadirpekel/agentrun/agent"
	"github.com/kadirpekel/agentrun/cost"
	"github.com/kadirpekel/agentrun/pruning"
	"github.com/kadirpekel/agentrun/ratelimit"
	"github.com/kadirpekel/agentrun/runtime"
	"github.com/kadirpekel/agentrun/tool"
)

// ToRuntimeConfig translates the YAML-shaped Config into a
// runtime.Config ready to pass to runtime.New. It does not wire
// providers or a Summarizer — those require live clients constructed
// by the caller (see cmd/agentrun/main.go).
func (c *Config) ToRuntimeConfig() runtime.Config {
	return runtime.Config{
		MaxSteps:            c.MaxSteps,
		MaxConcurrentAgents: c.MaxConcurrentAgents,
		MaxAgentDepth:       c.MaxAgentDepth,
		CostLimits: cost.Limits{
			MaxCostPerRun:   c.CostLimits.MaxCostPerRun,
			MaxCostPerDay:   c.CostLimits.MaxCostPerDay,
			WarningFraction: c.CostLimits.WarningFraction,
		},
		Pricing:         c.Pricing.toPricingTable(),
		RateLimit:       c.RateLimit.toRatelimitConfig(),
		Pruning:         c.Pruning.toPruningConfig(),
		Policy:          c.Policy.toToolPolicy(),
		Project:          c.Project.toProjectContext(),
		DefaultProvider:  c.DefaultProvider,
		MetricsNamespace: c.MetricsNamespace,
	}
}

func (p PricingConfig) toPricingTable() cost.PricingTable {
	rates := make(map[string]cost.Rate, len(p.Rates))
	for model, r := range p.Rates {
		rates[model] = cost.Rate{PromptCostPer1K: r.PromptCostPer1K, CompletionCostPer1K: r.CompletionCostPer1K}
	}
	return cost.PricingTable{
		Default: cost.Rate{PromptCostPer1K: p.Default.PromptCostPer1K, CompletionCostPer1K: p.Default.CompletionCostPer1K},
		Rates:   rates,
	}
}

func (r RateLimitConfig) toRatelimitConfig() ratelimit.Config {
	if !r.Enabled {
		return ratelimit.Config{}
	}
	return ratelimit.Config{
		RequestsPerMinute:  r.RequestsPerMinute,
		RequestsPerHour:    r.RequestsPerHour,
		TokensPerMinute:    r.TokensPerMinute,
		TokensPerHour:      r.TokensPerHour,
		ConcurrentRequests: r.ConcurrentRequests,
	}
}

func (p PruningConfig) toPruningConfig() pruning.Config {
	return pruning.Config{
		MaxTokens:              p.MaxTokens,
		TargetTokens:           p.TargetTokens,
		PreserveRecentMessages: p.PreserveRecentMessages,
	}
}

func (p PolicyConfig) toToolPolicy() tool.Policy {
	return tool.Policy{
		MaxFileSystem: tool.FileSystemAccess(p.MaxFileSystem),
		MaxNetwork:    tool.NetworkAccess(p.MaxNetwork),
		AllowShell:    p.AllowShell,
		AllowEnv:      p.AllowEnv,
		AllowedPaths:  p.AllowedPaths,
		DeniedPaths:   p.DeniedPaths,
	}
}

func (p ProjectConfig) toProjectContext() tool.ProjectContext {
	return tool.ProjectContext{
		ProjectRoot: p.ProjectRoot,
		WorkingDir:  p.WorkingDir,
		Env:         p.Env,
	}
}

// ToAgentDefinition translates one AgentConfig into an agent.Definition.
// StepGenerator, ReflectionCheck and schema fields are not YAML-shaped
// concerns and must be set in code by the caller after conversion.
func (a AgentConfig) ToAgentDefinition() (agent.Definition, error) {
	mode, err := toOutputMode(a.OutputMode)
	if err != nil {
		return agent.Definition{}, fmt.Errorf("config: agent %q: %w", a.ID, err)
	}
	return agent.Definition{
		ID:                    a.ID,
		Name:                  a.Name,
		Model:                 a.Model,
		ToolNames:             a.ToolNames,
		SubAgentIDs:           a.SubAgentIDs,
		SystemPrompt:          a.SystemPrompt,
		InstructionPrompt:     a.InstructionPrompt,
		StepPrompt:            a.StepPrompt,
		IncludeMessageHistory: a.IncludeMessageHistory,
		SetOutputEndsRun:      a.SetOutputEndsRun,
		MaxSteps:              a.MaxSteps,
		OutputMode:            mode,
	}, nil
}

func toOutputMode(s string) (agent.OutputMode, error) {
	switch s {
	case "", "last_message":
		return agent.OutputLastMessage, nil
	case "all_messages":
		return agent.OutputAllMessages, nil
	case "structured_output":
		return agent.OutputStructuredOutput, nil
	default:
		return "", fmt.Errorf("unknown output_mode %q", s)
	}
}
