// Command agentrun is a thin CLI entry point over the runtime: load a
// config file, wire providers and agents, run one agent to completion
// against a prompt. The CLI itself is out of scope for this spec; it
// exists only to exercise the wiring somewhere other than tests.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/agentrun/config"
	"github.com/kadirpekel/agentrun/internal/logging"
	"github.com/kadirpekel/agentrun/providers/anthropic"
	"github.com/kadirpekel/agentrun/providers/gemini"
	"github.com/kadirpekel/agentrun/providers/ollama"
	"github.com/kadirpekel/agentrun/providers/openai"
	"github.com/kadirpekel/agentrun/runtime"
)

// CLI defines the command-line interface.
type CLI struct {
	Run RunCmd `cmd:"" help:"Run an agent to completion against a prompt."`
}

// RunCmd loads a config file and runs one agent against a prompt.
type RunCmd struct {
	Config      string `short:"c" required:"" help:"Path to config file." type:"path"`
	Agent       string `short:"a" required:"" help:"Agent ID to run."`
	Prompt      string `arg:"" help:"Prompt to send the agent."`
	MetricsAddr string `help:"If set, serve Prometheus metrics on this address (e.g. :9090) while the run executes."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfig(c.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.LogLevel), os.Stderr)
	rt := runtime.New(cfg.ToRuntimeConfig(), logger)

	if err := wireProviders(rt, cfg); err != nil {
		return err
	}

	if c.MetricsAddr != "" && rt.Metrics() != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.Metrics().Handler())
		srv := &http.Server{Addr: c.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	var target *config.AgentConfig
	for i := range cfg.Agents {
		if cfg.Agents[i].ID == c.Agent {
			target = &cfg.Agents[i]
		}
		def, err := cfg.Agents[i].ToAgentDefinition()
		if err != nil {
			return fmt.Errorf("agent %q: %w", cfg.Agents[i].ID, err)
		}
		rt.RegisterAgent(def)
	}
	if target == nil {
		return fmt.Errorf("agent %q not found in config", c.Agent)
	}

	targetDef, err := target.ToAgentDefinition()
	if err != nil {
		return err
	}

	finalState, result, totalCost := rt.Run(context.Background(), targetDef, c.Prompt, nil, nil)

	switch result.Type {
	case runtime.ResultSuccess:
		fmt.Println(result.Message)
	default:
		fmt.Fprintf(os.Stderr, "run ended with %s: %s\n", result.Type, result.Error)
	}
	fmt.Fprintf(os.Stderr, "steps remaining: %d, cost: $%.4f\n", finalState.StepsRemaining, totalCost)

	return nil
}

func wireProviders(rt *runtime.Runtime, cfg *config.Config) error {
	for _, p := range cfg.Providers {
		switch p.Type {
		case "anthropic":
			provider := anthropic.New(anthropic.Config{APIKey: p.APIKey, BaseURL: p.BaseURL})
			rt.RegisterProvider(provider)
			if p.Fallback {
				rt.SetFallbackProvider(provider)
			}
		case "openai":
			provider := openai.New(openai.Config{APIKey: p.APIKey, BaseURL: p.BaseURL})
			rt.RegisterProvider(provider)
			if p.Fallback {
				rt.SetFallbackProvider(provider)
			}
		case "gemini":
			provider, err := gemini.New(context.Background(), gemini.Config{APIKey: p.APIKey})
			if err != nil {
				return fmt.Errorf("wire gemini provider: %w", err)
			}
			rt.RegisterProvider(provider)
			if p.Fallback {
				rt.SetFallbackProvider(provider)
			}
		case "ollama":
			provider := ollama.New(ollama.Config{BaseURL: p.BaseURL})
			rt.RegisterProvider(provider)
			if p.Fallback {
				rt.SetFallbackProvider(provider)
			}
		default:
			return fmt.Errorf("unknown provider type %q", p.Type)
		}
	}
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("agentrun"),
		kong.Description("agentrun - autonomous coding agent runtime"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
