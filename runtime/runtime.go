package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/agentrun/agent"
	"github.com/kadirpekel/agentrun/cost"
	"github.com/kadirpekel/agentrun/internal/metrics"
	"github.com/kadirpekel/agentrun/llm"
	"github.com/kadirpekel/agentrun/message"
	"github.com/kadirpekel/agentrun/pruning"
	"github.com/kadirpekel/agentrun/ratelimit"
	"github.com/kadirpekel/agentrun/tool"
	"github.com/kadirpekel/agentrun/tracer"
)

// Config is the runtime-scoped configuration surface of spec §6.
type Config struct {
	MaxSteps            int
	MaxConcurrentAgents int
	MaxAgentDepth       int

	CostLimits Limits
	Pricing    cost.PricingTable

	RateLimit ratelimit.Config

	Pruning pruning.Config

	Policy  tool.Policy
	Project tool.ProjectContext

	DefaultProvider string

	OTelTracer trace.Tracer

	// MetricsNamespace, when non-empty, enables Prometheus metrics
	// collection for the cost tracker, rate limiter and tool executor
	// under this namespace. Empty disables metrics entirely.
	MetricsNamespace string
}

// Limits re-exports cost.Limits so callers populating Config do not
// need to import the cost package for a single type.
type Limits = cost.Limits

// Runtime is the process-wide facade of spec §6: "the runtime
// receives an agent definition and prompt." Providers, tools and
// agents are registered once at start-up (spec §5 "process-wide
// read-mostly maps") and Run is called per invocation.
type Runtime struct {
	providers *llm.Registry
	tools     *tool.Registry
	executor  *tool.Executor
	agents    map[string]agent.Definition

	cfg Config

	maxConcurrentAgents int
	maxAgentDepth       int

	project tool.ProjectContext
	logger  *slog.Logger

	// sharedLimiter, when non-nil (Config.RateLimit is non-zero), is used
	// for every run; when nil, runs are not rate limited. This enforces a single
	// process-wide budget across concurrent runs (spec §5 "if shared,
	// they must be safe for concurrent use" — ratelimit.Limiter is).
	sharedLimiter *ratelimit.Limiter

	// sharedCostTracker, when non-nil, is used for every run so the
	// daily rolling total in spec §4.8 is enforced process-wide rather
	// than reset per run.
	sharedCostTracker *cost.Tracker

	metrics *metrics.Metrics
}

// Metrics returns the Runtime's Prometheus metrics sink, or nil if
// Config.MetricsNamespace was empty.
func (rt *Runtime) Metrics() *metrics.Metrics {
	return rt.metrics
}

// New builds a Runtime from cfg. Providers, tools and agents are
// registered via RegisterProvider/SetFallbackProvider/RegisterTool/
// RegisterAgent before the first Run call.
func New(cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 3
	}
	if cfg.MaxAgentDepth <= 0 {
		cfg.MaxAgentDepth = 3
	}

	rt := &Runtime{
		providers:           llm.NewRegistry(cfg.DefaultProvider),
		tools:               tool.NewRegistry(),
		agents:              map[string]agent.Definition{},
		cfg:                 cfg,
		maxConcurrentAgents: cfg.MaxConcurrentAgents,
		maxAgentDepth:       cfg.MaxAgentDepth,
		project:             cfg.Project,
		logger:              logger,
	}
	rt.executor = tool.NewExecutor(rt.tools, cfg.Policy, logger)
	rt.registerCoreTools()

	if cfg.RateLimit != (ratelimit.Config{}) {
		rt.sharedLimiter = ratelimit.New(cfg.RateLimit)
	}

	if cfg.MetricsNamespace != "" {
		rt.metrics = metrics.New(cfg.MetricsNamespace)
		if rt.sharedCostTracker != nil {
			rt.sharedCostTracker.SetMetrics(rt.metrics)
		}
		rt.executor.SetMetrics(rt.metrics)
		if rt.sharedLimiter != nil {
			rt.sharedLimiter.SetMetrics(rt.metrics)
		}
	}

	return rt
}

// RegisterProvider registers a named LLM provider.
func (rt *Runtime) RegisterProvider(p llm.Provider) {
	rt.providers.Register(p)
}

// SetFallbackProvider installs the fallback provider used for any
// model not claimed by a named provider.
func (rt *Runtime) SetFallbackProvider(p llm.Provider) {
	rt.providers.SetFallback(p)
}

// RegisterTool registers a tool definition.
func (rt *Runtime) RegisterTool(def tool.Definition) {
	rt.tools.Register(def)
}

// RegisterAgent registers an agent definition under its ID, making it
// spawnable via spawn_agents and runnable via Run.
func (rt *Runtime) RegisterAgent(def agent.Definition) {
	rt.agents[def.ID] = def
}

func (rt *Runtime) toolMetadataFor(names []string) map[string]agent.ToolMetadata {
	meta := make(map[string]agent.ToolMetadata, len(names))
	for _, name := range names {
		if d, ok := rt.tools.Get(name); ok {
			meta[name] = agent.ToolMetadata{Description: d.Description, Schema: d.InputSchema}
		}
	}
	return meta
}

func seedUserPrompt(prompt string) message.Message {
	return message.UserText(prompt).WithTags(message.TagUserPrompt).WithTimeToLive(message.TTLUserPrompt)
}

// Run executes def against prompt to completion (spec §6
// "run(agent_definition, prompt, params?, cancel)"). Cancellation comes
// through ctx, which is threaded through every suspension point; use
// context.WithCancel and call the cancel func, or pass a context with
// a deadline.
func (rt *Runtime) Run(ctx context.Context, def agent.Definition, prompt string, params map[string]any, sink Sink) (agent.State, Result, float64) {
	if sink == nil {
		sink = NullSink
	}

	runID := uuid.NewString()
	steps := def.MaxSteps
	if steps <= 0 {
		steps = rt.cfg.MaxSteps
	}
	if steps <= 0 {
		steps = 20
	}

	toolMeta := rt.toolMetadataFor(def.ToolNames)
	state := agent.New(runID, def.ID, steps, def.SystemPrompt, toolMeta, time.Now())

	if def.InstructionPrompt != "" {
		instr := message.UserText(def.InstructionPrompt).
			WithTags(message.TagInstructionPrompt).
			WithTimeToLive(message.TTLForever).
			WithKeepDuringTruncation(true)
		state = state.AppendMessage(instr)
	}
	if prompt != "" {
		state = state.AppendMessage(seedUserPrompt(prompt))
	}
	for k, v := range params {
		state = state.WithContextValue(k, v)
	}

	return rt.runInternal(ctx, def, state, sink)
}

// runInternal is shared by Run (root runs) and the spawner (child
// runs): it wires a fresh tracer, a per-run cost tracker (or the shared
// one if set) and the shared rate limiter (none when Config.RateLimit
// is zero), and drives the loop.
func (rt *Runtime) runInternal(ctx context.Context, def agent.Definition, state agent.State, sink Sink) (agent.State, Result, float64) {
	tr := tracer.New(def.ID, rt.cfg.OTelTracer)

	limiter := rt.sharedLimiter
	costTracker := rt.sharedCostTracker
	if costTracker == nil {
		costTracker = cost.New(rt.cfg.Pricing, rt.cfg.CostLimits)
		costTracker.SetMetrics(rt.metrics)
	}

	l := &loop{
		rt:      rt,
		def:     def,
		sink:    sink,
		tracer:  tr,
		costs:   costTracker,
		limiter: limiter,
		logger:  rt.logger.With("agent_id", def.ID, "run_id", state.RunID),
	}

	rootSpan := tr.StartSpan(fmt.Sprintf("run:%s", def.ID), tracer.SpanAgent, map[string]any{"run_id": state.RunID})
	finalState, result, totalCost := l.run(ctx, state)
	status := tracer.StatusOK
	if result.Type == ResultError {
		status = tracer.StatusError
	}
	tr.EndSpan(rootSpan, status, result.Error)

	return finalState, result, totalCost
}
