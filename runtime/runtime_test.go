package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrun/agent"
	"github.com/kadirpekel/agentrun/cost"
	"github.com/kadirpekel/agentrun/llm"
	"github.com/kadirpekel/agentrun/pruning"
	"github.com/kadirpekel/agentrun/ratelimit"
)

// scriptedProvider replays a fixed sequence of chunk batches, one batch
// per Stream call, so a test can drive the step loop through several
// turns deterministically.
type scriptedProvider struct {
	name    string
	batches [][]llm.StreamChunk
	calls   int

	// seenMessageCounts records len(req.Messages) for every Stream call,
	// in order, so a test can assert on what the loop actually sent.
	seenMessageCounts []int
}

func (p *scriptedProvider) Name() string          { return p.name }
func (p *scriptedProvider) Claims(model string) bool { return true }
func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	return llm.Response{}, nil
}
func (p *scriptedProvider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	p.seenMessageCounts = append(p.seenMessageCounts, len(req.Messages))

	idx := p.calls
	if idx >= len(p.batches) {
		idx = len(p.batches) - 1
	}
	p.calls++
	ch := make(chan llm.StreamChunk, len(p.batches[idx]))
	for _, c := range p.batches[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func endTurnBatch(message string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Kind: llm.ChunkText, Content: "wrapping up"},
		{Kind: llm.ChunkToolCallStart, ToolCallID: "call-1", ToolName: ToolEndTurn},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "call-1", ToolCall: llm.ToolCall{
			ToolCallID: "call-1", ToolName: ToolEndTurn, Input: map[string]any{"message": message},
		}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}
}

func plainTextBatch(text string) []llm.StreamChunk {
	return []llm.StreamChunk{
		{Kind: llm.ChunkText, Content: text},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishStop},
	}
}

func newTestRuntime(t *testing.T, provider llm.Provider) *Runtime {
	t.Helper()
	rt := New(Config{DefaultProvider: "fake", MaxSteps: 5}, nil)
	rt.RegisterProvider(provider)
	return rt
}

func TestRuntime_RunEndsOnEndTurnTool(t *testing.T) {
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{endTurnBatch("done")}}
	rt := newTestRuntime(t, p)

	def := agent.Definition{ID: "greeter", Model: "fake/model-x", ToolNames: []string{ToolEndTurn}}

	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	state, result, cost := rt.Run(context.Background(), def, "hello", nil, sink)

	assert.Equal(t, ResultSuccess, result.Type)
	assert.Equal(t, 0.0, cost)
	assert.NotEmpty(t, state.History.Messages())

	var sawComplete bool
	for _, e := range events {
		if e.Kind == EventRunComplete {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}

func TestRuntime_RunEndsWhenLLMStopsCallingTools(t *testing.T) {
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{plainTextBatch("final answer")}}
	rt := newTestRuntime(t, p)

	def := agent.Definition{ID: "plain", Model: "fake/model-x"}

	_, result, _ := rt.Run(context.Background(), def, "hi", nil, nil)
	require.Equal(t, ResultSuccess, result.Type)
	assert.Equal(t, "final answer", result.Message)
}

func TestRuntime_StepLimitReached(t *testing.T) {
	loopingBatch := []llm.StreamChunk{
		{Kind: llm.ChunkText, Content: "thinking"},
		{Kind: llm.ChunkToolCallStart, ToolCallID: "call-x", ToolName: ToolSetOutput},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "call-x", ToolCall: llm.ToolCall{
			ToolCallID: "call-x", ToolName: ToolSetOutput, Input: map[string]any{"output": "partial"},
		}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{loopingBatch}}
	rt := New(Config{DefaultProvider: "fake"}, nil)
	rt.RegisterProvider(p)

	def := agent.Definition{ID: "looper", Model: "fake/model-x", ToolNames: []string{ToolSetOutput}, MaxSteps: 2}

	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	_, result, _ := rt.Run(context.Background(), def, "go", nil, sink)
	require.Equal(t, ResultSuccess, result.Type)

	var sawLimit bool
	for _, e := range events {
		if e.Kind == EventStepLimitReached {
			sawLimit = true
		}
	}
	assert.True(t, sawLimit, "set_output alone never ends the turn unless SetOutputEndsRun is set")
}

func TestRuntime_SetOutputEndsRunWhenOptedIn(t *testing.T) {
	batch := []llm.StreamChunk{
		{Kind: llm.ChunkToolCallStart, ToolCallID: "call-1", ToolName: ToolSetOutput},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "call-1", ToolCall: llm.ToolCall{
			ToolCallID: "call-1", ToolName: ToolSetOutput, Input: map[string]any{"output": map[string]any{"x": 1}},
		}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{batch}}
	rt := New(Config{DefaultProvider: "fake"}, nil)
	rt.RegisterProvider(p)

	def := agent.Definition{
		ID: "outputter", Model: "fake/model-x", ToolNames: []string{ToolSetOutput},
		SetOutputEndsRun: true, MaxSteps: 5,
	}

	state, result, _ := rt.Run(context.Background(), def, "go", nil, nil)
	require.Equal(t, ResultSuccess, result.Type)
	assert.True(t, state.HasOutput)
}

func TestRuntime_UnresolvableProviderReturnsError(t *testing.T) {
	rt := New(Config{DefaultProvider: "fake"}, nil)
	def := agent.Definition{ID: "noprovider", Model: "missing/model"}

	_, result, _ := rt.Run(context.Background(), def, "go", nil, nil)
	assert.Equal(t, ResultError, result.Type)
	assert.Contains(t, result.Error, "no provider")
}

func TestRuntime_SpawnAgentsRespectsDepthBound(t *testing.T) {
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{endTurnBatch("child done")}}
	rt := New(Config{DefaultProvider: "fake", MaxAgentDepth: 1}, nil)
	rt.RegisterProvider(p)

	child := agent.Definition{ID: "child", Model: "fake/model-x", ToolNames: []string{ToolEndTurn}}
	rt.RegisterAgent(child)

	root := agent.New("run-root", "root", 5, "", nil, time.Now())
	results := rt.spawnAgents(context.Background(), root, []SpawnRequest{{AgentID: "child", Prompt: "go"}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "Max agent depth")
}

func TestRuntime_SpawnAgentsUnknownAgentID(t *testing.T) {
	rt := New(Config{DefaultProvider: "fake"}, nil)
	root := agent.New("run-root", "root", 5, "", nil, time.Now())

	results := rt.spawnAgents(context.Background(), root, []SpawnRequest{{AgentID: "ghost"}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "unknown agent id")
}

func TestRuntime_SpawnAgentsSuccessFoldsCostAndOutput(t *testing.T) {
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{endTurnBatch("child done")}}
	rt := New(Config{DefaultProvider: "fake"}, nil)
	rt.RegisterProvider(p)

	child := agent.Definition{ID: "child", Model: "fake/model-x", ToolNames: []string{ToolEndTurn}}
	rt.RegisterAgent(child)

	root := agent.New("run-root", "root", 5, "", nil, time.Now())
	results := rt.spawnAgents(context.Background(), root, []SpawnRequest{{AgentID: "child", Prompt: "go"}})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NotEmpty(t, results[0].RunID)
}

func TestRuntime_CoreToolsRegistered(t *testing.T) {
	rt := New(Config{DefaultProvider: "fake"}, nil)
	for _, name := range []string{ToolEndTurn, ToolTaskCompleted, ToolSetOutput, ToolSpawnAgents} {
		_, ok := rt.tools.Get(name)
		assert.True(t, ok, "expected core tool %s to be registered", name)
	}
}

func TestNullSink_DiscardsEvents(t *testing.T) {
	assert.NotPanics(t, func() {
		NullSink.Emit(Event{Kind: EventStepStart})
	})
}

// TestRuntime_CostBudgetExhaustionEndsRun covers spec §5's "two hard
// stops enforced internally": once the run's recorded cost exceeds
// CostLimits.MaxCostPerRun, the next iteration's CheckAdmission must
// end the run the same way StepsRemaining == 0 does, rather than
// letting the loop keep streaming.
func TestRuntime_CostBudgetExhaustionEndsRun(t *testing.T) {
	loopingBatch := []llm.StreamChunk{
		{Kind: llm.ChunkToolCallStart, ToolCallID: "call-x", ToolName: ToolSetOutput},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "call-x", ToolCall: llm.ToolCall{
			ToolCallID: "call-x", ToolName: ToolSetOutput, Input: map[string]any{"output": "partial"},
		}},
		{Kind: llm.ChunkUsage, Usage: llm.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{loopingBatch}}
	rt := New(Config{
		DefaultProvider: "fake",
		Pricing:         cost.PricingTable{Default: cost.Rate{PromptCostPer1K: 1, CompletionCostPer1K: 1}},
		CostLimits:      cost.Limits{MaxCostPerRun: 1},
	}, nil)
	rt.RegisterProvider(p)

	def := agent.Definition{ID: "spender", Model: "fake/model-x", ToolNames: []string{ToolSetOutput}, MaxSteps: 5}

	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	_, result, totalCost := rt.Run(context.Background(), def, "go", nil, sink)
	require.Equal(t, ResultSuccess, result.Type)
	assert.InDelta(t, 2.0, totalCost, 1e-9)

	var sawLimit bool
	for _, e := range events {
		if e.Kind == EventStepLimitReached {
			sawLimit = true
			assert.NotEmpty(t, e.Err)
		}
	}
	assert.True(t, sawLimit, "cost budget exhaustion should end the run like StepsRemaining == 0")

	// The first call records the cost that trips the budget; the
	// second iteration's CheckAdmission should stop the loop before a
	// further call to the provider.
	assert.Equal(t, 1, p.calls)
}

// TestRuntime_TokenRateLimitBlocksStep covers spec §4.7's
// tokens_per_minute/tokens_per_hour buckets, which are only enforced
// via CheckTokens — a path distinct from the request-count buckets
// already exercised through Acquire/CheckRequest.
func TestRuntime_TokenRateLimitBlocksStep(t *testing.T) {
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{endTurnBatch("done")}}
	rt := New(Config{
		DefaultProvider: "fake",
		RateLimit:       ratelimit.Config{TokensPerMinute: 1, TokensPerHour: 1, ConcurrentRequests: 1},
	}, nil)
	rt.RegisterProvider(p)

	def := agent.Definition{ID: "throttled", Model: "fake/model-x", ToolNames: []string{ToolEndTurn}, MaxSteps: 2}

	var events []Event
	sink := SinkFunc(func(e Event) { events = append(events, e) })

	_, result, _ := rt.Run(context.Background(), def, "go", nil, sink)
	require.Equal(t, ResultSuccess, result.Type)

	var sawTokenLimitError bool
	for _, e := range events {
		if e.Kind == EventError && e.Err == "token rate limit exceeded" {
			sawTokenLimitError = true
		}
	}
	assert.True(t, sawTokenLimitError, "CheckTokens should block the step before the provider is ever called")
	assert.Equal(t, 0, p.calls, "the provider must not be streamed to once the token bucket is exhausted")
}

// TestRuntime_PruningTrimsOutgoingMessages covers spec §4.5/§4.1 step
// 5: the outgoing message list sent to the provider must be pruned
// when it is estimated to exceed Pruning.MaxTokens, on every call, not
// just the first.
func TestRuntime_PruningTrimsOutgoingMessages(t *testing.T) {
	loopingBatch := []llm.StreamChunk{
		{Kind: llm.ChunkToolCallStart, ToolCallID: "call-x", ToolName: ToolSetOutput},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "call-x", ToolCall: llm.ToolCall{
			ToolCallID: "call-x", ToolName: ToolSetOutput, Input: map[string]any{"output": "partial"},
		}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}
	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{loopingBatch, loopingBatch}}
	rt := New(Config{
		DefaultProvider: "fake",
		Pruning:         pruning.Config{MaxTokens: 1, TargetTokens: 0},
	}, nil)
	rt.RegisterProvider(p)

	def := agent.Definition{ID: "looper", Model: "fake/model-x", ToolNames: []string{ToolSetOutput}, MaxSteps: 2}

	_, _, _ = rt.Run(context.Background(), def, "go", nil, nil)

	require.Len(t, p.seenMessageCounts, 2)
	// Without pruning the second call would carry the seed prompt plus
	// the assistant/tool-result pair appended after the first turn.
	// With MaxTokens forced low and no preserve-recent budget, only the
	// tagged seed prompt survives pruning on every call.
	assert.Equal(t, p.seenMessageCounts[0], p.seenMessageCounts[1])
}

// TestRuntime_SpawnAgentsCostFoldsIntoParentTotal exercises spawn_agents
// as an actual dispatched tool (not a direct spawnAgents call) and
// checks that the child's recorded cost is folded back into the
// parent's total_cost (spec §4.4 "cost aggregation").
func TestRuntime_SpawnAgentsCostFoldsIntoParentTotal(t *testing.T) {
	spawnBatch := []llm.StreamChunk{
		{Kind: llm.ChunkToolCallStart, ToolCallID: "s1", ToolName: ToolSpawnAgents},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "s1", ToolCall: llm.ToolCall{
			ToolCallID: "s1", ToolName: ToolSpawnAgents,
			Input: map[string]any{"requests": []any{map[string]any{"agent_id": "child", "prompt": "go"}}},
		}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}
	childBatch := []llm.StreamChunk{
		{Kind: llm.ChunkToolCallStart, ToolCallID: "c1", ToolName: ToolEndTurn},
		{Kind: llm.ChunkToolCallEnd, ToolCallID: "c1", ToolCall: llm.ToolCall{
			ToolCallID: "c1", ToolName: ToolEndTurn, Input: map[string]any{"message": "child done"},
		}},
		{Kind: llm.ChunkUsage, Usage: llm.Usage{PromptTokens: 500, CompletionTokens: 500, TotalTokens: 1000}},
		{Kind: llm.ChunkDone, FinishReason: llm.FinishToolCalls},
	}

	p := &scriptedProvider{name: "fake", batches: [][]llm.StreamChunk{spawnBatch, childBatch, endTurnBatch("all done")}}
	rt := New(Config{
		DefaultProvider: "fake",
		Pricing:         cost.PricingTable{Default: cost.Rate{PromptCostPer1K: 1, CompletionCostPer1K: 1}},
	}, nil)
	rt.RegisterProvider(p)

	child := agent.Definition{ID: "child", Model: "fake/model-x", ToolNames: []string{ToolEndTurn}}
	rt.RegisterAgent(child)

	root := agent.Definition{ID: "root", Model: "fake/model-x", ToolNames: []string{ToolSpawnAgents, ToolEndTurn}, MaxSteps: 5}

	state, result, totalCost := rt.Run(context.Background(), root, "start", nil, nil)
	require.Equal(t, ResultSuccess, result.Type)
	assert.InDelta(t, 1.0, totalCost, 1e-9)
	assert.InDelta(t, 1.0, state.CreditsUsed, 1e-9)
}
