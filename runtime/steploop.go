// Package runtime wires the message model, provider abstraction, tool
// executor, rate limiter, cost tracker and tracer into the step loop
// of spec §4.1, plus the sub-agent spawner of §4.4 that re-enters it.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentrun/agent"
	"github.com/kadirpekel/agentrun/cost"
	"github.com/kadirpekel/agentrun/llm"
	"github.com/kadirpekel/agentrun/message"
	"github.com/kadirpekel/agentrun/pruning"
	"github.com/kadirpekel/agentrun/ratelimit"
	"github.com/kadirpekel/agentrun/tool"
	"github.com/kadirpekel/agentrun/tracer"
)

// ResultType discriminates the structured result of a run.
type ResultType string

const (
	ResultSuccess ResultType = "success"
	ResultError   ResultType = "error"
)

// Result is the structured outcome of a run (spec §4.1 "Output").
type Result struct {
	Type    ResultType
	Message string
	Data    any
	Error   string
}

// endTurnSet returns the tool names whose completion ends the current
// turn for def (spec §4.1 step 10): always end_turn and
// task_completed, plus set_output when the definition opts in.
func endTurnSet(def agent.Definition) map[string]bool {
	set := map[string]bool{
		ToolEndTurn:       true,
		ToolTaskCompleted: true,
	}
	if def.SetOutputEndsRun {
		set[ToolSetOutput] = true
	}
	return set
}

// loop carries the per-run collaborators the step algorithm consults.
// One loop is constructed per Run call; it is not reused across runs.
type loop struct {
	rt      *Runtime
	def     agent.Definition
	sink    Sink
	tracer  *tracer.Tracer
	costs   *cost.Tracker
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// run drives state through the algorithm in spec §4.1 until
// termination and returns the final state, structured result, and
// total cost.
func (l *loop) run(ctx context.Context, state agent.State) (agent.State, Result, float64) {
	step := 0
	pendingSubAgents := []agent.SubAgentSummary(nil)
	stepsCompleteLastIteration := false
	stepAll := false

	for {
		step++

		if l.isCancelled(ctx) {
			return state, partialResult(state), state.CreditsUsed
		}

		l.sink.Emit(Event{Kind: EventStepStart, StepNumber: step, AgentID: state.AgentID})

		if state.StepsRemaining == 0 {
			l.sink.Emit(Event{Kind: EventStepLimitReached, AgentID: state.AgentID})
			result := l.finalize(state)
			l.emitRunComplete(state, result)
			return state, result, state.CreditsUsed
		}

		// Step 2: programmatic step generator. After a StepKindStepAll
		// yield it is not advanced again; the LLM runs until the turn ends.
		if l.def.StepGenerator != nil && !stepAll {
			yield := l.def.StepGenerator.Advance(agent.Resume{
				State:         state,
				StepsComplete: stepsCompleteLastIteration,
				SubAgentInfo:  pendingSubAgents,
			})
			pendingSubAgents = nil

			switch yield.Kind {
			case agent.StepKindTool:
				var newState agent.State
				newState, stepsCompleteLastIteration = l.runDirectToolYield(ctx, state, yield.Tool)
				state = newState
				l.sink.Emit(Event{Kind: EventStepEnd, StepNumber: step, ShouldContinue: true})
				continue
			case agent.StepKindDone:
				result := l.finalize(state)
				l.emitRunComplete(state, result)
				return state, result, state.CreditsUsed
			case agent.StepKindStepAll:
				stepAll = true
			case agent.StepKindStep:
				// fall through to the LLM call below.
			}
		}

		// Step 3: expire agent_step TTL messages.
		state = state.WithHistory(message.Replace(pruning.ExpireTTL(state.History.Messages(), message.TTLAgentStep)))

		// Step 4: per-step prompt.
		if l.def.StepPrompt != "" {
			stepMsg := message.UserText(l.def.StepPrompt).
				WithTags(message.TagStepPrompt).
				WithTimeToLive(message.TTLAgentStep).
				WithKeepDuringTruncation(true)
			state = state.AppendMessage(stepMsg)
		}

		// Cost budget admission (spec §5 "the two hard stops enforced
		// internally"): exhausting the run or daily cost budget ends the
		// run normally with whatever output exists, same as the
		// StepsRemaining==0 path, rather than letting the run continue
		// spending past the configured limit.
		if decision := l.costs.CheckAdmission(); !decision.Allowed {
			l.sink.Emit(Event{Kind: EventStepLimitReached, AgentID: state.AgentID, Err: decision.Reason})
			result := l.finalize(state)
			l.emitRunComplete(state, result)
			return state, result, state.CreditsUsed
		}

		// Step 5: provider routing and request construction.
		provider, err := l.rt.providers.Resolve(l.def.Model)
		if err != nil {
			result := Result{Type: ResultError, Error: fmt.Sprintf("no provider for model %q: %v", l.def.Model, err)}
			return state, result, state.CreditsUsed
		}

		toolNames := l.def.ToolNames
		schemas := l.rt.tools.RenderSchemas(toolNames)
		llmTools := make([]llm.ToolSchema, len(schemas))
		for i, s := range schemas {
			llmTools[i] = llm.ToolSchema{Name: s.Name, Description: s.Description, InputSchema: s.InputSchema}
		}

		// Prune the outgoing message list when pruning is configured and
		// its estimated token count exceeds the budget (spec §4.5, §4.1
		// step 5), the same way the pack prunes before each call:
		// _examples/other_examples/9c5dbd66_tombee-conductor__pkg-agent-agent.go.go:240-241.
		historyMsgs := state.History.Messages()
		if l.rt.cfg.Pruning.MaxTokens > 0 {
			if pruned, err := l.rt.cfg.Pruning.Prune(ctx, historyMsgs); err == nil {
				historyMsgs = pruned
			}
		}

		req := llm.Request{
			Model:    l.def.Model,
			Messages: toProviderMessages(state.SystemPrompt, historyMsgs),
			Tools:    llmTools,
		}

		l.sink.Emit(Event{Kind: EventLLMRequest, Model: l.def.Model, MessageCount: len(req.Messages)})

		// Enforce the token-bucket windows (spec §4.7 tokens_per_minute /
		// tokens_per_hour) using the outgoing prompt's estimated size,
		// ahead of the streaming call.
		if l.limiter != nil {
			promptTokens := pruning.EstimateTotal(historyMsgs)
			if decision := l.limiter.CheckTokens(promptTokens); !decision.Allowed {
				errMsg := message.UserText(fmt.Sprintf("[System] rate limited: retry after %s", decision.RetryAfter)).
					WithTags(message.TagError).
					WithTimeToLive(message.TTLAgentStep)
				state = state.AppendMessage(errMsg)
				state = state.DecrementSteps()
				l.sink.Emit(Event{Kind: EventError, Err: "token rate limit exceeded"})
				l.sink.Emit(Event{Kind: EventStepEnd, StepNumber: step, ShouldContinue: true})
				continue
			}
		}

		// Step 6: streaming call and chunk accumulation.
		assistantText, toolCalls, usage, streamErr := l.streamOnce(ctx, provider, req)
		if streamErr != nil {
			errMsg := message.UserText(fmt.Sprintf("[System] LLM error: %s", streamErr.Error())).
				WithTags(message.TagError).
				WithTimeToLive(message.TTLAgentStep)
			state = state.AppendMessage(errMsg)
			state = state.DecrementSteps()
			l.sink.Emit(Event{Kind: EventError, Err: streamErr.Error()})
			l.sink.Emit(Event{Kind: EventStepEnd, StepNumber: step, ShouldContinue: true})
			continue
		}

		if usage.TotalTokens > 0 || usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
			delta, _ := l.costs.Record(l.def.Model, usage.PromptTokens, usage.CompletionTokens)
			state = state.AddCost(delta)
		}

		// Step 7: append assistant message.
		var toolCallDescs []message.ToolCall
		for _, tc := range toolCalls {
			toolCallDescs = append(toolCallDescs, message.ToolCall{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Input: tc.Input})
		}
		state = state.AppendMessage(message.Assistant(assistantText, toolCallDescs...))
		l.sink.Emit(Event{Kind: EventLLMResponse, Content: assistantText, ToolCalls: toolCalls, Usage: usage})

		// Step 8: no tool calls -> end the turn.
		if len(toolCalls) == 0 {
			stepsCompleteLastIteration = true
			result := l.finalize(state)
			l.emitRunComplete(state, result)
			return state, result, state.CreditsUsed
		}

		// Step 9: dispatch tool calls.
		calls := make([]tool.Call, len(toolCalls))
		for i, tc := range toolCalls {
			calls[i] = tool.Call{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Input: tc.Input}
			l.sink.Emit(Event{Kind: EventToolStart, ToolName: tc.ToolName, ToolCallID: tc.ToolCallID, Input: tc.Input})
		}

		results := l.rt.executor.Dispatch(ctx, state, l.rt.project, calls)

		completedNames := make([]string, 0, len(results))
		for i, res := range results {
			msg := resultToMessage(calls[i].ToolName, res)
			state = state.AppendMessage(msg)
			l.sink.Emit(Event{Kind: EventToolResult, ToolCallID: res.ToolCallID, Result: res})

			if !res.IsError() {
				if out, ok := asOutputField(res.Output); ok {
					state = state.WithOutput(out)
				}
				for _, childRunID := range childRunIDsFromMetadata(res.Metadata) {
					state = state.WithChildRunID(childRunID)
				}
				state = state.AddCost(childCostFromMetadata(res.Metadata))
				completedNames = append(completedNames, calls[i].ToolName)
			}
		}

		// Step 10: end-turn set.
		endTurn := endTurnSet(l.def)
		ended := false
		for _, name := range completedNames {
			if endTurn[name] {
				ended = true
				break
			}
		}
		if ended {
			stepsCompleteLastIteration = true
			result := l.finalize(state)
			l.emitRunComplete(state, result)
			return state, result, state.CreditsUsed
		}

		// Step 11: decrement and loop.
		state = state.DecrementSteps()
		l.sink.Emit(Event{Kind: EventStepEnd, StepNumber: step, ShouldContinue: true})
	}
}

// runDirectToolYield executes a single programmatic-step tool yield
// (spec §4.2 "Semantics of direct tool yields") and reports whether
// the generator's resume should report steps_complete=true (always
// false for a direct yield; only a natural LLM end-turn sets it).
func (l *loop) runDirectToolYield(ctx context.Context, state agent.State, y agent.ToolYield) (agent.State, bool) {
	callID := uuid.NewString()
	call := tool.Call{ToolCallID: callID, ToolName: y.ToolName, Input: y.Input}

	l.sink.Emit(Event{Kind: EventToolStart, ToolName: y.ToolName, ToolCallID: callID, Input: y.Input})
	results := l.rt.executor.Dispatch(ctx, state, l.rt.project, []tool.Call{call})
	res := results[0]
	l.sink.Emit(Event{Kind: EventToolResult, ToolCallID: callID, Result: res})

	if y.IncludeToolCallOrDefault() {
		state = state.AppendMessage(message.Assistant("", message.ToolCall{ToolCallID: callID, ToolName: y.ToolName, Input: y.Input}))
		state = state.AppendMessage(resultToMessage(y.ToolName, res))
	}

	if !res.IsError() {
		if out, ok := asOutputField(res.Output); ok {
			state = state.WithOutput(out)
		}
		for _, childRunID := range childRunIDsFromMetadata(res.Metadata) {
			state = state.WithChildRunID(childRunID)
		}
		state = state.AddCost(childCostFromMetadata(res.Metadata))
	}

	return state, false
}

// childCostFromMetadata extracts the spawn_agents tool's
// Metadata["child_cost"] so the caller can fold descendant cost back
// into the parent's CreditsUsed (spec §4.4 "cost aggregation"): the
// loop otherwise only ever accumulates cost from its own usage chunks,
// so a run's total_cost would silently omit every spawned sub-agent.
func childCostFromMetadata(metadata map[string]any) float64 {
	switch v := metadata["child_cost"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// childRunIDsFromMetadata extracts the spawn_agents tool's
// Metadata["child_run_ids"] so the caller can fold them into
// state.ChildRunIDs (spec §4.4).
func childRunIDsFromMetadata(metadata map[string]any) []string {
	raw, ok := metadata["child_run_ids"].([]string)
	if ok {
		return raw
	}
	anySlice, ok := metadata["child_run_ids"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anySlice))
	for _, v := range anySlice {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// streamOnce opens a streaming call and accumulates its chunks per
// spec §4.6's chunk-ordering contract.
func (l *loop) streamOnce(ctx context.Context, provider llm.Provider, req llm.Request) (string, []llm.ToolCall, llm.Usage, error) {
	if l.limiter != nil {
		if err := l.limiter.Acquire(ctx); err != nil {
			return "", nil, llm.Usage{}, fmt.Errorf("rate limit: %w", err)
		}
		defer l.limiter.Release()
	}

	chunks, err := provider.Stream(ctx, req)
	if err != nil {
		return "", nil, llm.Usage{}, err
	}

	var text string
	var usage llm.Usage
	type building struct {
		name  string
		input string
	}
	inProgress := map[string]*building{}
	var order []string
	completed := map[string]llm.ToolCall{}

	for chunk := range chunks {
		switch chunk.Kind {
		case llm.ChunkText:
			text += chunk.Content
			l.sink.Emit(Event{Kind: EventLLMText, Text: chunk.Content})
		case llm.ChunkToolCallStart:
			inProgress[chunk.ToolCallID] = &building{name: chunk.ToolName}
			order = append(order, chunk.ToolCallID)
		case llm.ChunkToolCallDelta:
			if b, ok := inProgress[chunk.ToolCallID]; ok {
				b.input += chunk.InputDelta
			}
		case llm.ChunkToolCallEnd:
			completed[chunk.ToolCallID] = chunk.ToolCall
		case llm.ChunkUsage:
			usage = mergeUsage(usage, chunk.Usage)
		case llm.ChunkDone:
			if chunk.FinishReason == llm.FinishError {
				return text, nil, usage, fmt.Errorf("provider reported error finish reason")
			}
		}
	}

	toolCalls := make([]llm.ToolCall, 0, len(order))
	for _, id := range order {
		if tc, ok := completed[id]; ok {
			toolCalls = append(toolCalls, tc)
		}
	}
	return text, toolCalls, usage, nil
}

// mergeUsage keeps the running max for prompt/total tokens (a final
// usage record typically restates the cumulative prompt count) while
// summing completion tokens across incremental usage chunks, per the
// Open Question in spec §9 about under-counting: see DESIGN.md for
// the resolution this implements.
func mergeUsage(running, next llm.Usage) llm.Usage {
	if next.PromptTokens > running.PromptTokens {
		running.PromptTokens = next.PromptTokens
	}
	running.CompletionTokens += next.CompletionTokens
	if next.TotalTokens > running.TotalTokens {
		running.TotalTokens = next.TotalTokens
	} else {
		running.TotalTokens = running.PromptTokens + running.CompletionTokens
	}
	return running
}

func (l *loop) isCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// finalize computes the termination output (spec §4.1 "Termination &
// output selection"), consulting the optional ReflectionCheck hook.
func (l *loop) finalize(state agent.State) Result {
	if l.def.ReflectionCheck != nil {
		if ok, reason := l.def.ReflectionCheck(state); !ok {
			return Result{Type: ResultError, Error: reason}
		}
	}

	if state.HasOutput {
		return Result{Type: ResultSuccess, Data: state.Output}
	}

	switch l.def.OutputMode {
	case agent.OutputAllMessages:
		return Result{Type: ResultSuccess, Data: renderAllMessages(state.History.Messages())}
	default: // OutputLastMessage and OutputStructuredOutput without an explicit output fall back to last message.
		if last, ok := lastAssistantText(state.History.Messages()); ok {
			return Result{Type: ResultSuccess, Message: last}
		}
		return Result{Type: ResultSuccess, Message: "Agent completed with output"}
	}
}

func partialResult(state agent.State) Result {
	if state.HasOutput {
		return Result{Type: ResultSuccess, Data: state.Output}
	}
	if last, ok := lastAssistantText(state.History.Messages()); ok {
		return Result{Type: ResultSuccess, Message: last}
	}
	return Result{Type: ResultSuccess, Message: "cancelled"}
}

func (l *loop) emitRunComplete(state agent.State, result Result) {
	l.tracer.Finish()
	l.sink.Emit(Event{Kind: EventRunComplete, AgentID: state.AgentID, Output: result.Data, TotalCost: state.CreditsUsed})
}

func lastAssistantText(msgs []message.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == message.RoleAssistant {
			return msgs[i].Text(), true
		}
	}
	return "", false
}

func renderAllMessages(msgs []message.Message) []map[string]any {
	out := make([]map[string]any, len(msgs))
	for i, m := range msgs {
		out[i] = map[string]any{"role": string(m.Role), "content": m.Text()}
	}
	return out
}

func asOutputField(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out, ok := m["output"]
	return out, ok
}

func resultToMessage(toolName string, res tool.Result) message.Message {
	if res.IsError() {
		payload := map[string]any{"error": res.Error}
		return message.ToolResultValue(toolName, res.ToolCallID, payload)
	}
	if res.Output == nil {
		return message.ToolResultText(toolName, res.ToolCallID, "")
	}
	if s, ok := res.Output.(string); ok {
		return message.ToolResultText(toolName, res.ToolCallID, s)
	}
	return message.ToolResultValue(toolName, res.ToolCallID, res.Output)
}

func toProviderMessages(systemPrompt string, msgs []message.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	}
	for _, m := range msgs {
		out = append(out, toProviderMessage(m))
	}
	return out
}

func toProviderMessage(m message.Message) llm.Message {
	out := llm.Message{Role: string(m.Role)}
	switch m.Role {
	case message.RoleUser:
		if m.Parts != nil {
			for _, p := range m.Parts {
				switch p.Type {
				case message.PartText:
					out.Content += p.Text
				case message.PartImage:
					out.ImageURLs = append(out.ImageURLs, llm.ImageRef{URL: p.ImageURL, MediaType: p.MediaType})
				}
			}
		} else {
			out.Content = m.Content
		}
	case message.RoleAssistant:
		out.Content = m.Content
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ToolCallID: tc.ToolCallID, ToolName: tc.ToolName, Input: tc.Input})
		}
	case message.RoleTool:
		out.ToolName = m.ToolName
		out.ToolCallID = m.ToolCallID
		if m.HasStructuredContent() {
			if b, err := json.Marshal(m.StructuredContent); err == nil {
				out.Content = string(b)
			}
		} else {
			out.Content = m.Content
		}
	default:
		out.Content = m.Content
	}
	return out
}
