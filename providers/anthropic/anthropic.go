// Package anthropic adapts the Anthropic Messages API to the
// llm.Provider interface via the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kadirpekel/agentrun/llm"
)

// Provider adapts the Anthropic Messages API.
type Provider struct {
	client    anthropic.Client
	maxTokens int64
}

// Config configures the Anthropic provider.
type Config struct {
	APIKey    string
	BaseURL   string // optional override, e.g. for a gateway
	MaxTokens int64  // default max_tokens when a request does not specify one
}

// New builds a Provider from cfg.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Provider{client: anthropic.NewClient(opts...), maxTokens: maxTokens}
}

// Name returns the registry key this provider claims requests under.
func (p *Provider) Name() string { return "anthropic" }

// Claims reports whether model looks like a Claude model name.
func (p *Provider) Claims(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func (p *Provider) buildParams(req llm.Request) anthropic.MessageNewParams {
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
	}

	var systemBlocks []anthropic.TextBlockParam
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemBlocks = append(systemBlocks, anthropic.TextBlockParam{Text: m.Content})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
			for _, tc := range m.ToolCalls {
				input, _ := json.Marshal(tc.Input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ToolCallID, json.RawMessage(input), tc.ToolName))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, anthropic.ToolUnionParam{
				OfTool: &anthropic.ToolParam{
					Name:        t.Name,
					Description: anthropic.String(t.Description),
					InputSchema: toInputSchema(t.InputSchema),
				},
			})
		}
		params.Tools = tools
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}

	return params
}

func toInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	var required []string
	if r, ok := schema["required"].([]any); ok {
		for _, v := range r {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return anthropic.ToolInputSchemaParam{Properties: props, Required: required}
}

// Complete issues a single non-streaming request.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := p.buildParams(req)
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: complete: %w", err)
	}

	resp := llm.Response{
		Usage: llm.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
		FinishReason: mapStopReason(string(msg.StopReason)),
	}

	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += v.Text
		case anthropic.ToolUseBlock:
			var input map[string]any
			_ = json.Unmarshal(v.Input, &input)
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ToolCallID: v.ID, ToolName: v.Name, Input: input})
		}
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}

	return resp, nil
}

// Stream issues a streaming request and translates SSE deltas into the
// llm.StreamChunk contract of spec §4.6.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	params := p.buildParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan llm.StreamChunk, 16)

	go func() {
		defer close(out)

		type building struct {
			id    string
			name  string
			input string
		}
		current := map[int64]*building{}

		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					current[ev.Index] = &building{id: tu.ID, name: tu.Name}
					out <- llm.StreamChunk{Kind: llm.ChunkToolCallStart, ToolCallID: tu.ID, ToolName: tu.Name}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- llm.StreamChunk{Kind: llm.ChunkText, Content: delta.Text}
				case anthropic.InputJSONDelta:
					if b, ok := current[ev.Index]; ok {
						b.input += delta.PartialJSON
						out <- llm.StreamChunk{Kind: llm.ChunkToolCallDelta, ToolCallID: b.id, InputDelta: delta.PartialJSON}
					}
				}
			case anthropic.ContentBlockStopEvent:
				if b, ok := current[ev.Index]; ok {
					var input map[string]any
					if b.input != "" {
						_ = json.Unmarshal([]byte(b.input), &input)
					}
					out <- llm.StreamChunk{Kind: llm.ChunkToolCallEnd, ToolCallID: b.id, ToolCall: llm.ToolCall{ToolCallID: b.id, ToolName: b.name, Input: input}}
					delete(current, ev.Index)
				}
			case anthropic.MessageDeltaEvent:
				out <- llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{CompletionTokens: int(ev.Usage.OutputTokens)}}
			case anthropic.MessageStopEvent:
				out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: llm.FinishStop}
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: llm.FinishError}
		}
	}()

	return out, nil
}

func mapStopReason(reason string) llm.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	case "tool_use":
		return llm.FinishToolCalls
	case "max_tokens":
		return llm.FinishLength
	default:
		return llm.FinishStop
	}
}
