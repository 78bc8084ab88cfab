// Package openai adapts the OpenAI Chat Completions API to the
// llm.Provider interface via the official openai-go/v2 client.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/kadirpekel/agentrun/llm"
)

// Provider adapts the OpenAI Chat Completions API.
type Provider struct {
	client openai.Client
}

// Config configures the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string // optional override, e.g. for Azure/OpenRouter-compatible gateways
}

// New builds a Provider from cfg.
func New(cfg Config) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Provider{client: openai.NewClient(opts...)}
}

// Name returns the registry key this provider claims requests under.
func (p *Provider) Name() string { return "openai" }

// Claims reports whether model looks like an OpenAI GPT/o-series model.
func (p *Provider) Claims(model string) bool {
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

func (p *Provider) buildParams(req llm.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, openai.UserMessage(m.Content))
		case "assistant":
			asst := openai.ChatCompletionAssistantMessageParam{
				Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
			}
			for _, tc := range m.ToolCalls {
				input, _ := json.Marshal(tc.Input)
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ToolCallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.ToolName,
						Arguments: string(input),
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			messages = append(messages, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(t.InputSchema),
			}))
		}
		params.Tools = tools
	}

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: req.StopSequences}
	}

	return params
}

// Complete issues a single non-streaming request.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	params := p.buildParams(req)
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: complete: %w", err)
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("openai: complete: no choices returned")
	}

	choice := completion.Choices[0]
	resp := llm.Response{
		Content: choice.Message.Content,
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		},
		FinishReason: mapFinishReason(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{ToolCallID: tc.ID, ToolName: tc.Function.Name, Input: input})
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
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan llm.StreamChunk, 16)

	go func() {
		defer close(out)
		defer stream.Close()

		type building struct {
			id, name, input string
		}
		current := map[int64]*building{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				out <- llm.StreamChunk{Kind: llm.ChunkText, Content: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := tc.Index
				b, ok := current[idx]
				if !ok {
					b = &building{id: tc.ID, name: tc.Function.Name}
					current[idx] = b
					out <- llm.StreamChunk{Kind: llm.ChunkToolCallStart, ToolCallID: b.id, ToolName: b.name}
				}
				if tc.Function.Arguments != "" {
					b.input += tc.Function.Arguments
					out <- llm.StreamChunk{Kind: llm.ChunkToolCallDelta, ToolCallID: b.id, InputDelta: tc.Function.Arguments}
				}
			}

			if chunk.Usage.TotalTokens > 0 {
				out <- llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}}
			}

			if reason := chunk.Choices[0].FinishReason; reason != "" {
				for idx, b := range current {
					var input map[string]any
					if b.input != "" {
						_ = json.Unmarshal([]byte(b.input), &input)
					}
					out <- llm.StreamChunk{Kind: llm.ChunkToolCallEnd, ToolCallID: b.id, ToolCall: llm.ToolCall{ToolCallID: b.id, ToolName: b.name, Input: input}}
					delete(current, idx)
				}
				out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: mapFinishReason(reason)}
			}
		}

		if err := stream.Err(); err != nil {
			out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: llm.FinishError}
		}
	}()

	return out, nil
}

func mapFinishReason(reason string) llm.FinishReason {
	switch reason {
	case "stop":
		return llm.FinishStop
	case "tool_calls":
		return llm.FinishToolCalls
	case "length":
		return llm.FinishLength
	default:
		return llm.FinishStop
	}
}
