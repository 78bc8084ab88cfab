// Package gemini adapts the Google Gemini API to the llm.Provider
// interface via the official google.golang.org/genai client.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/agentrun/llm"
)

// Provider adapts the Gemini GenerateContent API.
type Provider struct {
	client *genai.Client
}

// Config configures the Gemini provider.
type Config struct {
	APIKey string
}

// New builds a Provider from cfg.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Name returns the registry key this provider claims requests under.
func (p *Provider) Name() string { return "gemini" }

// Claims reports whether model looks like a Gemini model name.
func (p *Provider) Claims(model string) bool {
	return strings.HasPrefix(model, "gemini")
}

// buildRequest converts an llm.Request into genai contents plus a
// separate system instruction, mirroring req.Messages[i].Role ==
// "system" being pulled out of the turn sequence (genai models that
// separately).
func buildRequest(req llm.Request) ([]*genai.Content, *genai.Content) {
	var systemInstruction *genai.Content
	var contents []*genai.Content

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			systemInstruction = &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			}
		case "user":
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case "assistant":
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ToolCallID,
					Name: tc.ToolName,
					Args: tc.Input,
				}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}
		case "tool":
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       m.ToolCallID,
						Name:     m.ToolName,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		}
	}

	return contents, systemInstruction
}

func buildConfig(req llm.Request, systemInstruction *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: systemInstruction}

	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.StopSequences) > 0 {
		cfg.StopSequences = req.StopSequences
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.InputSchema),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return cfg
}

// toGenaiSchema converts the JSON-schema-shaped map produced by
// invopop/jsonschema (see runtime.schemaFor) into genai's own Schema
// type, which does not accept a raw map.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}

	return s
}

// Complete issues a single non-streaming request.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	contents, systemInstruction := buildRequest(req)
	cfg := buildConfig(req, systemInstruction)

	genResp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini: complete: %w", err)
	}
	if len(genResp.Candidates) == 0 {
		return llm.Response{}, fmt.Errorf("gemini: complete: no candidates returned")
	}

	return parseResponse(genResp), nil
}

func parseResponse(genResp *genai.GenerateContentResponse) llm.Response {
	candidate := genResp.Candidates[0]

	resp := llm.Response{FinishReason: mapFinishReason(candidate.FinishReason)}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				resp.Content += part.Text
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
					ToolCallID: id,
					ToolName:   part.FunctionCall.Name,
					Input:      part.FunctionCall.Args,
				})
			}
		}
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = llm.FinishToolCalls
	}

	if genResp.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
		}
	}

	return resp
}

// Stream issues a streaming request and translates Gemini's chunked
// candidates into the llm.StreamChunk contract of spec §4.6. Unlike
// Anthropic/OpenAI, Gemini does not send incremental function-call
// argument deltas: each chunk carries a complete FunctionCall, so
// ChunkToolCallStart/End are emitted back-to-back with no intervening
// delta chunk.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	contents, systemInstruction := buildRequest(req)
	cfg := buildConfig(req, systemInstruction)

	out := make(chan llm.StreamChunk, 16)

	go func() {
		defer close(out)

		emitted := map[string]bool{}
		var usage llm.Usage
		finish := llm.FinishStop

		for genResp, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: llm.FinishError}
				return
			}
			if len(genResp.Candidates) == 0 {
				continue
			}
			candidate := genResp.Candidates[0]

			if candidate.FinishReason != "" {
				finish = mapFinishReason(candidate.FinishReason)
			}
			if genResp.UsageMetadata != nil {
				usage = llm.Usage{
					PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(genResp.UsageMetadata.TotalTokenCount),
				}
			}

			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					out <- llm.StreamChunk{Kind: llm.ChunkText, Content: part.Text}
				}
				if part.FunctionCall != nil {
					id := part.FunctionCall.ID
					if id == "" {
						id = part.FunctionCall.Name
					}
					if emitted[id] {
						continue
					}
					emitted[id] = true
					out <- llm.StreamChunk{Kind: llm.ChunkToolCallStart, ToolCallID: id, ToolName: part.FunctionCall.Name}
					out <- llm.StreamChunk{
						Kind:       llm.ChunkToolCallEnd,
						ToolCallID: id,
						ToolCall:   llm.ToolCall{ToolCallID: id, ToolName: part.FunctionCall.Name, Input: part.FunctionCall.Args},
					}
				}
			}
		}

		if len(emitted) > 0 {
			finish = llm.FinishToolCalls
		}
		if usage.TotalTokens > 0 {
			out <- llm.StreamChunk{Kind: llm.ChunkUsage, Usage: usage}
		}
		out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: finish}
	}()

	return out, nil
}

func mapFinishReason(reason genai.FinishReason) llm.FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return llm.FinishStop
	case genai.FinishReasonMaxTokens:
		return llm.FinishLength
	default:
		return llm.FinishStop
	}
}
