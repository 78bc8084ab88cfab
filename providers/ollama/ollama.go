// Package ollama adapts a local Ollama server's /api/chat endpoint to
// the llm.Provider interface. There is no official Go SDK for Ollama,
// so this talks plain JSON-over-HTTP directly (spec §4.6 "providers
// wrap vendor SDKs or, for ones without a Go SDK, a thin HTTP client").
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kadirpekel/agentrun/llm"
)

const (
	defaultBaseURL = "http://localhost:11434"
	defaultTimeout = 300 * time.Second
)

// Config configures the Ollama provider.
type Config struct {
	BaseURL string // default http://localhost:11434
	Timeout time.Duration
}

// Provider adapts a local Ollama server's chat API.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Provider from cfg.
func New(cfg Config) *Provider {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Provider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the registry key this provider claims requests under.
func (p *Provider) Name() string { return "ollama" }

// Claims reports whether model looks like a locally-hosted Ollama tag:
// an "ollama/" prefix or a ":" tag separator. Any other model is not
// claimed; it reaches Ollama only when Ollama is installed as the
// registry's fallback provider.
func (p *Provider) Claims(model string) bool {
	return strings.HasPrefix(model, "ollama/") || strings.Contains(model, ":")
}

type chatMessage struct {
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	ToolCalls []*toolCall `json:"tool_calls,omitempty"`
	ToolName  string      `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function *functionCall `json:"function,omitempty"`
}

type functionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type apiTool struct {
	Type     string       `json:"type"`
	Function *functionDef `json:"function"`
}

type functionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []*chatMessage `json:"messages"`
	Tools    []*apiTool     `json:"tools,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   bool           `json:"stream"`
}

type chatResponse struct {
	Message         *chatMessage `json:"message,omitempty"`
	Done            bool         `json:"done"`
	DoneReason      string       `json:"done_reason,omitempty"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
}

func modelName(model string) string {
	return strings.TrimPrefix(model, "ollama/")
}

func buildRequest(req llm.Request, stream bool) *chatRequest {
	apiReq := &chatRequest{Model: modelName(req.Model), Stream: stream}

	var messages []*chatMessage
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, &chatMessage{Role: "system", Content: m.Content})
		case "user":
			messages = append(messages, &chatMessage{Role: "user", Content: m.Content})
		case "assistant":
			am := &chatMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, &toolCall{Function: &functionCall{Name: tc.ToolName, Arguments: tc.Input}})
			}
			messages = append(messages, am)
		case "tool":
			messages = append(messages, &chatMessage{Role: "tool", Content: m.Content, ToolName: m.ToolName})
		}
	}
	apiReq.Messages = messages

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		options["stop"] = req.StopSequences
	}
	if len(options) > 0 {
		apiReq.Options = options
	}

	if len(req.Tools) > 0 {
		tools := make([]*apiTool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = &apiTool{Type: "function", Function: &functionDef{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}}
		}
		apiReq.Tools = tools
	}

	return apiReq
}

// Complete issues a single non-streaming request against /api/chat
// with stream:false, which Ollama answers with one complete JSON body.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	apiReq := buildRequest(req, false)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return llm.Response{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return llm.Response{}, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		return llm.Response{}, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(b))
	}

	var apiResp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&apiResp); err != nil {
		return llm.Response{}, fmt.Errorf("ollama: decode response: %w", err)
	}

	return parseResponse(&apiResp), nil
}

func parseResponse(resp *chatResponse) llm.Response {
	out := llm.Response{FinishReason: llm.FinishStop}
	if resp.DoneReason == "length" {
		out.FinishReason = llm.FinishLength
	}

	if resp.Message != nil {
		out.Content = resp.Message.Content
		for i, tc := range resp.Message.ToolCalls {
			if tc.Function == nil {
				continue
			}
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ToolCallID: fmt.Sprintf("call_%d", i),
				ToolName:   tc.Function.Name,
				Input:      tc.Function.Arguments,
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = llm.FinishToolCalls
	}

	if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
		out.Usage = llm.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		}
	}

	return out
}

// Stream issues a streaming request. Ollama's streaming transport is
// newline-delimited JSON objects, not SSE, so this reads line by line
// rather than using an SSE decoder.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	apiReq := buildRequest(req, true)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, fmt.Errorf("ollama: status %d: %s", httpResp.StatusCode, string(b))
	}

	out := make(chan llm.StreamChunk, 16)

	go func() {
		defer close(out)
		defer httpResp.Body.Close()

		reader := bufio.NewReader(httpResp.Body)
		toolStarted := map[int]bool{}

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					break
				}
				out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: llm.FinishError}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}

			if chunk.Message != nil {
				if chunk.Message.Content != "" {
					out <- llm.StreamChunk{Kind: llm.ChunkText, Content: chunk.Message.Content}
				}
				for i, tc := range chunk.Message.ToolCalls {
					if tc.Function == nil {
						continue
					}
					id := fmt.Sprintf("call_%d", i)
					if !toolStarted[i] {
						toolStarted[i] = true
						out <- llm.StreamChunk{Kind: llm.ChunkToolCallStart, ToolCallID: id, ToolName: tc.Function.Name}
					}
					out <- llm.StreamChunk{
						Kind:       llm.ChunkToolCallEnd,
						ToolCallID: id,
						ToolCall:   llm.ToolCall{ToolCallID: id, ToolName: tc.Function.Name, Input: tc.Function.Arguments},
					}
				}
			}

			if chunk.Done {
				finish := llm.FinishStop
				if chunk.DoneReason == "length" {
					finish = llm.FinishLength
				}
				if len(toolStarted) > 0 {
					finish = llm.FinishToolCalls
				}
				if chunk.PromptEvalCount > 0 || chunk.EvalCount > 0 {
					out <- llm.StreamChunk{Kind: llm.ChunkUsage, Usage: llm.Usage{
						PromptTokens:     chunk.PromptEvalCount,
						CompletionTokens: chunk.EvalCount,
						TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
					}}
				}
				out <- llm.StreamChunk{Kind: llm.ChunkDone, FinishReason: finish}
			}
		}
	}()

	return out, nil
}
