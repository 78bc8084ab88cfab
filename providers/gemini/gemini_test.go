package gemini

import (
	"testing"

	"google.golang.org/genai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrun/llm"
)

func TestBuildRequest_PullsSystemInstructionOut(t *testing.T) {
	req := llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "be concise"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi", ToolCalls: []llm.ToolCall{
				{ToolCallID: "c1", ToolName: "read_file", Input: map[string]any{"path": "a.go"}},
			}},
			{Role: "tool", ToolCallID: "c1", ToolName: "read_file", Content: "file contents"},
		},
	}

	contents, sysInstr := buildRequest(req)
	require.NotNil(t, sysInstr)
	assert.Equal(t, "be concise", sysInstr.Parts[0].Text)
	assert.Len(t, contents, 3) // user, model (assistant), user (tool response)
}

func TestBuildConfig_OptionalFieldsAndTools(t *testing.T) {
	temp := 0.3
	req := llm.Request{
		Temperature:   &temp,
		MaxTokens:     128,
		StopSequences: []string{"STOP"},
		Tools: []llm.ToolSchema{
			{Name: "read_file", Description: "reads a file", InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			}},
		},
	}

	cfg := buildConfig(req, nil)
	require.NotNil(t, cfg.Temperature)
	assert.InDelta(t, float32(0.3), *cfg.Temperature, 1e-6)
	assert.Equal(t, int32(128), cfg.MaxOutputTokens)
	assert.Equal(t, []string{"STOP"}, cfg.StopSequences)
	require.Len(t, cfg.Tools, 1)
	require.Len(t, cfg.Tools[0].FunctionDeclarations, 1)
	assert.Equal(t, "read_file", cfg.Tools[0].FunctionDeclarations[0].Name)
}

func TestToGenaiSchema_NestedObject(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"name"},
	}
	s := toGenaiSchema(schema)
	require.NotNil(t, s)
	assert.Equal(t, genai.Type("OBJECT"), s.Type)
	assert.Contains(t, s.Properties, "name")
	assert.Equal(t, []string{"name"}, s.Required)
}

func TestToGenaiSchema_NilInput(t *testing.T) {
	assert.Nil(t, toGenaiSchema(nil))
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, llm.FinishStop, mapFinishReason(genai.FinishReasonStop))
	assert.Equal(t, llm.FinishLength, mapFinishReason(genai.FinishReasonMaxTokens))
}

func TestParseResponse_AggregatesTextAndToolCalls(t *testing.T) {
	genResp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				FinishReason: genai.FinishReasonStop,
				Content: &genai.Content{
					Parts: []*genai.Part{
						{Text: "hello "},
						{FunctionCall: &genai.FunctionCall{ID: "c1", Name: "read_file", Args: map[string]any{"path": "a.go"}}},
					},
				},
			},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
			TotalTokenCount:      15,
		},
	}

	resp := parseResponse(genResp)
	assert.Equal(t, "hello ", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "read_file", resp.ToolCalls[0].ToolName)
	assert.Equal(t, llm.FinishToolCalls, resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
}

func TestProvider_NameAndClaims(t *testing.T) {
	p := &Provider{}
	assert.Equal(t, "gemini", p.Name())
	assert.True(t, p.Claims("gemini-1.5-pro"))
	assert.False(t, p.Claims("gpt-4"))
}
