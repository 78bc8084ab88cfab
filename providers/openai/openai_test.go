package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrun/llm"
)

func TestProvider_NameAndClaims(t *testing.T) {
	p := New(Config{APIKey: "test-key"})
	assert.Equal(t, "openai", p.Name())
	assert.True(t, p.Claims("gpt-4o"))
	assert.True(t, p.Claims("o1-preview"))
	assert.True(t, p.Claims("o3-mini"))
	assert.False(t, p.Claims("claude-3"))
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, llm.FinishStop, mapFinishReason("stop"))
	assert.Equal(t, llm.FinishToolCalls, mapFinishReason("tool_calls"))
	assert.Equal(t, llm.FinishLength, mapFinishReason("length"))
	assert.Equal(t, llm.FinishStop, mapFinishReason("unknown"))
}

func TestBuildParams_MapsRolesAndTools(t *testing.T) {
	p := New(Config{APIKey: "test-key"})

	req := llm.Request{
		Model: "gpt-4o",
		Messages: []llm.Message{
			{Role: "system", Content: "be concise"},
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi", ToolCalls: []llm.ToolCall{
				{ToolCallID: "c1", ToolName: "read_file", Input: map[string]any{"path": "a.go"}},
			}},
			{Role: "tool", ToolCallID: "c1", Content: "file contents"},
		},
		Tools: []llm.ToolSchema{
			{Name: "read_file", Description: "reads a file", InputSchema: map[string]any{"type": "object"}},
		},
	}

	params := p.buildParams(req)
	require.Len(t, params.Messages, 4)
	assert.Len(t, params.Tools, 1)
}

func TestBuildParams_OptionalFields(t *testing.T) {
	p := New(Config{APIKey: "test-key"})
	temp := 0.5
	req := llm.Request{
		Model:         "gpt-4o",
		Temperature:   &temp,
		MaxTokens:     256,
		StopSequences: []string{"STOP"},
	}
	params := p.buildParams(req)
	assert.Equal(t, []string{"STOP"}, params.Stop.OfStringArray)
}
