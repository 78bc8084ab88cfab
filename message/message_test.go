package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_Text(t *testing.T) {
	t.Run("plain content", func(t *testing.T) {
		m := UserText("hello")
		assert.Equal(t, "hello", m.Text())
	})

	t.Run("multi part concatenates text parts only", func(t *testing.T) {
		m := UserParts(TextPart("a"), ImagePart("http://x", "image/png"), TextPart("b"))
		assert.Equal(t, "ab", m.Text())
	})

	t.Run("assistant content", func(t *testing.T) {
		m := Assistant("the answer", ToolCall{ToolCallID: "1", ToolName: "foo"})
		assert.Equal(t, "the answer", m.Text())
		require.Len(t, m.ToolCalls, 1)
		assert.Equal(t, "foo", m.ToolCalls[0].ToolName)
	})
}

func TestMessage_StructuredContent(t *testing.T) {
	m := ToolResultValue("search", "call-1", map[string]any{"ok": true})
	assert.True(t, m.HasStructuredContent())

	plain := ToolResultText("search", "call-1", "done")
	assert.False(t, plain.HasStructuredContent())
}

func TestMessage_WithTags(t *testing.T) {
	m := UserText("hi").WithTags(TagUserPrompt)
	assert.True(t, m.HasTag(TagUserPrompt))
	assert.False(t, m.HasTag(TagError))

	m2 := m.WithTags(TagError)
	assert.True(t, m2.HasTag(TagUserPrompt))
	assert.True(t, m2.HasTag(TagError))
	// original unaffected by the second With call
	assert.False(t, m.HasTag(TagError))
}

func TestMessage_WithTimeToLive_SystemIgnored(t *testing.T) {
	sys := System("you are an agent").WithTimeToLive(TTLAgentStep)
	assert.Equal(t, TTLNone, sys.TimeToLive())

	usr := UserText("hi").WithTimeToLive(TTLAgentStep)
	assert.Equal(t, TTLAgentStep, usr.TimeToLive())
}

func TestMessage_WithKeepDuringTruncation(t *testing.T) {
	m := UserText("hi")
	assert.False(t, m.KeepDuringTruncation())
	m2 := m.WithKeepDuringTruncation(true)
	assert.True(t, m2.KeepDuringTruncation())
	assert.False(t, m.KeepDuringTruncation())
}

func TestHistory_AppendIsImmutable(t *testing.T) {
	h := NewHistory(System("sys"))
	h2 := h.Append(UserText("hi"))

	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 2, h2.Len())

	last, ok := h2.Last()
	require.True(t, ok)
	assert.Equal(t, "hi", last.Text())
}

func TestHistory_AppendAllEmptyIsNoOp(t *testing.T) {
	h := NewHistory(System("sys"))
	h2 := h.AppendAll()
	assert.Equal(t, 1, h2.Len())
}

func TestHistory_Replace(t *testing.T) {
	h := Replace([]Message{UserText("a"), UserText("b")})
	assert.Equal(t, 2, h.Len())
}

func TestHistory_LastEmpty(t *testing.T) {
	h := NewHistory()
	_, ok := h.Last()
	assert.False(t, ok)
}
