package pruning

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrun/message"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 10, EstimateTokens(""))
	assert.Equal(t, 11, EstimateTokens("a"))
	assert.Equal(t, (100+3)/4+10, EstimateTokens(strings.Repeat("x", 100)))
}

func TestExpireTTL_RemovesMatchingNonSystem(t *testing.T) {
	msgs := []message.Message{
		message.System("sys"),
		message.UserText("seed").WithTimeToLive(message.TTLUserPrompt),
		message.UserText("keep").WithTimeToLive(message.TTLForever),
		message.Assistant("reply").WithTimeToLive(message.TTLAgentStep),
	}

	out := ExpireTTL(msgs, message.TTLAgentStep)

	require.Len(t, out, 3)
	assert.Equal(t, "sys", out[0].Text())
	assert.Equal(t, "seed", out[1].Text())
	assert.Equal(t, "keep", out[2].Text())
}

func TestExpireTTL_NeverRemovesSystem(t *testing.T) {
	sys := message.System("sys")
	out := ExpireTTL([]message.Message{sys}, message.TTLNone)
	require.Len(t, out, 1)
}

func TestPrune_NoOpUnderBudget(t *testing.T) {
	cfg := Config{MaxTokens: 10000, TargetTokens: 5000}
	msgs := []message.Message{message.UserText("hi")}

	out, err := cfg.Prune(context.Background(), msgs)
	require.NoError(t, err)
	assert.Equal(t, msgs, out)
}

func TestPrune_PreservesSystemAndRecent(t *testing.T) {
	cfg := Config{MaxTokens: 1, TargetTokens: 50, PreserveRecentMessages: 1}

	msgs := []message.Message{
		message.System("system prompt"),
		message.UserText(strings.Repeat("old ", 50)),
		message.UserText("most recent"),
	}

	out, err := cfg.Prune(context.Background(), msgs)
	require.NoError(t, err)
	require.NotEmpty(t, out)

	assert.Equal(t, message.RoleSystem, out[0].Role)
	last := out[len(out)-1]
	assert.Equal(t, "most recent", last.Text())
}

func TestPrune_PinnedMessageSurvives(t *testing.T) {
	cfg := Config{MaxTokens: 1, TargetTokens: 30}

	pinned := message.UserText(strings.Repeat("pinned content ", 20)).WithKeepDuringTruncation(true)
	msgs := []message.Message{
		message.System("sys"),
		pinned,
		message.UserText(strings.Repeat("filler ", 200)),
	}

	out, err := cfg.Prune(context.Background(), msgs)
	require.NoError(t, err)

	found := false
	for _, m := range out {
		if m.KeepDuringTruncation() {
			found = true
		}
	}
	assert.True(t, found, "pinned message must survive pruning")
}

func TestPrune_PreservesOriginalOrder(t *testing.T) {
	cfg := Config{MaxTokens: 1, TargetTokens: 1000, PreserveRecentMessages: 10}
	msgs := []message.Message{
		message.System("sys"),
		message.UserText("1"),
		message.Assistant("2"),
		message.UserText("3"),
	}

	out, err := cfg.Prune(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, "sys", out[0].Text())
	assert.Equal(t, "1", out[1].Text())
	assert.Equal(t, "2", out[2].Text())
	assert.Equal(t, "3", out[3].Text())
}

func TestPrune_IsIdempotent(t *testing.T) {
	cfg := Config{MaxTokens: 1, TargetTokens: 30, PreserveRecentMessages: 1}
	msgs := []message.Message{
		message.System("sys"),
		message.UserText(strings.Repeat("a", 500)),
		message.UserText(strings.Repeat("b", 500)),
		message.UserText("recent"),
	}

	once, err := cfg.Prune(context.Background(), msgs)
	require.NoError(t, err)

	twice, err := cfg.Prune(context.Background(), once)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

type stubSummarizer struct{ called bool }

func (s *stubSummarizer) Summarize(ctx context.Context, prunable []message.Message) (string, error) {
	s.called = true
	return "summary of older context", nil
}

func TestPrune_SummarizesWhenConfigured(t *testing.T) {
	summ := &stubSummarizer{}
	cfg := Config{MaxTokens: 1, TargetTokens: 1, Summarizer: summ}

	msgs := []message.Message{
		message.System("sys"),
		message.UserText(strings.Repeat("long ", 200)),
	}

	out, err := cfg.Prune(context.Background(), msgs)
	require.NoError(t, err)
	assert.True(t, summ.called)

	foundSummary := false
	for _, m := range out {
		if m.HasTag(message.TagContextSummary) {
			foundSummary = true
		}
	}
	assert.True(t, foundSummary)
}
