// Package pruning implements the message-lifecycle and context-pruning
// engine of spec §4.5: TTL expiration before each LLM call, and a
// token-budget pruner that preserves pinned/recent/system messages and
// either summarises or truncates the rest.
package pruning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kadirpekel/agentrun/llm"
	"github.com/kadirpekel/agentrun/message"
)

// EstimateTokens returns the estimated token count for a single
// message's text content: ceil(text_length/4) + 10. JSON tool content
// is estimated from its serialised form; EstimateMessage does that
// serialisation for structured tool results.
func EstimateTokens(text string) int {
	return (len(text)+3)/4 + 10
}

// EstimateMessage returns the token estimate for msg, using its
// serialised JSON form when it carries structured tool content.
func EstimateMessage(msg message.Message) int {
	if msg.HasStructuredContent() {
		if b, err := json.Marshal(msg.StructuredContent); err == nil {
			return EstimateTokens(string(b))
		}
		return EstimateTokens(fmt.Sprintf("%v", msg.StructuredContent))
	}
	return EstimateTokens(msg.Text())
}

// EstimateTotal sums EstimateMessage across msgs.
func EstimateTotal(msgs []message.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// ExpireTTL removes every non-system message whose TimeToLive equals
// trigger, preserving the relative order of survivors (spec §4.5 "TTL
// expiration", invariant 5 "TTL correctness").
func ExpireTTL(msgs []message.Message, trigger message.TTL) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != message.RoleSystem && m.TimeToLive() == trigger {
			continue
		}
		out = append(out, m)
	}
	return out
}

// PreserveTags names tags whose presence on a message pins it as
// "preserved" for the pruner, regardless of recency or explicit pin.
var PreserveTags = []string{message.TagUserPrompt, message.TagInstructionPrompt}

func hasPreserveTag(m message.Message) bool {
	for _, t := range PreserveTags {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// Summarizer is the optional LLM-backed hook used when prunable
// content does not fit even after preserving pinned/recent messages.
// It is only consulted when Config.Summarizer is non-nil.
type Summarizer interface {
	Summarize(ctx context.Context, prunable []message.Message) (string, error)
}

// LLMSummarizer adapts an llm.Registry into a Summarizer by issuing a
// single non-streaming completion against its Model.
type LLMSummarizer struct {
	Registry *llm.Registry
	Model    string
}

// Summarize asks the configured model to condense prunable into a
// short paragraph.
func (s LLMSummarizer) Summarize(ctx context.Context, prunable []message.Message) (string, error) {
	provider, err := s.Registry.Resolve(s.Model)
	if err != nil {
		return "", fmt.Errorf("pruning: resolve summary model: %w", err)
	}

	var transcript string
	for _, m := range prunable {
		transcript += fmt.Sprintf("[%s] %s\n", m.Role, m.Text())
	}

	resp, err := provider.Complete(ctx, llm.Request{
		Model: s.Model,
		Messages: []llm.Message{
			{Role: "system", Content: "Summarise the following conversation excerpt concisely, preserving facts and decisions relevant to continuing the task."},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return "", fmt.Errorf("pruning: summarize: %w", err)
	}
	return resp.Content, nil
}

// Config controls the pruner's behaviour (spec §6 "context.*" options).
type Config struct {
	MaxTokens              int
	TargetTokens           int
	PreserveRecentMessages int
	Summarizer             Summarizer // nil disables summarisation
}

// Prune implements spec §4.5's "Pruner": invoked when the outgoing
// message list's estimated token count exceeds Config.MaxTokens.
// Returns msgs unchanged if it already fits.
//
// Categorisation: preserved = system messages, messages with a
// preserve tag, messages pinned via KeepDuringTruncation, and the last
// PreserveRecentMessages messages. Everything else is prunable.
//
// If preserved alone fits within TargetTokens, the remaining budget is
// filled with the most recent prunable messages (then the whole set is
// re-sorted to original order). Otherwise the prunable set is either
// summarised into one CONTEXT_SUMMARY message (if a Summarizer is
// configured) or truncated to keep only what fits.
//
// Prune is idempotent: applying it again to its own output returns the
// same result (invariant 8).
func (c Config) Prune(ctx context.Context, msgs []message.Message) ([]message.Message, error) {
	if EstimateTotal(msgs) <= c.MaxTokens {
		return msgs, nil
	}

	preservedIdx := map[int]bool{}
	recentStart := len(msgs) - c.PreserveRecentMessages
	for i, m := range msgs {
		switch {
		case m.Role == message.RoleSystem:
			preservedIdx[i] = true
		case hasPreserveTag(m):
			preservedIdx[i] = true
		case m.KeepDuringTruncation():
			preservedIdx[i] = true
		case c.PreserveRecentMessages > 0 && i >= recentStart:
			preservedIdx[i] = true
		}
	}

	var preserved, prunable []int
	for i := range msgs {
		if preservedIdx[i] {
			preserved = append(preserved, i)
		} else {
			prunable = append(prunable, i)
		}
	}

	preservedTokens := 0
	for _, i := range preserved {
		preservedTokens += EstimateMessage(msgs[i])
	}

	if preservedTokens <= c.TargetTokens {
		budget := c.TargetTokens - preservedTokens
		keep := map[int]bool{}
		for _, i := range preserved {
			keep[i] = true
		}
		// Fill remaining budget with most recent prunable messages first.
		for i := len(prunable) - 1; i >= 0; i-- {
			idx := prunable[i]
			cost := EstimateMessage(msgs[idx])
			if cost > budget {
				continue
			}
			keep[idx] = true
			budget -= cost
		}
		return selectInOrder(msgs, keep), nil
	}

	// Preserved set alone exceeds target: summarise or truncate the
	// prunable set.
	if c.Summarizer != nil {
		prunableMsgs := make([]message.Message, 0, len(prunable))
		for _, i := range prunable {
			prunableMsgs = append(prunableMsgs, msgs[i])
		}
		summary, err := c.Summarizer.Summarize(ctx, prunableMsgs)
		if err == nil {
			summaryMsg := message.UserText(summary).WithTags(message.TagContextSummary)
			keep := map[int]bool{}
			for _, i := range preserved {
				keep[i] = true
			}
			out := selectInOrder(msgs, keep)
			return insertSummaryInOrder(out, msgs, preserved, summaryMsg), nil
		}
		// Fall through to truncation on summarisation failure.
	}

	// Fallback: truncate to what fits, preferring preserved messages
	// then most recent prunable messages, same as the fitting branch
	// above but against MaxTokens instead of TargetTokens since nothing
	// else will make it fit.
	keep := map[int]bool{}
	budget := c.MaxTokens
	for _, i := range preserved {
		keep[i] = true
		budget -= EstimateMessage(msgs[i])
	}
	for i := len(prunable) - 1; i >= 0; i-- {
		idx := prunable[i]
		cost := EstimateMessage(msgs[idx])
		if cost > budget {
			continue
		}
		keep[idx] = true
		budget -= cost
	}
	return selectInOrder(msgs, keep), nil
}

func selectInOrder(msgs []message.Message, keep map[int]bool) []message.Message {
	out := make([]message.Message, 0, len(keep))
	idxs := make([]int, 0, len(keep))
	for i := range keep {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		out = append(out, msgs[i])
	}
	return out
}

// insertSummaryInOrder places summaryMsg where the first prunable
// message used to sit, so the preserved messages around it keep their
// original relative order.
func insertSummaryInOrder(preservedOnly []message.Message, original []message.Message, preservedIdx []int, summary message.Message) []message.Message {
	firstPrunablePos := -1
	preservedSet := map[int]bool{}
	for _, i := range preservedIdx {
		preservedSet[i] = true
	}
	for i := range original {
		if !preservedSet[i] {
			firstPrunablePos = i
			break
		}
	}
	if firstPrunablePos == -1 {
		return append(preservedOnly, summary)
	}

	countBefore := 0
	for _, i := range preservedIdx {
		if i < firstPrunablePos {
			countBefore++
		}
	}

	out := make([]message.Message, 0, len(preservedOnly)+1)
	out = append(out, preservedOnly[:countBefore]...)
	out = append(out, summary)
	out = append(out, preservedOnly[countBefore:]...)
	return out
}
