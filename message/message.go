// Package message defines the immutable conversation message model shared
// by the step loop, the tool executor, and the context pruner.
package message

// Role identifies which of the four message shapes a Message carries.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TTL is a lifecycle trigger that causes automatic removal of a message
// once the matching event fires (see pruning.ExpireTTL).
type TTL string

const (
	// TTLNone means the message has no automatic expiration.
	TTLNone TTL = ""
	// TTLUserPrompt expires when a new user prompt is seeded into the run.
	TTLUserPrompt TTL = "user_prompt"
	// TTLAgentStep expires at the start of every step-loop iteration.
	TTLAgentStep TTL = "agent_step"
	// TTLForever never expires via TTL (it may still be pruned for tokens
	// unless pinned with KeepDuringTruncation).
	TTLForever TTL = "forever"
)

// Well-known tags used by the step loop and pruner. Callers may also use
// their own tag strings; these are just the ones the core assigns.
const (
	TagUserPrompt        = "USER_PROMPT"
	TagStepPrompt        = "STEP_PROMPT"
	TagInstructionPrompt = "INSTRUCTIONS_PROMPT"
	TagError             = "ERROR"
	TagContextSummary    = "CONTEXT_SUMMARY"
)

// PartType distinguishes the two kinds of user-message part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// Part is one element of a multi-part user message.
type Part struct {
	Type PartType

	// Text is set when Type == PartText.
	Text string

	// ImageURL and MediaType are set when Type == PartImage.
	ImageURL  string
	MediaType string
}

// TextPart builds a text Part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ImagePart builds an image Part. mediaType may be empty if unknown.
func ImagePart(url, mediaType string) Part {
	return Part{Type: PartImage, ImageURL: url, MediaType: mediaType}
}

// ToolCall is a single tool invocation requested by the assistant.
type ToolCall struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any
}

// Message is an immutable conversation entry. Which fields are meaningful
// depends on Role:
//
//	system:    Content
//	user:      Content (if Parts is nil) or Parts (ordered text/image parts)
//	assistant: Content plus optional ToolCalls
//	tool:      ToolName, ToolCallID, and Content or StructuredContent
//
// Every non-system message may additionally carry Tags, TimeToLive, and
// KeepDuringTruncation. Messages are never mutated in place; the With*
// helpers return a modified copy.
type Message struct {
	Role Role

	Content string
	Parts   []Part

	ToolCalls []ToolCall

	ToolName           string
	ToolCallID         string
	StructuredContent  any
	hasStructuredValue bool

	tags                 map[string]struct{}
	timeToLive           TTL
	keepDuringTruncation bool
}

// System builds a system message. System messages never carry lifecycle
// attributes: they are never expired or pruned.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserText builds a single-string user message.
func UserText(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// UserParts builds a multi-part user message (text and/or image parts).
func UserParts(parts ...Part) Message {
	return Message{Role: RoleUser, Parts: append([]Part(nil), parts...)}
}

// Assistant builds an assistant message with accumulated text and any
// tool calls the model requested.
func Assistant(content string, toolCalls ...ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: append([]ToolCall(nil), toolCalls...),
	}
}

// ToolResultText builds a tool-result message carrying plain text content.
func ToolResultText(toolName, toolCallID, content string) Message {
	return Message{Role: RoleTool, ToolName: toolName, ToolCallID: toolCallID, Content: content}
}

// ToolResultValue builds a tool-result message carrying a structured JSON
// value instead of plain text.
func ToolResultValue(toolName, toolCallID string, value any) Message {
	return Message{Role: RoleTool, ToolName: toolName, ToolCallID: toolCallID, StructuredContent: value, hasStructuredValue: true}
}

// HasStructuredContent reports whether StructuredContent (rather than
// Content) is the meaningful payload of a tool message.
func (m Message) HasStructuredContent() bool {
	return m.hasStructuredValue
}

// Text returns the plain-text rendering of the message content: Content
// for system/assistant/tool messages, or the concatenation of text parts
// for a part-based user message.
func (m Message) Text() string {
	if m.Role == RoleUser && m.Parts != nil {
		out := ""
		for _, p := range m.Parts {
			if p.Type == PartText {
				out += p.Text
			}
		}
		return out
	}
	return m.Content
}

// WithTags returns a copy of m with the given tags added.
func (m Message) WithTags(tags ...string) Message {
	if len(tags) == 0 {
		return m
	}
	next := make(map[string]struct{}, len(m.tags)+len(tags))
	for t := range m.tags {
		next[t] = struct{}{}
	}
	for _, t := range tags {
		next[t] = struct{}{}
	}
	m.tags = next
	return m
}

// HasTag reports whether m carries the given tag.
func (m Message) HasTag(tag string) bool {
	if m.tags == nil {
		return false
	}
	_, ok := m.tags[tag]
	return ok
}

// Tags returns the set of tags on m, in no particular order.
func (m Message) Tags() []string {
	out := make([]string, 0, len(m.tags))
	for t := range m.tags {
		out = append(out, t)
	}
	return out
}

// WithTimeToLive returns a copy of m with the given TTL trigger set.
// System messages ignore this (they are never expired).
func (m Message) WithTimeToLive(ttl TTL) Message {
	if m.Role == RoleSystem {
		return m
	}
	m.timeToLive = ttl
	return m
}

// TimeToLive returns the message's TTL trigger, or TTLNone if unset.
func (m Message) TimeToLive() TTL {
	return m.timeToLive
}

// WithKeepDuringTruncation returns a copy of m pinned (or unpinned)
// against removal by the token-budget pruner.
func (m Message) WithKeepDuringTruncation(keep bool) Message {
	m.keepDuringTruncation = keep
	return m
}

// KeepDuringTruncation reports whether m is pinned against pruning.
func (m Message) KeepDuringTruncation() bool {
	return m.keepDuringTruncation
}

// History is an immutable, ordered list of messages. Append always
// returns a new History sharing no mutable backing array with the
// original, so a History snapshot handed to a concurrent reader (e.g. a
// spawned sub-agent) remains valid for its lifetime.
type History struct {
	messages []Message
}

// NewHistory builds a History from the given messages, in order.
func NewHistory(messages ...Message) History {
	return History{messages: append([]Message(nil), messages...)}
}

// Append returns a new History with msg inserted at the end.
func (h History) Append(msg Message) History {
	next := make([]Message, len(h.messages), len(h.messages)+1)
	copy(next, h.messages)
	next = append(next, msg)
	return History{messages: next}
}

// AppendAll returns a new History with msgs inserted at the end, in order.
func (h History) AppendAll(msgs ...Message) History {
	if len(msgs) == 0 {
		return h
	}
	next := make([]Message, len(h.messages), len(h.messages)+len(msgs))
	copy(next, h.messages)
	next = append(next, msgs...)
	return History{messages: next}
}

// Replace returns a new History whose messages are replaced wholesale
// (used by the pruner and by TTL expiration).
func Replace(msgs []Message) History {
	return History{messages: append([]Message(nil), msgs...)}
}

// Messages returns the ordered slice of messages. The returned slice
// must be treated as read-only by callers.
func (h History) Messages() []Message {
	return h.messages
}

// Len returns the number of messages in the history.
func (h History) Len() int {
	return len(h.messages)
}

// Last returns the last message and true, or the zero Message and false
// if the history is empty.
func (h History) Last() (Message, bool) {
	if len(h.messages) == 0 {
		return Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}
