package runtime

import "github.com/kadirpekel/agentrun/llm"

// EventKind discriminates the event stream entries of spec §6.
type EventKind string

const (
	EventStepStart        EventKind = "step_start"
	EventStepEnd          EventKind = "step_end"
	EventLLMRequest       EventKind = "llm_request"
	EventLLMText          EventKind = "llm_text"
	EventLLMResponse      EventKind = "llm_response"
	EventToolStart        EventKind = "tool_start"
	EventToolResult       EventKind = "tool_result"
	EventToolSideBand     EventKind = "tool_event"
	EventError            EventKind = "error"
	EventStepLimitReached EventKind = "step_limit_reached"
	EventRunComplete      EventKind = "run_complete"
)

// Event is one entry of the ordered event stream a caller-supplied
// Sink receives during a run (spec §6, invariant 10 "event ordering").
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	StepNumber int
	AgentID    string

	ShouldContinue bool

	Model        string
	MessageCount int
	Text         string
	Content      string
	ToolCalls    []llm.ToolCall
	Usage        llm.Usage

	ToolName   string
	ToolCallID string
	Input      map[string]any
	Result     any

	SideBandKind string
	SideBandData map[string]any

	Err     string
	Context map[string]any

	Output    any
	TotalCost float64
}

// Sink receives ordered events during a run. Implementations must be
// non-blocking (spec §5 "the event sink is expected to be
// non-blocking"); a slow or buffering sink is the caller's
// responsibility, not the loop's.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// NullSink discards every event.
var NullSink Sink = SinkFunc(func(Event) {})
