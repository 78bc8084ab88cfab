// Package agent defines the agent blueprint (Definition) and the
// per-run mutable-by-replacement state (State) that the step loop
// drives from prompt to output.
package agent

import (
	"time"

	"github.com/kadirpekel/agentrun/message"
)

// OutputMode selects how the step loop derives the run's final output
// when the "output" field on state was never explicitly set.
type OutputMode string

const (
	OutputLastMessage      OutputMode = "last_message"
	OutputAllMessages      OutputMode = "all_messages"
	OutputStructuredOutput OutputMode = "structured_output"
)

// StepKind is the discriminator for a value yielded by a StepGenerator.
type StepKind string

const (
	// StepKindStep means "let the LLM run one step."
	StepKindStep StepKind = "step"
	// StepKindStepAll means "let the LLM run until it ends the turn naturally."
	StepKindStepAll StepKind = "step_all"
	// StepKindTool is a direct tool-call yield.
	StepKindTool StepKind = "tool"
	// StepKindDone means the generator has nothing further to yield;
	// the loop should end the turn.
	StepKindDone StepKind = "done"
)

// ToolYield is the payload of a StepKindTool yield.
type ToolYield struct {
	ToolName   string
	Input      map[string]any
	// IncludeToolCall, when false, suppresses appending the synthesized
	// assistant tool-call message and tool-result message to history.
	// Defaults to true: a nil pointer means true (see
	// IncludeToolCallOrDefault).
	IncludeToolCall *bool
}

// IncludeToolCallOrDefault returns y.IncludeToolCall's value, defaulting
// to true when unset.
func (y ToolYield) IncludeToolCallOrDefault() bool {
	if y.IncludeToolCall == nil {
		return true
	}
	return *y.IncludeToolCall
}

// Yield is the value produced by a StepGenerator.Advance call: exactly
// one of the StepKind variants, with Tool populated only for
// StepKindTool.
type Yield struct {
	Kind StepKind
	Tool ToolYield
}

// Resume is what the step loop hands back into a StepGenerator on each
// advance: the current state, whether the prior LLM step completed a
// full turn, and any sub-agent response summaries gathered since the
// last advance.
type Resume struct {
	State         State
	StepsComplete bool
	SubAgentInfo  []SubAgentSummary
}

// SubAgentSummary is a condensed view of a completed spawn_agents child
// run, handed back into the step generator's next Resume.
type SubAgentSummary struct {
	AgentID string
	RunID   string
	Success bool
	Output  any
	Error   string
	Cost    float64
}

// StepGenerator is the programmatic-step contract from spec §4.2 and
// the "coroutine step handler" design note: an explicit state machine
// rather than a source-level generator. Advance is called once per
// step-loop iteration with the latest Resume and returns the next
// Yield. Implementations are not required to be safe for concurrent
// use; the step loop calls Advance from a single goroutine per run.
type StepGenerator interface {
	Advance(resume Resume) Yield
}

// StepGeneratorFunc adapts a plain function to StepGenerator.
type StepGeneratorFunc func(Resume) Yield

func (f StepGeneratorFunc) Advance(r Resume) Yield { return f(r) }

// ReflectionCheck is an optional post-turn hook (see SUPPLEMENTED
// FEATURES): run right before the step loop returns success, it may
// veto completion by returning ok=false and a reason, in which case
// the run ends with an error Result carrying the reason; the loop does
// not continue.
type ReflectionCheck func(State) (ok bool, reason string)

// ToolMetadata is the schema/description pair the runtime exposes for
// a tool visible to a given run, independent of the tool registry's
// own bookkeeping (so that a sub-agent can see a restricted subset).
type ToolMetadata struct {
	Description string
	Schema      map[string]any
}

// Definition is the immutable agent blueprint (spec §3 "Agent
// definition"). Definitions are constructed once at start-up and
// never mutated afterward; they are safe to share across concurrent
// runs.
type Definition struct {
	ID          string
	Name        string
	Model       string // "<provider>/<model-name>"
	ToolNames   []string
	SubAgentIDs []string

	SystemPrompt      string
	InstructionPrompt string
	StepPrompt        string

	IncludeMessageHistory bool
	SetOutputEndsRun      bool

	StepGenerator StepGenerator

	InputSchema  map[string]any
	OutputSchema map[string]any
	OutputMode   OutputMode

	ReflectionCheck ReflectionCheck

	// MaxSteps is the initial steps_remaining for a root run of this
	// definition; sub-agent runs use a reduced budget (see spawner).
	MaxSteps int
}

// State is the immutable-except-by-replacement per-run state (spec §3
// "Agent state"). Every mutator below returns a new State; the
// original is left untouched, so a reference handed to a concurrent
// reader (e.g. while a sub-agent batch runs) stays valid.
type State struct {
	RunID       string
	AgentID     string
	ParentID    string
	AncestorIDs []string
	ChildRunIDs []string

	History      message.History
	SystemPrompt string

	ToolMetadata map[string]ToolMetadata

	Output      any
	HasOutput   bool
	StepsRemaining int
	CreditsUsed float64

	Context map[string]any

	CreatedAt time.Time
}

// New constructs a fresh root State for the given definition.
func New(runID, agentID string, steps int, systemPrompt string, toolMeta map[string]ToolMetadata, now time.Time) State {
	return State{
		RunID:          runID,
		AgentID:        agentID,
		AncestorIDs:    nil,
		ChildRunIDs:    nil,
		History:        message.NewHistory(),
		SystemPrompt:   systemPrompt,
		ToolMetadata:   toolMeta,
		StepsRemaining: steps,
		Context:        map[string]any{},
		CreatedAt:      now,
	}
}

// Depth returns the number of ancestors, i.e. the spawn depth of this
// run (a root run has depth 0).
func (s State) Depth() int {
	return len(s.AncestorIDs)
}

// WithHistory returns a copy of s with its history replaced.
func (s State) WithHistory(h message.History) State {
	s.History = h
	return s
}

// AppendMessage returns a copy of s with msg appended to the history.
func (s State) AppendMessage(msg message.Message) State {
	s.History = s.History.Append(msg)
	return s
}

// AppendMessages returns a copy of s with msgs appended to the history,
// in order.
func (s State) AppendMessages(msgs ...message.Message) State {
	s.History = s.History.AppendAll(msgs...)
	return s
}

// WithOutput returns a copy of s with its output set. Once set, Output
// is treated as present regardless of its underlying value (including
// nil), matching the "top-level output field" semantics of §4.1 step 9.
func (s State) WithOutput(v any) State {
	s.Output = v
	s.HasOutput = true
	return s
}

// WithStepsRemaining returns a copy of s with steps_remaining replaced.
// A negative n is clamped to zero.
func (s State) WithStepsRemaining(n int) State {
	if n < 0 {
		n = 0
	}
	s.StepsRemaining = n
	return s
}

// DecrementSteps returns a copy of s with steps_remaining reduced by
// one, floored at zero.
func (s State) DecrementSteps() State {
	return s.WithStepsRemaining(s.StepsRemaining - 1)
}

// AddCost returns a copy of s with credits_used increased by delta.
// A negative delta is treated as zero, so credits_used never decreases.
func (s State) AddCost(delta float64) State {
	if delta < 0 {
		delta = 0
	}
	s.CreditsUsed += delta
	return s
}

// WithContextValue returns a copy of s with context[key] set to value.
func (s State) WithContextValue(key string, value any) State {
	next := make(map[string]any, len(s.Context)+1)
	for k, v := range s.Context {
		next[k] = v
	}
	next[key] = value
	s.Context = next
	return s
}

// ChildState builds the initial state for a sub-agent spawned from s.
// The child's ancestor chain is s's chain plus s's own run id; its
// steps_remaining is the provided reduced budget.
func ChildState(parent State, childRunID, childAgentID string, steps int, systemPrompt string, toolMeta map[string]ToolMetadata, now time.Time) State {
	ancestors := make([]string, len(parent.AncestorIDs)+1)
	copy(ancestors, parent.AncestorIDs)
	ancestors[len(parent.AncestorIDs)] = parent.RunID

	return State{
		RunID:          childRunID,
		AgentID:        childAgentID,
		ParentID:       parent.RunID,
		AncestorIDs:    ancestors,
		History:        message.NewHistory(),
		SystemPrompt:   systemPrompt,
		ToolMetadata:   toolMeta,
		StepsRemaining: steps,
		Context:        map[string]any{},
		CreatedAt:      now,
	}
}

// WithChildRunID returns a copy of s with childRunID appended to the
// list of child run ids.
func (s State) WithChildRunID(childRunID string) State {
	next := make([]string, len(s.ChildRunIDs), len(s.ChildRunIDs)+1)
	copy(next, s.ChildRunIDs)
	next = append(next, childRunID)
	s.ChildRunIDs = next
	return s
}
