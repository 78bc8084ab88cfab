// Package tracer implements the per-run span tree of spec §4.9: a
// stack of open spans, JSON export, and an aggregate summary. It is
// also wired into OpenTelemetry so spans are exported through a
// standard trace pipeline in addition to the bespoke JSON document the
// spec requires.
package tracer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SpanType is the kind of work a span represents.
type SpanType string

const (
	SpanAgent  SpanType = "agent"
	SpanStep   SpanType = "step"
	SpanLLM    SpanType = "llm"
	SpanTool   SpanType = "tool"
	SpanCustom SpanType = "custom"
)

// Status is the terminal status of a closed span.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Event is a timestamped point-in-time note attached to a span.
type Event struct {
	At   time.Time      `json:"at"`
	Name string         `json:"name"`
	Data map[string]any `json:"data,omitempty"`
}

// Span is one node of the trace tree.
type Span struct {
	ID         string         `json:"id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Name       string         `json:"name"`
	Type       SpanType       `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Events     []Event        `json:"events,omitempty"`

	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Status   Status        `json:"status,omitempty"`
	Error    string        `json:"error,omitempty"`

	otelSpan trace.Span
}

// Summary aggregates statistics across every closed span in a run.
type Summary struct {
	StepCount     int            `json:"step_count"`
	LLMCallCount  int            `json:"llm_call_count"`
	ToolCallCount int            `json:"tool_call_count"`
	PromptTokens  int            `json:"prompt_tokens"`
	CompletionTok int            `json:"completion_tokens"`
	TotalCost     float64        `json:"total_cost"`
	ToolCounts    map[string]int `json:"tool_counts,omitempty"`
	ToolDurations map[string]time.Duration `json:"tool_durations,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
}

// Document is the exported JSON trace tree.
type Document struct {
	TraceID  string    `json:"trace_id"`
	AgentID  string    `json:"agent_id"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration time.Duration `json:"duration"`
	Spans    []Span    `json:"spans"`
	Summary  Summary   `json:"summary"`
}

// Tracer owns one run's span tree. It is safe for concurrent use:
// every method serialises on an internal mutex.
type Tracer struct {
	mu sync.Mutex

	traceID string
	agentID string
	start   time.Time
	end     time.Time

	spans      []Span
	spanByID   map[string]int // index into spans
	stack      []string       // open span id stack; top is current parent

	otelTracer trace.Tracer
	otelSpans  map[string]trace.Span
}

// New builds a Tracer for one run. otelTracer may be nil, in which
// case OTel export is skipped and only the JSON document is produced.
func New(agentID string, otelTracer trace.Tracer) *Tracer {
	return &Tracer{
		traceID:    uuid.NewString(),
		agentID:    agentID,
		start:      time.Now(),
		spanByID:   map[string]int{},
		otelTracer: otelTracer,
		otelSpans:  map[string]trace.Span{},
	}
}

// StartSpan opens a new span whose parent is the current open span (or
// the root if none is open), and returns its id.
func (t *Tracer) StartSpan(name string, typ SpanType, attrs map[string]any) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	var parentID string
	if len(t.stack) > 0 {
		parentID = t.stack[len(t.stack)-1]
	}

	span := Span{
		ID:         id,
		ParentID:   parentID,
		Name:       name,
		Type:       typ,
		Attributes: attrs,
		Start:      time.Now(),
	}

	if t.otelTracer != nil {
		_, otelSpan := t.otelTracer.Start(context.Background(), name, trace.WithAttributes(toOtelAttrs(attrs)...))
		t.otelSpans[id] = otelSpan
	}

	t.spans = append(t.spans, span)
	t.spanByID[id] = len(t.spans) - 1
	t.stack = append(t.stack, id)
	return id
}

// AddEvent attaches a timestamped event to the given span.
func (t *Tracer) AddEvent(spanID, name string, data map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.spanByID[spanID]
	if !ok {
		return
	}
	t.spans[idx].Events = append(t.spans[idx].Events, Event{At: time.Now(), Name: name, Data: data})
}

// EndSpan closes the given span with the given status, restoring the
// parent as the current open span.
func (t *Tracer) EndSpan(spanID string, status Status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.spanByID[spanID]
	if !ok {
		return
	}
	now := time.Now()
	t.spans[idx].End = now
	t.spans[idx].Duration = now.Sub(t.spans[idx].Start)
	t.spans[idx].Status = status
	t.spans[idx].Error = errMsg

	if os, ok := t.otelSpans[spanID]; ok {
		if status == StatusError {
			os.RecordError(fmt.Errorf("%s", errMsg))
		}
		os.End()
		delete(t.otelSpans, spanID)
	}

	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == spanID {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
}

// Finish marks the run's trace as complete (sets Document.End).
func (t *Tracer) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.end = time.Now()
}

// Export renders the full JSON trace document, aggregating Summary
// from every closed span.
func (t *Tracer) Export() Document {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := t.end
	if end.IsZero() {
		end = time.Now()
	}

	summary := Summary{ToolCounts: map[string]int{}, ToolDurations: map[string]time.Duration{}}
	for _, s := range t.spans {
		if s.End.IsZero() {
			continue
		}
		switch s.Type {
		case SpanStep:
			summary.StepCount++
		case SpanLLM:
			summary.LLMCallCount++
			if v, ok := s.Attributes["prompt_tokens"].(int); ok {
				summary.PromptTokens += v
			}
			if v, ok := s.Attributes["completion_tokens"].(int); ok {
				summary.CompletionTok += v
			}
			if v, ok := s.Attributes["cost"].(float64); ok {
				summary.TotalCost += v
			}
		case SpanTool:
			summary.ToolCallCount++
			if name, ok := s.Attributes["tool_name"].(string); ok {
				summary.ToolCounts[name]++
				summary.ToolDurations[name] += s.Duration
			}
		}
		if s.Status == StatusError {
			summary.Errors = append(summary.Errors, s.Error)
		}
	}

	return Document{
		TraceID:  t.traceID,
		AgentID:  t.agentID,
		Start:    t.start,
		End:      end,
		Duration: end.Sub(t.start),
		Spans:    append([]Span(nil), t.spans...),
		Summary:  summary,
	}
}

// MarshalJSON renders the current export as JSON, for convenience.
func (t *Tracer) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Export())
}

func toOtelAttrs(attrs map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case int64:
			out = append(out, attribute.Int64(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		default:
			out = append(out, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return out
}
