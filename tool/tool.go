// Package tool implements the tool registry and dispatch executor
// described in spec §4.3: a name-keyed registry of tool definitions,
// and an executor that partitions a batch into parallel and sequential
// calls, enforces advisory permissions, and never lets a tool failure
// escape as an error.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentrun/agent"
	"github.com/kadirpekel/agentrun/internal/metrics"
)

// ============================================================================
// PERMISSIONS
// ============================================================================

// FileSystemAccess is the file-system permission level a tool declares.
type FileSystemAccess string

const (
	FileSystemNone  FileSystemAccess = "none"
	FileSystemRead  FileSystemAccess = "read"
	FileSystemWrite FileSystemAccess = "write"
	FileSystemFull  FileSystemAccess = "full"
)

// NetworkAccess is the network permission level a tool declares.
type NetworkAccess string

const (
	NetworkNone     NetworkAccess = "none"
	NetworkLocal    NetworkAccess = "local"
	NetworkExternal NetworkAccess = "external"
)

// Permissions is the advisory permission descriptor a tool declares.
type Permissions struct {
	FileSystem FileSystemAccess
	Network    NetworkAccess
	Shell      bool
	Env        bool
}

// Policy is the run-wide permission policy the checker compares
// declared tool permissions against.
type Policy struct {
	MaxFileSystem FileSystemAccess
	MaxNetwork    NetworkAccess
	AllowShell    bool
	AllowEnv      bool

	ProjectRoot  string
	AllowedPaths []string // glob patterns, relative to ProjectRoot
	DeniedPaths  []string // glob patterns, relative to ProjectRoot
}

var fsRank = map[FileSystemAccess]int{
	FileSystemNone: 0, FileSystemRead: 1, FileSystemWrite: 2, FileSystemFull: 3,
}

var netRank = map[NetworkAccess]int{
	NetworkNone: 0, NetworkLocal: 1, NetworkExternal: 2,
}

// Check reports whether perm is allowed under policy. It does not
// inspect individual paths; use CheckPath for that.
func (p Policy) Check(perm Permissions) (ok bool, reason string) {
	if fsRank[perm.FileSystem] > fsRank[p.MaxFileSystem] {
		return false, fmt.Sprintf("file_system access %q exceeds policy %q", perm.FileSystem, p.MaxFileSystem)
	}
	if netRank[perm.Network] > netRank[p.MaxNetwork] {
		return false, fmt.Sprintf("network access %q exceeds policy %q", perm.Network, p.MaxNetwork)
	}
	if perm.Shell && !p.AllowShell {
		return false, "shell access denied by policy"
	}
	if perm.Env && !p.AllowEnv {
		return false, "environment access denied by policy"
	}
	return true, ""
}

// CheckPath reports whether the given path (relative to ProjectRoot,
// or absolute but contained within it) is permitted. A path that
// escapes ProjectRoot is always denied; an explicit denied-path match
// takes priority over an allowed-path match.
func (p Policy) CheckPath(relPath string) (ok bool, reason string) {
	if filepath.IsAbs(relPath) {
		rel, err := filepath.Rel(p.ProjectRoot, relPath)
		if p.ProjectRoot == "" || err != nil {
			return false, fmt.Sprintf("path %q escapes project root", relPath)
		}
		relPath = filepath.ToSlash(rel)
	}
	if escapesRoot(relPath) {
		return false, fmt.Sprintf("path %q escapes project root", relPath)
	}
	for _, pattern := range p.DeniedPaths {
		if matched, _ := pathMatch(pattern, relPath); matched {
			return false, fmt.Sprintf("path %q matches denied pattern %q", relPath, pattern)
		}
	}
	if len(p.AllowedPaths) == 0 {
		return true, ""
	}
	for _, pattern := range p.AllowedPaths {
		if matched, _ := pathMatch(pattern, relPath); matched {
			return true, ""
		}
	}
	return false, fmt.Sprintf("path %q does not match any allowed pattern", relPath)
}

// ============================================================================
// EXECUTION CONTEXT
// ============================================================================

// ProjectContext is the immutable project snapshot handed to every
// tool invocation (spec §4.3 "Execution context").
type ProjectContext struct {
	ProjectRoot string
	WorkingDir  string
	Env         map[string]string
}

// SideBandEvent is an out-of-band signal a tool may emit while running
// (progress, file_changed, command_output). The Emit that
// Executor.Dispatch hands to a tool discards these events; they are
// not forwarded to the runtime's event sink.
type SideBandEvent struct {
	Kind string
	Data map[string]any
}

// EmitFunc is how a tool reports a SideBandEvent.
type EmitFunc func(SideBandEvent)

// ExecContext is what Definition.Execute receives for a single call.
type ExecContext struct {
	Context context.Context

	ToolCallID string
	Input      map[string]any

	State agent.State // read-only view; tools must not mutate it

	Project ProjectContext
	Logger  *slog.Logger
	Emit    EmitFunc
}

// Result is the outcome of one tool call. Exactly one of Output or
// Error is meaningful; Error-as-result means a failing tool never
// propagates a Go error out of the executor.
type Result struct {
	ToolCallID string
	Output     any
	Error      string
	Metadata   map[string]any
}

// IsError reports whether this result represents a tool failure.
func (r Result) IsError() bool { return r.Error != "" }

// ============================================================================
// DEFINITION AND REGISTRY
// ============================================================================

// ExecuteFunc runs a single tool call.
type ExecuteFunc func(ExecContext) (Result, error)

// Definition is a registered tool (spec §4.3 "Registry").
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any

	// EndsAgentStep is a hint to the step loop, not enforced here; the
	// end-turn set is computed by the runtime package from the
	// definition's name plus the agent definition's flags.
	EndsAgentStep bool

	RequiresSequential bool

	Permissions Permissions

	Execute ExecuteFunc
}

// LLMToolSchema is the wire shape rendered for inclusion in a provider
// request: name, description, input schema.
type LLMToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Registry is a process-wide, read-mostly name-to-Definition map.
// Register calls are expected at start-up; Get/Render calls happen
// during runs. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema // compiled, keyed by tool name; nil entry means "no schema to enforce"
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition), schemas: make(map[string]*jsonschema.Schema)}
}

// Register adds or replaces a tool definition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def

	r.schemaMu.Lock()
	delete(r.schemas, def.Name) // invalidate any cached compile for a re-registered tool
	r.schemaMu.Unlock()
}

// compiledSchema lazily compiles def.InputSchema and caches the result
// keyed by tool name, so dispatch-time validation (spec §9 "Dynamic
// tool input") does not recompile the schema on every call.
func (r *Registry) compiledSchema(def Definition) (*jsonschema.Schema, error) {
	r.schemaMu.Lock()
	defer r.schemaMu.Unlock()

	if s, ok := r.schemas[def.Name]; ok {
		return s, nil
	}
	if len(def.InputSchema) == 0 {
		r.schemas[def.Name] = nil
		return nil, nil
	}

	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema for %s: %w", def.Name, err)
	}

	resource := def.Name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", def.Name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile input schema for %s: %w", def.Name, err)
	}

	r.schemas[def.Name] = schema
	return schema, nil
}

// Get returns the definition for name, or false if unregistered.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// RenderSchemas returns the LLM-facing schema for each name in names
// that is registered, preserving the order of names and skipping any
// that are not found.
func (r *Registry) RenderSchemas(names []string) []LLMToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]LLMToolSchema, 0, len(names))
	for _, name := range names {
		d, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, LLMToolSchema{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

// ============================================================================
// EXECUTOR
// ============================================================================

// Call is one pending invocation handed to the executor.
type Call struct {
	ToolCallID string
	ToolName   string
	Input      map[string]any
}

// Executor dispatches batches of Calls against a Registry under a
// Policy, implementing spec §4.3's parallel/sequential partition and
// §5's cancellation semantics.
type Executor struct {
	registry *Registry
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewExecutor builds an Executor bound to registry and policy.
func NewExecutor(registry *Registry, policy Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, policy: policy, logger: logger}
}

// SetMetrics attaches a Prometheus metrics sink; nil is accepted and
// disables metrics recording (the default).
func (e *Executor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// Dispatch runs the given ordered batch of calls: parallel tools
// concurrently, then requires_sequential tools one at a time in their
// original relative order, and returns one Result per call, in the
// original request order (spec §4.3, invariant 2 "order preservation").
//
// If ctx is cancelled mid-dispatch, any sequential call not yet
// started is skipped and reported as a cancellation error; calls
// already in flight are allowed to finish or observe ctx themselves.
func (e *Executor) Dispatch(ctx context.Context, state agent.State, project ProjectContext, calls []Call) []Result {
	results := make([]Result, len(calls))

	var parallelIdx, sequentialIdx []int
	for i, c := range calls {
		def, ok := e.registry.Get(c.ToolName)
		if ok && def.RequiresSequential {
			sequentialIdx = append(sequentialIdx, i)
		} else {
			parallelIdx = append(parallelIdx, i)
		}
	}

	if len(parallelIdx) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range parallelIdx {
			idx := idx
			g.Go(func() error {
				results[idx] = e.runOne(gctx, state, project, calls[idx])
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, idx := range sequentialIdx {
		select {
		case <-ctx.Done():
			results[idx] = Result{ToolCallID: calls[idx].ToolCallID, Error: "cancelled before execution"}
			continue
		default:
		}
		results[idx] = e.runOne(ctx, state, project, calls[idx])
	}

	return results
}

func (e *Executor) runOne(ctx context.Context, state agent.State, project ProjectContext, call Call) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{ToolCallID: call.ToolCallID, Error: fmt.Sprintf("tool panicked: %v", r)}
		}
		outcome := "ok"
		if result.IsError() {
			outcome = "error"
		}
		e.metrics.RecordToolCall(call.ToolName, outcome, time.Since(start).Seconds())
	}()

	def, ok := e.registry.Get(call.ToolName)
	if !ok {
		return Result{ToolCallID: call.ToolCallID, Error: fmt.Sprintf("Unknown tool: %s", call.ToolName)}
	}

	if allowed, reason := e.policy.Check(def.Permissions); !allowed {
		return Result{ToolCallID: call.ToolCallID, Error: reason}
	}

	schema, err := e.registry.compiledSchema(def)
	if err != nil {
		return Result{ToolCallID: call.ToolCallID, Error: fmt.Sprintf("invalid input schema: %v", err)}
	}
	if schema != nil {
		if err := schema.Validate(toJSONValue(call.Input)); err != nil {
			return Result{ToolCallID: call.ToolCallID, Error: fmt.Sprintf("invalid tool input: %v", err)}
		}
	}

	execCtx := ExecContext{
		Context:    ctx,
		ToolCallID: call.ToolCallID,
		Input:      call.Input,
		State:      state,
		Project:    project,
		Logger:     e.logger.With("tool", call.ToolName, "tool_call_id", call.ToolCallID),
		Emit:       func(SideBandEvent) {},
	}

	res, err := def.Execute(execCtx)
	if err != nil {
		return Result{ToolCallID: call.ToolCallID, Error: err.Error()}
	}
	res.ToolCallID = call.ToolCallID
	return res
}

// toJSONValue round-trips v through JSON so that it only contains the
// types jsonschema.Validate expects (map[string]any, []any, float64,
// string, bool, nil), even if a provider adapter handed us Go-native
// integers or other non-JSON-decoded values.
func toJSONValue(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return v
	}
	return decoded
}

// ============================================================================
// PATH MATCHING HELPERS
// ============================================================================

var errBadPattern = errors.New("tool: malformed glob pattern")

func pathMatch(pattern, path string) (bool, error) {
	ok, err := globMatch(pattern, path)
	if err != nil {
		return false, errBadPattern
	}
	return ok, nil
}

func escapesRoot(relPath string) bool {
	depth := 0
	for _, seg := range splitPath(relPath) {
		switch seg {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

func splitPath(p string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			parts = append(parts, p[start:i])
			start = i + 1
		}
	}
	parts = append(parts, p[start:])
	return parts
}

// globMatch is a thin wrapper so the implementation can be swapped for
// filepath.Match without touching callers; kept local because
// filepath.Match does not support "**".
func globMatch(pattern, name string) (bool, error) {
	return doubleStarMatch(pattern, name), nil
}

func doubleStarMatch(pattern, name string) bool {
	pParts := splitPath(pattern)
	nParts := splitPath(name)
	return matchParts(pParts, nParts)
}

func matchParts(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchParts(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchParts(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	if matched, _ := simpleSegmentMatch(pattern[0], name[0]); !matched {
		return false
	}
	return matchParts(pattern[1:], name[1:])
}

func simpleSegmentMatch(pattern, segment string) (bool, error) {
	return segmentGlob(pattern, segment), nil
}

// segmentGlob supports '*' (any run of characters) within one path
// segment.
func segmentGlob(pattern, segment string) bool {
	if pattern == "*" {
		return true
	}
	pi, si := 0, 0
	starIdx, match := -1, 0
	for si < len(segment) {
		if pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == segment[si]) {
			pi++
			si++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			match = si
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			match++
			si = match
		} else {
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
