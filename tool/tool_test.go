package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrun/agent"
)

func TestPolicy_Check(t *testing.T) {
	policy := Policy{MaxFileSystem: FileSystemRead, MaxNetwork: NetworkNone, AllowShell: false, AllowEnv: true}

	cases := []struct {
		name   string
		perm   Permissions
		wantOK bool
	}{
		{"read within policy", Permissions{FileSystem: FileSystemRead}, true},
		{"write exceeds read-only policy", Permissions{FileSystem: FileSystemWrite}, false},
		{"network denied", Permissions{Network: NetworkLocal}, false},
		{"shell denied", Permissions{Shell: true}, false},
		{"env allowed", Permissions{Env: true}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ok, reason := policy.Check(c.perm)
			assert.Equal(t, c.wantOK, ok)
			if !c.wantOK {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestPolicy_CheckPath(t *testing.T) {
	policy := Policy{
		AllowedPaths: []string{"src/**"},
		DeniedPaths:  []string{"src/secrets/**"},
	}

	ok, _ := policy.CheckPath("src/main.go")
	assert.True(t, ok)

	ok, _ = policy.CheckPath("src/secrets/key.pem")
	assert.False(t, ok, "denied pattern takes priority over allowed")

	ok, _ = policy.CheckPath("other/file.go")
	assert.False(t, ok, "outside the allow-list")

	ok, _ = policy.CheckPath("../etc/passwd")
	assert.False(t, ok, "must not escape the project root")
}

func TestPolicy_CheckPathNoAllowListMeansAllowAll(t *testing.T) {
	policy := Policy{DeniedPaths: []string{"secrets/**"}}

	ok, _ := policy.CheckPath("anything/goes.go")
	assert.True(t, ok)

	ok, _ = policy.CheckPath("secrets/key.pem")
	assert.False(t, ok)
}

func TestRegistry_RenderSchemasPreservesOrderAndSkipsMissing(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{Name: "b", Description: "tool b"})
	reg.Register(Definition{Name: "a", Description: "tool a"})

	schemas := reg.RenderSchemas([]string{"a", "missing", "b"})
	require.Len(t, schemas, 2)
	assert.Equal(t, "a", schemas[0].Name)
	assert.Equal(t, "b", schemas[1].Name)
}

func execContext() (context.Context, agent.State, ProjectContext) {
	return context.Background(), agent.New("run-1", "agent-1", 5, "", nil, time.Now()), ProjectContext{}
}

func TestExecutor_UnknownTool(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(reg, Policy{}, nil)
	ctx, state, proj := execContext()

	results := exec.Dispatch(ctx, state, proj, []Call{{ToolCallID: "1", ToolName: "nope"}})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
}

func TestExecutor_PolicyDenial(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name:        "shell_exec",
		Permissions: Permissions{Shell: true},
		Execute: func(ExecContext) (Result, error) {
			return Result{Output: "ran"}, nil
		},
	})
	exec := NewExecutor(reg, Policy{AllowShell: false}, nil)
	ctx, state, proj := execContext()

	results := exec.Dispatch(ctx, state, proj, []Call{{ToolCallID: "1", ToolName: "shell_exec"}})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
}

func TestExecutor_SchemaValidationRejectsBadInput(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name: "greet",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"name": map[string]any{"type": "string"}},
			"required":             []any{"name"},
			"additionalProperties": false,
		},
		Execute: func(ExecContext) (Result, error) {
			return Result{Output: "hi"}, nil
		},
	})
	exec := NewExecutor(reg, Policy{}, nil)
	ctx, state, proj := execContext()

	// missing required field
	results := exec.Dispatch(ctx, state, proj, []Call{{ToolCallID: "1", ToolName: "greet", Input: map[string]any{}}})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())

	// valid input passes through to Execute
	results = exec.Dispatch(ctx, state, proj, []Call{{ToolCallID: "2", ToolName: "greet", Input: map[string]any{"name": "ada"}}})
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError())
	assert.Equal(t, "hi", results[0].Output)
}

func TestExecutor_PanicRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name: "boom",
		Execute: func(ExecContext) (Result, error) {
			panic("kaboom")
		},
	})
	exec := NewExecutor(reg, Policy{}, nil)
	ctx, state, proj := execContext()

	results := exec.Dispatch(ctx, state, proj, []Call{{ToolCallID: "1", ToolName: "boom"}})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError())
	assert.Contains(t, results[0].Error, "panicked")
}

func TestExecutor_SequentialToolsRunInOrder(t *testing.T) {
	reg := NewRegistry()
	var order []string
	reg.Register(Definition{
		Name:               "seq",
		RequiresSequential: true,
		Execute: func(ec ExecContext) (Result, error) {
			order = append(order, ec.ToolCallID)
			return Result{Output: "ok"}, nil
		},
	})
	exec := NewExecutor(reg, Policy{}, nil)
	ctx, state, proj := execContext()

	calls := []Call{
		{ToolCallID: "1", ToolName: "seq"},
		{ToolCallID: "2", ToolName: "seq"},
		{ToolCallID: "3", ToolName: "seq"},
	}
	results := exec.Dispatch(ctx, state, proj, calls)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"1", "2", "3"}, order)
	for _, r := range results {
		assert.False(t, r.IsError())
	}
}

func TestExecutor_ResultsPreserveOriginalOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Definition{
		Name: "parallel_tool",
		Execute: func(ec ExecContext) (Result, error) {
			return Result{Output: ec.ToolCallID}, nil
		},
	})
	exec := NewExecutor(reg, Policy{}, nil)
	ctx, state, proj := execContext()

	calls := []Call{
		{ToolCallID: "a", ToolName: "parallel_tool"},
		{ToolCallID: "b", ToolName: "parallel_tool"},
		{ToolCallID: "c", ToolName: "parallel_tool"},
	}
	results := exec.Dispatch(ctx, state, proj, calls)

	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Output)
	assert.Equal(t, "b", results[1].Output)
	assert.Equal(t, "c", results[2].Output)
}

func TestGlobMatch_DoubleStar(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"src/**", "src/a/b/c.go", true},
		{"src/**", "src/a.go", true},
		{"src/*.go", "src/a.go", true},
		{"src/*.go", "src/a/b.go", false},
		{"**/test.go", "a/b/test.go", true},
	}
	for _, c := range cases {
		got, err := pathMatch(c.pattern, c.path)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "pattern=%s path=%s", c.pattern, c.path)
	}
}
