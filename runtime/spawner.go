package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/agentrun/agent"
)

// SpawnRequest is one entry of a spawn_agents batch (spec §4.4).
type SpawnRequest struct {
	AgentID string
	Prompt  string
	Params  map[string]any
}

// SpawnResult is the outcome of one spawned child run, folded into the
// parent's spawn_agents tool result.
type SpawnResult struct {
	AgentID string
	RunID   string
	Success bool
	Output  any
	Error   string
	Cost    float64
}

// subAgentMaxSteps is the reduced step budget given to a spawned
// child run (spec §4.4 "a reduced budget (e.g. 20)").
const subAgentMaxSteps = 20

// spawnAgents implements the spawn_agents primitive: depth/concurrency
// bounds, batched parallel execution, and cost/output folding (spec
// §4.4, invariant 6 "depth bound").
func (rt *Runtime) spawnAgents(ctx context.Context, parent agent.State, requests []SpawnRequest) []SpawnResult {
	// A spawned child sits one level below parent; the batch fails when
	// that child's depth would reach the configured limit.
	depth := parent.Depth() + 1
	if depth >= rt.maxAgentDepth {
		out := make([]SpawnResult, len(requests))
		for i := range requests {
			out[i] = SpawnResult{
				AgentID: requests[i].AgentID,
				Success: false,
				Error:   fmt.Sprintf("Max agent depth (%d) exceeded", rt.maxAgentDepth),
			}
		}
		return out
	}

	results := make([]SpawnResult, len(requests))

	batchSize := rt.maxConcurrentAgents
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(requests); start += batchSize {
		end := start + batchSize
		if end > len(requests) {
			end = len(requests)
		}
		rt.runBatch(ctx, parent, requests[start:end], results[start:end])
	}

	return results
}

func (rt *Runtime) runBatch(ctx context.Context, parent agent.State, requests []SpawnRequest, out []SpawnResult) {
	var wg sync.WaitGroup
	for i := range requests {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = rt.runChild(ctx, parent, requests[i])
		}()
	}
	wg.Wait()
}

func (rt *Runtime) runChild(ctx context.Context, parent agent.State, req SpawnRequest) SpawnResult {
	def, ok := rt.agents[req.AgentID]
	if !ok {
		return SpawnResult{AgentID: req.AgentID, Success: false, Error: fmt.Sprintf("unknown agent id: %s", req.AgentID)}
	}

	childRunID := uuid.NewString()
	toolMeta := rt.toolMetadataFor(def.ToolNames)
	childState := agent.ChildState(parent, childRunID, def.ID, subAgentMaxSteps, def.SystemPrompt, toolMeta, time.Now())
	childState = childState.AppendMessage(seedUserPrompt(req.Prompt))
	for k, v := range req.Params {
		childState = childState.WithContextValue(k, v)
	}

	finalState, result, totalCost := rt.runInternal(ctx, def, childState, NullSink)
	_ = finalState

	if result.Type == ResultError {
		return SpawnResult{AgentID: def.ID, RunID: childRunID, Success: false, Error: result.Error, Cost: totalCost}
	}

	var output any
	if result.Data != nil {
		output = result.Data
	} else {
		output = result.Message
	}
	return SpawnResult{AgentID: def.ID, RunID: childRunID, Success: true, Output: output, Cost: totalCost}
}
