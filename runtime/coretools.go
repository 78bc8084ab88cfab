package runtime

import (
	"encoding/json"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/agentrun/tool"
)

// Names of the core, always-registered tools named directly by the
// step-loop algorithm (spec §4.1 step 10, §4.4).
const (
	ToolEndTurn       = "end_turn"
	ToolTaskCompleted = "task_completed"
	ToolSetOutput     = "set_output"
	ToolSpawnAgents   = "spawn_agents"
)

type endTurnInput struct {
	Message string `json:"message" jsonschema:"description=Final message to the caller"`
}

type taskCompletedInput struct {
	Summary string `json:"summary" jsonschema:"description=Summary of the completed task"`
}

type setOutputInput struct {
	Output any `json:"output" jsonschema:"description=Structured output value for the run"`
}

type spawnAgentRequest struct {
	AgentID string         `json:"agent_id"`
	Prompt  string         `json:"prompt"`
	Params  map[string]any `json:"params,omitempty"`
}

type spawnAgentsInput struct {
	Requests []spawnAgentRequest `json:"requests" jsonschema:"description=Batch of sub-agent spawn requests"`
}

// schemaFor generates a tool input schema from a Go struct with the
// invopop reflector: json tags name the fields, jsonschema tags carry
// description/required/enum metadata.
func schemaFor(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}

// registerCoreTools installs the tool definitions named directly by
// the step loop's algorithm. end_turn and task_completed carry no
// side effects beyond signalling completion; set_output records the
// run's output; spawn_agents re-enters the step loop via rt.spawnAgents.
func (rt *Runtime) registerCoreTools() {
	rt.tools.Register(tool.Definition{
		Name:          ToolEndTurn,
		Description:   "Signal that the current turn is complete.",
		InputSchema:   schemaFor(endTurnInput{}),
		EndsAgentStep: true,
		Execute: func(ec tool.ExecContext) (tool.Result, error) {
			message, _ := ec.Input["message"].(string)
			return tool.Result{Output: map[string]any{"ended": true, "message": message}}, nil
		},
	})

	rt.tools.Register(tool.Definition{
		Name:          ToolTaskCompleted,
		Description:   "Signal that the overall task has been completed.",
		InputSchema:   schemaFor(taskCompletedInput{}),
		EndsAgentStep: true,
		Execute: func(ec tool.ExecContext) (tool.Result, error) {
			summary, _ := ec.Input["summary"].(string)
			return tool.Result{Output: map[string]any{"ended": true, "summary": summary}}, nil
		},
	})

	rt.tools.Register(tool.Definition{
		Name:        ToolSetOutput,
		Description: "Set the structured output value for this run.",
		InputSchema: schemaFor(setOutputInput{}),
		Execute: func(ec tool.ExecContext) (tool.Result, error) {
			value, ok := ec.Input["output"]
			if !ok {
				return tool.Result{Error: "set_output requires an 'output' field"}, nil
			}
			return tool.Result{Output: map[string]any{"output": value}}, nil
		},
	})

	rt.tools.Register(tool.Definition{
		Name:        ToolSpawnAgents,
		Description: "Spawn one or more sub-agent runs and collect their outputs.",
		InputSchema: schemaFor(spawnAgentsInput{}),
		Execute: func(ec tool.ExecContext) (tool.Result, error) {
			rawRequests, _ := ec.Input["requests"].([]any)
			requests := make([]SpawnRequest, 0, len(rawRequests))
			for _, r := range rawRequests {
				m, ok := r.(map[string]any)
				if !ok {
					continue
				}
				agentID, _ := m["agent_id"].(string)
				prompt, _ := m["prompt"].(string)
				params, _ := m["params"].(map[string]any)
				requests = append(requests, SpawnRequest{AgentID: agentID, Prompt: prompt, Params: params})
			}

			results := rt.spawnAgents(ec.Context, ec.State, requests)

			childIDs := make([]string, 0, len(results))
			rendered := make([]map[string]any, len(results))
			var childCost float64
			for i, r := range results {
				if r.RunID != "" {
					childIDs = append(childIDs, r.RunID)
				}
				childCost += r.Cost
				rendered[i] = map[string]any{
					"agent_id": r.AgentID,
					"run_id":   r.RunID,
					"success":  r.Success,
					"output":  r.Output,
					"error":   r.Error,
					"cost":    r.Cost,
				}
			}

			return tool.Result{
				Output:   map[string]any{"results": rendered},
				Metadata: map[string]any{"child_run_ids": childIDs, "child_cost": childCost},
			}, nil
		},
	})
}
