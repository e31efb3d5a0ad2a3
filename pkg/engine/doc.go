// Package engine registers, arbitrates, and executes structured tools for agents.
//
// Invariants:
// - Tool ids and names are unique; definitions are immutable after registration.
// - Inputs are schema-validated before a handler ever runs.
// - Execution status transitions are monotonic; terminal states are final.
// - The result cache only ever holds successful outputs.
// - Every execution owns exactly one cancellation handle, released on every path.
//
// Usage:
//
//	eng := engine.New(engine.DefaultConfig())
//	_ = eng.RegisterTool(engine.ToolDefinition{
//		ID:          "echo",
//		Name:        "echo",
//		Description: "Echo input",
//		Category:    engine.CategorySystem,
//		RiskLevel:   engine.RiskSafe,
//		Parameters:  []engine.ToolParameter{{Name: "message", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
//			return input["message"], nil
//		},
//	})
//	res := eng.Execute(context.Background(), engine.ExecutionRequest{ToolID: "echo", Input: map[string]interface{}{"message": "hi"}})
package engine
