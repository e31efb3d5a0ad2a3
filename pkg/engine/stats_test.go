package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics_ToolCounts(t *testing.T) {
	e := newTestEngine(t, nil)

	require.NoError(t, e.RegisterTools([]ToolDefinition{
		{ID: "a", Name: "a", Description: "d", Category: CategoryFileSystem, RiskLevel: RiskSafe, Handler: nopHandler},
		{ID: "b", Name: "b", Description: "d", Category: CategoryFileSystem, RiskLevel: RiskLow, Handler: nopHandler},
		{ID: "c", Name: "c", Description: "d", Category: CategoryTerminal, RiskLevel: RiskHigh, Handler: nopHandler},
	}))

	stats := e.Statistics()
	assert.Equal(t, 3, stats.TotalTools)
	assert.Equal(t, 2, stats.ToolsByCategory[CategoryFileSystem])
	assert.Equal(t, 1, stats.ToolsByCategory[CategoryTerminal])
	assert.Equal(t, 1, stats.ToolsByRiskLevel["safe"])
	assert.Equal(t, 1, stats.ToolsByRiskLevel["low"])
	assert.Equal(t, 1, stats.ToolsByRiskLevel["high"])
	assert.Equal(t, 0, stats.TotalExecutions)
}

func TestStatistics_ExecutionOutcomes(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(echoTool()))
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "failing",
		Name:        "failing",
		Description: "always fails",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return nil, errors.New("always fails")
		},
	}))
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "slow",
		Name:        "slow",
		Description: "times out",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Timeout:     20 * time.Millisecond,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	e.Execute(context.Background(), ExecutionRequest{ToolID: "echo", Input: map[string]interface{}{"message": "one"}})
	e.Execute(context.Background(), ExecutionRequest{ToolID: "echo", Input: map[string]interface{}{"message": "two"}})
	e.Execute(context.Background(), ExecutionRequest{ToolID: "failing"})
	e.Execute(context.Background(), ExecutionRequest{ToolID: "slow"})

	stats := e.Statistics()
	assert.Equal(t, 4, stats.TotalExecutions)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.TimedOut)
	assert.Equal(t, 0, stats.Cancelled)
	assert.Equal(t, 0, stats.ActiveExecutions)
	assert.GreaterOrEqual(t, stats.AverageDuration, time.Duration(0))
}

func TestStatistics_CacheAndPending(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterTool(echoTool()))

	e.Execute(context.Background(), ExecutionRequest{ToolID: "echo", Input: map[string]interface{}{"message": "hi"}})

	stats := e.Statistics()
	assert.Equal(t, 1, stats.CacheSize)
	assert.Equal(t, 0, stats.PendingPermissions)

	tool := &ToolDefinition{ID: "risky", Name: "risky", RiskLevel: RiskHigh}
	e.Arbiter().Request(tool, nil, "exec-x")
	assert.Equal(t, 1, e.Statistics().PendingPermissions)
}
