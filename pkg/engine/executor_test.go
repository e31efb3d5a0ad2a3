package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolrun/internal/metrics"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 2 * time.Second
	cfg.Permissions = PermissionPolicy{
		AutoApproveSafe:     true,
		AutoApproveReadOnly: true,
		ApprovalTimeout:     time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := New(cfg)
	t.Cleanup(e.Shutdown)
	return e
}

func echoTool() ToolDefinition {
	return ToolDefinition{
		ID:          "echo",
		Name:        "echo",
		Description: "returns its message input",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Parameters: []ToolParameter{
			{Name: "message", Type: "string", Description: "text to echo back", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return input["message"], nil
		},
	}
}

func TestExecute_Success(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterTool(echoTool()))

	var events []EventType
	var mu sync.Mutex
	e.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev.Type)
		mu.Unlock()
	})

	result := e.Execute(context.Background(), ExecutionRequest{
		ToolID: "echo",
		Input:  map[string]interface{}{"message": "hi"},
	})

	require.True(t, result.Success)
	assert.Equal(t, "hi", result.Output)
	assert.Nil(t, result.Error)
	assert.False(t, result.Cached)
	assert.Equal(t, 1, result.Attempts)
	assert.NotEmpty(t, result.ExecutionID)

	rec, ok := e.GetExecution(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.EndedAt)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventExecutionStarted, EventExecutionCompleted}, events)
}

func TestExecute_ToolNotFound(t *testing.T) {
	e := newTestEngine(t, nil)

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "ghost"})

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindToolNotFound, result.Error.Kind)
	assert.False(t, result.Error.Recoverable)
}

func TestExecute_ValidationError(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterTool(echoTool()))

	tests := []struct {
		name  string
		input map[string]interface{}
	}{
		{"missing required", map[string]interface{}{}},
		{"wrong type", map[string]interface{}{"message": 42}},
		{"unknown field", map[string]interface{}{"message": "hi", "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Execute(context.Background(), ExecutionRequest{ToolID: "echo", Input: tt.input})
			require.False(t, result.Success)
			require.NotNil(t, result.Error)
			assert.Equal(t, ErrKindValidation, result.Error.Kind)
		})
	}
}

func TestExecute_DeprecatedTool(t *testing.T) {
	tool := echoTool()
	tool.ID = "old-echo"
	tool.Name = "old-echo"
	tool.Deprecated = true

	e := newTestEngine(t, func(cfg *Config) { cfg.AllowDeprecated = true })
	require.NoError(t, e.RegisterTool(tool))

	result := e.Execute(context.Background(), ExecutionRequest{
		ToolID: "old-echo",
		Input:  map[string]interface{}{"message": "still here"},
	})
	assert.True(t, result.Success)
}

func TestExecute_PermissionDenied(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Permissions = PermissionPolicy{ApprovalTimeout: time.Second}
	})

	invoked := false
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "wipe",
		Name:        "wipe",
		Description: "destructive operation",
		Category:    CategorySystem,
		RiskLevel:   RiskCritical,
		Permissions: []Permission{PermissionWrite, PermissionSystem},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			invoked = true
			return nil, nil
		},
	}))

	// Deny the request as soon as it surfaces.
	e.Subscribe(func(ev Event) {
		_ = e.Arbiter().Deny(ev.RequestID, "not allowed")
	}, EventPermissionRequested)

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "wipe"})

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindPermissionDenied, result.Error.Kind)
	assert.Contains(t, result.Error.Message, "not allowed")
	assert.False(t, invoked)

	rec, ok := e.GetExecution(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
	require.Len(t, rec.Permissions, 1)
}

func TestExecute_PermissionGranted(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Permissions = PermissionPolicy{ApprovalTimeout: time.Second}
	})

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "risky",
		Name:        "risky",
		Description: "requires approval",
		Category:    CategorySystem,
		RiskLevel:   RiskHigh,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return "done", nil
		},
	}))

	e.Subscribe(func(ev Event) {
		_ = e.Arbiter().Grant(ev.RequestID, false, 0)
	}, EventPermissionRequested)

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "risky"})

	require.True(t, result.Success)
	assert.Equal(t, "done", result.Output)
}

func TestExecute_SkipApproval(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Permissions = PermissionPolicy{ApprovalTimeout: 50 * time.Millisecond}
	})

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "risky",
		Name:        "risky",
		Description: "requires approval",
		Category:    CategorySystem,
		RiskLevel:   RiskCritical,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	}))

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "risky", SkipApproval: true})
	require.True(t, result.Success)
	assert.Equal(t, 0, e.Arbiter().PendingCount())
}

func TestExecute_ApprovalTimeout(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Permissions = PermissionPolicy{ApprovalTimeout: 50 * time.Millisecond}
	})

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "risky",
		Name:        "risky",
		Description: "requires approval",
		Category:    CategorySystem,
		RiskLevel:   RiskHigh,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}))

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "risky"})
	require.False(t, result.Success)
	assert.Equal(t, ErrKindPermissionDenied, result.Error.Kind)
}

func TestExecute_RetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "flaky",
		Name:        "flaky",
		Description: "fails intermittently",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Retry: &RetryPolicy{
			MaxRetries:        2,
			InitialDelay:      10 * time.Millisecond,
			BackoffMultiplier: 2,
			RetryableErrors:   []string{"flaky"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("flaky upstream")
		},
	}))

	var retryEvents atomic.Int32
	e.Subscribe(func(ev Event) {
		if ev.Data["will_retry"] == true {
			retryEvents.Add(1)
		}
	}, EventExecutionFailed)

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "flaky"})

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindMaxRetries, result.Error.Kind)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int32(2), retryEvents.Load())
}

func TestExecute_RetrySucceedsMidway(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "flaky",
		Name:        "flaky",
		Description: "fails intermittently",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Retry: &RetryPolicy{
			MaxRetries:      3,
			InitialDelay:    5 * time.Millisecond,
			RetryableErrors: []string{"flaky"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("flaky upstream")
			}
			return "recovered", nil
		},
	}))

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "flaky"})

	require.True(t, result.Success)
	assert.Equal(t, "recovered", result.Output)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecute_NonRetryableErrorKeepsKind(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "broken",
		Name:        "broken",
		Description: "always fails",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Retry: &RetryPolicy{
			MaxRetries:      3,
			InitialDelay:    5 * time.Millisecond,
			RetryableErrors: []string{"transient"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("permanent failure")
		},
	}))

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "broken"})

	require.False(t, result.Success)
	assert.Equal(t, ErrKindExecution, result.Error.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecute_MaxRetriesOverride(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "flaky",
		Name:        "flaky",
		Description: "fails intermittently",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Retry: &RetryPolicy{
			MaxRetries:      5,
			InitialDelay:    time.Millisecond,
			RetryableErrors: []string{"flaky"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("flaky upstream")
		},
	}))

	one := 1
	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "flaky", MaxRetries: &one})

	require.False(t, result.Success)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_Timeout(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "slow",
		Name:        "slow",
		Description: "takes too long",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Timeout:     50 * time.Millisecond,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	start := time.Now()
	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "slow"})
	elapsed := time.Since(start)

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindTimeout, result.Error.Kind)
	assert.Less(t, elapsed, 300*time.Millisecond)

	rec, ok := e.GetExecution(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, StatusTimeout, rec.Status)

	// The abandoned handler must not resurrect the record.
	time.Sleep(500 * time.Millisecond)
	rec, _ = e.GetExecution(result.ExecutionID)
	assert.Equal(t, StatusTimeout, rec.Status)
	assert.Nil(t, rec.Output)
}

func TestExecute_RequestTimeoutOverridesTool(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "slow",
		Name:        "slow",
		Description: "takes too long",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	start := time.Now()
	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "slow", Timeout: 30 * time.Millisecond})

	require.False(t, result.Success)
	assert.Equal(t, ErrKindTimeout, result.Error.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_HandlerPanicContained(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "boom",
		Name:        "boom",
		Description: "panics",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}))

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "boom"})

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindExecution, result.Error.Kind)
	assert.Contains(t, result.Error.Message, "kaboom")
}

func TestExecute_CacheHit(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, nil)

	tool := echoTool()
	tool.Handler = func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return input["message"], nil
	}
	require.NoError(t, e.RegisterTool(tool))

	req := ExecutionRequest{ToolID: "echo", Input: map[string]interface{}{"message": "hi"}}

	first := e.Execute(context.Background(), req)
	require.True(t, first.Success)
	assert.False(t, first.Cached)

	second := e.Execute(context.Background(), req)
	require.True(t, second.Success)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, int32(1), calls.Load())

	// A different input misses.
	third := e.Execute(context.Background(), ExecutionRequest{
		ToolID: "echo",
		Input:  map[string]interface{}{"message": "other"},
	})
	require.True(t, third.Success)
	assert.False(t, third.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_CacheDisabled(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	tool := echoTool()
	tool.Handler = func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return input["message"], nil
	}
	require.NoError(t, e.RegisterTool(tool))

	req := ExecutionRequest{ToolID: "echo", Input: map[string]interface{}{"message": "hi"}}
	e.Execute(context.Background(), req)
	result := e.Execute(context.Background(), req)

	assert.False(t, result.Cached)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCancel_RunningExecution(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	started := make(chan string, 1)
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "long",
		Name:        "long",
		Description: "runs until cancelled",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	e.Subscribe(func(ev Event) {
		started <- ev.ExecutionID
	}, EventExecutionStarted)

	resultCh := make(chan *ExecutionResult, 1)
	go func() {
		resultCh <- e.Execute(context.Background(), ExecutionRequest{ToolID: "long"})
	}()

	execID := <-started
	assert.True(t, e.Cancel(execID))

	result := <-resultCh
	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindCancelled, result.Error.Kind)

	rec, ok := e.GetExecution(execID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, rec.Status)
	require.NotNil(t, rec.EndedAt)

	// A second cancel is a no-op.
	assert.False(t, e.Cancel(execID))
}

func TestCancel_UnknownExecution(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.False(t, e.Cancel("no-such-id"))
}

func TestCancel_FinishedExecution(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterTool(echoTool()))

	result := e.Execute(context.Background(), ExecutionRequest{
		ToolID: "echo",
		Input:  map[string]interface{}{"message": "hi"},
	})
	require.True(t, result.Success)
	assert.False(t, e.Cancel(result.ExecutionID))
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.MaxConcurrency = 2
		cfg.CacheEnabled = false
	})

	var active, peak atomic.Int32
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "busy",
		Name:        "busy",
		Description: "occupies a slot",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Execute(context.Background(), ExecutionRequest{ToolID: "busy"})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestExecute_ContextCancelledBeforeStart(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "blocked",
		Name:        "blocked",
		Description: "waits on its context",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The context is checked at admission and inside the attempt; either way
	// the outcome is a cancellation, never a success.
	result := e.Execute(ctx, ExecutionRequest{ToolID: "blocked"})

	require.False(t, result.Success)
	assert.Equal(t, ErrKindCancelled, result.Error.Kind)
}

func TestExecute_ExecutionContextPropagated(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	var seen *ExecutionContext
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "inspect",
		Name:        "inspect",
		Description: "reads its execution context",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			seen = ExecContextFromContext(ctx)
			return nil, nil
		},
	}))

	result := e.Execute(context.Background(), ExecutionRequest{
		ToolID:  "inspect",
		Context: &ExecutionContext{SessionKey: "sess-1", WorkingDir: "/tmp"},
	})

	require.True(t, result.Success)
	require.NotNil(t, seen)
	assert.Equal(t, "sess-1", seen.SessionKey)
	assert.Equal(t, "/tmp", seen.WorkingDir)
}

func TestExecute_MidExecutionEscalation(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "escalating",
		Name:        "escalating",
		Description: "asks for write access mid-run",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Permissions: []Permission{PermissionRead},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			info := ExecContextFromContext(ctx)
			granted, err := info.Escalate(ctx, []Permission{PermissionWrite}, "needs to save output")
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"write_granted": granted}, nil
		},
	}))

	var escalated []Permission
	e.Subscribe(func(ev Event) {
		perms, _ := ev.Data["permissions"].([]Permission)
		escalated = perms
		_ = e.Arbiter().Grant(ev.RequestID, false, 0)
	}, EventPermissionRequested)

	result := e.Execute(context.Background(), ExecutionRequest{ToolID: "escalating"})

	require.True(t, result.Success)
	assert.Equal(t, map[string]interface{}{"write_granted": true}, result.Output)
	assert.Equal(t, []Permission{PermissionWrite}, escalated)

	rec, ok := e.GetExecution(result.ExecutionID)
	require.True(t, ok)
	require.Len(t, rec.Permissions, 1)
	assert.Equal(t, []Permission{PermissionWrite}, rec.Permissions[0].Permissions)
}

func TestExecute_EscalationGrantDoesNotApproveLaterCalls(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "writer",
		Name:        "writer",
		Description: "asks for write access before saving",
		Category:    CategoryCustom,
		RiskLevel:   RiskMedium,
		Permissions: []Permission{PermissionRead, PermissionWrite},
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "destination path"},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			info := ExecContextFromContext(ctx)
			granted, err := info.Escalate(ctx, []Permission{PermissionWrite}, "needs to save output")
			if err != nil {
				return nil, err
			}
			return granted, nil
		},
	}))

	grantAll := e.Subscribe(func(ev Event) {
		_ = e.Arbiter().Grant(ev.RequestID, false, 0)
	}, EventPermissionRequested)

	first := e.Execute(context.Background(), ExecutionRequest{
		ToolID: "writer",
		Input:  map[string]interface{}{"path": "a.txt"},
	})
	require.True(t, first.Success)
	assert.Equal(t, true, first.Output)

	// The escalation grant covered the first execution only; a later call
	// with empty input must go back through arbitration.
	e.Unsubscribe(grantAll)
	e.Subscribe(func(ev Event) {
		_ = e.Arbiter().Deny(ev.RequestID, "not this time")
	}, EventPermissionRequested)

	second := e.Execute(context.Background(), ExecutionRequest{ToolID: "writer"})
	require.False(t, second.Success)
	require.NotNil(t, second.Error)
	assert.Equal(t, ErrKindPermissionDenied, second.Error.Kind)
}

func TestExecute_CallerCancelsWhileWaitingApproval(t *testing.T) {
	e := newTestEngine(t, nil)

	invoked := false
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "guarded",
		Name:        "guarded",
		Description: "needs an external decision",
		Category:    CategoryCustom,
		RiskLevel:   RiskHigh,
		Permissions: []Permission{PermissionWrite},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			invoked = true
			return nil, nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := e.Execute(ctx, ExecutionRequest{ToolID: "guarded"})

	require.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrKindCancelled, result.Error.Kind)
	assert.False(t, invoked)

	rec, ok := e.GetExecution(result.ExecutionID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, rec.Status)
}

func TestExecute_MetricsRecorded(t *testing.T) {
	m := metrics.NewMetrics()
	e := newTestEngine(t, func(cfg *Config) { cfg.Metrics = m })
	require.NoError(t, e.RegisterTool(echoTool()))

	input := map[string]interface{}{"message": "hi"}
	first := e.Execute(context.Background(), ExecutionRequest{ToolID: "echo", Input: input})
	require.True(t, first.Success)
	second := e.Execute(context.Background(), ExecutionRequest{ToolID: "echo", Input: input})
	require.True(t, second.Success)
	assert.True(t, second.Cached)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RegisteredTools))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("echo", string(StatusCompleted))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMissesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHitsTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveExecutions))

	boom := echoTool()
	boom.ID = "boom"
	boom.Name = "boom"
	boom.Handler = func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	}
	require.NoError(t, e.RegisterTool(boom))

	res := e.Execute(context.Background(), ExecutionRequest{ToolID: "boom", Input: input})
	require.False(t, res.Success)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionsTotal.WithLabelValues("boom", string(StatusFailed))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecutionErrorsTotal.WithLabelValues("boom", string(ErrKindExecution))))

	denied := echoTool()
	denied.ID = "denied"
	denied.Name = "denied"
	denied.RiskLevel = RiskHigh
	denied.Permissions = []Permission{PermissionWrite}
	require.NoError(t, e.RegisterTool(denied))
	e.Subscribe(func(ev Event) {
		_ = e.Arbiter().Deny(ev.RequestID, "no")
	}, EventPermissionRequested)

	res = e.Execute(context.Background(), ExecutionRequest{ToolID: "denied", Input: input})
	require.False(t, res.Success)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionRequestsTotal.WithLabelValues("requested")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PermissionRequestsTotal.WithLabelValues("denied")))
}

func TestEngine_ShutdownAbortsExecutions(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) { cfg.CacheEnabled = false })

	started := make(chan string, 1)
	require.NoError(t, e.RegisterTool(ToolDefinition{
		ID:          "long",
		Name:        "long",
		Description: "runs until cancelled",
		Category:    CategoryCustom,
		RiskLevel:   RiskSafe,
		Timeout:     5 * time.Second,
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	e.Subscribe(func(ev Event) { started <- ev.ExecutionID }, EventExecutionStarted)

	resultCh := make(chan *ExecutionResult, 1)
	go func() {
		resultCh <- e.Execute(context.Background(), ExecutionRequest{ToolID: "long"})
	}()

	execID := <-started
	e.Shutdown()

	result := <-resultCh
	require.False(t, result.Success)
	assert.Equal(t, ErrKindCancelled, result.Error.Kind)

	rec, ok := e.GetExecution(execID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, rec.Status)

	// A new execution after shutdown is rejected outright.
	post := e.Execute(context.Background(), ExecutionRequest{ToolID: "long"})
	require.False(t, post.Success)
	assert.Contains(t, post.Error.Message, "shut down")
}

func TestEngine_InitializeRegistersBuiltins(t *testing.T) {
	e := newTestEngine(t, func(cfg *Config) {
		cfg.Builtins = []ToolDefinition{echoTool()}
	})
	require.NoError(t, e.Initialize())
	assert.NotNil(t, e.Registry().ByID("echo"))
}

func TestEngine_UnregisterTool(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterTool(echoTool()))

	assert.True(t, e.UnregisterTool("echo"))
	assert.False(t, e.UnregisterTool("echo"))

	result := e.Execute(context.Background(), ExecutionRequest{
		ToolID: "echo",
		Input:  map[string]interface{}{"message": "hi"},
	})
	require.False(t, result.Success)
	assert.Equal(t, ErrKindToolNotFound, result.Error.Kind)
}
