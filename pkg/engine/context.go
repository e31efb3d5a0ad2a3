package engine

import "context"

// ProgressFunc reports handler progress back to the caller
type ProgressFunc func(message string, fraction float64)

// EscalateFunc requests additional permissions mid-execution. It blocks
// until the request is resolved and reports whether it was granted.
type EscalateFunc func(ctx context.Context, perms []Permission, reason string) (bool, error)

// ExecutionContext provides runtime information for tool handlers
type ExecutionContext struct {
	SessionKey string
	WorkingDir string
	AgentID    string
	Progress   ProgressFunc
	Escalate   EscalateFunc
	Metadata   map[string]string
}

type execContextKey struct{}

// ContextWithExecContext attaches the execution context to a context.Context
// for tool handlers.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		return context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if v := ctx.Value(execContextKey{}); v != nil {
		if execCtx, ok := v.(*ExecutionContext); ok {
			return execCtx
		}
	}
	return nil
}
