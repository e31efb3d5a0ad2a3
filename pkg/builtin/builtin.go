// Package builtin provides the minimal tool set the engine can auto-register
// on initialization. All built-ins are safe-risk and side-effect free.
package builtin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/harun/toolrun/pkg/engine"
)

// All returns the built-in tool definitions
func All() []engine.ToolDefinition {
	return []engine.ToolDefinition{
		Echo(),
		Sleep(),
		TimeNow(),
		Checksum(),
	}
}

// Echo returns its input message unchanged
func Echo() engine.ToolDefinition {
	return engine.ToolDefinition{
		ID:          "echo",
		Name:        "echo",
		Description: "Echo the input message back",
		Category:    engine.CategorySystem,
		RiskLevel:   engine.RiskSafe,
		Permissions: []engine.Permission{engine.PermissionRead},
		Parameters: []engine.ToolParameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return input["message"], nil
		},
	}
}

// Sleep pauses for the requested number of milliseconds, honoring
// cancellation.
func Sleep() engine.ToolDefinition {
	return engine.ToolDefinition{
		ID:          "sleep",
		Name:        "sleep",
		Description: "Sleep for a number of milliseconds",
		Category:    engine.CategorySystem,
		RiskLevel:   engine.RiskSafe,
		Timeout:     time.Minute,
		Parameters: []engine.ToolParameter{
			{Name: "ms", Type: "integer", Description: "Milliseconds to sleep", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			ms, ok := toInt(input["ms"])
			if !ok || ms < 0 {
				return nil, fmt.Errorf("ms must be a non-negative integer")
			}
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
				return map[string]interface{}{"slept_ms": ms}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// TimeNow returns the current time in RFC 3339 format
func TimeNow() engine.ToolDefinition {
	return engine.ToolDefinition{
		ID:          "time_now",
		Name:        "time_now",
		Description: "Return the current time (RFC 3339)",
		Category:    engine.CategorySystem,
		RiskLevel:   engine.RiskSafe,
		Permissions: []engine.Permission{engine.PermissionRead},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	}
}

// Checksum computes the SHA-256 digest of a string
func Checksum() engine.ToolDefinition {
	return engine.ToolDefinition{
		ID:          "checksum",
		Name:        "checksum",
		Description: "Compute the SHA-256 checksum of a string",
		Category:    engine.CategoryAnalysis,
		RiskLevel:   engine.RiskSafe,
		Permissions: []engine.Permission{engine.PermissionRead},
		Parameters: []engine.ToolParameter{
			{Name: "data", Type: "string", Description: "Data to hash", Required: true},
		},
		Handler: func(ctx context.Context, input map[string]interface{}) (interface{}, error) {
			data, _ := input["data"].(string)
			sum := sha256.Sum256([]byte(data))
			return hex.EncodeToString(sum[:]), nil
		},
	}
}

// toInt coerces JSON-decoded numbers. Schema validation guarantees an
// integer type but the decoded Go value may be float64 or int.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
