package engine

import (
	"context"
	"strings"
	"time"
)

// ToolCategory represents a category of tools
type ToolCategory string

const (
	CategoryFileSystem    ToolCategory = "filesystem"
	CategoryCodeEditing   ToolCategory = "code-editing"
	CategoryTerminal      ToolCategory = "terminal"
	CategorySearch        ToolCategory = "search"
	CategoryWeb           ToolCategory = "web"
	CategoryAnalysis      ToolCategory = "analysis"
	CategoryCommunication ToolCategory = "communication"
	CategorySystem        ToolCategory = "system"
	CategoryAgent         ToolCategory = "agent"
	CategoryCustom        ToolCategory = "custom"
)

// AllCategories returns all valid tool categories
func AllCategories() []ToolCategory {
	return []ToolCategory{
		CategoryFileSystem,
		CategoryCodeEditing,
		CategoryTerminal,
		CategorySearch,
		CategoryWeb,
		CategoryAnalysis,
		CategoryCommunication,
		CategorySystem,
		CategoryAgent,
		CategoryCustom,
	}
}

// IsValidCategory checks if a category is valid
func IsValidCategory(category string) bool {
	cat := ToolCategory(strings.ToLower(category))
	for _, valid := range AllCategories() {
		if cat == valid {
			return true
		}
	}
	return false
}

// RiskLevel is an ordinal classification of how dangerous a tool is.
// Higher values mean more dangerous; auto-approval policy keys off it.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the risk level name
func (r RiskLevel) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel parses a risk level name; unknown names map to RiskCritical
// so a typo in configuration can never loosen policy.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToLower(s) {
	case "safe":
		return RiskSafe
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Permission is a capability a tool declares it needs
type Permission string

const (
	PermissionRead       Permission = "read"
	PermissionWrite      Permission = "write"
	PermissionExecute    Permission = "execute"
	PermissionNetwork    Permission = "network"
	PermissionSystem     Permission = "system"
	PermissionAgentSpawn Permission = "agent-spawn"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// RetryPolicy governs whether and how a failed execution is re-attempted
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RetryableErrors   []string      `json:"retryable_errors"`
}

// Delay returns the backoff delay before retry attempt n (n >= 1):
// min(initial * multiplier^(n-1), max).
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	if rp == nil || attempt < 1 {
		return 0
	}
	delay := float64(rp.InitialDelay)
	multiplier := rp.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}
	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	return time.Duration(delay)
}

// IsRetryable reports whether an error message matches one of the policy's
// designated retryable substrings.
func (rp *RetryPolicy) IsRetryable(err error) bool {
	if rp == nil || err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range rp.RetryableErrors {
		if pattern != "" && strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ToolHandler is the function signature for tool execution.
// Handlers must not manage retries, timeouts, or permission checks; the
// engine owns those.
type ToolHandler func(ctx context.Context, input map[string]interface{}) (interface{}, error)

// ToolDefinition defines a tool's metadata and handler. Immutable after
// registration; the registry hands out pointers but never mutates entries.
type ToolDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    ToolCategory    `json:"category"`
	Parameters  []ToolParameter `json:"parameters"`
	Permissions []Permission    `json:"permissions,omitempty"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	Retry       *RetryPolicy    `json:"retry,omitempty"`
	Deprecated  bool            `json:"deprecated,omitempty"`
	Handler     ToolHandler     `json:"-"`
}

// HasPermission checks if the tool declares a permission
func (td *ToolDefinition) HasPermission(p Permission) bool {
	for _, perm := range td.Permissions {
		if perm == p {
			return true
		}
	}
	return false
}

// IsReadOnly reports whether the tool declares read access without any
// mutating capability.
func (td *ToolDefinition) IsReadOnly() bool {
	if !td.HasPermission(PermissionRead) {
		return false
	}
	return !td.HasPermission(PermissionWrite) &&
		!td.HasPermission(PermissionExecute) &&
		!td.HasPermission(PermissionSystem)
}
