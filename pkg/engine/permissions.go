package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// PermissionPolicy configures the arbiter's auto-approve rules and grant
// durations.
type PermissionPolicy struct {
	AutoApproveSafe      bool          `json:"auto_approve_safe"`
	AutoApproveLow       bool          `json:"auto_approve_low"`
	AutoApproveReadOnly  bool          `json:"auto_approve_read_only"`
	ApprovalTimeout      time.Duration `json:"approval_timeout"`
	DefaultGrantDuration time.Duration `json:"default_grant_duration"`
	MaxGrantDuration     time.Duration `json:"max_grant_duration"`
}

// DefaultPermissionPolicy returns the policy used when none is configured
func DefaultPermissionPolicy() PermissionPolicy {
	return PermissionPolicy{
		AutoApproveSafe:      true,
		AutoApproveLow:       false,
		AutoApproveReadOnly:  true,
		ApprovalTimeout:      60 * time.Second,
		DefaultGrantDuration: 15 * time.Minute,
		MaxGrantDuration:     24 * time.Hour,
	}
}

// PermissionRequest records which permissions a tool needs for one call
type PermissionRequest struct {
	ID          string       `json:"id"`
	ToolID      string       `json:"tool_id"`
	ExecutionID string       `json:"execution_id"`
	Permissions []Permission `json:"permissions"`
	RiskLevel   RiskLevel    `json:"risk_level"`
	Reason      string       `json:"reason"`
	CreatedAt   time.Time    `json:"created_at"`
}

// PermissionDecision records the outcome of a permission request
type PermissionDecision struct {
	Granted   bool       `json:"granted"`
	Temporary bool       `json:"temporary"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	DecidedAt time.Time  `json:"decided_at"`
}

// expired reports whether a temporary grant has lapsed
func (d *PermissionDecision) expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// approvalPredicate is one named auto-approve rule. Predicates are evaluated
// in order, short-circuit, each independently testable.
type approvalPredicate struct {
	name    string
	applies func(policy PermissionPolicy, tool *ToolDefinition) bool
}

func approveSafeRisk(policy PermissionPolicy, tool *ToolDefinition) bool {
	return policy.AutoApproveSafe && tool.RiskLevel == RiskSafe
}

func approveLowRisk(policy PermissionPolicy, tool *ToolDefinition) bool {
	return policy.AutoApproveLow && tool.RiskLevel == RiskLow
}

func approveReadOnly(policy PermissionPolicy, tool *ToolDefinition) bool {
	return policy.AutoApproveReadOnly && tool.IsReadOnly()
}

// autoApprovePredicates is the ordered rule list the arbiter consults before
// falling back to the decision cache.
var autoApprovePredicates = []approvalPredicate{
	{name: "safe_risk", applies: approveSafeRisk},
	{name: "low_risk", applies: approveLowRisk},
	{name: "read_only", applies: approveReadOnly},
}

type pendingApproval struct {
	request     *PermissionRequest
	fingerprint string
	// ephemeral grants apply to the requesting execution only and are never
	// written to the decision cache. Mid-execution escalations carry no input,
	// so their fingerprint would collide with an empty-input call.
	ephemeral bool
	done      chan PermissionDecision
}

// Arbiter decides whether a tool call is auto-approved, requires an external
// decision, or is denied. Check is non-blocking and cache-first; Request
// escalates to an external approver through the engine's event stream.
type Arbiter struct {
	policy    PermissionPolicy
	decisions map[string]*PermissionDecision
	pending   map[string]*pendingApproval
	events    *eventBus
	mu        sync.RWMutex
}

// NewArbiter creates a permission arbiter
func NewArbiter(policy PermissionPolicy, events *eventBus) *Arbiter {
	if policy.ApprovalTimeout <= 0 {
		policy.ApprovalTimeout = DefaultPermissionPolicy().ApprovalTimeout
	}
	if policy.DefaultGrantDuration <= 0 {
		policy.DefaultGrantDuration = DefaultPermissionPolicy().DefaultGrantDuration
	}
	if policy.MaxGrantDuration <= 0 {
		policy.MaxGrantDuration = DefaultPermissionPolicy().MaxGrantDuration
	}
	return &Arbiter{
		policy:    policy,
		decisions: make(map[string]*PermissionDecision),
		pending:   make(map[string]*pendingApproval),
		events:    events,
	}
}

// Check returns whether a call is approved without blocking: first the
// ordered auto-approve predicates, then a cached prior decision for an
// equivalent (tool, input) key.
func (a *Arbiter) Check(tool *ToolDefinition, input map[string]interface{}) bool {
	for _, pred := range autoApprovePredicates {
		if pred.applies(a.policy, tool) {
			log.Debug().
				Str("tool", tool.ID).
				Str("predicate", pred.name).
				Msg("Permission auto-approved")
			return true
		}
	}

	// The decision cache applies regardless of auto-approve configuration.
	key := CacheKey(tool.ID, input)

	a.mu.Lock()
	defer a.mu.Unlock()

	decision, ok := a.decisions[key]
	if !ok {
		return false
	}
	if decision.expired(time.Now()) {
		delete(a.decisions, key)
		return false
	}
	return decision.Granted
}

// Request constructs a permission request, registers it as pending, and
// emits PERMISSION_REQUESTED. The returned request id is resolved later by
// Grant or Deny; the coordinator blocks on Await in the meantime.
func (a *Arbiter) Request(tool *ToolDefinition, input map[string]interface{}, executionID string) *PermissionRequest {
	return a.submit(tool, input, executionID, false).request
}

// submit registers the request and returns the pending entry itself, so the
// coordinator can wait on it without a map lookup. An approver reacting
// synchronously to PERMISSION_REQUESTED may decide before the coordinator
// starts waiting; the buffered decision channel keeps that safe.
func (a *Arbiter) submit(tool *ToolDefinition, input map[string]interface{}, executionID string, ephemeral bool) *pendingApproval {
	id, _ := gonanoid.New()

	req := &PermissionRequest{
		ID:          id,
		ToolID:      tool.ID,
		ExecutionID: executionID,
		Permissions: tool.Permissions,
		RiskLevel:   tool.RiskLevel,
		Reason:      permissionReason(tool),
		CreatedAt:   time.Now(),
	}

	p := &pendingApproval{
		request:     req,
		fingerprint: CacheKey(tool.ID, input),
		ephemeral:   ephemeral,
		done:        make(chan PermissionDecision, 1),
	}
	a.mu.Lock()
	a.pending[id] = p
	a.mu.Unlock()

	log.Info().
		Str("request_id", id).
		Str("tool", tool.ID).
		Str("risk", tool.RiskLevel.String()).
		Msg("Permission requested")

	a.events.Emit(Event{
		Type:        EventPermissionRequested,
		ToolID:      tool.ID,
		ExecutionID: executionID,
		RequestID:   id,
		Data: map[string]interface{}{
			"risk_level":  tool.RiskLevel.String(),
			"permissions": tool.Permissions,
			"reason":      req.Reason,
		},
	})

	return p
}

// Await blocks until the request is granted, denied, or the approval
// timeout elapses. Only the calling execution blocks; the arbiter holds no
// lock while waiting.
func (a *Arbiter) Await(ctx context.Context, requestID string) (PermissionDecision, error) {
	a.mu.RLock()
	p, ok := a.pending[requestID]
	a.mu.RUnlock()
	if !ok {
		return PermissionDecision{}, fmt.Errorf("unknown permission request: %s", requestID)
	}
	return a.awaitDecision(ctx, p)
}

func (a *Arbiter) awaitDecision(ctx context.Context, p *pendingApproval) (PermissionDecision, error) {
	timer := time.NewTimer(a.policy.ApprovalTimeout)
	defer timer.Stop()

	select {
	case decision := <-p.done:
		return decision, nil
	case <-ctx.Done():
		a.removePending(p.request.ID)
		return PermissionDecision{}, ctx.Err()
	case <-timer.C:
		a.removePending(p.request.ID)
		return PermissionDecision{}, fmt.Errorf("approval request timed out after %v", a.policy.ApprovalTimeout)
	}
}

// Grant approves a pending request. Temporary grants expire after duration
// (defaulting to the policy's default, capped at its maximum). Except for
// ephemeral requests, the decision is cached so equivalent calls skip
// re-prompting.
func (a *Arbiter) Grant(requestID string, temporary bool, duration time.Duration) error {
	a.mu.Lock()
	p, ok := a.pending[requestID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("unknown permission request: %s", requestID)
	}
	delete(a.pending, requestID)

	decision := PermissionDecision{
		Granted:   true,
		Temporary: temporary,
		DecidedAt: time.Now(),
	}
	if temporary {
		if duration <= 0 {
			duration = a.policy.DefaultGrantDuration
		}
		if duration > a.policy.MaxGrantDuration {
			duration = a.policy.MaxGrantDuration
		}
		expiry := decision.DecidedAt.Add(duration)
		decision.ExpiresAt = &expiry
	}

	if !p.ephemeral {
		a.decisions[p.fingerprint] = &decision
	}
	a.mu.Unlock()

	p.done <- decision

	log.Info().
		Str("request_id", requestID).
		Str("tool", p.request.ToolID).
		Bool("temporary", temporary).
		Msg("Permission granted")

	a.events.Emit(Event{
		Type:        EventPermissionGranted,
		ToolID:      p.request.ToolID,
		ExecutionID: p.request.ExecutionID,
		RequestID:   requestID,
		Data: map[string]interface{}{
			"temporary": temporary,
		},
	})

	return nil
}

// Deny rejects a pending request. Denials are not cached: a later,
// different call may re-request.
func (a *Arbiter) Deny(requestID string, reason string) error {
	a.mu.Lock()
	p, ok := a.pending[requestID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("unknown permission request: %s", requestID)
	}
	delete(a.pending, requestID)
	a.mu.Unlock()

	decision := PermissionDecision{
		Granted:   false,
		Reason:    reason,
		DecidedAt: time.Now(),
	}
	p.done <- decision

	log.Warn().
		Str("request_id", requestID).
		Str("tool", p.request.ToolID).
		Str("reason", reason).
		Msg("Permission denied")

	a.events.Emit(Event{
		Type:        EventPermissionDenied,
		ToolID:      p.request.ToolID,
		ExecutionID: p.request.ExecutionID,
		RequestID:   requestID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})

	return nil
}

// PendingRequests returns the currently unresolved requests
func (a *Arbiter) PendingRequests() []*PermissionRequest {
	a.mu.RLock()
	defer a.mu.RUnlock()

	reqs := make([]*PermissionRequest, 0, len(a.pending))
	for _, p := range a.pending {
		reqs = append(reqs, p.request)
	}
	return reqs
}

// PendingCount returns the number of unresolved requests
func (a *Arbiter) PendingCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.pending)
}

// Clear drops all cached decisions and denies all pending requests.
// Used on engine shutdown.
func (a *Arbiter) Clear() {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]*pendingApproval)
	a.decisions = make(map[string]*PermissionDecision)
	a.mu.Unlock()

	for id, p := range pending {
		p.done <- PermissionDecision{
			Granted:   false,
			Reason:    "engine shutdown",
			DecidedAt: time.Now(),
		}
		log.Debug().Str("request_id", id).Msg("Pending permission request denied on shutdown")
	}
}

func (a *Arbiter) removePending(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, requestID)
}

func permissionReason(tool *ToolDefinition) string {
	perms := make([]string, 0, len(tool.Permissions))
	for _, p := range tool.Permissions {
		perms = append(perms, string(p))
	}
	if len(perms) == 0 {
		return fmt.Sprintf("tool %s (risk %s) requires approval", tool.Name, tool.RiskLevel)
	}
	return fmt.Sprintf("tool %s (risk %s) requires: %s", tool.Name, tool.RiskLevel, strings.Join(perms, ", "))
}
