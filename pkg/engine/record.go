package engine

import (
	"fmt"
	"sync"
	"time"
)

// ExecutionStatus is the state of an execution record
type ExecutionStatus string

const (
	StatusPending         ExecutionStatus = "pending"
	StatusWaitingApproval ExecutionStatus = "waiting_approval"
	StatusRunning         ExecutionStatus = "running"
	StatusCompleted       ExecutionStatus = "completed"
	StatusFailed          ExecutionStatus = "failed"
	StatusTimeout         ExecutionStatus = "timeout"
	StatusCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// validTransitions encodes the monotonic status machine. A status never
// re-enters a prior state.
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:         {StatusWaitingApproval, StatusRunning, StatusFailed, StatusCancelled},
	StatusWaitingApproval: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning:         {StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled},
}

// ExecutionRecord is the authoritative state of one tool call. The engine
// owns it while the call is in flight; afterwards it is retained read-only
// for inspection and statistics.
type ExecutionRecord struct {
	ID          string                 `json:"id"`
	ToolID      string                 `json:"tool_id"`
	Input       map[string]interface{} `json:"input"`
	Output      interface{}            `json:"output,omitempty"`
	Error       *ExecutionError        `json:"error,omitempty"`
	Status      ExecutionStatus        `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Permissions []*PermissionRequest   `json:"permissions,omitempty"`
	Metrics     map[string]int64       `json:"metrics,omitempty"`
	Attempts    int                    `json:"attempts"`

	mu sync.Mutex
}

func newExecutionRecord(id, toolID string, input map[string]interface{}) *ExecutionRecord {
	return &ExecutionRecord{
		ID:        id,
		ToolID:    toolID,
		Input:     input,
		Status:    StatusPending,
		StartedAt: time.Now(),
		Metrics:   make(map[string]int64),
	}
}

// transition moves the record to a new status, enforcing monotonicity
func (r *ExecutionRecord) transition(to ExecutionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *ExecutionRecord) transitionLocked(to ExecutionStatus) error {
	for _, allowed := range validTransitions[r.Status] {
		if allowed == to {
			r.Status = to
			if to.IsTerminal() {
				now := time.Now()
				r.EndedAt = &now
			}
			return nil
		}
	}
	return fmt.Errorf("invalid status transition: %s -> %s", r.Status, to)
}

// finalize records the terminal outcome. Racing finalizers (a cancel against
// a completing handler) are resolved by whoever transitions first; the loser
// is a no-op. The transition and the outcome are written under one lock so a
// concurrent Snapshot never sees a terminal status without its output.
func (r *ExecutionRecord) finalize(status ExecutionStatus, output interface{}, execErr *ExecutionError) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(status); err != nil {
		return false
	}
	r.Output = output
	r.Error = execErr
	return true
}

// CurrentStatus returns the record's status
func (r *ExecutionRecord) CurrentStatus() ExecutionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status
}

// Duration returns the elapsed time of the execution, or the time since
// start if it is still in flight.
func (r *ExecutionRecord) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Snapshot returns a copy of the record safe to hand outside the engine
func (r *ExecutionRecord) Snapshot() ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := ExecutionRecord{
		ID:        r.ID,
		ToolID:    r.ToolID,
		Input:     r.Input,
		Output:    r.Output,
		Error:     r.Error,
		Status:    r.Status,
		StartedAt: r.StartedAt,
		Attempts:  r.Attempts,
	}
	if r.EndedAt != nil {
		ended := *r.EndedAt
		snap.EndedAt = &ended
	}
	snap.Permissions = append(snap.Permissions, r.Permissions...)
	snap.Metrics = make(map[string]int64, len(r.Metrics))
	for k, v := range r.Metrics {
		snap.Metrics[k] = v
	}
	return snap
}

func (r *ExecutionRecord) addPermissionRequest(req *PermissionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Permissions = append(r.Permissions, req)
}

func (r *ExecutionRecord) incAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Attempts++
	return r.Attempts
}

func (r *ExecutionRecord) addMetric(name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Metrics[name] += delta
}
