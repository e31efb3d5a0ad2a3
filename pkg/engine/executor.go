package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolrun/internal/metrics"
)

// Config configures the engine
type Config struct {
	// MaxConcurrency bounds the number of handler invocations in flight.
	MaxConcurrency int
	// QueueSize and PriorityLevels are reserved for priority admission;
	// admission is currently FIFO on the concurrency semaphore.
	QueueSize      int
	PriorityLevels int

	// DefaultTimeout applies when neither the tool nor the request sets one.
	DefaultTimeout  time.Duration
	AllowDeprecated bool

	Permissions PermissionPolicy

	CacheEnabled       bool
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	Breaker BreakerConfig

	// Builtins are registered by Initialize.
	Builtins []ToolDefinition

	// Metrics is optional; nil disables metric updates.
	Metrics *metrics.Metrics
}

// DefaultConfig returns engine defaults
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 8,
		QueueSize:      64,
		PriorityLevels: 3,
		DefaultTimeout: 30 * time.Second,
		Permissions:    DefaultPermissionPolicy(),
		CacheEnabled:   true,
		CacheTTL:       5 * time.Minute,
		Breaker:        DefaultBreakerConfig(),
	}
}

// ExecutionRequest asks for one tool invocation
type ExecutionRequest struct {
	ToolID  string
	Input   map[string]interface{}
	Context *ExecutionContext

	// Timeout overrides the tool's declared timeout when > 0.
	Timeout time.Duration
	// MaxRetries overrides the tool's retry count when non-nil.
	MaxRetries *int
	// SkipApproval bypasses the permission arbiter for this call.
	SkipApproval bool
}

// ExecutionResult is the final outcome of an execution. Retries are
// invisible here except as elapsed time and the attempt count.
type ExecutionResult struct {
	ExecutionID string          `json:"execution_id"`
	ToolID      string          `json:"tool_id"`
	Success     bool            `json:"success"`
	Output      interface{}     `json:"output,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
	Cached      bool            `json:"cached,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Attempts    int             `json:"attempts"`
}

// Engine coordinates tool executions end-to-end, from registry resolution
// and permission arbitration through timed, cancellable handler invocation.
type Engine struct {
	cfg      Config
	registry *Registry
	arbiter  *Arbiter
	cache    *ResultCache
	events   *eventBus
	breakers *toolBreakers
	metrics  *metrics.Metrics

	records map[string]*ExecutionRecord
	// handles is the cancellation arena: one cancel func per in-flight
	// execution, removed explicitly on every terminal transition.
	handles map[string]context.CancelFunc
	sem     chan struct{}

	mu       sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

// New creates an engine from the given configuration
func New(cfg Config) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	events := newEventBus()

	e := &Engine{
		cfg:      cfg,
		registry: NewRegistry(cfg.AllowDeprecated),
		arbiter:  NewArbiter(cfg.Permissions, events),
		events:   events,
		metrics:  cfg.Metrics,
		records:  make(map[string]*ExecutionRecord),
		handles:  make(map[string]context.CancelFunc),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}

	if cfg.CacheEnabled {
		e.cache = NewResultCache(cfg.CacheTTL, cfg.CacheSweepInterval)
	}
	if cfg.Breaker.Enabled {
		e.breakers = newToolBreakers(cfg.Breaker)
	}
	if e.metrics != nil {
		e.events.Subscribe(e.observePermissionEvents,
			EventPermissionRequested, EventPermissionGranted, EventPermissionDenied)
	}

	log.Info().
		Int("max_concurrency", cfg.MaxConcurrency).
		Bool("cache", cfg.CacheEnabled).
		Bool("breaker", cfg.Breaker.Enabled).
		Msg("Tool engine initialized")

	return e
}

// Initialize registers the configured built-in tool set
func (e *Engine) Initialize() error {
	if len(e.cfg.Builtins) == 0 {
		return nil
	}
	return e.RegisterTools(e.cfg.Builtins)
}

// Shutdown aborts all active executions and clears registries and caches.
// Idempotent.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		handles := e.handles
		e.handles = make(map[string]context.CancelFunc)
		records := make([]*ExecutionRecord, 0, len(handles))
		for id := range handles {
			if rec, ok := e.records[id]; ok {
				records = append(records, rec)
			}
		}
		e.mu.Unlock()

		for _, rec := range records {
			rec.finalize(StatusCancelled, nil, errCancelled(rec.ToolID))
		}
		for _, cancel := range handles {
			cancel()
		}

		e.arbiter.Clear()
		if e.cache != nil {
			e.cache.Stop()
			e.cache.Clear()
		}
		e.registry.Clear()
		e.events.clear()

		log.Info().Int("aborted", len(handles)).Msg("Tool engine shut down")
	})
}

// RegisterTool registers a new tool
func (e *Engine) RegisterTool(def ToolDefinition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	e.updateRegistryGauge()
	e.events.Emit(Event{Type: EventToolRegistered, ToolID: def.ID})
	return nil
}

// RegisterTools registers a list of tools, stopping at the first failure
func (e *Engine) RegisterTools(defs []ToolDefinition) error {
	for _, def := range defs {
		if err := e.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.ID, err)
		}
	}
	return nil
}

// UnregisterTool removes a tool and returns whether it existed. In-flight
// executions keep their own reference and are not cancelled.
func (e *Engine) UnregisterTool(id string) bool {
	existed := e.registry.Unregister(id)
	if existed {
		e.updateRegistryGauge()
		e.events.Emit(Event{Type: EventToolUnregistered, ToolID: id})
	}
	return existed
}

// Registry exposes tool lookups
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Arbiter exposes the permission resolution API for external approvers
func (e *Engine) Arbiter() *Arbiter {
	return e.arbiter
}

// Subscribe registers an event handler; an empty type list means all events
func (e *Engine) Subscribe(handler EventHandler, types ...EventType) int {
	return e.events.Subscribe(handler, types...)
}

// Unsubscribe removes an event subscription
func (e *Engine) Unsubscribe(id int) bool {
	return e.events.Unsubscribe(id)
}

// GetExecution returns a snapshot of an execution record
func (e *Engine) GetExecution(id string) (ExecutionRecord, bool) {
	e.mu.RLock()
	rec, ok := e.records[id]
	e.mu.RUnlock()
	if !ok {
		return ExecutionRecord{}, false
	}
	return rec.Snapshot(), true
}

// Execute runs a tool call end-to-end. It never returns a nil result and
// never lets a handler error or panic escape: all failures come back as a
// structured ExecutionError on the result.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return &ExecutionResult{
			ToolID:   req.ToolID,
			Duration: time.Since(start),
			Error: &ExecutionError{
				Kind:    ErrKindExecution,
				Message: "engine is shut down",
			},
		}
	}

	tool := e.registry.ByID(req.ToolID)
	if tool == nil {
		log.Error().Str("tool", req.ToolID).Msg("Tool not found")
		return &ExecutionResult{ToolID: req.ToolID, Duration: time.Since(start), Error: errToolNotFound(req.ToolID)}
	}
	if tool.Deprecated && !e.cfg.AllowDeprecated {
		return &ExecutionResult{ToolID: tool.ID, Duration: time.Since(start), Error: errDeprecated(tool.ID)}
	}
	if err := validateInput(e.registry.schema(tool.ID), req.Input); err != nil {
		log.Error().Str("tool", tool.ID).Err(err).Msg("Input validation failed")
		return &ExecutionResult{ToolID: tool.ID, Duration: time.Since(start), Error: errValidation(err)}
	}

	record := newExecutionRecord(uuid.New().String(), tool.ID, req.Input)
	e.mu.Lock()
	e.records[record.ID] = record
	e.mu.Unlock()

	// Permission arbitration blocks only this call.
	if !req.SkipApproval && !e.arbiter.Check(tool, req.Input) {
		if err := record.transition(StatusWaitingApproval); err != nil {
			return e.fail(record, tool, errCancelled(tool.ID), start)
		}
		pending := e.arbiter.submit(tool, req.Input, record.ID, false)
		record.addPermissionRequest(pending.request)

		decision, err := e.arbiter.awaitDecision(ctx, pending)
		if err != nil {
			// The caller aborting while we wait is a cancellation, not a
			// denial by the approver.
			if ctx.Err() != nil {
				return e.fail(record, tool, errCancelled(tool.ID), start)
			}
			return e.fail(record, tool, errPermissionDenied(tool.ID, err.Error()), start)
		}
		if !decision.Granted {
			return e.fail(record, tool, errPermissionDenied(tool.ID, decision.Reason), start)
		}
	}

	// Handlers escalate additional permissions through the arbiter; the
	// escalation blocks only the requesting handler.
	execInfo := req.Context
	if execInfo == nil {
		execInfo = &ExecutionContext{}
	}
	if execInfo.Escalate == nil {
		execInfo.Escalate = e.escalator(tool, record)
	}
	ctx = ContextWithExecContext(ctx, execInfo)

	// Admission: FIFO on the concurrency semaphore.
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return e.fail(record, tool, errCancelled(tool.ID), start)
	}
	defer func() { <-e.sem }()

	if err := record.transition(StatusRunning); err != nil {
		// Cancelled while queued.
		return e.fail(record, tool, errCancelled(tool.ID), start)
	}
	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
		defer e.metrics.ActiveExecutions.Dec()
	}

	// Cancellation handle, registered before the started event so observers
	// can cancel what they see.
	execCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.handles[record.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.handles, record.ID)
		e.mu.Unlock()
		cancel()
	}()

	e.events.Emit(Event{Type: EventExecutionStarted, ToolID: tool.ID, ExecutionID: record.ID})

	// Result cache: a fresh hit short-circuits the handler entirely.
	var cacheKey string
	if e.cache != nil {
		cacheKey = CacheKey(tool.ID, req.Input)
		if out, ok := e.cache.Get(cacheKey); ok {
			if e.metrics != nil {
				e.metrics.CacheHitsTotal.Inc()
			}
			log.Debug().Str("tool", tool.ID).Msg("Result cache hit")
			record.finalize(StatusCompleted, out, nil)
			return e.complete(record, tool, out, start, true)
		}
		if e.metrics != nil {
			e.metrics.CacheMissesTotal.Inc()
		}
	}

	timeout := e.timeoutFor(tool, req)
	maxRetries := 0
	if tool.Retry != nil {
		maxRetries = tool.Retry.MaxRetries
	}
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	// Bounded retry loop with a context-aware inter-attempt delay.
	var out interface{}
	var execErr *ExecutionError
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := tool.Retry.Delay(attempt)
			if !sleepCtx(execCtx, delay) {
				execErr = errCancelled(tool.ID)
				break
			}
			record.addMetric("retries", 1)
			if e.metrics != nil {
				e.metrics.RetriesTotal.WithLabelValues(tool.ID).Inc()
			}
			log.Debug().
				Str("tool", tool.ID).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying tool execution")
		}

		record.incAttempts()
		out, execErr = e.invoke(execCtx, tool, req.Input, timeout)
		if execErr == nil {
			break
		}

		if e.metrics != nil {
			e.metrics.ExecutionErrorsTotal.WithLabelValues(tool.ID, string(execErr.Kind)).Inc()
		}

		willRetry := attempt < maxRetries &&
			execErr.Kind != ErrKindCancelled &&
			execErr.Kind != ErrKindCircuitOpen &&
			tool.Retry.IsRetryable(execErr)
		if !willRetry {
			if maxRetries > 0 && attempt >= maxRetries && tool.Retry.IsRetryable(execErr) {
				execErr = errMaxRetries(maxRetries, execErr)
			}
			break
		}

		// Intermediate failures are observable even though the caller only
		// sees the final outcome.
		e.events.Emit(Event{
			Type:        EventExecutionFailed,
			ToolID:      tool.ID,
			ExecutionID: record.ID,
			Data: map[string]interface{}{
				"error_kind": string(execErr.Kind),
				"attempt":    attempt + 1,
				"will_retry": true,
			},
		})
		log.Warn().
			Str("tool", tool.ID).
			Int("attempt", attempt+1).
			Str("error", execErr.Message).
			Msg("Tool execution failed, will retry")
	}

	if execErr != nil {
		return e.fail(record, tool, execErr, start)
	}

	record.finalize(StatusCompleted, out, nil)
	if cacheKey != "" {
		e.cache.Put(cacheKey, out)
	}
	return e.complete(record, tool, out, start, false)
}

// Cancel aborts an in-flight execution by id. Returns false if the
// execution is unknown or already finished. Cancelling one execution never
// affects another.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.handles[executionID]
	if ok {
		delete(e.handles, executionID)
	}
	record := e.records[executionID]
	e.mu.Unlock()

	if !ok || record == nil {
		return false
	}

	cancelled := record.finalize(StatusCancelled, nil, errCancelled(record.ToolID))
	cancel()

	if cancelled {
		log.Info().Str("execution_id", executionID).Msg("Execution cancelled")
	}
	return cancelled
}

// invoke runs one attempt, optionally through the tool's circuit breaker
func (e *Engine) invoke(ctx context.Context, tool *ToolDefinition, input map[string]interface{}, timeout time.Duration) (interface{}, *ExecutionError) {
	run := func() (interface{}, error) {
		return e.invokeOnce(ctx, tool, input, timeout)
	}

	var out interface{}
	var err error
	if e.breakers != nil {
		out, err = e.breakers.Execute(tool.ID, run)
	} else {
		out, err = run()
	}
	if err == nil {
		return out, nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return nil, execErr
	}
	return nil, errExecution(err)
}

// invokeOnce races the handler against the attempt deadline and the
// execution's cancellation signal; a late handler completion lands in a
// buffered channel nobody reads.
func (e *Engine) invokeOnce(ctx context.Context, tool *ToolDefinition, input map[string]interface{}, timeout time.Duration) (interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan interface{}, 1)
	errCh := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		out, err := tool.Handler(attemptCtx, input)
		if err != nil {
			errCh <- err
		} else {
			resultCh <- out
		}
	}()

	select {
	case out := <-resultCh:
		return out, nil
	case err := <-errCh:
		// A handler surfacing its own context error is still a cancellation
		// or timeout; the deadline decides, not the handler.
		if ctx.Err() != nil {
			return nil, errCancelled(tool.ID)
		}
		if attemptCtx.Err() != nil {
			return nil, errTimeout(tool.ID, timeout.String())
		}
		return nil, errExecution(err)
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, errCancelled(tool.ID)
		}
		return nil, errTimeout(tool.ID, timeout.String())
	}
}

func (e *Engine) complete(record *ExecutionRecord, tool *ToolDefinition, out interface{}, start time.Time, cached bool) *ExecutionResult {
	duration := time.Since(start)

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(tool.ID, string(StatusCompleted)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(tool.ID).Observe(duration.Seconds())
	}
	e.events.Emit(Event{
		Type:        EventExecutionCompleted,
		ToolID:      tool.ID,
		ExecutionID: record.ID,
		Data: map[string]interface{}{
			"cached":      cached,
			"duration_ms": duration.Milliseconds(),
		},
	})
	log.Debug().
		Str("tool", tool.ID).
		Dur("duration", duration).
		Bool("cached", cached).
		Msg("Tool execution completed")

	snap := record.Snapshot()
	return &ExecutionResult{
		ExecutionID: record.ID,
		ToolID:      tool.ID,
		Success:     true,
		Output:      out,
		Cached:      cached,
		Duration:    duration,
		Attempts:    snap.Attempts,
	}
}

func (e *Engine) fail(record *ExecutionRecord, tool *ToolDefinition, execErr *ExecutionError, start time.Time) *ExecutionResult {
	status := StatusFailed
	switch execErr.Kind {
	case ErrKindTimeout:
		status = StatusTimeout
	case ErrKindCancelled:
		status = StatusCancelled
	}

	// A concurrent Cancel may have already finalized the record; the
	// record's state wins for status reporting.
	record.finalize(status, nil, execErr)
	snap := record.Snapshot()
	duration := time.Since(start)

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(tool.ID, string(snap.Status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(tool.ID).Observe(duration.Seconds())
	}
	e.events.Emit(Event{
		Type:        EventExecutionFailed,
		ToolID:      tool.ID,
		ExecutionID: record.ID,
		Data: map[string]interface{}{
			"error_kind": string(execErr.Kind),
			"attempt":    snap.Attempts,
			"will_retry": false,
		},
	})
	log.Error().
		Str("tool", tool.ID).
		Str("kind", string(execErr.Kind)).
		Dur("duration", duration).
		Str("error", execErr.Message).
		Msg("Tool execution failed")

	return &ExecutionResult{
		ExecutionID: record.ID,
		ToolID:      tool.ID,
		Success:     false,
		Error:       execErr,
		Duration:    duration,
		Attempts:    snap.Attempts,
	}
}

// escalator builds the mid-execution permission escalation callback for a
// tool handler.
func (e *Engine) escalator(tool *ToolDefinition, record *ExecutionRecord) EscalateFunc {
	return func(ctx context.Context, perms []Permission, reason string) (bool, error) {
		escalated := *tool
		escalated.Permissions = perms

		pending := e.arbiter.submit(&escalated, nil, record.ID, true)
		record.addPermissionRequest(pending.request)

		decision, err := e.arbiter.awaitDecision(ctx, pending)
		if err != nil {
			return false, err
		}
		return decision.Granted, nil
	}
}

func (e *Engine) timeoutFor(tool *ToolDefinition, req ExecutionRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	if tool.Timeout > 0 {
		return tool.Timeout
	}
	return e.cfg.DefaultTimeout
}

func (e *Engine) updateRegistryGauge() {
	if e.metrics != nil {
		e.metrics.RegisteredTools.Set(float64(e.registry.Count()))
	}
}

func (e *Engine) observePermissionEvents(ev Event) {
	switch ev.Type {
	case EventPermissionRequested:
		e.metrics.PermissionRequestsTotal.WithLabelValues("requested").Inc()
	case EventPermissionGranted:
		e.metrics.PermissionRequestsTotal.WithLabelValues("granted").Inc()
	case EventPermissionDenied:
		e.metrics.PermissionRequestsTotal.WithLabelValues("denied").Inc()
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
