package engine

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig configures the optional per-tool circuit breaker. When a
// tool's handler fails repeatedly the circuit opens and subsequent calls
// fail fast without reaching the handler.
type BreakerConfig struct {
	Enabled     bool          `json:"enabled"`
	MaxFailures uint32        `json:"max_failures"`
	Timeout     time.Duration `json:"timeout"`
	Interval    time.Duration `json:"interval"`
}

// DefaultBreakerConfig returns breaker defaults (disabled)
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:     false,
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		Interval:    60 * time.Second,
	}
}

// toolBreakers lazily creates one circuit breaker per tool id
type toolBreakers struct {
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker[interface{}]
	mu       sync.Mutex
}

func newToolBreakers(cfg BreakerConfig) *toolBreakers {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBreakerConfig().Interval
	}
	return &toolBreakers{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[interface{}]),
	}
}

func (tb *toolBreakers) get(toolID string) *gobreaker.CircuitBreaker[interface{}] {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if cb, ok := tb.breakers[toolID]; ok {
		return cb
	}

	maxFailures := tb.cfg.MaxFailures
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "tool:" + toolID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    tb.cfg.Interval,
		Timeout:     tb.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
	tb.breakers[toolID] = cb
	return cb
}

// Execute routes fn through the tool's breaker. An open circuit is reported
// as a CIRCUIT_OPEN execution error.
func (tb *toolBreakers) Execute(toolID string, fn func() (interface{}, error)) (interface{}, error) {
	out, err := tb.get(toolID).Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errCircuitOpen(toolID, err)
		}
		return nil, err
	}
	return out, nil
}
