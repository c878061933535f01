package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/driveline/internal/backend"
)

// State of a breaker.
//
//	Closed -> Open:      MaxFailures outages in a row
//	Open -> HalfOpen:    RecoveryTimeout after opening
//	HalfOpen -> Closed:  a probe call gets an answer
//	HalfOpen -> Open:    a probe call hits an outage
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds breaker settings.
type Config struct {
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// IsFailure decides which call errors count against the backend.
	// Defaults to backend.IsOutage.
	IsFailure func(error) bool
}

// DefaultConfig returns the settings used for the DriveLine backend.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
		IsFailure:           backend.IsOutage,
	}
}

// CircuitBreaker stops the agent from hammering a backend that is down.
// The unread poller and the list refresher keep calling on their timers;
// once the backend has failed MaxFailures times in a row those calls are
// rejected locally until RecoveryTimeout passes.
//
// Every state change starts a new generation. A call that finishes after
// the generation it was admitted in (for example across Reset at a session
// switch) is counted in the totals but does not move the state.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	generation  uint64
	streak      int
	probes      int
	changedAt   time.Time
	lastFailure time.Time

	requests  int64
	failures  int64
	successes int64
	rejected  int64
}

// New creates a breaker. Zero config fields take their defaults.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = def.IsFailure
	}

	cb := &CircuitBreaker{config: cfg, logger: logger, now: time.Now}
	cb.changedAt = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return cb
}

// Name is the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs fn unless the breaker is open. fn's error is returned
// unchanged and classified with Config.IsFailure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.settle(gen, err != nil && cb.config.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.requests++

	if cb.state == StateOpen && now.Sub(cb.changedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen, now)
		cb.logger.Info("circuit breaker allowing probe request",
			zap.String("name", cb.config.Name),
		)
	}

	switch cb.state {
	case StateOpen:
		cb.rejected++
		return 0, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name)
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			cb.rejected++
			return 0, fmt.Errorf("%w: %s probing", ErrCircuitOpen, cb.config.Name)
		}
		cb.probes++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) settle(gen uint64, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if failed {
		cb.failures++
		cb.lastFailure = now
	} else {
		cb.successes++
	}
	if gen != cb.generation {
		return
	}

	switch {
	case failed && cb.state == StateHalfOpen:
		cb.setState(StateOpen, now)
		cb.logger.Warn("circuit breaker re-opened, probe failed",
			zap.String("name", cb.config.Name),
		)
	case failed:
		cb.streak++
		if cb.streak >= cb.config.MaxFailures {
			cb.setState(StateOpen, now)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.streak),
			)
		}
	case cb.state == StateHalfOpen:
		cb.setState(StateClosed, now)
		cb.logger.Info("circuit breaker closed, backend recovered",
			zap.String("name", cb.config.Name),
		)
	default:
		cb.streak = 0
	}
}

// setState must be called with the lock held.
func (cb *CircuitBreaker) setState(s State, now time.Time) {
	if cb.state == s {
		return
	}
	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", cb.state.String()),
		zap.String("to", s.String()),
	)
	cb.state = s
	cb.generation++
	cb.changedAt = now
	cb.probes = 0
	if s == StateClosed {
		cb.streak = 0
	}
}

// Current returns the state, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) Current() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.now()
	if cb.state == StateOpen && now.Sub(cb.changedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

// Stats is the breaker summary reported on /v1/status.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.requests,
		TotalFailures:   cb.failures,
		TotalSuccesses:  cb.successes,
		TotalRejected:   cb.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset closes the breaker for a new session. Calls still in flight from
// the previous session no longer affect the state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.generation++
	cb.streak = 0
	cb.probes = 0

	cb.logger.Info("circuit breaker reset", zap.String("name", cb.config.Name))
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.streak, cb.config.MaxFailures)
}
