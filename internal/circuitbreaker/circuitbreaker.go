// Package circuitbreaker stops calling a push provider that keeps failing
// and lets a few trial calls through after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed -> Open:      MaxFailures consecutive counted failures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the circuit opened
//	HalfOpen -> Closed:  a trial call succeeds
//	HalfOpen -> Open:    a trial call fails
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

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config for one breaker.
type Config struct {
	// Name identifies the provider, e.g. "sns-fcm", "sns-apns", "ses".
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open before trial calls.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent trial calls.
	HalfOpenMaxRequests int

	// IsFailure decides whether an error counts against the provider.
	// Nil counts every error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called with the lock held after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for push providers.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

type counts struct {
	requests  int64
	successes int64
	failures  int64
	rejected  int64
	ignored   int64

	consecutiveFailures int
	inFlight            int
}

// CircuitBreaker guards one provider. Each state change starts a new
// generation; outcomes reported for an older generation are dropped.
type CircuitBreaker struct {
	mu     sync.Mutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state      State
	generation uint64
	counts     counts
	openedAt   time.Time
	changedAt  time.Time
	lastFail   time.Time
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.changedAt = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Name returns the provider name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Execute runs fn unless the circuit rejects it. Errors excluded by
// IsFailure are returned to the caller without touching the failure streak.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := cb.beforeCall()
	if err != nil {
		return err
	}

	err = fn(ctx)
	cb.afterCall(gen, err)
	return err
}

func (cb *CircuitBreaker) beforeCall() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.counts.requests++
	switch cb.currentState() {
	case StateOpen:
		cb.counts.rejected++
		return 0, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name)
	case StateHalfOpen:
		if cb.counts.inFlight >= cb.config.HalfOpenMaxRequests {
			cb.counts.rejected++
			return 0, fmt.Errorf("%w: %s recovering", ErrCircuitOpen, cb.config.Name)
		}
	}
	cb.counts.inFlight++
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterCall(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if gen != cb.generation {
		return
	}
	cb.counts.inFlight--

	switch {
	case err == nil:
		cb.onSuccess()
	case cb.config.IsFailure(err):
		cb.onFailure()
	default:
		cb.counts.ignored++
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.counts.successes++
	cb.counts.consecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
		cb.logger.Info("circuit breaker closed, provider recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.counts.failures++
	cb.counts.consecutiveFailures++
	cb.lastFail = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.counts.consecutiveFailures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.counts.consecutiveFailures),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.logger.Warn("circuit breaker re-opened, trial call failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// currentState moves an expired open circuit to half-open. Callers hold cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// setState starts a new generation. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.generation++
	cb.counts.inFlight = 0
	cb.changedAt = cb.now()
	if to == StateOpen {
		cb.openedAt = cb.changedAt
	}
	if to == StateClosed {
		cb.counts.consecutiveFailures = 0
	}

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Stats is a snapshot served by the engine stats endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	TotalIgnored    int64  `json:"total_ignored"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.currentState().String(),
		FailureCount:    cb.counts.consecutiveFailures,
		TotalRequests:   cb.counts.requests,
		TotalFailures:   cb.counts.failures,
		TotalSuccesses:  cb.counts.successes,
		TotalRejected:   cb.counts.rejected,
		TotalIgnored:    cb.counts.ignored,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFail.IsZero() {
		s.LastFailure = cb.lastFail.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed. Calls still in flight no longer count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.generation++
	cb.counts.inFlight = 0
	cb.counts.consecutiveFailures = 0

	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.counts.consecutiveFailures, cb.config.MaxFailures)
}
