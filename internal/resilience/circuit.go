// Package resilience provides circuit breaker and retry patterns for external service calls.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen lets probe requests through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// Name identifies the guarded dependency in health output and logs.
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open, measured from the last
	// failure, before the next access moves it to half-open. Default: 60s.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successes required in
	// half-open state before closing the circuit. Default: 2.
	SuccessThreshold int

	// ShouldTrip classifies errors. Only errors it accepts touch breaker
	// state; anything else is passed through untouched. Default: IsExpectedFailure.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	// It runs with the breaker lock held and must not call back into it.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		SuccessThreshold: 2,
	}
}

// CallStats are cumulative call counters for one breaker.
type CallStats struct {
	Total    int64 `json:"total"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
	// Ignored counts errors that did not match ShouldTrip.
	Ignored int64 `json:"ignored"`
}

// HealthStatus is a point-in-time summary of a breaker.
type HealthStatus struct {
	Name                           string       `json:"name"`
	State                          CircuitState `json:"state"`
	ConsecutiveFailures            int          `json:"consecutive_failures"`
	ConsecutiveSuccessesInHalfOpen int          `json:"consecutive_successes_in_half_open"`
	LastFailureAt                  *time.Time   `json:"last_failure_at,omitempty"`
	FailureThreshold               int          `json:"failure_threshold"`
	SuccessThreshold               int          `json:"success_threshold"`
	ResetTimeout                   string       `json:"reset_timeout"`
	Stats                          CallStats    `json:"stats"`
	IsHealthy                      bool         `json:"is_healthy"`
}

// CircuitBreaker implements the circuit breaker pattern for a single service.
// The open → half-open transition is evaluated lazily on access; no timer runs.
type CircuitBreaker struct {
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int
	stats               CallStats

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsExpectedFailure
	}
	return &CircuitBreaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the dependency name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// SetClock replaces the breaker's time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.nowFunc = now
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// invoking fn if the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state, applying the open → half-open
// transition if the reset timeout has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.state
}

// Reset forces the circuit back to closed state and zeroes its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.lastFailureTime = time.Time{}
	cb.stats = CallStats{}
}

// Counters returns the current failure count and state for observability.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()
	return cb.consecutiveFailures, cb.state
}

// Health returns the breaker state, counters, and a derived IsHealthy flag.
func (cb *CircuitBreaker) Health() HealthStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refresh()

	hs := HealthStatus{
		Name:                           cb.cfg.Name,
		State:                          cb.state,
		ConsecutiveFailures:            cb.consecutiveFailures,
		ConsecutiveSuccessesInHalfOpen: cb.halfOpenSuccesses,
		FailureThreshold:               cb.cfg.FailureThreshold,
		SuccessThreshold:               cb.cfg.SuccessThreshold,
		ResetTimeout:                   cb.cfg.ResetTimeout.String(),
		Stats:                          cb.stats,
		IsHealthy:                      cb.state == CircuitClosed,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		hs.LastFailureAt = &t
	}
	return hs
}

// refresh applies the lazy open → half-open transition. Caller holds mu.
func (cb *CircuitBreaker) refresh() {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		cb.halfOpenSuccesses = 0
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refresh()
	if cb.state == CircuitOpen {
		cb.stats.Rejected++
		return ErrCircuitOpen
	}
	cb.stats.Total++
	return nil
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.stats.Success++
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.SuccessThreshold {
				cb.transition(CircuitClosed)
				cb.consecutiveFailures = 0
				cb.halfOpenSuccesses = 0
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	// Errors that aren't external-service failures leave state untouched.
	if !cb.cfg.ShouldTrip(err) {
		cb.stats.Ignored++
		return
	}

	cb.stats.Failed++
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.nowFunc()

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit.
		cb.transition(CircuitOpen)
		cb.halfOpenSuccesses = 0
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// ServiceBreakers manages circuit breakers for multiple services.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates a registry of per-service circuit breakers.
// cfg is the template for breakers created on demand by Get.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Register creates (or replaces) the breaker for service with its own config.
func (sb *ServiceBreakers) Register(service string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.Name = service
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = sb.cfg.OnStateChange
	}
	cb := NewCircuitBreaker(cfg)

	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.breakers[service] = cb
	return cb
}

// Get returns the circuit breaker for the named service, creating one if needed.
func (sb *ServiceBreakers) Get(service string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[service]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	// Double-check after acquiring write lock.
	if cb, ok = sb.breakers[service]; ok {
		return cb
	}
	cfg := sb.cfg
	cfg.Name = service
	cb = NewCircuitBreaker(cfg)
	sb.breakers[service] = cb
	return cb
}

// Lookup returns the breaker for service without creating one.
func (sb *ServiceBreakers) Lookup(service string) (*CircuitBreaker, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	cb, ok := sb.breakers[service]
	return cb, ok
}

// Names returns the registered service names in sorted order.
func (sb *ServiceBreakers) Names() []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	names := make([]string, 0, len(sb.breakers))
	for name := range sb.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Health returns a health summary for every registered breaker.
func (sb *ServiceBreakers) Health() map[string]HealthStatus {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out := make(map[string]HealthStatus, len(sb.breakers))
	for name, cb := range sb.breakers {
		out[name] = cb.Health()
	}
	return out
}
