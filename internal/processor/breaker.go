package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/ledger"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/timeout"
)

const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = time.Minute
	defaultCooldown         = 30 * time.Second
	defaultCallTimeout      = 10 * time.Second
)

var (
	// ErrCircuitOpen is returned without calling out while the breaker is open
	// or while the half-open probe is in flight.
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ledger.ErrProcessorUnavailable)
	// ErrCallTimeout is returned when a call outlives the breaker timeout.
	ErrCallTimeout = fmt.Errorf("%w: call timed out", ledger.ErrProcessorUnavailable)
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (state State) String() string {
	switch state {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig configures a CircuitBreaker. Zero values take defaults.
type BreakerConfig struct {
	Name string
	// FailureThreshold consecutive failures inside Window open the circuit.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the circuit stays open before one probe is let through.
	Cooldown time.Duration
	// Timeout bounds every call; an expired call counts as a failure.
	Timeout       time.Duration
	OnStateChange func(name string, from State, to State)
}

// CircuitBreaker guards calls to the payment processor. It wraps a failsafe
// circuit breaker composed with a timeout and owns its state; nothing about
// it is global.
type CircuitBreaker struct {
	config   BreakerConfig
	breaker  circuitbreaker.CircuitBreaker[any]
	executor failsafe.Executor[any]
}

// resetter is implemented by failsafe's breaker. Clearing the closed-state
// window on success keeps the failure count consecutive.
type resetter interface {
	Reset()
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "processor"
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Window <= 0 {
		config.Window = defaultFailureWindow
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultCallTimeout
	}

	wrapper := &CircuitBreaker{config: config}
	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdPeriod(uint(config.FailureThreshold), config.Window).
		WithSuccessThreshold(1).
		WithDelay(config.Cooldown).
		HandleIf(func(_ any, err error) bool {
			return wrapper.countsAsFailure(err)
		})
	if config.OnStateChange != nil {
		builder = builder.OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			config.OnStateChange(config.Name, convertState(event.OldState), convertState(event.NewState))
		})
	}
	wrapper.breaker = builder.Build()
	wrapper.executor = failsafe.With[any](wrapper.breaker, timeout.New[any](config.Timeout))
	return wrapper
}

// countsAsFailure excludes permanent rejections. A caller that gave up is not
// a processor failure, except during the probe, which must not close the circuit.
func (breaker *CircuitBreaker) countsAsFailure(err error) bool {
	switch {
	case err == nil, errors.Is(err, ErrRejected):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return breaker.breaker.IsHalfOpen()
	default:
		return true
	}
}

func convertState(state circuitbreaker.State) State {
	switch state {
	case circuitbreaker.OpenState:
		return StateOpen
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the breaker name.
func (breaker *CircuitBreaker) Name() string {
	return breaker.config.Name
}

// State returns the current state.
func (breaker *CircuitBreaker) State() State {
	return convertState(breaker.breaker.State())
}

// Execute runs fn under the breaker.
func (breaker *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, breaker, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, fn(callCtx)
	})
	return err
}

// Call runs fn under the breaker and returns its value. fn receives a context
// that is cancelled when the breaker timeout expires; the timeout then counts
// as a failure. Errors wrapping ErrRejected do not count.
func Call[T any](ctx context.Context, breaker *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := breaker.executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[any]) (any, error) {
		return fn(exec.Context())
	})
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		return zero, ErrCircuitOpen
	case ctx.Err() != nil:
		return zero, ctx.Err()
	case errors.Is(err, timeout.ErrExceeded):
		return zero, fmt.Errorf("%w after %s", ErrCallTimeout, breaker.config.Timeout)
	default:
		return zero, err
	}
	if breaker.breaker.IsClosed() && breaker.breaker.Metrics().Failures() > 0 {
		if window, ok := breaker.breaker.(resetter); ok {
			window.Reset()
		}
	}
	value, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return value, nil
}
