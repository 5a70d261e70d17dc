package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

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

// ErrOpen is returned without calling the guarded function while the breaker is open.
var ErrOpen = errors.New("circuit breaker is open")

const (
	defaultMaxFailures = 5
	defaultTimeout     = 30 * time.Second
)

type Config struct {
	Name        string
	MaxFailures int
	// Timeout is how long the breaker stays open before letting a probe through.
	Timeout       time.Duration
	OnStateChange func(name string, from, to State)
}

// Metrics is a point-in-time view of a breaker.
type Metrics struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	MaxFailures         int       `json:"max_failures"`
	TimeoutSeconds      float64   `json:"timeout_seconds"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalRejected       int64     `json:"total_rejected"`
	StateChanges        int64     `json:"state_changes"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastStateChange     time.Time `json:"last_state_change,omitempty"`
}

type CircuitBreaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mutex         sync.Mutex
	state         State
	failures      int
	probeInFlight bool
	openedAt      time.Time

	totalRequests   int64
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
	stateChanges    int64
	lastFailure     time.Time
	lastStateChange time.Time

	logger *logrus.Logger
}

func New(config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.Name == "" {
		config.Name = "unnamed"
	}
	if config.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.MaxFailures,
			"default_value":   defaultMaxFailures,
		}).Warn("Invalid MaxFailures value, using default")
		config.MaxFailures = defaultMaxFailures
	}
	if config.Timeout <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": config.Name,
			"invalid_value":   config.Timeout.String(),
			"default_value":   defaultTimeout.String(),
		}).Warn("Invalid Timeout value, using default")
		config.Timeout = defaultTimeout
	}

	return &CircuitBreaker{
		name:          config.Name,
		maxFailures:   config.MaxFailures,
		timeout:       config.Timeout,
		onStateChange: config.OnStateChange,
		now:           time.Now,
		state:         StateClosed,
		logger:        logger,
	}
}

// Execute runs fn unless the breaker is open. Errors caused by ctx being
// cancelled or expiring are returned but do not count against the remote side.
// While half-open a single probe is admitted; concurrent callers get ErrOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if probe {
		cb.probeInFlight = false
	}

	switch {
	case err == nil:
		cb.totalSuccesses++
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Caller gave up. A half-open probe that never finished leaves the state as is.
	default:
		cb.totalFailures++
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.trip()
		}
	}
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateOpen:
		cb.totalRejected++
		cb.logger.WithField("circuit_breaker", cb.name).Debug("Circuit breaker is open, rejecting request")
		return false, ErrOpen
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.totalRejected++
			return false, ErrOpen
		}
		cb.probeInFlight = true
		probe = true
	}
	cb.totalRequests++
	return probe, nil
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stateChanges++
	cb.lastStateChange = cb.now()
	if newState == StateClosed {
		cb.failures = 0
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from_state":      oldState.String(),
		"to_state":        newState.String(),
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.notify(oldState, newState)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.onStateChange(cb.name, from, to)
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Metrics{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failures,
		MaxFailures:         cb.maxFailures,
		TimeoutSeconds:      cb.timeout.Seconds(),
		TotalRequests:       cb.totalRequests,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TotalRejected:       cb.totalRejected,
		StateChanges:        cb.stateChanges,
		LastFailure:         cb.lastFailure,
		LastStateChange:     cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.probeInFlight = false
	cb.openedAt = time.Time{}
}

func (cb *CircuitBreaker) String() string {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		cb.name, cb.state.String(), cb.failures, cb.maxFailures)
}
