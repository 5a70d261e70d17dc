package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(maxFailures int, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(Config{Name: "test", MaxFailures: maxFailures, Timeout: timeout}, logger)
	cb.now = clock.Now
	return cb, clock
}

var errRemote = errors.New("remote failure")

func fail(context.Context) error    { return errRemote }
func succeed(context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Execute(ctx, fail); !errors.Is(err, errRemote) {
			t.Fatalf("Attempt %d: expected remote error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected open, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("Guarded function must not run while open")
	}
	if m := cb.Metrics(); m.TotalRejected != 1 || m.TotalFailures != 3 {
		t.Errorf("Unexpected metrics %+v", m)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after interleaved success, got %s", cb.State())
	}
}

func TestHalfOpenProbe(t *testing.T) {
	tests := []struct {
		name      string
		probe     func(context.Context) error
		wantState State
	}{
		{name: "probe_succeeds", probe: succeed, wantState: StateClosed},
		{name: "probe_fails", probe: fail, wantState: StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(1, 10*time.Second)
			ctx := context.Background()

			_ = cb.Execute(ctx, fail)
			clock.Advance(11 * time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("Expected half-open after timeout, got %s", cb.State())
			}

			_ = cb.Execute(ctx, tt.probe)
			if got := cb.Metrics().State; got != tt.wantState.String() {
				t.Errorf("Expected %s, got %s", tt.wantState, got)
			}
		})
	}
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	ctx := context.Background()
	_ = cb.Execute(ctx, fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("Expected concurrent caller to be rejected, got %v", err)
	}
	close(release)
	wg.Wait()

	if cb.State() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", cb.State())
	}
}

func TestContextCancellationNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("Cancellation must not trip the breaker, got %s", cb.State())
	}
	if err := cb.Execute(ctx, succeed); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected already-cancelled context to short-circuit, got %v", err)
	}
}

func TestExecuteConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(1000, time.Minute)
	ctx := context.Background()

	const workers = 50
	const iterations = 20
	var calls int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				_ = cb.Execute(ctx, func(context.Context) error {
					atomic.AddInt64(&calls, 1)
					if (i+j)%4 == 0 {
						return errRemote
					}
					return nil
				})
			}
		}(i)
	}
	wg.Wait()

	m := cb.Metrics()
	if m.TotalRequests != workers*iterations || m.TotalRequests != atomic.LoadInt64(&calls) {
		t.Errorf("Expected %d requests, got %d (calls %d)", workers*iterations, m.TotalRequests, calls)
	}
	if m.TotalRequests != m.TotalFailures+m.TotalSuccesses {
		t.Errorf("Inconsistent metrics %+v", m)
	}
}

func TestStateChangeCallback(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	changes := make(chan State, 4)
	cb := New(Config{
		Name:          "callback",
		MaxFailures:   1,
		Timeout:       time.Minute,
		OnStateChange: func(name string, from, to State) { changes <- to },
	}, logger)

	_ = cb.Execute(context.Background(), fail)

	select {
	case to := <-changes:
		if to != StateOpen {
			t.Errorf("Expected transition to open, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("State change callback not invoked")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cb := New(Config{}, logger)
	m := cb.Metrics()
	if m.Name != "unnamed" || m.MaxFailures != defaultMaxFailures || m.TimeoutSeconds != defaultTimeout.Seconds() {
		t.Errorf("Unexpected defaults %+v", m)
	}
}
