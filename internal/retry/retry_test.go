package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("connection reset")

func isTestTransient(err error) bool { return errors.Is(err, errTransient) }

// instantTimer fires immediately and records every requested delay.
type instantTimer struct {
	c      chan time.Time
	delays []time.Duration
}

func newInstantTimer() *instantTimer { return &instantTimer{c: make(chan time.Time, 1)} }

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func testPolicy(timer *instantTimer) Policy {
	p := DefaultPolicy(isTestTransient)
	p.timer = timer
	return p
}

func TestDoRetriesTransientWithExponentialDelays(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	err := testPolicy(timer).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(timer.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", timer.delays, want)
	}
	for i := range want {
		if timer.delays[i] != want[i] {
			t.Fatalf("delays = %v, want %v", timer.delays, want)
		}
	}
}

func TestDoGivesUpAfterMaxAttempts(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	retried := 0
	p := testPolicy(timer)
	p.OnRetry = func(error, time.Duration) { retried++ }

	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("Do() error = %v, want transient error", err)
	}
	if calls != 3 || retried != 2 {
		t.Fatalf("calls = %d, retried = %d, want 3 and 2", calls, retried)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	timer := newInstantTimer()
	permanent := errors.New("validation failed")
	calls := 0
	err := testPolicy(timer).Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v, want %v", err, permanent)
	}
	if calls != 1 || len(timer.delays) != 0 {
		t.Fatalf("calls = %d, delays = %v, want a single attempt", calls, timer.delays)
	}
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	timer := newInstantTimer()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := testPolicy(timer).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestValueReturnsResult(t *testing.T) {
	timer := newInstantTimer()
	calls := 0
	got, err := Value(context.Background(), testPolicy(timer), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errTransient
		}
		return "stored", nil
	})
	if err != nil || got != "stored" {
		t.Fatalf("Value() = %q, %v", got, err)
	}
}

func TestDelay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, Factor: 3}
	if got := p.Delay(1); got != 100*time.Millisecond {
		t.Fatalf("Delay(1) = %v", got)
	}
	if got := p.Delay(3); got != 900*time.Millisecond {
		t.Fatalf("Delay(3) = %v", got)
	}
}
