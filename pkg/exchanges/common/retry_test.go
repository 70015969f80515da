package common

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() *CallPolicy {
	return &CallPolicy{
		Limiter:    NewRateLimiter(map[string]Budget{"bybit": {PerSecond: 1000, PerMinute: 60000, Cooldown: time.Minute}}),
		Attempts:   3,
		MinBackoff: time.Millisecond,
		MaxBackoff: 5 * time.Millisecond,
	}
}

func TestCallPolicyRetriesTransient(t *testing.T) {
	p := fastPolicy()
	calls := 0
	err := p.Do(context.Background(), "bybit", "order-create", func() error {
		calls++
		if calls < 3 {
			return &TransientError{Exchange: "bybit", Err: errors.New("busy")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
	if got := p.Limiter.ErrorCount("bybit"); got != 0 {
		t.Errorf("ErrorCount = %d, want 0 after final success", got)
	}
}

func TestCallPolicyExhaustsAttempts(t *testing.T) {
	p := fastPolicy()
	calls := 0
	wantErr := &TransientError{Exchange: "bybit", Err: errors.New("still busy")}
	err := p.Do(context.Background(), "bybit", "order-create", func() error {
		calls++
		return wantErr
	})
	if calls != 3 {
		t.Errorf("fn called %d times, want exactly 3", calls)
	}
	// The original error surfaces unchanged for errors.As matching upstream.
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the final attempt's error", err)
	}
	if got := p.Limiter.ErrorCount("bybit"); got != 3 {
		t.Errorf("ErrorCount = %d, want 3", got)
	}
}

func TestCallPolicyDoesNotRetryTerminal(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"rejected", &RejectedError{Exchange: "bybit", Code: 110007, Message: "insufficient balance"}},
		{"validation", &ValidationError{Symbol: "BTCUSDT", Label: "quantity", Reason: "too small"}},
		{"connection", &ConnectionError{Exchange: "bybit", Err: errors.New("bad key")}},
		{"plain", errors.New("unexpected")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := fastPolicy()
			calls := 0
			err := p.Do(context.Background(), "bybit", "order-create", func() error {
				calls++
				return tc.err
			})
			if calls != 1 {
				t.Errorf("fn called %d times, want 1", calls)
			}
			if !errors.Is(err, tc.err) {
				t.Errorf("err = %v, want %v unchanged", err, tc.err)
			}
		})
	}
}

func TestCallPolicyContextCancelsBackoff(t *testing.T) {
	p := fastPolicy()
	p.MinBackoff = time.Second
	p.MaxBackoff = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := p.Do(ctx, "bybit", "order-create", func() error {
		calls++
		return &TransientError{Exchange: "bybit", Err: errors.New("busy")}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded from backoff wait", err)
	}
	if calls != 1 {
		t.Errorf("fn called %d times, want 1 before the context expired", calls)
	}
}

func TestCallPolicyNilLimiter(t *testing.T) {
	p := &CallPolicy{Attempts: 2, MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	calls := 0
	err := p.Do(context.Background(), "bybit", "ticker", func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d, want nil/1", err, calls)
	}
}

func TestIsTransientMatchesWrappedErrors(t *testing.T) {
	base := &TransientError{Exchange: "bybit", Err: errors.New("busy")}
	wrapped := errors.Join(errors.New("op failed"), base)
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error not recognized")
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain error misclassified as transient")
	}
}
