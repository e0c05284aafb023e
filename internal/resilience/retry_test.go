package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"testing"
	"time"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), "alt_data", fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("overloaded"), http.StatusServiceUnavailable)
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("Retry = %q, %v", v, err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_PermanentErrorStops(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), "alt_data", fastPolicy(5), func(context.Context) (int, error) {
		calls++
		return 0, errors.New("bad request")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), "alt_data", fastPolicy(2), func(context.Context) (int, error) {
		calls++
		return 0, Transient(errors.New("rate limited"), http.StatusTooManyRequests)
	})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want the last transient error", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, "alt_data", RetryPolicy{MaxAttempts: 5, Backoff: time.Hour, MaxBackoff: time.Hour}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, Transient(errors.New("timeout"), 0)
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Errorf("Delay(%d) = %s, want %s", n, got, w)
		}
	}

	p.Jitter = 0.5
	for range 100 {
		d := p.Delay(0)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %s outside [50ms, 150ms]", d)
		}
	}
}

func TestFromSettings(t *testing.T) {
	bc, rp := FromSettings(5, time.Hour, 0)
	if bc.FailureThreshold != 5 || bc.Cooldown != time.Hour {
		t.Errorf("breaker = %+v", bc)
	}
	if rp.MaxAttempts != 1 {
		t.Errorf("attempts = %d, want 1", rp.MaxAttempts)
	}

	bc, rp = FromSettings(0, 0, -1)
	if bc.FailureThreshold != 3 || bc.Cooldown != 24*time.Hour {
		t.Errorf("defaults = %+v", bc)
	}
	if rp.MaxAttempts != DefaultRetryPolicy().MaxAttempts {
		t.Errorf("attempts = %d", rp.MaxAttempts)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", Transient(errors.New("x"), 503), true},
		{"wrapped", fmt.Errorf("call: %w", Transient(errors.New("x"), 429)), true},
		{"plain", errors.New("invalid payload"), false},
		{"net timeout", timeoutErr{}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"message", errors.New("write: broken pipe"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if Transient(nil, 500) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestFromStatus(t *testing.T) {
	if err := FromStatus("alt_data", http.StatusBadGateway); !IsTransient(err) {
		t.Errorf("502 should be transient: %v", err)
	}
	err := FromStatus("alt_data", http.StatusNotFound)
	if err == nil || IsTransient(err) {
		t.Errorf("404 should be permanent: %v", err)
	}
	for _, s := range []int{408, 429, 500, 502, 503, 504} {
		if !TransientStatus(s) {
			t.Errorf("TransientStatus(%d) = false", s)
		}
	}
	if TransientStatus(http.StatusBadRequest) {
		t.Error("400 is not transient")
	}
}
