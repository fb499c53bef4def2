package util

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), 5, 0, func() error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	maxAttempts := 3

	err := Retry(context.Background(), maxAttempts, 0, func() error {
		attempts++
		return errors.New("persistent error")
	})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != maxAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, maxAttempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	_, err := Do(context.Background(), RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, fatal) },
	}, func(int) (int, error) {
		attempts++
		return 0, fatal
	})

	if !errors.Is(err, fatal) {
		t.Fatalf("Do returned %v, want fatal", err)
	}
	if attempts != 1 {
		t.Errorf("Do called fn %d times, want 1", attempts)
	}
}

func TestDoOnRetryCountsSleeps(t *testing.T) {
	retries := 0
	got, err := Do(context.Background(), RetryPolicy{
		MaxAttempts: 6,
		OnRetry:     func(int, error) { retries++ },
	}, func(attempt int) (int, error) {
		if attempt < 5 {
			return 0, errors.New("not yet")
		}
		return attempt, nil
	})

	if err != nil {
		t.Fatalf("Do returned unexpected error: %v", err)
	}
	if got != 5 {
		t.Errorf("Do result = %d, want 5", got)
	}
	if retries != 4 {
		t.Errorf("OnRetry called %d times, want 4", retries)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Do(ctx, FixedPolicy(3, time.Hour), func(int) (int, error) {
		return 0, errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do returned %v, want context.Canceled", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if rl == nil {
		t.Fatal("NewRateLimiter returned nil")
	}
	now := rl.lastTime
	if w := rl.reserve(now); w != 0 {
		t.Fatalf("first reserve waited %v", w)
	}
	if w := rl.reserve(now); w != 0 {
		t.Fatalf("second reserve waited %v", w)
	}
	if w := rl.reserve(now); w <= 0 || w > time.Second {
		t.Fatalf("third reserve wait = %v, want (0, 1s]", w)
	}
}

func TestRateLimiterNilIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	if rl != nil {
		t.Fatal("NewRateLimiter(0) should return nil")
	}
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("nil Wait returned %v", err)
	}
}

func TestTradingCalendar(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	cal := NewTradingCalendar(paris, []string{"2026-12-25"}, 8, 22, 21, 55)

	tests := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"midday", time.Date(2026, 10, 14, 12, 0, 0, 0, paris), true},
		{"session start", time.Date(2026, 10, 14, 8, 0, 0, 0, paris), true},
		{"before start", time.Date(2026, 10, 14, 7, 59, 0, 0, paris), false},
		{"end hour", time.Date(2026, 10, 14, 22, 0, 0, 0, paris), false},
		{"just before risky", time.Date(2026, 10, 14, 21, 54, 0, 0, paris), true},
		{"risky start", time.Date(2026, 10, 14, 21, 55, 0, 0, paris), false},
		{"closed date", time.Date(2026, 12, 25, 12, 0, 0, 0, paris), false},
		{"saturday", time.Date(2026, 10, 17, 12, 0, 0, 0, paris), false},
		{"utc input", time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.IsMarketOpen(tt.at); got != tt.open {
				t.Errorf("IsMarketOpen(%v) = %v, want %v (%s)", tt.at, got, tt.open, cal.ClosedReason(tt.at))
			}
		})
	}
}

func TestNewRotatingLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wata.log")
	logger, err := NewRotatingLogger(LogOptions{Level: "debug", Output: "file", FilePath: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewRotatingLogger: %v", err)
	}
	logger.Info("hello")
}
