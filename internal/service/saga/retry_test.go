package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return logger.WithField("component", "test")
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDefaultRetryPolicy(t *testing.T) {
	cfg := DefaultRetryPolicy()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected MaxAttempts: %d", cfg.MaxAttempts)
	}
	if cfg.InitialDelay <= 0 || cfg.MaxDelay < cfg.InitialDelay {
		t.Fatalf("invalid delays: %+v", cfg)
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	t.Run("retry then success", func(t *testing.T) {
		attempts := 0
		err := fastPolicy(3).Do(context.Background(), testLogger(), domain.IsRetryable, func(context.Context) error {
			attempts++
			if attempts < 3 {
				return domain.ErrCollaboratorTemporary
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Fatalf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("non-retryable stops immediately", func(t *testing.T) {
		attempts := 0
		err := fastPolicy(5).Do(context.Background(), testLogger(), domain.IsRetryable, func(context.Context) error {
			attempts++
			return domain.ErrCollaboratorRejected
		})
		if !errors.Is(err, domain.ErrCollaboratorRejected) {
			t.Fatalf("expected rejected error, got %v", err)
		}
		if attempts != 1 {
			t.Fatalf("expected single attempt, got %d", attempts)
		}
	})

	t.Run("exhausted returns last error", func(t *testing.T) {
		attempts := 0
		err := fastPolicy(2).Do(context.Background(), testLogger(), domain.IsRetryable, func(context.Context) error {
			attempts++
			return domain.ErrCollaboratorTemporary
		})
		if !errors.Is(err, domain.ErrCollaboratorTemporary) {
			t.Fatalf("expected temporary error, got %v", err)
		}
		if attempts != 2 {
			t.Fatalf("expected 2 attempts, got %d", attempts)
		}
	})

	t.Run("compensation retries any error", func(t *testing.T) {
		attempts := 0
		err := fastPolicy(3).Do(context.Background(), testLogger(), retryCompensation, func(context.Context) error {
			attempts++
			if attempts == 1 {
				return errors.New("unexpected")
			}
			return nil
		})
		if err != nil || attempts != 2 {
			t.Fatalf("expected success on 2nd attempt, got err=%v attempts=%d", err, attempts)
		}
	})
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("payment", 2, time.Minute, testLogger())
	cb.now = func() time.Time { return now }

	temporary := func() error { return domain.ErrCollaboratorTemporary }
	rejected := func() error { return domain.ErrCollaboratorRejected }

	_ = cb.Execute(rejected)
	_ = cb.Execute(rejected)
	if cb.State() != CircuitClosed {
		t.Fatal("business rejections must not open the breaker")
	}

	_ = cb.Execute(temporary)
	_ = cb.Execute(temporary)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %v", cb.State())
	}

	calls := 0
	err := cb.Execute(func() error { calls++; return nil })
	if !errors.Is(err, domain.ErrCircuitOpen) || calls != 0 {
		t.Fatalf("expected blocked call, got err=%v calls=%d", err, calls)
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("half-open probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed state after probe, got %v", cb.State())
	}
}
