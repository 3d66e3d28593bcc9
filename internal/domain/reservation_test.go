package domain

import (
	"errors"
	"testing"
	"time"
)

func TestStockReservation_Validate(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(-time.Hour)

	tests := []struct {
		name        string
		reservation *StockReservation
		errCount    int
	}{
		{
			name: "valid reservation",
			reservation: &StockReservation{
				ProductID:  "sku-1",
				CustomerID: "cust-1",
				Quantity:   5,
				Kind:       ReservationKindPurchase,
			},
			errCount: 0,
		},
		{
			name: "missing product",
			reservation: &StockReservation{
				CustomerID: "cust-1",
				Quantity:   5,
				Kind:       ReservationKindPurchase,
			},
			errCount: 1,
		},
		{
			name: "zero quantity and unknown kind",
			reservation: &StockReservation{
				ProductID:  "sku-1",
				CustomerID: "cust-1",
				Kind:       ReservationKind("GIFT"),
			},
			errCount: 2,
		},
		{
			name: "window end before start",
			reservation: &StockReservation{
				ProductID:    "sku-1",
				CustomerID:   "cust-1",
				Quantity:     1,
				Kind:         ReservationKindRental,
				PlannedStart: &start,
				PlannedEnd:   &end,
			},
			errCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := tt.reservation.Validate()
			if len(errs) != tt.errCount {
				t.Errorf("Validate() returned %d errors, want %d: %v", len(errs), tt.errCount, errs)
			}
		})
	}
}

func TestStockReservation_Transitions(t *testing.T) {
	now := time.Now().UTC()
	pending := func() StockReservation {
		return StockReservation{Status: ReservationStatusPending, ExpiresAt: now.Add(time.Minute)}
	}

	t.Run("confirm pending", func(t *testing.T) {
		r := pending()
		if err := r.Confirm(now); err != nil {
			t.Fatalf("confirm failed: %v", err)
		}
		if r.Status != ReservationStatusConfirmed || r.ConfirmedAt == nil {
			t.Fatalf("unexpected reservation after confirm: %+v", r)
		}
	})

	t.Run("confirm stale pending is invalid", func(t *testing.T) {
		r := pending()
		r.ExpiresAt = now.Add(-time.Second)
		if err := r.Confirm(now); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if r.Status != ReservationStatusPending {
			t.Fatalf("status must stay pending, got %s", r.Status)
		}
	})

	t.Run("cancel confirmed", func(t *testing.T) {
		r := pending()
		_ = r.Confirm(now)
		if err := r.Cancel(now, "customer request"); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if r.Status != ReservationStatusCancelled || r.CancelReason != "customer request" {
			t.Fatalf("unexpected reservation after cancel: %+v", r)
		}
	})

	t.Run("terminal states reject transitions", func(t *testing.T) {
		for _, status := range []ReservationStatus{ReservationStatusCancelled, ReservationStatusExpired} {
			r := StockReservation{Status: status, ExpiresAt: now.Add(time.Minute)}
			if err := r.Confirm(now); !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s: confirm expected ErrInvalidState, got %v", status, err)
			}
			if err := r.Cancel(now, ""); !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s: cancel expected ErrInvalidState, got %v", status, err)
			}
			if err := r.Expire(now); !errors.Is(err, ErrInvalidState) {
				t.Errorf("%s: expire expected ErrInvalidState, got %v", status, err)
			}
		}
	})

	t.Run("expire only pending", func(t *testing.T) {
		r := pending()
		_ = r.Confirm(now)
		if err := r.Expire(now); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState for confirmed, got %v", err)
		}
	})
}

func TestStockReservation_Extend(t *testing.T) {
	now := time.Now().UTC()

	r := StockReservation{Status: ReservationStatusPending, ExpiresAt: now.Add(time.Minute)}
	if err := r.Extend(now, 10*time.Minute); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	if want := now.Add(11 * time.Minute); !r.ExpiresAt.Equal(want) {
		t.Fatalf("expires_at = %v, want %v", r.ExpiresAt, want)
	}

	if err := r.Extend(now, -time.Hour); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for past expiry, got %v", err)
	}

	stale := StockReservation{Status: ReservationStatusPending, ExpiresAt: now.Add(-time.Second)}
	if err := stale.Extend(now, time.Hour); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for stale hold, got %v", err)
	}
}

func TestReservationStatusActive(t *testing.T) {
	active := map[ReservationStatus]bool{
		ReservationStatusPending:   true,
		ReservationStatusConfirmed: true,
		ReservationStatusCancelled: false,
		ReservationStatusExpired:   false,
	}
	for status, want := range active {
		if got := status.Active(); got != want {
			t.Errorf("%s.Active() = %v, want %v", status, got, want)
		}
	}
}
