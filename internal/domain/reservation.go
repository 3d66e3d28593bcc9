package domain

import (
	"strings"
	"time"
)

// ReservationStatus отражает статус складского резерва.
type ReservationStatus string

const (
	// ReservationStatusPending: товар удерживается до подтверждения или истечения срока.
	ReservationStatusPending ReservationStatus = "PENDING"
	// ReservationStatusConfirmed — резерв подтверждён (продажа состоялась).
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	// ReservationStatusCancelled: резерв отменён явно, остаток возвращён.
	ReservationStatusCancelled ReservationStatus = "CANCELLED"
	// ReservationStatusExpired: резерв истёк, остаток возвращён планировщиком.
	ReservationStatusExpired ReservationStatus = "EXPIRED"
)

// Valid проверяет, что статус известен.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationStatusPending, ReservationStatusConfirmed, ReservationStatusCancelled, ReservationStatusExpired:
		return true
	default:
		return false
	}
}

// Active: резерв учитывается в reserved-остатке товара.
func (s ReservationStatus) Active() bool {
	return s == ReservationStatusPending || s == ReservationStatusConfirmed
}

// ReservationKind: назначение резерва.
type ReservationKind string

const (
	ReservationKindRental      ReservationKind = "RENTAL"
	ReservationKindPurchase    ReservationKind = "PURCHASE"
	ReservationKindMaintenance ReservationKind = "MAINTENANCE"
)

// Valid проверяет, что тип известен.
func (k ReservationKind) Valid() bool {
	switch k {
	case ReservationKindRental, ReservationKindPurchase, ReservationKindMaintenance:
		return true
	default:
		return false
	}
}

// StockReservation: удержание количества товара за клиентом на ограниченное время.
type StockReservation struct {
	ID           string
	ProductID    string
	CustomerID   string
	Reference    string
	Quantity     int64
	Kind         ReservationKind
	Status       ReservationStatus
	Notes        string
	CancelReason string
	PlannedStart *time.Time
	PlannedEnd   *time.Time
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	Version      int64
}

// Validate проверяет поля резерва перед созданием.
func (r *StockReservation) Validate() []error {
	var errs []error

	if strings.TrimSpace(r.ProductID) == "" {
		errs = append(errs, ErrProductRequired)
	}
	if strings.TrimSpace(r.CustomerID) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if r.Quantity <= 0 {
		errs = append(errs, ErrInvalidQuantity)
	}
	if !r.Kind.Valid() {
		errs = append(errs, ErrInvalidKind)
	}
	if r.PlannedStart != nil && r.PlannedEnd != nil && !r.PlannedEnd.After(*r.PlannedStart) {
		errs = append(errs, ErrInvalidWindow)
	}

	return errs
}

// Expired вычисляет просрочку: PENDING-резерв с истёкшим сроком считается истёкшим,
// даже если планировщик ещё не сменил статус.
func (r StockReservation) Expired(now time.Time) bool {
	return r.Status == ReservationStatusPending && !now.Before(r.ExpiresAt)
}

// Terminal: из статуса нет переходов.
func (r StockReservation) Terminal() bool {
	return r.Status == ReservationStatusConfirmed ||
		r.Status == ReservationStatusCancelled ||
		r.Status == ReservationStatusExpired
}

// Confirm переводит PENDING → CONFIRMED. Просроченный резерв подтвердить нельзя.
func (r *StockReservation) Confirm(now time.Time) error {
	if r.Status != ReservationStatusPending || r.Expired(now) {
		return ErrInvalidState
	}
	r.Status = ReservationStatusConfirmed
	r.ConfirmedAt = &now
	return nil
}

// Cancel переводит PENDING или CONFIRMED → CANCELLED.
func (r *StockReservation) Cancel(now time.Time, reason string) error {
	if !r.Status.Active() {
		return ErrInvalidState
	}
	r.Status = ReservationStatusCancelled
	r.CancelReason = reason
	r.CancelledAt = &now
	return nil
}

// Expire переводит PENDING → EXPIRED.
func (r *StockReservation) Expire(now time.Time) error {
	if r.Status != ReservationStatusPending {
		return ErrInvalidState
	}
	r.Status = ReservationStatusExpired
	r.CancelledAt = &now
	return nil
}

// Extend сдвигает срок действия PENDING-резерва.
func (r *StockReservation) Extend(now time.Time, additional time.Duration) error {
	if r.Status != ReservationStatusPending || r.Expired(now) {
		return ErrInvalidState
	}
	next := r.ExpiresAt.Add(additional)
	if additional <= 0 || !next.After(now) {
		return ErrInvalidDuration
	}
	r.ExpiresAt = next
	return nil
}
