package domain

import (
	"fmt"
	"time"
)

// StockLedger: учёт остатков одного товара: available + reserved == total.
type StockLedger struct {
	ProductID string
	Available int64
	Reserved  int64
	Version   int64
	UpdatedAt time.Time
}

// Total возвращает общее количество товара.
func (l StockLedger) Total() int64 {
	return l.Available + l.Reserved
}

// Check проверяет неотрицательность счётчиков.
func (l StockLedger) Check() error {
	if l.Available < 0 || l.Reserved < 0 {
		return fmt.Errorf("%w: product=%s available=%d reserved=%d", ErrLedgerInvariant, l.ProductID, l.Available, l.Reserved)
	}
	return nil
}

// Hold переносит qty из available в reserved.
func (l *StockLedger) Hold(qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if l.Available < qty {
		return ErrInsufficientStock
	}
	l.Available -= qty
	l.Reserved += qty
	return l.Check()
}

// Release возвращает qty из reserved в available. Возврат больше удержанного: нарушение инварианта.
func (l *StockLedger) Release(qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if l.Reserved < qty {
		return fmt.Errorf("%w: product=%s release=%d reserved=%d", ErrLedgerInvariant, l.ProductID, qty, l.Reserved)
	}
	l.Reserved -= qty
	l.Available += qty
	return l.Check()
}
