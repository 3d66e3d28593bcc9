package domain

import (
	"errors"
	"testing"
)

func TestStockLedger_HoldRelease(t *testing.T) {
	ledger := StockLedger{ProductID: "sku-1", Available: 10}

	if err := ledger.Hold(5); err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if ledger.Available != 5 || ledger.Reserved != 5 || ledger.Total() != 10 {
		t.Fatalf("unexpected ledger after hold: %+v", ledger)
	}

	if err := ledger.Hold(6); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if ledger.Available != 5 || ledger.Reserved != 5 {
		t.Fatalf("failed hold must not change ledger: %+v", ledger)
	}

	if err := ledger.Release(3); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if ledger.Available != 8 || ledger.Reserved != 2 || ledger.Total() != 10 {
		t.Fatalf("unexpected ledger after release: %+v", ledger)
	}
}

func TestStockLedger_ReleaseMoreThanReserved(t *testing.T) {
	ledger := StockLedger{ProductID: "sku-1", Available: 1, Reserved: 2}
	if err := ledger.Release(3); !errors.Is(err, ErrLedgerInvariant) {
		t.Fatalf("expected ErrLedgerInvariant, got %v", err)
	}
}

func TestStockLedger_InvalidQuantity(t *testing.T) {
	ledger := StockLedger{ProductID: "sku-1", Available: 1}
	if err := ledger.Hold(0); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if err := ledger.Release(-1); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}
