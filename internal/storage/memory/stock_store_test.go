package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func holdOne(ctx context.Context, store *StockStore, productID, id string, qty int64) error {
	return store.InProductTx(ctx, productID, func(tx domain.StockTx) error {
		ledger, err := tx.Ledger()
		if err != nil {
			return err
		}
		if err := ledger.Hold(qty); err != nil {
			return err
		}
		if err := tx.SaveLedger(ledger); err != nil {
			return err
		}
		now := time.Now().UTC()
		return tx.CreateReservation(domain.StockReservation{
			ID:         id,
			ProductID:  productID,
			CustomerID: "customer-1",
			Quantity:   qty,
			Kind:       domain.ReservationKindPurchase,
			Status:     domain.ReservationStatusPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(time.Minute),
		})
	})
}

func TestStockStore_SetStockKeepsReserved(t *testing.T) {
	store := NewStockStore(nil)
	ctx := context.Background()

	if _, err := store.SetStock(ctx, "sku-1", 10); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	if err := holdOne(ctx, store, "sku-1", "r-1", 4); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	ledger, err := store.SetStock(ctx, "sku-1", 6)
	if err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	if ledger.Available != 2 || ledger.Reserved != 4 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}

	if _, err := store.SetStock(ctx, "sku-1", 3); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if _, err := store.SetStock(ctx, "", 3); !errors.Is(err, domain.ErrProductRequired) {
		t.Fatalf("expected ErrProductRequired, got %v", err)
	}
}

func TestStockStore_FailedTxRollsBack(t *testing.T) {
	outbox := NewOutboxRepository()
	store := NewStockStore(outbox)
	ctx := context.Background()

	if _, err := store.SetStock(ctx, "sku-1", 5); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}

	boom := errors.New("boom")
	err := store.InProductTx(ctx, "sku-1", func(tx domain.StockTx) error {
		ledger, _ := tx.Ledger()
		_ = ledger.Hold(5)
		_ = tx.SaveLedger(ledger)
		_ = tx.Enqueue(domain.OutboxMessage{EventType: "x"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	ledger, _ := store.GetLedger(ctx, "sku-1")
	if ledger.Available != 5 || ledger.Reserved != 0 {
		t.Fatalf("ledger must be untouched: %+v", ledger)
	}
	if len(outbox.AllPending()) != 0 {
		t.Fatal("outbox must be empty after rollback")
	}
}

func TestStockStore_ConcurrentHoldsNeverOversell(t *testing.T) {
	store := NewStockStore(nil)
	ctx := context.Background()

	const stock = 50
	if _, err := store.SetStock(ctx, "sku-hot", stock); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		success atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := holdOne(ctx, store, "sku-hot", fmt.Sprintf("r-%d", i), 1); err == nil {
				success.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if success.Load() != stock {
		t.Fatalf("expected %d successful holds, got %d", stock, success.Load())
	}

	ledger, _ := store.GetLedger(ctx, "sku-hot")
	if ledger.Available != 0 || ledger.Reserved != stock {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
	active, _ := store.ActiveQuantity(ctx, "sku-hot")
	if active != ledger.Reserved {
		t.Fatalf("active quantity %d differs from reserved %d", active, ledger.Reserved)
	}
}

func TestStockStore_ListExpiredAndExpiring(t *testing.T) {
	store := NewStockStore(nil)
	ctx := context.Background()
	if _, err := store.SetStock(ctx, "sku-1", 10); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	if err := holdOne(ctx, store, "sku-1", "r-1", 1); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	now := time.Now().UTC()
	expiring, _ := store.ListExpiring(ctx, now, now.Add(5*time.Minute), 10)
	if len(expiring) != 1 {
		t.Fatalf("expected 1 expiring reservation, got %d", len(expiring))
	}
	expired, _ := store.ListExpired(ctx, now, 10)
	if len(expired) != 0 {
		t.Fatalf("expected no expired reservations, got %d", len(expired))
	}

	expired, _ = store.ListExpired(ctx, now.Add(2*time.Minute), 10)
	if len(expired) != 1 || expired[0].ID != "r-1" {
		t.Fatalf("unexpected expired list: %+v", expired)
	}
}

func TestStockStore_SaveReservationVersionConflict(t *testing.T) {
	store := NewStockStore(nil)
	ctx := context.Background()
	if _, err := store.SetStock(ctx, "sku-1", 10); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	if err := holdOne(ctx, store, "sku-1", "r-1", 1); err != nil {
		t.Fatalf("hold failed: %v", err)
	}

	stale, _ := store.Get(ctx, "r-1")
	stale.Version = 0
	err := store.InProductTx(ctx, "sku-1", func(tx domain.StockTx) error {
		return tx.SaveReservation(stale)
	})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

// rejectingOutbox отказывает в записи любого сообщения.
type rejectingOutbox struct{}

func (rejectingOutbox) Enqueue(domain.OutboxMessage) (domain.OutboxMessage, error) {
	return domain.OutboxMessage{}, errors.New("outbox unavailable")
}

func (rejectingOutbox) PullPending(int) ([]domain.OutboxMessage, error) { return nil, nil }
func (rejectingOutbox) Stats() (domain.OutboxStats, error) { return domain.OutboxStats{}, nil }
func (rejectingOutbox) MarkSent(string) error { return nil }
func (rejectingOutbox) MarkFailed(string) error { return nil }

func TestStockStore_OutboxFailureLeavesStateUntouched(t *testing.T) {
	store := NewStockStore(rejectingOutbox{})
	ctx := context.Background()

	if _, err := store.SetStock(ctx, "sku-1", 5); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}

	err := store.InProductTx(ctx, "sku-1", func(tx domain.StockTx) error {
		ledger, err := tx.Ledger()
		if err != nil {
			return err
		}
		if err := ledger.Hold(2); err != nil {
			return err
		}
		if err := tx.SaveLedger(ledger); err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := tx.CreateReservation(domain.StockReservation{
			ID:        "r-1",
			ProductID: "sku-1",
			Quantity:  2,
			Kind:      domain.ReservationKindPurchase,
			Status:    domain.ReservationStatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Minute),
		}); err != nil {
			return err
		}
		return tx.Enqueue(domain.OutboxMessage{EventType: "x"})
	})
	if err == nil {
		t.Fatal("expected outbox error")
	}

	ledger, _ := store.GetLedger(ctx, "sku-1")
	if ledger.Available != 5 || ledger.Reserved != 0 {
		t.Fatalf("ledger must be untouched: %+v", ledger)
	}
	if _, err := store.Get(ctx, "r-1"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("reservation must not be stored, got %v", err)
	}
}

func TestStockStore_CommitEnqueuesBatch(t *testing.T) {
	outbox := NewOutboxRepository()
	store := NewStockStore(outbox)
	ctx := context.Background()

	if _, err := store.SetStock(ctx, "sku-1", 5); err != nil {
		t.Fatalf("set stock failed: %v", err)
	}
	err := store.InProductTx(ctx, "sku-1", func(tx domain.StockTx) error {
		for _, id := range []string{"m-1", "m-2", "m-1"} {
			if err := tx.Enqueue(domain.OutboxMessage{ID: id, EventType: "x"}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	if pending := outbox.AllPending(); len(pending) != 2 || pending[0].ID != "m-1" || pending[1].ID != "m-2" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestStockStore_WithReferenceLockSerializes(t *testing.T) {
	store := NewStockStore(nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithReferenceLock(ctx, "order-1", func(context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("lock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Fatal("two holders of the same reference ran concurrently")
	}
	store.refMu.Lock()
	left := len(store.refLock)
	store.refMu.Unlock()
	if left != 0 {
		t.Fatalf("reference locks must be dropped after use, %d left", left)
	}
}

func TestStockStore_WithReferenceLockHonoursContext(t *testing.T) {
	store := NewStockStore(nil)
	held := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = store.WithReferenceLock(context.Background(), "order-1", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err := store.WithReferenceLock(ctx, "order-1", func(context.Context) error {
		called = true
		return nil
	})
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) || called {
		t.Fatalf("expected deadline without running fn, got err=%v called=%v", err, called)
	}
	if err := store.WithReferenceLock(context.Background(), "order-2", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("other reference must not wait: %v", err)
	}
}
