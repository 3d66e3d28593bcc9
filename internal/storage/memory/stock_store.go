package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// StockStore: in-memory реализация StockStore и ReservationRepository.
// Изменения одного товара сериализуются мьютексом товара, разные товары работают параллельно.
type StockStore struct {
	mu           sync.RWMutex
	ledgers      map[string]domain.StockLedger
	reservations map[string]domain.StockReservation

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	refMu   sync.Mutex
	refLock map[string]*referenceLock

	outbox domain.OutboxRepository
}

// referenceLock: семафор бизнес-идентификатора. Удаляется, когда ждущих не осталось.
type referenceLock struct {
	sem   chan struct{}
	users int
}

// NewStockStore создаёт хранилище. outbox может быть nil, тогда события не сохраняются.
func NewStockStore(outbox domain.OutboxRepository) *StockStore {
	return &StockStore{
		ledgers:      make(map[string]domain.StockLedger),
		reservations: make(map[string]domain.StockReservation),
		locks:        make(map[string]*sync.Mutex),
		refLock:      make(map[string]*referenceLock),
		outbox:       outbox,
	}
}

func (s *StockStore) productLock(productID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[productID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[productID] = lock
	}
	return lock
}

// InProductTx выполняет fn под блокировкой товара и атомарно применяет изменения.
func (s *StockStore) InProductTx(ctx context.Context, productID string, fn func(tx domain.StockTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	tx := &stockTx{
		store:     s,
		productID: productID,
		changed:   make(map[string]domain.StockReservation),
	}
	if err := fn(tx); err != nil {
		return err
	}

	return s.commit(tx)
}

// batchEnqueuer принимает пачку сообщений целиком или не принимает ничего.
type batchEnqueuer interface {
	EnqueueBatch(msgs []domain.OutboxMessage) error
}

// commit сначала кладёт события в outbox: при ошибке состояние товара не меняется.
func (s *StockStore) commit(tx *stockTx) error {
	if err := s.enqueue(tx.messages); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.ledger != nil {
		s.ledgers[tx.productID] = *tx.ledger
	}
	for id, next := range tx.changed {
		s.reservations[id] = next
	}
	return nil
}

func (s *StockStore) enqueue(msgs []domain.OutboxMessage) error {
	if s.outbox == nil || len(msgs) == 0 {
		return nil
	}
	if batch, ok := s.outbox.(batchEnqueuer); ok {
		return batch.EnqueueBatch(msgs)
	}
	for _, msg := range msgs {
		if _, err := s.outbox.Enqueue(msg); err != nil {
			return err
		}
	}
	return nil
}

// WithReferenceLock сериализует fn по reference. Ожидание прерывается отменой ctx.
func (s *StockStore) WithReferenceLock(ctx context.Context, reference string, fn func(ctx context.Context) error) error {
	lock := s.acquireReference(reference)
	defer s.releaseReference(reference, lock)

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock.sem }()

	return fn(ctx)
}

func (s *StockStore) acquireReference(reference string) *referenceLock {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	lock, ok := s.refLock[reference]
	if !ok {
		lock = &referenceLock{sem: make(chan struct{}, 1)}
		s.refLock[reference] = lock
	}
	lock.users++
	return lock
}

func (s *StockStore) releaseReference(reference string, lock *referenceLock) {
	s.refMu.Lock()
	defer s.refMu.Unlock()

	lock.users--
	if lock.users == 0 {
		delete(s.refLock, reference)
	}
}

// SetStock задаёт общее количество товара, сохраняя reserved.
func (s *StockStore) SetStock(ctx context.Context, productID string, total int64) (domain.StockLedger, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.StockLedger{}, domain.ErrProductRequired
	}
	if total < 0 {
		return domain.StockLedger{}, domain.ErrInvalidQuantity
	}

	err := s.InProductTx(ctx, productID, func(tx domain.StockTx) error {
		ledger, err := tx.Ledger()
		if err != nil {
			ledger = domain.StockLedger{ProductID: productID}
		}
		if total < ledger.Reserved {
			return domain.ErrInsufficientStock
		}
		ledger.Available = total - ledger.Reserved
		return tx.SaveLedger(ledger)
	})
	if err != nil {
		return domain.StockLedger{}, err
	}
	return s.GetLedger(ctx, productID)
}

// GetLedger возвращает учёт остатков товара.
func (s *StockStore) GetLedger(_ context.Context, productID string) (domain.StockLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger, ok := s.ledgers[productID]
	if !ok {
		return domain.StockLedger{}, domain.ErrProductNotFound
	}
	return ledger, nil
}

// Get возвращает резерв по идентификатору.
func (s *StockStore) Get(_ context.Context, id string) (domain.StockReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reservation, ok := s.reservations[id]
	if !ok {
		return domain.StockReservation{}, domain.ErrReservationNotFound
	}
	return reservation, nil
}

// ListByReference возвращает резервы бизнес-идентификатора в порядке создания.
func (s *StockStore) ListByReference(_ context.Context, reference string) ([]domain.StockReservation, error) {
	return s.filter(0, func(r domain.StockReservation) bool {
		return reference != "" && r.Reference == reference
	}), nil
}

// ListExpired возвращает PENDING-резервы, срок которых истёк к now.
func (s *StockStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.StockReservation, error) {
	return s.filter(limit, func(r domain.StockReservation) bool {
		return r.Expired(now)
	}), nil
}

// ListExpiring возвращает PENDING-резервы, истекающие в (now, until].
func (s *StockStore) ListExpiring(_ context.Context, now, until time.Time, limit int) ([]domain.StockReservation, error) {
	return s.filter(limit, func(r domain.StockReservation) bool {
		return r.Status == domain.ReservationStatusPending && r.ExpiresAt.After(now) && !r.ExpiresAt.After(until)
	}), nil
}

// ActiveQuantity суммирует активные резервы товара.
func (s *StockStore) ActiveQuantity(_ context.Context, productID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, r := range s.reservations {
		if r.ProductID == productID && r.Status.Active() {
			total += r.Quantity
		}
	}
	return total, nil
}

func (s *StockStore) filter(limit int, match func(domain.StockReservation) bool) []domain.StockReservation {
	s.mu.RLock()
	result := make([]domain.StockReservation, 0)
	for _, r := range s.reservations {
		if match(r) {
			result = append(result, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// stockTx накапливает изменения до commit.
type stockTx struct {
	store     *StockStore
	productID string
	ledger    *domain.StockLedger
	changed   map[string]domain.StockReservation
	messages  []domain.OutboxMessage
}

func (tx *stockTx) Ledger() (domain.StockLedger, error) {
	if tx.ledger != nil {
		return *tx.ledger, nil
	}
	return tx.store.GetLedger(context.Background(), tx.productID)
}

func (tx *stockTx) SaveLedger(ledger domain.StockLedger) error {
	if err := ledger.Check(); err != nil {
		return err
	}
	ledger.ProductID = tx.productID
	ledger.UpdatedAt = time.Now().UTC()
	if tx.ledger == nil {
		current, err := tx.store.GetLedger(context.Background(), tx.productID)
		if err == nil && current.Version != ledger.Version {
			return domain.ErrVersionConflict
		}
	}
	ledger.Version++
	tx.ledger = &ledger
	return nil
}

func (tx *stockTx) Reservation(id string) (domain.StockReservation, error) {
	if r, ok := tx.changed[id]; ok {
		return r, nil
	}
	r, err := tx.store.Get(context.Background(), id)
	if err != nil {
		return domain.StockReservation{}, err
	}
	if r.ProductID != tx.productID {
		return domain.StockReservation{}, domain.ErrReservationNotFound
	}
	return r, nil
}

func (tx *stockTx) CreateReservation(reservation domain.StockReservation) error {
	if reservation.ProductID != tx.productID {
		return domain.ErrProductRequired
	}
	if _, err := tx.store.Get(context.Background(), reservation.ID); err == nil {
		return domain.ErrReservationExists
	}
	if _, ok := tx.changed[reservation.ID]; ok {
		return domain.ErrReservationExists
	}
	reservation.Version = 1
	tx.changed[reservation.ID] = reservation
	return nil
}

func (tx *stockTx) SaveReservation(reservation domain.StockReservation) error {
	current, err := tx.Reservation(reservation.ID)
	if err != nil {
		return err
	}
	if current.Version != reservation.Version {
		return domain.ErrVersionConflict
	}
	reservation.Version++
	tx.changed[reservation.ID] = reservation
	return nil
}

func (tx *stockTx) Enqueue(msg domain.OutboxMessage) error {
	tx.messages = append(tx.messages, msg)
	return nil
}

var (
	_ domain.StockStore            = (*StockStore)(nil)
	_ domain.ReservationRepository = (*StockStore)(nil)
)
