package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const (
	// DefaultTTL — срок удержания, если вызывающий его не указал.
	DefaultTTL = 15 * time.Minute

	aggregateType = "reservation"
)

// Clock возвращает текущее время; подменяется в тестах.
type Clock func() time.Time

// ReserveRequest: параметры нового удержания.
type ReserveRequest struct {
	ProductID  string
	CustomerID string
	Quantity   int64
	// TTL == nil означает срок по умолчанию; нулевой TTL создаёт уже истёкший резерв.
	TTL          *time.Duration
	Kind         domain.ReservationKind
	Reference    string
	Notes        string
	PlannedStart *time.Time
	PlannedEnd   *time.Time
}

// OrderHold: удержание всех позиций заказа.
type OrderHold struct {
	OrderID    string
	CustomerID string
	Items      []domain.LineItem
	TTL        *time.Duration
}

// Manager выполняет операции над резервами, сохраняя инвариант учёта остатков.
type Manager struct {
	store        domain.StockStore
	reservations domain.ReservationRepository
	defaultTTL   time.Duration
	clock        Clock
	logger       *log.Entry
	metrics      *metrics.ReservationMetrics
}

// Option настраивает Manager.
type Option func(*Manager)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithDefaultTTL задаёт срок удержания по умолчанию.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// WithMetrics включает метрики операций.
func WithMetrics(metrics *metrics.ReservationMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager создаёт менеджер резервов.
func NewManager(store domain.StockStore, reservations domain.ReservationRepository, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		reservations: reservations,
		defaultTTL:   DefaultTTL,
		clock:        func() time.Time { return time.Now().UTC() },
		logger:       log.WithField("component", "reservation-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reserve атомарно удерживает quantity товара и создаёт PENDING-резерв.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (domain.StockReservation, error) {
	reservation, err := m.reserve(ctx, req)
	m.record("reserve", err)
	if err == nil {
		m.logger.WithFields(log.Fields{
			"reservation_id": reservation.ID,
			"product_id":     reservation.ProductID,
			"quantity":       reservation.Quantity,
		}).Debug("stock reserved")
	}
	return reservation, err
}

func (m *Manager) reserve(ctx context.Context, req ReserveRequest) (domain.StockReservation, error) {
	ttl := m.defaultTTL
	if req.TTL != nil {
		ttl = *req.TTL
	}
	if ttl < 0 {
		return domain.StockReservation{}, domain.ErrInvalidDuration
	}
	if req.Kind == "" {
		req.Kind = domain.ReservationKindPurchase
	}

	now := m.clock()
	reservation := domain.StockReservation{
		ID:           uuid.NewString(),
		ProductID:    strings.TrimSpace(req.ProductID),
		CustomerID:   strings.TrimSpace(req.CustomerID),
		Reference:    strings.TrimSpace(req.Reference),
		Quantity:     req.Quantity,
		Kind:         req.Kind,
		Status:       domain.ReservationStatusPending,
		Notes:        req.Notes,
		PlannedStart: req.PlannedStart,
		PlannedEnd:   req.PlannedEnd,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if errs := reservation.Validate(); len(errs) > 0 {
		return domain.StockReservation{}, errs[0]
	}

	err := m.withVersionRetry(func() error {
		return m.store.InProductTx(ctx, reservation.ProductID, func(tx domain.StockTx) error {
			ledger, err := tx.Ledger()
			if err != nil {
				return err
			}
			if err := ledger.Hold(reservation.Quantity); err != nil {
				return err
			}
			if err := tx.SaveLedger(ledger); err != nil {
				return err
			}
			if err := tx.CreateReservation(reservation); err != nil {
				return err
			}
			reservation.Version = 1
			return m.enqueue(tx, domain.EventInventoryReserved, reservation, "")
		})
	})
	if err != nil {
		return domain.StockReservation{}, err
	}
	return reservation, nil
}

// Confirm переводит PENDING → CONFIRMED. Учёт остатков не меняется.
func (m *Manager) Confirm(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	reservation, err := m.mutate(ctx, reservationID, func(tx domain.StockTx, r *domain.StockReservation, now time.Time) error {
		if err := r.Confirm(now); err != nil {
			return err
		}
		return m.enqueue(tx, domain.EventInventoryConfirmed, *r, "")
	})
	m.record("confirm", err)
	return reservation, err
}

// Cancel возвращает удержанное количество в available и переводит резерв в CANCELLED.
func (m *Manager) Cancel(ctx context.Context, reservationID, reason string) (domain.StockReservation, error) {
	reservation, err := m.mutate(ctx, reservationID, func(tx domain.StockTx, r *domain.StockReservation, now time.Time) error {
		if err := r.Cancel(now, reason); err != nil {
			return err
		}
		if err := m.release(tx, r.Quantity); err != nil {
			return err
		}
		return m.enqueue(tx, domain.EventInventoryReleased, *r, reason)
	})
	m.record("cancel", err)
	return reservation, err
}

// Expire освобождает просроченный PENDING-резерв. Повторный вызов для EXPIRED: no-op.
func (m *Manager) Expire(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	reservation, err := m.mutate(ctx, reservationID, func(tx domain.StockTx, r *domain.StockReservation, now time.Time) error {
		if r.Status == domain.ReservationStatusExpired {
			return errAlreadyApplied
		}
		// Резерв мог быть продлён после выборки планировщиком.
		if !r.Expired(now) {
			return domain.ErrInvalidState
		}
		if err := r.Expire(now); err != nil {
			return err
		}
		if err := m.release(tx, r.Quantity); err != nil {
			return err
		}
		return m.enqueue(tx, domain.EventInventoryReleased, *r, "expired")
	})
	m.record("expire", err)
	return reservation, err
}

// Extend сдвигает срок действия непросроченного PENDING-резерва.
func (m *Manager) Extend(ctx context.Context, reservationID string, additional time.Duration) (domain.StockReservation, error) {
	reservation, err := m.mutate(ctx, reservationID, func(_ domain.StockTx, r *domain.StockReservation, now time.Time) error {
		return r.Extend(now, additional)
	})
	m.record("extend", err)
	return reservation, err
}

// Get возвращает резерв по идентификатору.
func (m *Manager) Get(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	return m.reservations.Get(ctx, reservationID)
}

// ListByReference возвращает резервы бизнес-идентификатора.
func (m *Manager) ListByReference(ctx context.Context, reference string) ([]domain.StockReservation, error) {
	return m.reservations.ListByReference(ctx, reference)
}

// SetStock задаёт общее количество товара.
func (m *Manager) SetStock(ctx context.Context, productID string, total int64) (domain.StockLedger, error) {
	ledger, err := m.store.SetStock(ctx, productID, total)
	m.record("set_stock", err)
	return ledger, err
}

// Ledger возвращает учёт остатков товара.
func (m *Manager) Ledger(ctx context.Context, productID string) (domain.StockLedger, error) {
	return m.store.GetLedger(ctx, productID)
}

// ReserveForOrder удерживает все позиции заказа по принципу «всё или ничего».
// Вызовы для одного заказа сериализуются. Активные резервы, совпадающие с позициями,
// возвращаются без повторного удержания; недостающие позиции дорезервируются.
func (m *Manager) ReserveForOrder(ctx context.Context, hold OrderHold) ([]domain.StockReservation, error) {
	if strings.TrimSpace(hold.OrderID) == "" {
		return nil, domain.ErrBusinessIDRequired
	}
	if len(hold.Items) == 0 {
		return nil, domain.ErrInvalidQuantity
	}

	var held []domain.StockReservation
	err := m.store.WithReferenceLock(ctx, hold.OrderID, func(ctx context.Context) error {
		var err error
		held, err = m.reserveForOrder(ctx, hold)
		return err
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

func (m *Manager) reserveForOrder(ctx context.Context, hold OrderHold) ([]domain.StockReservation, error) {
	existing, err := m.reservations.ListByReference(ctx, hold.OrderID)
	if err != nil {
		return nil, err
	}

	kept := activeOnly(existing)
	lines := mergeLines(hold.Items)
	missing, matches := outstanding(lines, kept)
	switch {
	case matches && len(missing) == 0:
		return kept, nil
	case !matches:
		// удержание не совпадает с заказом: снимаем его и резервируем заново
		logger := m.logger.WithField("business_id", hold.OrderID)
		logger.Warn("order hold does not match its lines, re-reserving")
		for _, r := range kept {
			if _, err := m.Cancel(ctx, r.ID, "order hold mismatch"); err != nil {
				return nil, fmt.Errorf("release mismatched reservation %s: %w", r.ID, err)
			}
		}
		kept, missing = nil, lines
	}

	taken := make([]domain.StockReservation, 0, len(missing))
	for _, line := range missing {
		reservation, err := m.Reserve(ctx, ReserveRequest{
			ProductID:  line.ProductID,
			CustomerID: hold.CustomerID,
			Quantity:   line.Quantity,
			TTL:        hold.TTL,
			Kind:       domain.ReservationKindPurchase,
			Reference:  hold.OrderID,
		})
		if err != nil {
			m.rollback(ctx, append(kept, taken...))
			return nil, fmt.Errorf("reserve %s for order %s: %w", line.ProductID, hold.OrderID, err)
		}
		taken = append(taken, reservation)
	}
	return append(kept, taken...), nil
}

// ConfirmByReference подтверждает PENDING-резервы заказа. Уже подтверждённые пропускаются.
func (m *Manager) ConfirmByReference(ctx context.Context, reference string) ([]domain.StockReservation, error) {
	existing, err := m.reservations.ListByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, domain.ErrReservationNotFound
	}

	result := make([]domain.StockReservation, 0, len(existing))
	for _, r := range existing {
		switch r.Status {
		case domain.ReservationStatusConfirmed:
			result = append(result, r)
		case domain.ReservationStatusPending:
			confirmed, err := m.Confirm(ctx, r.ID)
			if err != nil {
				return nil, fmt.Errorf("confirm reservation %s: %w", r.ID, err)
			}
			result = append(result, confirmed)
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("order %s has no active reservations: %w", reference, domain.ErrInvalidState)
	}
	return result, nil
}

// CancelByReference освобождает все активные резервы заказа. Конечные резервы пропускаются.
func (m *Manager) CancelByReference(ctx context.Context, reference, reason string) ([]domain.StockReservation, error) {
	existing, err := m.reservations.ListByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	result := make([]domain.StockReservation, 0, len(existing))
	for _, r := range existing {
		if !r.Status.Active() {
			continue
		}
		cancelled, err := m.Cancel(ctx, r.ID, reason)
		if err != nil {
			return result, fmt.Errorf("cancel reservation %s: %w", r.ID, err)
		}
		result = append(result, cancelled)
	}
	return result, nil
}

// errAlreadyApplied прерывает транзакцию без изменений и без ошибки для вызывающего.
var errAlreadyApplied = errors.New("already applied")

type mutation func(tx domain.StockTx, r *domain.StockReservation, now time.Time) error

// mutate выполняет изменение резерва в критической секции его товара.
func (m *Manager) mutate(ctx context.Context, reservationID string, apply mutation) (domain.StockReservation, error) {
	current, err := m.reservations.Get(ctx, reservationID)
	if err != nil {
		return domain.StockReservation{}, err
	}

	var result domain.StockReservation
	err = m.withVersionRetry(func() error {
		return m.store.InProductTx(ctx, current.ProductID, func(tx domain.StockTx) error {
			r, err := tx.Reservation(reservationID)
			if err != nil {
				return err
			}
			if err := apply(tx, &r, m.clock()); err != nil {
				result = r
				return err
			}
			if err := tx.SaveReservation(r); err != nil {
				return err
			}
			r.Version++
			result = r
			return nil
		})
	})
	if errors.Is(err, errAlreadyApplied) {
		return result, nil
	}
	if err != nil {
		return domain.StockReservation{}, err
	}
	return result, nil
}

func (m *Manager) release(tx domain.StockTx, quantity int64) error {
	ledger, err := tx.Ledger()
	if err != nil {
		return err
	}
	if err := ledger.Release(quantity); err != nil {
		m.logger.WithError(err).WithField("product_id", ledger.ProductID).Error("ledger invariant violated on release")
		return err
	}
	return tx.SaveLedger(ledger)
}

// withVersionRetry повторяет операцию один раз при конфликте версий.
func (m *Manager) withVersionRetry(op func() error) error {
	err := op()
	if domain.IsVersionConflict(err) {
		m.logger.Debug("version conflict, retrying once")
		err = op()
	}
	return err
}

func (m *Manager) enqueue(tx domain.StockTx, eventType domain.EventType, r domain.StockReservation, reason string) error {
	key := r.Reference
	if key == "" {
		key = r.ID
	}
	expiresAt := r.ExpiresAt
	envelope, err := domain.NewEnvelope(eventType, key, domain.ReservationEvent{
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		CustomerID:    r.CustomerID,
		Reference:     r.Reference,
		Quantity:      r.Quantity,
		Status:        r.Status,
		ExpiresAt:     &expiresAt,
		Reason:        reason,
	})
	if err != nil {
		return err
	}
	msg, err := envelope.OutboxMessage(domain.TopicInventoryEvents, aggregateType)
	if err != nil {
		return err
	}
	return tx.Enqueue(msg)
}

func (m *Manager) rollback(ctx context.Context, taken []domain.StockReservation) {
	for _, r := range taken {
		if _, err := m.Cancel(ctx, r.ID, "partial order reservation rollback"); err != nil {
			m.logger.WithError(err).WithField("reservation_id", r.ID).Error("failed to roll back partial reservation")
		}
	}
}

func (m *Manager) record(op string, err error) {
	if m.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = domain.ErrorCode(err)
	}
	m.metrics.RecordOperation(op, result)
}

func activeOnly(reservations []domain.StockReservation) []domain.StockReservation {
	result := make([]domain.StockReservation, 0, len(reservations))
	for _, r := range reservations {
		if r.Status.Active() {
			result = append(result, r)
		}
	}
	return result
}

// outstanding сверяет активные резервы с позициями заказа. Возвращает позиции без резерва;
// matches == false, если какой-то товар удержан в другом количестве или не входит в заказ.
func outstanding(lines []domain.LineItem, active []domain.StockReservation) (missing []domain.LineItem, matches bool) {
	held := make(map[string]int64, len(active))
	for _, r := range active {
		held[r.ProductID] += r.Quantity
	}
	for _, line := range lines {
		qty, ok := held[line.ProductID]
		switch {
		case !ok:
			missing = append(missing, line)
		case qty != line.Quantity:
			return nil, false
		}
		delete(held, line.ProductID)
	}
	return missing, len(held) == 0
}

// mergeLines суммирует количество по товару и упорядочивает товары по идентификатору.
func mergeLines(items []domain.LineItem) []domain.LineItem {
	totals := make(map[string]int64, len(items))
	for _, item := range items {
		totals[item.ProductID] += item.Quantity
	}
	result := make([]domain.LineItem, 0, len(totals))
	for productID, qty := range totals {
		result = append(result, domain.LineItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result
}
