package domain

import (
	"context"
	"time"
)

// StockTx — операции внутри критической секции одного товара.
// Изменения ledger, резервов и outbox фиксируются атомарно по завершении InProductTx.
type StockTx interface {
	// Ledger возвращает учёт остатков товара или ErrProductNotFound.
	Ledger() (StockLedger, error)
	SaveLedger(ledger StockLedger) error
	Reservation(id string) (StockReservation, error)
	CreateReservation(reservation StockReservation) error
	// SaveReservation применяет изменения с проверкой версии (optimistic locking).
	SaveReservation(reservation StockReservation) error
	Enqueue(msg OutboxMessage) error
}

// StockStore сериализует изменения остатков по товару.
type StockStore interface {
	// InProductTx выполняет fn эксклюзивно для productID. Ошибка fn откатывает все изменения.
	InProductTx(ctx context.Context, productID string, fn func(tx StockTx) error) error
	// WithReferenceLock выполняет fn эксклюзивно для бизнес-идентификатора.
	// Внутри fn допускаются вызовы InProductTx.
	WithReferenceLock(ctx context.Context, reference string, fn func(ctx context.Context) error) error
	// SetStock задаёт общее количество товара; available пересчитывается с учётом reserved.
	SetStock(ctx context.Context, productID string, total int64) (StockLedger, error)
	GetLedger(ctx context.Context, productID string) (StockLedger, error)
}

// ReservationRepository: чтение резервов.
type ReservationRepository interface {
	Get(ctx context.Context, id string) (StockReservation, error)
	ListByReference(ctx context.Context, reference string) ([]StockReservation, error)
	// ListExpired возвращает PENDING-резервы с ExpiresAt <= now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]StockReservation, error)
	// ListExpiring возвращает PENDING-резервы с now < ExpiresAt <= until.
	ListExpiring(ctx context.Context, now, until time.Time, limit int) ([]StockReservation, error)
	// ActiveQuantity: сумма количеств PENDING и CONFIRMED резервов товара.
	ActiveQuantity(ctx context.Context, productID string) (int64, error)
}

// SagaRepository хранит состояния саг.
type SagaRepository interface {
	// Create сохраняет новую сагу или возвращает ErrSagaExists для пары (type, business_id).
	Create(ctx context.Context, state SagaState) error
	Get(ctx context.Context, id string) (SagaState, error)
	GetByBusinessID(ctx context.Context, sagaType SagaType, businessID string) (SagaState, error)
	// Save применяет изменения с проверкой версии и увеличивает её.
	Save(ctx context.Context, state SagaState) error
	// ListUnfinished возвращает незавершённые саги, не ожидающие оператора.
	ListUnfinished(ctx context.Context, limit int) ([]SagaState, error)
	ListStuck(ctx context.Context, limit int) ([]SagaState, error)
}

// TimelineRepository хранит журнал переходов саг.
type TimelineRepository interface {
	// Append сохраняет запись и возвращает её с назначенным Seq.
	Append(ctx context.Context, event TimelineEvent) (TimelineEvent, error)
	List(ctx context.Context, sagaID string) ([]TimelineEvent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит захваты ключей идемпотентности запросов и событий.
type IdempotencyRepository interface {
	// Claim занимает ключ. Истёкший ключ занимается заново. Если ключ занят,
	// возвращается текущая запись и ClaimConflict.
	Claim(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	Resolve(ctx context.Context, key string, outcome IdempotencyOutcome) error
	// Release снимает захват, чтобы повторная доставка обработалась заново.
	// Отсутствующий ключ не ошибка.
	Release(ctx context.Context, key string) error
	PurgeExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// CatalogService проверяет существование и продаваемость товаров.
type CatalogService interface {
	ValidateProducts(ctx context.Context, idempotencyKey string, items []LineItem) error
}

// DiscountService рассчитывает скидку на корзину.
type DiscountService interface {
	Quote(ctx context.Context, idempotencyKey string, req DiscountRequest) (int64, error)
}

// OrderService: внешний сервис заказов.
type OrderService interface {
	Create(ctx context.Context, idempotencyKey string, req OrderRequest) (string, error)
	Cancel(ctx context.Context, idempotencyKey, orderRef, reason string) error
}

// PaymentService: внешний платёжный сервис.
type PaymentService interface {
	Authorize(ctx context.Context, idempotencyKey string, req PaymentRequest) (string, error)
	Capture(ctx context.Context, idempotencyKey, paymentID string) error
	Refund(ctx context.Context, idempotencyKey, paymentID string, amountMinor int64) error
}

// LoyaltyService: внешний сервис бонусных баллов.
type LoyaltyService interface {
	Award(ctx context.Context, idempotencyKey, customerID string, points int64) error
	Deduct(ctx context.Context, idempotencyKey, customerID string, points int64) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	Topic         string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
