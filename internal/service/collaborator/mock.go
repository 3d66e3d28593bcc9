package collaborator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Faults: внедрение отказов и задержек для in-process заглушек.
type Faults struct {
	mu       sync.Mutex
	failures map[string][]error
	delays   map[string]time.Duration
	calls    map[string]int
}

func newFaults() *Faults {
	return &Faults{
		failures: make(map[string][]error),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

// FailNext заставляет следующие times вызовов op вернуть err.
func (f *Faults) FailNext(op string, err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < times; i++ {
		f.failures[op] = append(f.failures[op], err)
	}
}

// SetDelay задерживает каждый вызов op на d (с учётом отмены ctx).
func (f *Faults) SetDelay(op string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays[op] = d
}

// Calls возвращает число вызовов op.
func (f *Faults) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// enter учитывает вызов и применяет задержку и отказ, если они настроены.
func (f *Faults) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	delay := f.delays[op]
	var injected error
	if queue := f.failures[op]; len(queue) > 0 {
		injected = queue[0]
		f.failures[op] = queue[1:]
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return injected
}

// MockPayment — платёжный сервис в памяти, идемпотентный по ключу.
type MockPayment struct {
	*Faults
	mu         sync.Mutex
	authorized map[string]string
	captured   map[string]bool
	refunded   map[string]int64
}

// NewMockPayment создаёт заглушку с успешным сценарием по умолчанию.
func NewMockPayment() *MockPayment {
	return &MockPayment{
		Faults:     newFaults(),
		authorized: make(map[string]string),
		captured:   make(map[string]bool),
		refunded:   make(map[string]int64),
	}
}

func (m *MockPayment) Authorize(ctx context.Context, key string, req domain.PaymentRequest) (string, error) {
	if err := m.enter(ctx, "authorize"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.authorized[key]; ok {
		return id, nil
	}
	id := "pay-" + uuid.NewString()
	m.authorized[key] = id
	return id, nil
}

func (m *MockPayment) Capture(ctx context.Context, _ string, paymentID string) error {
	if err := m.enter(ctx, "capture"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured[paymentID] = true
	return nil
}

func (m *MockPayment) Refund(ctx context.Context, _ string, paymentID string, amountMinor int64) error {
	if err := m.enter(ctx, "refund"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunded[paymentID] = amountMinor
	return nil
}

// Refunded возвращает сумму возврата по платежу.
func (m *MockPayment) Refunded(paymentID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount, ok := m.refunded[paymentID]
	return amount, ok
}

// MockOrders: сервис заказов в памяти.
type MockOrders struct {
	*Faults
	mu        sync.Mutex
	created   map[string]domain.OrderRequest
	cancelled map[string]string
}

// NewMockOrders создаёт заглушку сервиса заказов.
func NewMockOrders() *MockOrders {
	return &MockOrders{
		Faults:    newFaults(),
		created:   make(map[string]domain.OrderRequest),
		cancelled: make(map[string]string),
	}
}

func (m *MockOrders) Create(ctx context.Context, _ string, req domain.OrderRequest) (string, error) {
	if err := m.enter(ctx, "create"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[req.OrderID] = req
	return req.OrderID, nil
}

func (m *MockOrders) Cancel(ctx context.Context, _ string, orderRef, reason string) error {
	if err := m.enter(ctx, "cancel"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[orderRef] = reason
	return nil
}

// Cancelled сообщает, был ли заказ отменён.
func (m *MockOrders) Cancelled(orderRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancelled[orderRef]
	return ok
}

// MockLoyalty: баланс баллов в памяти; повтор с тем же ключом не меняет баланс.
type MockLoyalty struct {
	*Faults
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]bool
}

// NewMockLoyalty создаёт заглушку сервиса лояльности.
func NewMockLoyalty() *MockLoyalty {
	return &MockLoyalty{
		Faults:   newFaults(),
		balances: make(map[string]int64),
		applied:  make(map[string]bool),
	}
}

func (m *MockLoyalty) Award(ctx context.Context, key, customerID string, points int64) error {
	if err := m.enter(ctx, "award"); err != nil {
		return err
	}
	m.apply("award:"+key, customerID, points)
	return nil
}

func (m *MockLoyalty) Deduct(ctx context.Context, key, customerID string, points int64) error {
	if err := m.enter(ctx, "deduct"); err != nil {
		return err
	}
	m.apply("deduct:"+key, customerID, -points)
	return nil
}

func (m *MockLoyalty) apply(key, customerID string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied[key] {
		return
	}
	m.applied[key] = true
	m.balances[customerID] += delta
}

// Balance возвращает баланс клиента.
func (m *MockLoyalty) Balance(customerID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[customerID]
}

// MockCatalog принимает любые товары, кроме явно отклонённых.
type MockCatalog struct {
	*Faults
	mu       sync.Mutex
	rejected map[string]bool
}

// NewMockCatalog создаёт заглушку каталога.
func NewMockCatalog() *MockCatalog {
	return &MockCatalog{Faults: newFaults(), rejected: make(map[string]bool)}
}

// Reject помечает товар как непродаваемый.
func (m *MockCatalog) Reject(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[productID] = true
}

func (m *MockCatalog) ValidateProducts(ctx context.Context, _ string, items []domain.LineItem) error {
	if err := m.enter(ctx, "validate"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		if m.rejected[item.ProductID] {
			return fmt.Errorf("product %s is not sellable: %w", item.ProductID, domain.ErrCollaboratorRejected)
		}
	}
	return nil
}

// MockDiscount возвращает фиксированный процент скидки.
type MockDiscount struct {
	*Faults
	Percent int64
}

// NewMockDiscount создаёт заглушку без скидки.
func NewMockDiscount() *MockDiscount {
	return &MockDiscount{Faults: newFaults()}
}

func (m *MockDiscount) Quote(ctx context.Context, _ string, req domain.DiscountRequest) (int64, error) {
	if err := m.enter(ctx, "quote"); err != nil {
		return 0, err
	}
	if req.Code == "" || m.Percent <= 0 {
		return 0, nil
	}
	var total int64
	for _, item := range req.Items {
		total += item.PriceMinor * item.Quantity
	}
	return total * m.Percent / 100, nil
}

var (
	_ domain.PaymentService  = (*MockPayment)(nil)
	_ domain.OrderService    = (*MockOrders)(nil)
	_ domain.LoyaltyService  = (*MockLoyalty)(nil)
	_ domain.CatalogService  = (*MockCatalog)(nil)
	_ domain.DiscountService = (*MockDiscount)(nil)
)
