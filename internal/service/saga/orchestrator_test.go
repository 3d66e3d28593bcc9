package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/collaborator"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

// flakyInventory позволяет сломать подтверждение резервов.
type flakyInventory struct {
	*reservation.Manager
	mu          sync.Mutex
	confirmErr  error
	cancelFails int
}

func (f *flakyInventory) ConfirmByReference(ctx context.Context, reference string) ([]domain.StockReservation, error) {
	f.mu.Lock()
	err := f.confirmErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Manager.ConfirmByReference(ctx, reference)
}

func (f *flakyInventory) CancelByReference(ctx context.Context, reference, reason string) ([]domain.StockReservation, error) {
	f.mu.Lock()
	if f.cancelFails > 0 {
		f.cancelFails--
		f.mu.Unlock()
		return nil, domain.ErrCollaboratorTemporary
	}
	f.mu.Unlock()
	return f.Manager.CancelByReference(ctx, reference, reason)
}

type sagaFixture struct {
	orch      *Orchestrator
	sagas     *memory.SagaRepository
	outbox    *memory.OutboxRepository
	timeline  domain.TimelineRepository
	store     *memory.StockStore
	manager   *reservation.Manager
	inventory *flakyInventory
	payments  *collaborator.MockPayment
	orders    *collaborator.MockOrders
	loyalty   *collaborator.MockLoyalty
	catalog   *collaborator.MockCatalog
	discount  *collaborator.MockDiscount
	registry  *prometheus.Registry
}

func testConfig() Config {
	return Config{
		StepTimeout:     500 * time.Millisecond,
		Retry:           fastPolicy(3),
		BreakerFailures: 100,
		BreakerReset:    time.Minute,
	}
}

func newSagaFixture(t *testing.T, cfg Config) *sagaFixture {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	store := memory.NewStockStore(outbox)
	registry := prometheus.NewRegistry()
	manager := reservation.NewManager(store, store,
		reservation.WithLogger(testLogger()),
		reservation.WithMetrics(metrics.NewReservationMetricsWithRegisterer(registry)),
	)

	f := &sagaFixture{
		sagas:     memory.NewSagaRepository(),
		outbox:    outbox,
		timeline:  memory.NewTimelineRepository(),
		store:     store,
		manager:   manager,
		inventory: &flakyInventory{Manager: manager},
		payments:  collaborator.NewMockPayment(),
		orders:    collaborator.NewMockOrders(),
		loyalty:   collaborator.NewMockLoyalty(),
		catalog:   collaborator.NewMockCatalog(),
		discount:  collaborator.NewMockDiscount(),
		registry:  registry,
	}

	ctx := context.Background()
	_, err := manager.SetStock(ctx, "sku-1", 10)
	require.NoError(t, err)
	_, err = manager.SetStock(ctx, "sku-2", 10)
	require.NoError(t, err)

	f.orch = NewOrchestrator(f.sagas, f.timeline, f.outbox, Collaborators{
		Inventory: f.inventory,
		Catalog:   f.catalog,
		Discounts: f.discount,
		Orders:    f.orders,
		Payments:  f.payments,
		Loyalty:   f.loyalty,
	},
		WithConfig(cfg),
		WithLogger(testLogger()),
		WithMetrics(metrics.NewSagaMetricsWithRegisterer(registry)),
	)
	return f
}

func checkoutRequest(orderID string) domain.CheckoutRequest {
	return domain.CheckoutRequest{
		OrderID:    orderID,
		CustomerID: "customer-1",
		Currency:   "USD",
		Items: []domain.LineItem{
			{ProductID: "sku-1", Quantity: 2, PriceMinor: 1500},
			{ProductID: "sku-2", Quantity: 1, PriceMinor: 2000},
		},
	}
}

func (f *sagaFixture) reserved(t *testing.T, productID string) int64 {
	t.Helper()
	ledger, err := f.store.GetLedger(context.Background(), productID)
	require.NoError(t, err)
	return ledger.Reserved
}

func (f *sagaFixture) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func reversed(steps []domain.SagaStep) []domain.SagaStep {
	out := make([]domain.SagaStep, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		out = append(out, steps[i])
	}
	return out
}

func requireSteps(t *testing.T, want, got []domain.SagaStep) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i], got[i], "step %d", i)
	}
}

func TestOrchestrator_CheckoutHappyPath(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	state, err := f.orch.Execute(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)

	require.Equal(t, domain.SagaStatusCompleted, state.Status)
	require.Equal(t, domain.SagaTypeCheckout.Steps(), state.CompletedSteps)
	require.Empty(t, state.CompensatedSteps)
	require.NotNil(t, state.CompletedAt)
	require.NotEmpty(t, state.Output(OutputPaymentID))
	require.Equal(t, "order-1", state.Output(OutputOrderRef))
	require.Equal(t, "50", state.Output(OutputPoints))

	stored, err := f.orch.Get(ctx, state.ID)
	require.NoError(t, err)
	require.Equal(t, state.Version, stored.Version)

	holds, err := f.manager.ListByReference(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, holds, 2)
	for _, h := range holds {
		require.Equal(t, domain.ReservationStatusConfirmed, h.Status)
	}
	require.EqualValues(t, 2, f.reserved(t, "sku-1"))
	require.EqualValues(t, 50, f.loyalty.Balance("customer-1"))

	require.Len(t, f.outbox.ByEventType(domain.EventSagaStarted), 1)
	require.Len(t, f.outbox.ByEventType(domain.EventSagaCompleted), 1)

	events, err := f.orch.Timeline(context.Background(), state.ID)
	require.NoError(t, err)
	require.Equal(t, "created", events[0].Kind)
	require.EqualValues(t, 1, events[0].Version)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
		require.GreaterOrEqual(t, events[i].Version, events[i-1].Version)
	}
	require.Equal(t, domain.SagaStatusCompleted, events[len(events)-1].Status)

	require.EqualValues(t, 1, f.counter(t, "checkout_saga_started_total"))
	require.EqualValues(t, 1, f.counter(t, "checkout_saga_completed_total"))
}

func TestOrchestrator_DuplicateTriggerReturnsExistingSaga(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	first, created, err := f.orch.Begin(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.orch.Begin(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	_, _, err = f.orch.Begin(ctx, domain.SagaType("REFUND"), "order-1", nil)
	require.ErrorIs(t, err, domain.ErrUnknownSagaType)
}

// Каждый шаг по очереди отказывает: сага обязана закончиться COMPENSATED,
// а откатываются ровно выполненные шаги в обратном порядке.
func TestOrchestrator_EveryStepFailureIsCompensated(t *testing.T) {
	steps := domain.SagaTypeCheckout.Steps()
	rejected := fmt.Errorf("declined: %w", domain.ErrCollaboratorRejected)

	breakStep := map[domain.SagaStep]func(t *testing.T, f *sagaFixture){
		domain.StepValidateProducts: func(_ *testing.T, f *sagaFixture) { f.catalog.Reject("sku-2") },
		domain.StepReserveInventory: func(t *testing.T, f *sagaFixture) {
			_, err := f.manager.SetStock(context.Background(), "sku-2", 0)
			require.NoError(t, err)
		},
		domain.StepApplyDiscounts: func(_ *testing.T, f *sagaFixture) { f.discount.FailNext("quote", rejected, 1) },
		domain.StepCreateOrder:    func(_ *testing.T, f *sagaFixture) { f.orders.FailNext("create", rejected, 1) },
		domain.StepProcessPayment: func(_ *testing.T, f *sagaFixture) { f.payments.FailNext("capture", rejected, 1) },
		domain.StepConfirmReservation: func(_ *testing.T, f *sagaFixture) {
			f.inventory.confirmErr = domain.ErrInvalidState
		},
		domain.StepAwardLoyaltyPoints: func(_ *testing.T, f *sagaFixture) { f.loyalty.FailNext("award", rejected, 1) },
	}
	require.Len(t, breakStep, len(steps))

	for i, step := range steps {
		i, step := i, step
		t.Run(string(step), func(t *testing.T) {
			t.Parallel()
			f := newSagaFixture(t, testConfig())
			breakStep[step](t, f)

			state, err := f.orch.Execute(context.Background(), domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
			require.NoError(t, err)

			require.Equal(t, domain.SagaStatusCompensated, state.Status)
			require.False(t, state.Stuck)
			require.NotEmpty(t, state.LastError)
			requireSteps(t, steps[:i], state.CompletedSteps)
			requireSteps(t, reversed(steps[:i]), state.CompensatedSteps)

			require.Zero(t, f.reserved(t, "sku-1"), "stock must be released")
			require.Zero(t, f.reserved(t, "sku-2"), "stock must be released")
			require.Zero(t, f.loyalty.Balance("customer-1"))

			orderCreated := i > 3
			require.Equal(t, orderCreated, f.orders.Cancelled("order-1"))
			if i > 4 {
				_, refunded := f.payments.Refunded(state.Output(OutputPaymentID))
				require.True(t, refunded)
			} else {
				require.Zero(t, f.payments.Calls("refund"))
			}

			require.Len(t, f.outbox.ByEventType(domain.EventSagaFailed), 1)
			require.Len(t, f.outbox.ByEventType(domain.EventSagaCompensated), 1)
		})
	}
}

func TestOrchestrator_PaymentTimeoutCompensates(t *testing.T) {
	cfg := testConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	f := newSagaFixture(t, cfg)
	f.payments.SetDelay("authorize", time.Second)

	state, err := f.orch.Execute(context.Background(), domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)

	require.Equal(t, domain.SagaStatusCompensated, state.Status)
	require.Contains(t, state.LastError, domain.ErrStepTimeout.Error())
	require.True(t, f.orders.Cancelled("order-1"))
	require.Zero(t, f.reserved(t, "sku-1"))
	require.Zero(t, f.reserved(t, "sku-2"))

	events, err := f.orch.Timeline(context.Background(), state.ID)
	require.NoError(t, err)
	var failed *domain.TimelineEvent
	for i := range events {
		if events[i].Kind == string(EventStepFailed) {
			failed = &events[i]
		}
	}
	require.NotNil(t, failed)
	require.Equal(t, domain.StepProcessPayment, failed.Step)
	require.True(t, strings.Contains(failed.Reason, "timed out"))
	require.True(t, failed.TimedOut)
}

func TestOrchestrator_TemporaryFailureIsRetried(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	f.payments.FailNext("authorize", domain.ErrCollaboratorTemporary, 2)

	state, err := f.orch.Execute(context.Background(), domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, state.Status)
	require.Equal(t, 3, f.payments.Calls("authorize"))
}

func TestOrchestrator_ResumeSkipsCompletedSteps(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	state, _, err := f.orch.Begin(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)

	// Процесс упал после резервирования.
	_, err = f.manager.ReserveForOrder(ctx, reservation.OrderHold{
		OrderID:    "order-1",
		CustomerID: "customer-1",
		Items:      checkoutRequest("order-1").Items,
	})
	require.NoError(t, err)
	state.Status = domain.SagaStatusInProgress
	state.CompletedSteps = []domain.SagaStep{domain.StepValidateProducts, domain.StepReserveInventory}
	state.CurrentStep = domain.StepApplyDiscounts
	require.NoError(t, f.sagas.Save(ctx, state))

	done, err := f.orch.Run(ctx, state.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, done.Status)
	require.Zero(t, f.catalog.Calls("validate"))
	require.EqualValues(t, 2, f.reserved(t, "sku-1"), "reservation must not be duplicated")
}

func TestOrchestrator_ResumeContinuesInterruptedRollback(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	state, _, err := f.orch.Begin(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	_, err = f.manager.ReserveForOrder(ctx, reservation.OrderHold{
		OrderID:    "order-1",
		CustomerID: "customer-1",
		Items:      checkoutRequest("order-1").Items,
	})
	require.NoError(t, err)

	state.Status = domain.SagaStatusFailed
	state.CompletedSteps = []domain.SagaStep{domain.StepValidateProducts, domain.StepReserveInventory}
	state.LastError = "discount service rejected"
	require.NoError(t, f.sagas.Save(ctx, state))

	done, err := f.orch.Run(ctx, state.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompensated, done.Status)
	require.Zero(t, f.reserved(t, "sku-1"))
}

func TestOrchestrator_ShutdownLeavesSagaResumable(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	f.payments.SetDelay("authorize", time.Second)

	state, _, err := f.orch.Begin(context.Background(), domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = f.orch.Run(ctx, state.ID)
	require.ErrorIs(t, err, context.Canceled)

	interrupted, err := f.orch.Get(context.Background(), state.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusInProgress, interrupted.Status)
	require.Equal(t, domain.StepProcessPayment, interrupted.CurrentStep)
	require.False(t, f.orders.Cancelled("order-1"), "shutdown must not compensate")

	f.payments.SetDelay("authorize", 0)
	done, err := f.orch.Run(context.Background(), state.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, done.Status)
}

func TestOrchestrator_StuckCompensationAndOperatorRetry(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()
	f.payments.FailNext("authorize", domain.ErrCollaboratorRejected, 1)
	f.orders.FailNext("cancel", domain.ErrCollaboratorTemporary, 3)

	state, err := f.orch.Execute(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompensating, state.Status)
	require.True(t, state.Stuck)
	require.Equal(t, domain.StepCreateOrder, state.CurrentStep)
	require.EqualValues(t, 2, f.reserved(t, "sku-1"), "earlier steps stay in place until operator acts")

	stuck, err := f.orch.ListStuck(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	var operatorMessages int
	for _, msg := range f.outbox.ByEventType(domain.EventSagaCompensationStuck) {
		if msg.Topic == domain.TopicOperatorQueue {
			operatorMessages++
		}
	}
	require.Equal(t, 1, operatorMessages)
	require.EqualValues(t, 1, f.counter(t, "checkout_saga_stuck_total"))

	untouched, err := f.orch.Run(ctx, state.ID)
	require.NoError(t, err)
	require.True(t, untouched.Stuck)

	done, err := f.orch.Retry(ctx, state.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompensated, done.Status)
	require.False(t, done.Stuck)
	require.True(t, f.orders.Cancelled("order-1"))
	require.Zero(t, f.reserved(t, "sku-1"))

	_, err = f.orch.Retry(ctx, state.ID)
	require.ErrorIs(t, err, domain.ErrSagaTerminal)
}

func TestOrchestrator_CancellationAfterCheckout(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	checkout, err := f.orch.Execute(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, checkout.Status)

	cancellation, err := f.orch.Execute(ctx, domain.SagaTypeCancellation, "order-1", domain.CheckoutRequest{
		OrderID: "order-1",
		Reason:  "customer request",
	})
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, cancellation.Status)

	amount, refunded := f.payments.Refunded(checkout.Output(OutputPaymentID))
	require.True(t, refunded)
	require.EqualValues(t, 5000, amount)
	require.True(t, f.orders.Cancelled("order-1"))
	require.Zero(t, f.loyalty.Balance("customer-1"))
	require.Zero(t, f.reserved(t, "sku-1"))
	require.Zero(t, f.reserved(t, "sku-2"))
}

func TestOrchestrator_CancellationWaitsForRunningCheckout(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	checkout, _, err := f.orch.Begin(ctx, domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	checkout.Status = domain.SagaStatusInProgress
	require.NoError(t, f.sagas.Save(ctx, checkout))

	cancellation, err := f.orch.Execute(ctx, domain.SagaTypeCancellation, "order-1", domain.CheckoutRequest{OrderID: "order-1"})
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompensated, cancellation.Status)
	require.Contains(t, cancellation.LastError, "checkout saga is still running")
	require.False(t, f.orders.Cancelled("order-1"))
}

func TestOrchestrator_Authorization(t *testing.T) {
	f := newSagaFixture(t, testConfig())
	ctx := context.Background()

	state, err := f.orch.Execute(ctx, domain.SagaTypeAuthorization, "auth-1", checkoutRequest("auth-1"))
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompleted, state.Status)
	require.NotEmpty(t, state.Output(OutputPaymentID))
	require.Zero(t, f.payments.Calls("capture"))

	holds, err := f.manager.ListByReference(ctx, "auth-1")
	require.NoError(t, err)
	require.Len(t, holds, 2)
	for _, h := range holds {
		assert.Equal(t, domain.ReservationStatusPending, h.Status)
	}
}

func TestOrchestrator_CircuitBreakerOpensOnTemporaryFailures(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerFailures = 2
	f := newSagaFixture(t, cfg)
	f.payments.FailNext("authorize", domain.ErrCollaboratorTemporary, 10)

	state, err := f.orch.Execute(context.Background(), domain.SagaTypeCheckout, "order-1", checkoutRequest("order-1"))
	require.NoError(t, err)
	require.Equal(t, domain.SagaStatusCompensated, state.Status)
	require.Equal(t, CircuitOpen, f.orch.Breaker("payment").State())
	require.Equal(t, 2, f.payments.Calls("authorize"), "open breaker must short-circuit the third attempt")
	require.Contains(t, state.LastError, domain.ErrCircuitOpen.Error())
}
