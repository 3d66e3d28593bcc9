package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
)

// Ключи результатов шагов в SagaState.Outputs.
const (
	OutputReservations = "reservation_ids"
	OutputDiscount     = "discount_minor"
	OutputOrderRef     = "order_ref"
	OutputPaymentID    = "payment_id"
	OutputAmount       = "amount_minor"
	OutputPoints       = "points"
)

// Inventory: операции менеджера резервов, используемые шагами саги.
type Inventory interface {
	ReserveForOrder(ctx context.Context, hold reservation.OrderHold) ([]domain.StockReservation, error)
	ConfirmByReference(ctx context.Context, reference string) ([]domain.StockReservation, error)
	CancelByReference(ctx context.Context, reference, reason string) ([]domain.StockReservation, error)
}

// Collaborators: внешние участники саги.
type Collaborators struct {
	Inventory Inventory
	Catalog   domain.CatalogService
	Discounts domain.DiscountService
	Orders    domain.OrderService
	Payments  domain.PaymentService
	Loyalty   domain.LoyaltyService
}

// StepContext: вход шага: текущее состояние и исходный запрос саги.
type StepContext struct {
	State   domain.SagaState
	Request domain.CheckoutRequest
}

// Key: ключ идемпотентности прямого вызова шага.
func (sc StepContext) Key(step domain.SagaStep) string {
	return sc.State.BusinessID + ":" + string(step)
}

// CompensationKey — ключ идемпотентности обратного вызова шага.
func (sc StepContext) CompensationKey(step domain.SagaStep) string {
	return sc.State.BusinessID + ":" + string(step) + ":compensate"
}

// NetAmount: сумма к оплате с учётом скидки.
func (sc StepContext) NetAmount() int64 {
	discount, _ := strconv.ParseInt(sc.State.Output(OutputDiscount), 10, 64)
	net := sc.Request.AmountMinor() - discount
	if net < 0 {
		return 0
	}
	return net
}

// Action: прямое действие шага; возвращает результаты для Outputs.
type Action func(ctx context.Context, sc StepContext) (map[string]string, error)

// errCheckoutRunning: отмена ждёт завершения саги оформления того же заказа.
var errCheckoutRunning = fmt.Errorf("checkout saga is still running: %w", domain.ErrCollaboratorTemporary)

// Catalogue сопоставляет шаги саг с действиями и внешним сервисом для circuit breaker.
type Catalogue struct {
	c       Collaborators
	sagas   domain.SagaRepository
	actions map[domain.SagaStep]Action
	targets map[domain.SagaStep]string
}

// NewCatalogue строит каталог шагов всех типов саг.
func NewCatalogue(c Collaborators, sagas domain.SagaRepository) *Catalogue {
	cat := &Catalogue{c: c, sagas: sagas}
	cat.actions = map[domain.SagaStep]Action{
		domain.StepValidateProducts:    cat.validateProducts,
		domain.StepReserveInventory:    cat.reserveInventory,
		domain.StepApplyDiscounts:      cat.applyDiscounts,
		domain.StepCreateOrder:         cat.createOrder,
		domain.StepProcessPayment:      cat.processPayment,
		domain.StepConfirmReservation:  cat.confirmReservation,
		domain.StepAwardLoyaltyPoints:  cat.awardLoyaltyPoints,
		domain.StepAuthorizePayment:    cat.authorizePayment,
		domain.StepReleaseReservation:  cat.releaseReservation,
		domain.StepRefundPayment:       cat.refundPayment,
		domain.StepRevokeLoyaltyPoints: cat.revokeLoyaltyPoints,
		domain.StepCancelOrder:         cat.cancelOrder,
	}
	cat.targets = map[domain.SagaStep]string{
		domain.StepValidateProducts:    "catalog",
		domain.StepReserveInventory:    "inventory",
		domain.StepApplyDiscounts:      "discount",
		domain.StepCreateOrder:         "order",
		domain.StepProcessPayment:      "payment",
		domain.StepConfirmReservation:  "inventory",
		domain.StepAwardLoyaltyPoints:  "loyalty",
		domain.StepAuthorizePayment:    "payment",
		domain.StepReleaseReservation:  "inventory",
		domain.StepRefundPayment:       "payment",
		domain.StepRevokeLoyaltyPoints: "loyalty",
		domain.StepCancelOrder:         "order",
	}
	return cat
}

// Action возвращает действие шага и имя внешнего сервиса.
func (cat *Catalogue) Action(step domain.SagaStep) (Action, string, bool) {
	action, ok := cat.actions[step]
	return action, cat.targets[step], ok
}

func (cat *Catalogue) validateProducts(ctx context.Context, sc StepContext) (map[string]string, error) {
	if errs := sc.Request.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", domain.ErrCollaboratorRejected, errors.Join(errs...))
	}
	if len(sc.Request.Items) == 0 {
		return nil, fmt.Errorf("%w: no items", domain.ErrCollaboratorRejected)
	}
	return nil, cat.c.Catalog.ValidateProducts(ctx, sc.Key(domain.StepValidateProducts), sc.Request.Items)
}

func (cat *Catalogue) reserveInventory(ctx context.Context, sc StepContext) (map[string]string, error) {
	held, err := cat.c.Inventory.ReserveForOrder(ctx, reservation.OrderHold{
		OrderID:    sc.State.BusinessID,
		CustomerID: sc.Request.CustomerID,
		Items:      sc.Request.Items,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(held))
	for _, r := range held {
		ids = append(ids, r.ID)
	}
	return map[string]string{OutputReservations: strings.Join(ids, ",")}, nil
}

func (cat *Catalogue) applyDiscounts(ctx context.Context, sc StepContext) (map[string]string, error) {
	discount, err := cat.c.Discounts.Quote(ctx, sc.Key(domain.StepApplyDiscounts), domain.DiscountRequest{
		CustomerID: sc.Request.CustomerID,
		Code:       sc.Request.DiscountCode,
		Items:      sc.Request.Items,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{OutputDiscount: strconv.FormatInt(discount, 10)}, nil
}

func (cat *Catalogue) createOrder(ctx context.Context, sc StepContext) (map[string]string, error) {
	discount, _ := strconv.ParseInt(sc.State.Output(OutputDiscount), 10, 64)
	ref, err := cat.c.Orders.Create(ctx, sc.Key(domain.StepCreateOrder), domain.OrderRequest{
		OrderID:       sc.State.BusinessID,
		CustomerID:    sc.Request.CustomerID,
		Currency:      sc.Request.Currency,
		Items:         sc.Request.Items,
		DiscountMinor: discount,
		TotalMinor:    sc.NetAmount(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{OutputOrderRef: ref}, nil
}

func (cat *Catalogue) processPayment(ctx context.Context, sc StepContext) (map[string]string, error) {
	amount := sc.NetAmount()
	key := sc.Key(domain.StepProcessPayment)
	paymentID, err := cat.c.Payments.Authorize(ctx, key, domain.PaymentRequest{
		OrderID:     sc.State.BusinessID,
		CustomerID:  sc.Request.CustomerID,
		AmountMinor: amount,
		Currency:    sc.Request.Currency,
	})
	if err != nil {
		return nil, err
	}
	if err := cat.c.Payments.Capture(ctx, key, paymentID); err != nil {
		return nil, err
	}
	return map[string]string{
		OutputPaymentID: paymentID,
		OutputAmount:    strconv.FormatInt(amount, 10),
	}, nil
}

func (cat *Catalogue) authorizePayment(ctx context.Context, sc StepContext) (map[string]string, error) {
	amount := sc.NetAmount()
	paymentID, err := cat.c.Payments.Authorize(ctx, sc.Key(domain.StepAuthorizePayment), domain.PaymentRequest{
		OrderID:     sc.State.BusinessID,
		CustomerID:  sc.Request.CustomerID,
		AmountMinor: amount,
		Currency:    sc.Request.Currency,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		OutputPaymentID: paymentID,
		OutputAmount:    strconv.FormatInt(amount, 10),
	}, nil
}

func (cat *Catalogue) confirmReservation(ctx context.Context, sc StepContext) (map[string]string, error) {
	_, err := cat.c.Inventory.ConfirmByReference(ctx, sc.State.BusinessID)
	return nil, err
}

func (cat *Catalogue) awardLoyaltyPoints(ctx context.Context, sc StepContext) (map[string]string, error) {
	points := sc.NetAmount() / 100
	if points > 0 {
		if err := cat.c.Loyalty.Award(ctx, sc.Key(domain.StepAwardLoyaltyPoints), sc.Request.CustomerID, points); err != nil {
			return nil, err
		}
	}
	return map[string]string{OutputPoints: strconv.FormatInt(points, 10)}, nil
}

// checkoutOf возвращает сагу оформления заказа, который отменяется.
// Отмена не выполняется, пока оформление не завершено.
func (cat *Catalogue) checkoutOf(ctx context.Context, orderID string) (domain.SagaState, domain.CheckoutRequest, bool, error) {
	checkout, err := cat.sagas.GetByBusinessID(ctx, domain.SagaTypeCheckout, orderID)
	if errors.Is(err, domain.ErrSagaNotFound) {
		return domain.SagaState{}, domain.CheckoutRequest{}, false, nil
	}
	if err != nil {
		return domain.SagaState{}, domain.CheckoutRequest{}, false, err
	}
	if !checkout.Status.Terminal() && !checkout.Stuck {
		return domain.SagaState{}, domain.CheckoutRequest{}, false, errCheckoutRunning
	}
	var req domain.CheckoutRequest
	if len(checkout.Payload) > 0 {
		if err := json.Unmarshal(checkout.Payload, &req); err != nil {
			return domain.SagaState{}, domain.CheckoutRequest{}, false, fmt.Errorf("decode checkout payload: %w", err)
		}
	}
	return checkout, req, true, nil
}

// effective: шаг оформления выполнен и не компенсирован.
func effective(checkout domain.SagaState, step domain.SagaStep) bool {
	done := false
	for _, s := range checkout.CompletedSteps {
		if s == step {
			done = true
		}
	}
	for _, s := range checkout.CompensatedSteps {
		if s == step {
			return false
		}
	}
	return done
}

func (cat *Catalogue) releaseReservation(ctx context.Context, sc StepContext) (map[string]string, error) {
	if _, _, _, err := cat.checkoutOf(ctx, sc.State.BusinessID); err != nil {
		return nil, err
	}
	released, err := cat.c.Inventory.CancelByReference(ctx, sc.State.BusinessID, cancellationReason(sc))
	if err != nil {
		return nil, err
	}
	return map[string]string{"released": strconv.Itoa(len(released))}, nil
}

// refundPayment использует тот же ключ, что и компенсация оплаты, поэтому двойного возврата нет.
func (cat *Catalogue) refundPayment(ctx context.Context, sc StepContext) (map[string]string, error) {
	checkout, _, ok, err := cat.checkoutOf(ctx, sc.State.BusinessID)
	if err != nil || !ok || !effective(checkout, domain.StepProcessPayment) {
		return nil, err
	}
	amount, _ := strconv.ParseInt(checkout.Output(OutputAmount), 10, 64)
	paymentID := checkout.Output(OutputPaymentID)
	key := StepContext{State: checkout}.CompensationKey(domain.StepProcessPayment)
	if err := cat.c.Payments.Refund(ctx, key, paymentID, amount); err != nil {
		return nil, err
	}
	return map[string]string{"refunded_" + OutputPaymentID: paymentID}, nil
}

func (cat *Catalogue) revokeLoyaltyPoints(ctx context.Context, sc StepContext) (map[string]string, error) {
	checkout, req, ok, err := cat.checkoutOf(ctx, sc.State.BusinessID)
	if err != nil || !ok || !effective(checkout, domain.StepAwardLoyaltyPoints) {
		return nil, err
	}
	points, _ := strconv.ParseInt(checkout.Output(OutputPoints), 10, 64)
	if points <= 0 {
		return nil, nil
	}
	key := StepContext{State: checkout}.CompensationKey(domain.StepAwardLoyaltyPoints)
	if err := cat.c.Loyalty.Deduct(ctx, key, req.CustomerID, points); err != nil {
		return nil, err
	}
	return map[string]string{"revoked_" + OutputPoints: strconv.FormatInt(points, 10)}, nil
}

func (cat *Catalogue) cancelOrder(ctx context.Context, sc StepContext) (map[string]string, error) {
	checkout, _, ok, err := cat.checkoutOf(ctx, sc.State.BusinessID)
	if err != nil {
		return nil, err
	}
	ref := sc.State.BusinessID
	key := sc.Key(domain.StepCancelOrder)
	if ok {
		if !effective(checkout, domain.StepCreateOrder) {
			return nil, nil
		}
		if r := checkout.Output(OutputOrderRef); r != "" {
			ref = r
		}
		key = StepContext{State: checkout}.CompensationKey(domain.StepCreateOrder)
	}
	return nil, cat.c.Orders.Cancel(ctx, key, ref, cancellationReason(sc))
}

func cancellationReason(sc StepContext) string {
	if sc.Request.Reason != "" {
		return sc.Request.Reason
	}
	return "order cancelled"
}
