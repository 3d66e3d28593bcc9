package domain

import "strings"

// LineItem: позиция корзины.
type LineItem struct {
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	PriceMinor int64  `json:"price_minor"`
}

// CheckoutRequest: вход саги, сохраняется в SagaState.Payload.
type CheckoutRequest struct {
	OrderID      string     `json:"order_id"`
	CustomerID   string     `json:"customer_id"`
	Currency     string     `json:"currency"`
	Items        []LineItem `json:"items"`
	DiscountCode string     `json:"discount_code,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// Validate проверяет минимально необходимые поля.
func (r CheckoutRequest) Validate() []error {
	var errs []error
	if strings.TrimSpace(r.OrderID) == "" {
		errs = append(errs, ErrBusinessIDRequired)
	}
	if strings.TrimSpace(r.CustomerID) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	for _, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			errs = append(errs, ErrProductRequired)
		}
		if item.Quantity <= 0 {
			errs = append(errs, ErrInvalidQuantity)
		}
	}
	return errs
}

// AmountMinor — сумма позиций до скидки.
func (r CheckoutRequest) AmountMinor() int64 {
	var total int64
	for _, item := range r.Items {
		total += item.PriceMinor * item.Quantity
	}
	return total
}

// DiscountRequest: запрос расчёта скидки.
type DiscountRequest struct {
	CustomerID string
	Code       string
	Items      []LineItem
}

// OrderRequest: запрос создания заказа у сервиса заказов.
type OrderRequest struct {
	OrderID       string     `json:"order_id"`
	CustomerID    string     `json:"customer_id"`
	Currency      string     `json:"currency"`
	Items         []LineItem `json:"items"`
	DiscountMinor int64      `json:"discount_minor"`
	TotalMinor    int64      `json:"total_minor"`
}

// PaymentRequest: запрос авторизации платежа.
type PaymentRequest struct {
	OrderID     string `json:"order_id"`
	CustomerID  string `json:"customer_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}
