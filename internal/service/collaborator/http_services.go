package collaborator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// PaymentClient: HTTP-клиент платёжного сервиса.
type PaymentClient struct{ httpClient }

// NewPaymentClient создаёт клиент платёжного сервиса.
func NewPaymentClient(baseURL string, timeout time.Duration, logger *log.Entry) *PaymentClient {
	return &PaymentClient{newHTTPClient("payment", baseURL, timeout, logger)}
}

type paymentResponse struct {
	PaymentID string `json:"payment_id"`
}

func (c *PaymentClient) Authorize(ctx context.Context, key string, req domain.PaymentRequest) (string, error) {
	var resp paymentResponse
	if err := c.post(ctx, key, "/v1/payments/authorize", req, &resp); err != nil {
		return "", err
	}
	return resp.PaymentID, nil
}

func (c *PaymentClient) Capture(ctx context.Context, key, paymentID string) error {
	return c.post(ctx, key, "/v1/payments/capture", map[string]string{"payment_id": paymentID}, nil)
}

func (c *PaymentClient) Refund(ctx context.Context, key, paymentID string, amountMinor int64) error {
	return c.post(ctx, key, "/v1/payments/refund", map[string]any{
		"payment_id":   paymentID,
		"amount_minor": amountMinor,
	}, nil)
}

// OrderClient: HTTP-клиент сервиса заказов.
type OrderClient struct{ httpClient }

// NewOrderClient создаёт клиент сервиса заказов.
func NewOrderClient(baseURL string, timeout time.Duration, logger *log.Entry) *OrderClient {
	return &OrderClient{newHTTPClient("order", baseURL, timeout, logger)}
}

type orderResponse struct {
	OrderRef string `json:"order_ref"`
}

func (c *OrderClient) Create(ctx context.Context, key string, req domain.OrderRequest) (string, error) {
	var resp orderResponse
	if err := c.post(ctx, key, "/v1/orders", req, &resp); err != nil {
		return "", err
	}
	if resp.OrderRef == "" {
		return req.OrderID, nil
	}
	return resp.OrderRef, nil
}

func (c *OrderClient) Cancel(ctx context.Context, key, orderRef, reason string) error {
	return c.post(ctx, key, "/v1/orders/"+orderRef+"/cancel", map[string]string{"reason": reason}, nil)
}

// LoyaltyClient: HTTP-клиент сервиса бонусных баллов.
type LoyaltyClient struct{ httpClient }

// NewLoyaltyClient создаёт клиент сервиса лояльности.
func NewLoyaltyClient(baseURL string, timeout time.Duration, logger *log.Entry) *LoyaltyClient {
	return &LoyaltyClient{newHTTPClient("loyalty", baseURL, timeout, logger)}
}

type pointsRequest struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
}

func (c *LoyaltyClient) Award(ctx context.Context, key, customerID string, points int64) error {
	return c.post(ctx, key, "/v1/points/award", pointsRequest{CustomerID: customerID, Points: points}, nil)
}

func (c *LoyaltyClient) Deduct(ctx context.Context, key, customerID string, points int64) error {
	return c.post(ctx, key, "/v1/points/deduct", pointsRequest{CustomerID: customerID, Points: points}, nil)
}

// CatalogClient: HTTP-клиент каталога.
type CatalogClient struct{ httpClient }

// NewCatalogClient создаёт клиент каталога.
func NewCatalogClient(baseURL string, timeout time.Duration, logger *log.Entry) *CatalogClient {
	return &CatalogClient{newHTTPClient("catalog", baseURL, timeout, logger)}
}

func (c *CatalogClient) ValidateProducts(ctx context.Context, key string, items []domain.LineItem) error {
	return c.post(ctx, key, "/v1/products/validate", map[string]any{"items": items}, nil)
}

// DiscountClient: HTTP-клиент сервиса скидок.
type DiscountClient struct{ httpClient }

// NewDiscountClient создаёт клиент сервиса скидок.
func NewDiscountClient(baseURL string, timeout time.Duration, logger *log.Entry) *DiscountClient {
	return &DiscountClient{newHTTPClient("discount", baseURL, timeout, logger)}
}

type discountResponse struct {
	DiscountMinor int64 `json:"discount_minor"`
}

func (c *DiscountClient) Quote(ctx context.Context, key string, req domain.DiscountRequest) (int64, error) {
	var resp discountResponse
	body := map[string]any{
		"customer_id": req.CustomerID,
		"code":        req.Code,
		"items":       req.Items,
	}
	if err := c.post(ctx, key, "/v1/discounts/quote", body, &resp); err != nil {
		return 0, err
	}
	return resp.DiscountMinor, nil
}

var (
	_ domain.PaymentService  = (*PaymentClient)(nil)
	_ domain.OrderService    = (*OrderClient)(nil)
	_ domain.LoyaltyService  = (*LoyaltyClient)(nil)
	_ domain.CatalogService  = (*CatalogClient)(nil)
	_ domain.DiscountService = (*DiscountClient)(nil)
)
