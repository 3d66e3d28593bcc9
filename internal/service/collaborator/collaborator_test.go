package collaborator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func TestPaymentClient_AuthorizeSendsIdempotencyKey(t *testing.T) {
	t.Parallel()

	var gotKey, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/authorize", r.URL.Path)
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAgent = r.Header.Get("User-Agent")

		var req domain.PaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, int64(1500), req.AmountMinor)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_id":"pay-1"}`))
	}))
	defer server.Close()

	client := NewPaymentClient(server.URL, time.Second, nil)
	id, err := client.Authorize(context.Background(), "order-1:process-payment", domain.PaymentRequest{OrderID: "order-1", AmountMinor: 1500})
	require.NoError(t, err)
	require.Equal(t, "pay-1", id)
	require.Equal(t, "order-1:process-payment", gotKey)
	require.Contains(t, gotAgent, "checkout-service/")
}

func TestHTTPClient_ClassifiesStatusCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusBadGateway, domain.ErrCollaboratorTemporary},
		{"throttled", http.StatusTooManyRequests, domain.ErrCollaboratorTemporary},
		{"rejected", http.StatusUnprocessableEntity, domain.ErrCollaboratorRejected},
		{"ok", http.StatusOK, nil},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			client := NewLoyaltyClient(server.URL, time.Second, nil)
			err := client.Award(context.Background(), "k", "c-1", 10)
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestHTTPClient_TimeoutIsTemporary(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := NewOrderClient(server.URL, 50*time.Millisecond, nil)
	_, err := client.Create(context.Background(), "k", domain.OrderRequest{OrderID: "order-1"})
	require.ErrorIs(t, err, domain.ErrCollaboratorTemporary)
	require.True(t, domain.IsRetryable(err))
}

func TestMockPayment_FaultsAndIdempotency(t *testing.T) {
	t.Parallel()

	mock := NewMockPayment()
	mock.FailNext("authorize", domain.ErrCollaboratorTemporary, 1)

	_, err := mock.Authorize(context.Background(), "k1", domain.PaymentRequest{})
	require.ErrorIs(t, err, domain.ErrCollaboratorTemporary)

	first, err := mock.Authorize(context.Background(), "k1", domain.PaymentRequest{})
	require.NoError(t, err)
	second, err := mock.Authorize(context.Background(), "k1", domain.PaymentRequest{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 3, mock.Calls("authorize"))

	mock.SetDelay("capture", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = mock.Capture(ctx, "k2", first)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMockLoyalty_ApplyOncePerKey(t *testing.T) {
	t.Parallel()

	mock := NewMockLoyalty()
	ctx := context.Background()

	require.NoError(t, mock.Award(ctx, "order-1", "c-1", 100))
	require.NoError(t, mock.Award(ctx, "order-1", "c-1", 100))
	require.Equal(t, int64(100), mock.Balance("c-1"))

	require.NoError(t, mock.Deduct(ctx, "order-1", "c-1", 100))
	require.Equal(t, int64(0), mock.Balance("c-1"))
}

func TestMockCatalog_Reject(t *testing.T) {
	t.Parallel()

	mock := NewMockCatalog()
	mock.Reject("sku-banned")

	err := mock.ValidateProducts(context.Background(), "k", []domain.LineItem{{ProductID: "sku-banned", Quantity: 1}})
	require.ErrorIs(t, err, domain.ErrCollaboratorRejected)
	require.False(t, domain.IsRetryable(err))
}

func TestMockDiscount_Percent(t *testing.T) {
	t.Parallel()

	mock := NewMockDiscount()
	mock.Percent = 10

	discount, err := mock.Quote(context.Background(), "k", domain.DiscountRequest{
		Code:  "SPRING",
		Items: []domain.LineItem{{ProductID: "a", Quantity: 2, PriceMinor: 500}},
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), discount)
}
