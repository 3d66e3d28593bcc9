package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
	httpapi "github.com/vladislavdragonenkov/checkout/internal/transport/http"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubSagas struct {
	mu       sync.Mutex
	states   map[string]domain.SagaState
	payloads map[string]any
	retried  []string
}

func newStubSagas() *stubSagas {
	return &stubSagas{
		states:   make(map[string]domain.SagaState),
		payloads: make(map[string]any),
	}
}

func (s *stubSagas) Begin(_ context.Context, sagaType domain.SagaType, businessID string, payload any) (domain.SagaState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := string(sagaType) + "-" + businessID
	if state, ok := s.states[id]; ok {
		return state, false, nil
	}
	state := domain.SagaState{ID: id, Type: sagaType, BusinessID: businessID, Status: domain.SagaStatusStarted, Version: 1}
	s.states[id] = state
	s.payloads[id] = payload
	return state, true, nil
}

func (s *stubSagas) Get(_ context.Context, id string) (domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return state, nil
}

func (s *stubSagas) ListStuck(context.Context, int) ([]domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []domain.SagaState
	for _, state := range s.states {
		if state.Stuck {
			result = append(result, state)
		}
	}
	return result, nil
}

func (s *stubSagas) Retry(_ context.Context, id string) (domain.SagaState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[id]
	if !ok {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	if !state.Stuck {
		return domain.SagaState{}, domain.ErrSagaTransition
	}
	state.Stuck = false
	state.Status = domain.SagaStatusCompensated
	s.states[id] = state
	s.retried = append(s.retried, id)
	return state, nil
}

func (s *stubSagas) Timeline(_ context.Context, id string) ([]domain.TimelineEvent, error) {
	return []domain.TimelineEvent{{SagaID: id, Seq: 1, Kind: "created", Version: 1, Occurred: time.Now().UTC()}}, nil
}

func (s *stubSagas) put(state domain.SagaState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state
}

type stubDispatcher struct {
	mu        sync.Mutex
	submitted []string
	running   map[string]bool
}

func (d *stubDispatcher) Submit(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitted = append(d.submitted, id)
	return true, nil
}

func (d *stubDispatcher) InFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[id]
}

type apiFixture struct {
	engine     *gin.Engine
	manager    *reservation.Manager
	sagas      *stubSagas
	dispatcher *stubDispatcher
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	entry := logger.WithField("component", "test")

	store := memory.NewStockStore(memory.NewOutboxRepository())
	manager := reservation.NewManager(store, store,
		reservation.WithLogger(entry),
		reservation.WithMetrics(metrics.NewReservationMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	_, err := manager.SetStock(context.Background(), "sku-1", 10)
	require.NoError(t, err)

	sagas := newStubSagas()
	dispatcher := &stubDispatcher{running: make(map[string]bool)}
	handler := httpapi.NewHandler(manager, sagas, dispatcher,
		httpapi.WithLogger(entry),
		httpapi.WithIdempotency(memory.NewIdempotencyRepository(), time.Hour),
	)
	return apiFixture{
		engine:     handler.Router(""),
		manager:    manager,
		sagas:      sagas,
		dispatcher: dispatcher,
	}
}

func (f apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestReservationLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/reservations", map[string]any{
		"product_id":  "sku-1",
		"customer_id": "cust-1",
		"quantity":    3,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	require.Equal(t, "PENDING", created["status"])
	require.Equal(t, "PURCHASE", created["kind"])

	rec = f.do(t, http.MethodGet, "/v1/stock/sku-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ledger := decode(t, rec)
	require.EqualValues(t, 7, ledger["available"])
	require.EqualValues(t, 3, ledger["reserved"])
	require.EqualValues(t, 10, ledger["total"])

	rec = f.do(t, http.MethodPost, "/v1/reservations/"+id+"/extend", map[string]any{"duration": "10m"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/reservations/"+id+"/confirm", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "CONFIRMED", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/reservations/"+id+"/confirm", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, domain.CodeInvalidState, decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/v1/reservations/"+id+"/cancel", map[string]any{"reason": "customer request"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decode(t, rec)
	require.Equal(t, "CANCELLED", cancelled["status"])
	require.Equal(t, "customer request", cancelled["cancel_reason"])

	rec = f.do(t, http.MethodGet, "/v1/reservations/"+id, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ledgerAfter, err := f.manager.Ledger(context.Background(), "sku-1")
	require.NoError(t, err)
	require.EqualValues(t, 10, ledgerAfter.Available)
	require.Zero(t, ledgerAfter.Reserved)
}

func TestReserveErrors(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "insufficient stock", body: map[string]any{"product_id": "sku-1", "customer_id": "c", "quantity": 11}, status: http.StatusConflict, code: domain.CodeInsufficientStock},
		{name: "unknown product", body: map[string]any{"product_id": "nope", "customer_id": "c", "quantity": 1}, status: http.StatusBadRequest, code: domain.CodeProductNotFound},
		{name: "zero quantity", body: map[string]any{"product_id": "sku-1", "customer_id": "c", "quantity": 0}, status: http.StatusBadRequest, code: domain.CodeValidation},
		{name: "missing customer", body: map[string]any{"product_id": "sku-1", "quantity": 1}, status: http.StatusBadRequest, code: domain.CodeValidation},
		{name: "bad kind", body: map[string]any{"product_id": "sku-1", "customer_id": "c", "quantity": 1, "kind": "GIFT"}, status: http.StatusBadRequest, code: domain.CodeValidation},
		{name: "broken json", body: "{", status: http.StatusBadRequest, code: domain.CodeValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/reservations", tc.body, nil)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, decode(t, rec)["code"])
		})
	}

	rec := f.do(t, http.MethodGet, "/v1/reservations/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/reservations/missing/extend", map[string]any{"duration": "soon"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReserveWithZeroTTLIsExpired(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/reservations", map[string]any{
		"product_id":  "sku-1",
		"customer_id": "c",
		"quantity":    1,
		"ttl_seconds": 0,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	createdAt, err := time.Parse(time.RFC3339Nano, body["created_at"].(string))
	require.NoError(t, err)
	expiresAt, err := time.Parse(time.RFC3339Nano, body["expires_at"].(string))
	require.NoError(t, err)
	require.True(t, expiresAt.Equal(createdAt))
}

func TestSetStock(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/v1/stock/sku-2", map[string]any{"total": 4}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 4, decode(t, rec)["available"])

	rec = f.do(t, http.MethodPut, "/v1/stock/sku-2", map[string]any{"total": -1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/stock/sku-2", map[string]any{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIdempotencyKeyReplaysResponse(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]any{"product_id": "sku-1", "customer_id": "c", "quantity": 2}
	headers := map[string]string{httpapi.IdempotencyKeyHeader: "req-1"}

	first := f.do(t, http.MethodPost, "/v1/reservations", body, headers)
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(t, http.MethodPost, "/v1/reservations", body, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())

	ledger, err := f.manager.Ledger(context.Background(), "sku-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, ledger.Reserved)

	mismatch := f.do(t, http.MethodPost, "/v1/reservations", map[string]any{"product_id": "sku-1", "customer_id": "c", "quantity": 3}, headers)
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
}

func TestIdempotencyKeyReplaysBusinessFailure(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]any{"product_id": "sku-1", "customer_id": "c", "quantity": 50}
	headers := map[string]string{httpapi.IdempotencyKeyHeader: "req-2"}

	first := f.do(t, http.MethodPost, "/v1/reservations", body, headers)
	require.Equal(t, http.StatusConflict, first.Code)

	_, err := f.manager.SetStock(context.Background(), "sku-1", 100)
	require.NoError(t, err)

	second := f.do(t, http.MethodPost, "/v1/reservations", body, headers)
	require.Equal(t, http.StatusConflict, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestAuthorizationSaga(t *testing.T) {
	f := newAPIFixture(t)
	body := map[string]any{
		"order_id":    "order-1",
		"customer_id": "cust-1",
		"currency":    "USD",
		"items":       []map[string]any{{"product_id": "sku-1", "quantity": 1, "price_minor": 500}},
	}

	rec := f.do(t, http.MethodPost, "/v1/sagas/authorization", body, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Equal(t, "AUTHORIZATION-order-1", decode(t, rec)["id"])

	rec = f.do(t, http.MethodPost, "/v1/sagas/authorization", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"AUTHORIZATION-order-1", "AUTHORIZATION-order-1"}, f.dispatcher.submitted)

	payload, ok := f.sagas.payloads["AUTHORIZATION-order-1"].(domain.CheckoutRequest)
	require.True(t, ok)
	require.Equal(t, int64(500), payload.AmountMinor())

	rec = f.do(t, http.MethodPost, "/v1/sagas/authorization", map[string]any{"order_id": "o-2", "customer_id": "c", "currency": "USD"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSagaQueries(t *testing.T) {
	f := newAPIFixture(t)
	f.sagas.put(domain.SagaState{ID: "s-1", Type: domain.SagaTypeCheckout, BusinessID: "o-1", Status: domain.SagaStatusCompensating, Stuck: true})
	f.sagas.put(domain.SagaState{ID: "s-2", Type: domain.SagaTypeCheckout, BusinessID: "o-2", Status: domain.SagaStatusCompleted})

	rec := f.do(t, http.MethodGet, "/v1/sagas/s-2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	require.Equal(t, "COMPLETED", got["status"])
	require.Len(t, got["timeline"], 1)

	rec = f.do(t, http.MethodGet, "/v1/sagas/unknown", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/sagas?stuck=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sagas []map[string]any `json:"sagas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Sagas, 1)
	require.Equal(t, "s-1", listed.Sagas[0]["id"])

	rec = f.do(t, http.MethodGet, "/v1/sagas", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.dispatcher.running["s-1"] = true
	rec = f.do(t, http.MethodPost, "/v1/sagas/s-1/retry", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	f.dispatcher.running["s-1"] = false
	rec = f.do(t, http.MethodPost, "/v1/sagas/s-1/retry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, false, decode(t, rec)["stuck"])

	rec = f.do(t, http.MethodPost, "/v1/sagas/s-2/retry", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, domain.CodeInvalidState, decode(t, rec)["code"])
}

func TestSagaRoutesWithoutOrchestrator(t *testing.T) {
	store := memory.NewStockStore(nil)
	handler := httpapi.NewHandler(reservation.NewManager(store, store), nil, nil)

	rec := httptest.NewRecorder()
	handler.Router("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sagas/s-1", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
