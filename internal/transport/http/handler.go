// Package httpapi: REST-интерфейс резервов, остатков и саг.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultStuckLimit     = 100
	maxStuckLimit         = 1000
)

// Reservations — операции менеджера резервов, доступные через REST.
type Reservations interface {
	Reserve(ctx context.Context, req reservation.ReserveRequest) (domain.StockReservation, error)
	Get(ctx context.Context, reservationID string) (domain.StockReservation, error)
	Confirm(ctx context.Context, reservationID string) (domain.StockReservation, error)
	Cancel(ctx context.Context, reservationID, reason string) (domain.StockReservation, error)
	Extend(ctx context.Context, reservationID string, additional time.Duration) (domain.StockReservation, error)
	SetStock(ctx context.Context, productID string, total int64) (domain.StockLedger, error)
	Ledger(ctx context.Context, productID string) (domain.StockLedger, error)
}

// Sagas: операции оркестратора, доступные через REST.
type Sagas interface {
	Begin(ctx context.Context, sagaType domain.SagaType, businessID string, payload any) (domain.SagaState, bool, error)
	Get(ctx context.Context, sagaID string) (domain.SagaState, error)
	ListStuck(ctx context.Context, limit int) ([]domain.SagaState, error)
	Retry(ctx context.Context, sagaID string) (domain.SagaState, error)
	Timeline(ctx context.Context, sagaID string) ([]domain.TimelineEvent, error)
}

// Dispatcher ставит сагу в фоновое исполнение.
type Dispatcher interface {
	Submit(sagaID string) (bool, error)
	InFlight(sagaID string) bool
}

// Handler обслуживает REST API.
type Handler struct {
	reservations Reservations
	sagas        Sagas
	dispatcher   Dispatcher
	idem         domain.IdempotencyRepository
	idemTTL      time.Duration
	logger       *log.Entry
}

// Option настраивает Handler.
type Option func(*Handler)

// WithIdempotency включает воспроизведение ответов по заголовку Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(h *Handler) {
		h.idem = repo
		if ttl > 0 {
			h.idemTTL = ttl
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler создаёт обработчик. sagas и dispatcher могут быть nil, тогда маршруты саг отвечают 503.
func NewHandler(reservations Reservations, sagas Sagas, dispatcher Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		reservations: reservations,
		sagas:        sagas,
		dispatcher:   dispatcher,
		idemTTL:      defaultIdempotencyTTL,
		logger:       log.WithField("component", "http-api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router собирает gin.Engine со всеми маршрутами.
func (h *Handler) Router(serviceName string) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), h.accessLog())
	if serviceName != "" {
		engine.Use(otelgin.Middleware(serviceName))
	}

	v1 := engine.Group("/v1", h.idempotency())

	reservations := v1.Group("/reservations")
	reservations.POST("", h.reserve)
	reservations.GET("/:id", h.getReservation)
	reservations.POST("/:id/confirm", h.confirmReservation)
	reservations.POST("/:id/cancel", h.cancelReservation)
	reservations.POST("/:id/extend", h.extendReservation)

	stock := v1.Group("/stock")
	stock.GET("/:productId", h.getStock)
	stock.PUT("/:productId", h.setStock)

	sagas := v1.Group("/sagas")
	sagas.GET("", h.listSagas)
	sagas.GET("/:id", h.getSaga)
	sagas.POST("/:id/retry", h.retrySaga)
	sagas.POST("/authorization", h.startAuthorization)

	return engine
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		h.logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(started),
		}).Debug("http request")
	}
}

func (h *Handler) reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	var ttl *time.Duration
	if req.TTLSeconds != nil {
		d := time.Duration(*req.TTLSeconds) * time.Second
		ttl = &d
	}

	created, err := h.reservations.Reserve(c.Request.Context(), reservation.ReserveRequest{
		ProductID:    req.ProductID,
		CustomerID:   req.CustomerID,
		Quantity:     req.Quantity,
		TTL:          ttl,
		Kind:         domain.ReservationKind(req.Kind),
		Reference:    req.Reference,
		Notes:        req.Notes,
		PlannedStart: req.PlannedStart,
		PlannedEnd:   req.PlannedEnd,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toReservationResponse(created))
}

func (h *Handler) getReservation(c *gin.Context) {
	found, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(found))
}

func (h *Handler) confirmReservation(c *gin.Context) {
	confirmed, err := h.reservations.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(confirmed))
}

func (h *Handler) cancelReservation(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	cancelled, err := h.reservations.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(cancelled))
}

func (h *Handler) extendReservation(c *gin.Context) {
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}
	additional, err := time.ParseDuration(req.Duration)
	if err != nil {
		badRequest(c, fmt.Errorf("duration: %w", err))
		return
	}

	extended, err := h.reservations.Extend(c.Request.Context(), c.Param("id"), additional)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(extended))
}

func (h *Handler) getStock(c *gin.Context) {
	ledger, err := h.reservations.Ledger(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toLedgerResponse(ledger))
}

func (h *Handler) setStock(c *gin.Context) {
	var req stockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	ledger, err := h.reservations.SetStock(c.Request.Context(), c.Param("productId"), *req.Total)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toLedgerResponse(ledger))
}

func (h *Handler) sagasAvailable(c *gin.Context) bool {
	if h.sagas == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorResponse{
			Code:  domain.CodeUnavailable,
			Error: "saga orchestrator is not configured",
		})
		return false
	}
	return true
}

func (h *Handler) getSaga(c *gin.Context) {
	if !h.sagasAvailable(c) {
		return
	}
	state, err := h.sagas.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	timeline, err := h.sagas.Timeline(c.Request.Context(), state.ID)
	if err != nil {
		h.logger.WithError(err).WithField("saga_id", state.ID).Warn("failed to load saga timeline")
	}
	c.JSON(http.StatusOK, toSagaResponse(state, timeline))
}

func (h *Handler) listSagas(c *gin.Context) {
	if !h.sagasAvailable(c) {
		return
	}
	if c.Query("stuck") != "true" {
		badRequest(c, errors.New("only stuck=true listing is supported"))
		return
	}

	limit := defaultStuckLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			badRequest(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(parsed, maxStuckLimit)
	}

	states, err := h.sagas.ListStuck(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	result := make([]sagaResponse, 0, len(states))
	for _, state := range states {
		result = append(result, toSagaResponse(state, nil))
	}
	c.JSON(http.StatusOK, gin.H{"sagas": result})
}

func (h *Handler) retrySaga(c *gin.Context) {
	if !h.sagasAvailable(c) {
		return
	}
	sagaID := c.Param("id")
	if h.dispatcher != nil && h.dispatcher.InFlight(sagaID) {
		c.AbortWithStatusJSON(http.StatusConflict, errorResponse{
			Code:  domain.CodeConflict,
			Error: "saga is already running",
		})
		return
	}

	state, err := h.sagas.Retry(c.Request.Context(), sagaID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSagaResponse(state, nil))
}

func (h *Handler) startAuthorization(c *gin.Context) {
	if !h.sagasAvailable(c) {
		return
	}
	var req authorizationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := req.Validate(); err != nil {
		badRequest(c, err)
		return
	}

	state, created, err := h.sagas.Begin(c.Request.Context(), domain.SagaTypeAuthorization, req.OrderID, req.checkout())
	if err != nil {
		h.fail(c, err)
		return
	}

	if !state.Status.Terminal() && !state.Stuck && h.dispatcher != nil {
		if _, err := h.dispatcher.Submit(state.ID); err != nil {
			h.fail(c, fmt.Errorf("submit saga: %w", err))
			return
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	c.JSON(status, toSagaResponse(state, nil))
}
