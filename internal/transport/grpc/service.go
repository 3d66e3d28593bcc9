// Package grpcapi — gRPC-интерфейс сервиса резервов.
package grpcapi

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/reservation"
)

// maxExactInteger: граница целых чисел, точно представимых в float64.
const maxExactInteger = 1 << 53

// Reservations: операции менеджера резервов, доступные через gRPC.
type Reservations interface {
	Reserve(ctx context.Context, req reservation.ReserveRequest) (domain.StockReservation, error)
	Confirm(ctx context.Context, reservationID string) (domain.StockReservation, error)
	Cancel(ctx context.Context, reservationID, reason string) (domain.StockReservation, error)
	Extend(ctx context.Context, reservationID string, additional time.Duration) (domain.StockReservation, error)
}

// SagaReader возвращает состояние саги и её журнал.
type SagaReader interface {
	Get(ctx context.Context, sagaID string) (domain.SagaState, error)
	Timeline(ctx context.Context, sagaID string) ([]domain.TimelineEvent, error)
}

// Service реализует ReservationServer.
type Service struct {
	reservations Reservations
	sagas        SagaReader
	logger       *log.Entry
}

// NewService конструирует сервис. sagas может быть nil.
// Идемпотентность мутирующих методов обеспечивает IdempotencyInterceptor.
func NewService(reservations Reservations, sagas SagaReader, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "grpc-api")
	}
	return &Service{
		reservations: reservations,
		sagas:        sagas,
		logger:       logger,
	}
}

// Reserve создаёт удержание товара.
func (s *Service) Reserve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	quantity, err := intField(fields, "quantity", true)
	if err != nil {
		return nil, err
	}

	var ttl *time.Duration
	if _, ok := fields["ttl_seconds"]; ok {
		seconds, err := intField(fields, "ttl_seconds", true)
		if err != nil {
			return nil, err
		}
		if seconds < 0 {
			return nil, status.Error(codes.InvalidArgument, "ttl_seconds must be >= 0")
		}
		d := time.Duration(seconds) * time.Second
		ttl = &d
	}

	created, err := s.reservations.Reserve(ctx, reservation.ReserveRequest{
		ProductID:  stringField(fields, "product_id"),
		CustomerID: stringField(fields, "customer_id"),
		Quantity:   quantity,
		TTL:        ttl,
		Kind:       domain.ReservationKind(stringField(fields, "kind")),
		Reference:  stringField(fields, "reference"),
		Notes:      stringField(fields, "notes"),
	})
	if err != nil {
		return nil, s.toStatus(err, "Reserve")
	}
	return reservationStruct(created)
}

// Confirm подтверждает удержание.
func (s *Service) Confirm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requiredString(req.GetFields(), "reservation_id")
	if err != nil {
		return nil, err
	}
	confirmed, err := s.reservations.Confirm(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, "Confirm")
	}
	return reservationStruct(confirmed)
}

// Cancel отменяет удержание и возвращает количество в доступный остаток.
func (s *Service) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id, err := requiredString(fields, "reservation_id")
	if err != nil {
		return nil, err
	}
	cancelled, err := s.reservations.Cancel(ctx, id, stringField(fields, "reason"))
	if err != nil {
		return nil, s.toStatus(err, "Cancel")
	}
	return reservationStruct(cancelled)
}

// Extend продлевает удержание. Длительность задаётся строкой duration ("10m") или числом seconds.
func (s *Service) Extend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	id, err := requiredString(fields, "reservation_id")
	if err != nil {
		return nil, err
	}
	additional, err := durationField(fields)
	if err != nil {
		return nil, err
	}
	extended, err := s.reservations.Extend(ctx, id, additional)
	if err != nil {
		return nil, s.toStatus(err, "Extend")
	}
	return reservationStruct(extended)
}

// GetSaga возвращает состояние саги и журнал переходов.
func (s *Service) GetSaga(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.sagas == nil {
		return nil, status.Error(codes.Unavailable, "saga orchestrator is not configured")
	}
	id, err := requiredString(req.GetFields(), "saga_id")
	if err != nil {
		return nil, err
	}

	state, err := s.sagas.Get(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, "GetSaga")
	}
	timeline, err := s.sagas.Timeline(ctx, state.ID)
	if err != nil {
		s.logger.WithError(err).WithField("saga_id", state.ID).Warn("failed to load saga timeline")
	}
	return sagaStruct(state, timeline)
}

// grpcCode сопоставляет код ошибки домена с кодом gRPC.
func grpcCode(code string) codes.Code {
	switch code {
	case domain.CodeInsufficientStock, domain.CodeInvalidState:
		return codes.FailedPrecondition
	case domain.CodeProductNotFound, domain.CodeValidation:
		return codes.InvalidArgument
	case domain.CodeNotFound:
		return codes.NotFound
	case domain.CodeConflict:
		return codes.Aborted
	case domain.CodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func (s *Service) toStatus(err error, operation string) error {
	code := domain.ErrorCode(err)
	grpcStatus := grpcCode(code)
	if grpcStatus == codes.Internal {
		s.logger.WithError(err).WithField("operation", operation).Error("request failed")
		return status.Error(codes.Internal, code+": internal error")
	}
	return status.Error(grpcStatus, code+": "+err.Error())
}

func stringField(fields map[string]*structpb.Value, name string) string {
	return strings.TrimSpace(fields[name].GetStringValue())
}

func requiredString(fields map[string]*structpb.Value, name string) (string, error) {
	value := stringField(fields, name)
	if value == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return value, nil
}

func intField(fields map[string]*structpb.Value, name string, required bool) (int64, error) {
	value, ok := fields[name]
	if !ok {
		if required {
			return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
		}
		return 0, nil
	}
	number, isNumber := value.GetKind().(*structpb.Value_NumberValue)
	if !isNumber {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	if number.NumberValue != math.Trunc(number.NumberValue) || math.Abs(number.NumberValue) > maxExactInteger {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	return int64(number.NumberValue), nil
}

func durationField(fields map[string]*structpb.Value) (time.Duration, error) {
	if raw := stringField(fields, "duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "duration: %v", err)
		}
		return d, nil
	}
	if _, ok := fields["seconds"]; ok {
		seconds, err := intField(fields, "seconds", true)
		if err != nil {
			return 0, err
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return 0, status.Error(codes.InvalidArgument, "duration or seconds is required")
}

func timeValue(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func reservationStruct(r domain.StockReservation) (*structpb.Struct, error) {
	createdAt, expiresAt := r.CreatedAt, r.ExpiresAt
	out, err := structpb.NewStruct(map[string]any{
		"id":            r.ID,
		"product_id":    r.ProductID,
		"customer_id":   r.CustomerID,
		"reference":     r.Reference,
		"quantity":      r.Quantity,
		"kind":          string(r.Kind),
		"status":        string(r.Status),
		"notes":         r.Notes,
		"cancel_reason": r.CancelReason,
		"created_at":    timeValue(&createdAt),
		"expires_at":    timeValue(&expiresAt),
		"confirmed_at":  timeValue(r.ConfirmedAt),
		"cancelled_at":  timeValue(r.CancelledAt),
		"version":       r.Version,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode reservation: %v", err))
	}
	return out, nil
}

func stepList(steps []domain.SagaStep) []any {
	out := make([]any, 0, len(steps))
	for _, step := range steps {
		out = append(out, string(step))
	}
	return out
}

func sagaStruct(state domain.SagaState, timeline []domain.TimelineEvent) (*structpb.Struct, error) {
	outputs := make(map[string]any, len(state.Outputs))
	for k, v := range state.Outputs {
		outputs[k] = v
	}
	events := make([]any, 0, len(timeline))
	for _, ev := range timeline {
		occurred := ev.Occurred
		events = append(events, map[string]any{
			"seq":       float64(ev.Seq),
			"kind":      ev.Kind,
			"step":      string(ev.Step),
			"status":    string(ev.Status),
			"version":   float64(ev.Version),
			"reason":    ev.Reason,
			"timed_out": ev.TimedOut,
			"occurred":  timeValue(&occurred),
		})
	}
	startedAt, updatedAt := state.StartedAt, state.UpdatedAt

	out, err := structpb.NewStruct(map[string]any{
		"id":                state.ID,
		"type":              string(state.Type),
		"business_id":       state.BusinessID,
		"status":            string(state.Status),
		"current_step":      string(state.CurrentStep),
		"completed_steps":   stepList(state.CompletedSteps),
		"compensated_steps": stepList(state.CompensatedSteps),
		"last_error":        state.LastError,
		"stuck":             state.Stuck,
		"outputs":           outputs,
		"version":           state.Version,
		"started_at":        timeValue(&startedAt),
		"updated_at":        timeValue(&updatedAt),
		"completed_at":      timeValue(state.CompletedAt),
		"timeline":          events,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode saga: %v", err))
	}
	return out, nil
}
