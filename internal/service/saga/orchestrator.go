package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/tracing"
)

// Config: параметры исполнения шагов.
type Config struct {
	// StepTimeout ограничивает шаг вместе со всеми повторами. 0 — без ограничения.
	StepTimeout     time.Duration
	Retry           RetryPolicy
	BreakerFailures int
	BreakerReset    time.Duration
}

// DefaultConfig возвращает параметры по умолчанию.
func DefaultConfig() Config {
	return Config{
		StepTimeout:     10 * time.Second,
		Retry:           DefaultRetryPolicy(),
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics включает метрики саг.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTracer подменяет tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithConfig задаёт таймауты, повторы и параметры circuit breaker.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// Orchestrator ведёт саги по шагам и откатывает выполненные шаги при сбое.
// Переходы вычисляет Transition; оркестратор исполняет эффекты и сохраняет состояние после каждого перехода.
type Orchestrator struct {
	sagas     domain.SagaRepository
	timeline  domain.TimelineRepository
	outbox    domain.OutboxRepository
	catalogue *Catalogue
	executor  *Executor
	breakers  map[string]*CircuitBreaker
	cfg       Config
	logger    *log.Entry
	metrics   *metrics.SagaMetrics
	tracer    trace.Tracer
	now       func() time.Time
}

// NewOrchestrator создаёт оркестратор.
func NewOrchestrator(
	sagas domain.SagaRepository,
	timeline domain.TimelineRepository,
	outbox domain.OutboxRepository,
	collaborators Collaborators,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		sagas:    sagas,
		timeline: timeline,
		outbox:   outbox,
		cfg:      DefaultConfig(),
		logger:   log.WithField("component", "saga"),
		tracer:   tracing.Tracer(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}

	o.catalogue = NewCatalogue(collaborators, sagas)
	o.executor = NewExecutor(collaborators, o.cfg.Retry, o.cfg.StepTimeout, o.logger.WithField("component", "saga-compensation"))
	o.breakers = make(map[string]*CircuitBreaker)
	for _, name := range []string{"catalog", "inventory", "discount", "order", "payment", "loyalty"} {
		o.breakers[name] = NewCircuitBreaker(name, o.cfg.BreakerFailures, o.cfg.BreakerReset, o.logger)
	}
	return o
}

// Breaker возвращает circuit breaker внешнего сервиса.
func (o *Orchestrator) Breaker(name string) *CircuitBreaker {
	return o.breakers[name]
}

// Begin создаёт сагу для (sagaType, businessID). Если сага уже есть, возвращает её и created=false.
func (o *Orchestrator) Begin(ctx context.Context, sagaType domain.SagaType, businessID string, payload any) (domain.SagaState, bool, error) {
	if !sagaType.Valid() {
		return domain.SagaState{}, false, domain.ErrUnknownSagaType
	}
	if businessID == "" {
		return domain.SagaState{}, false, domain.ErrBusinessIDRequired
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return domain.SagaState{}, false, fmt.Errorf("encode saga payload: %w", err)
	}

	now := o.now()
	state := domain.SagaState{
		ID:         uuid.NewString(),
		Type:       sagaType,
		BusinessID: businessID,
		Status:     domain.SagaStatusStarted,
		Payload:    data,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.sagas.Create(ctx, state); err != nil {
		if errors.Is(err, domain.ErrSagaExists) {
			existing, getErr := o.sagas.GetByBusinessID(ctx, sagaType, businessID)
			return existing, false, getErr
		}
		return domain.SagaState{}, false, err
	}
	state.Version = 1

	if o.metrics != nil {
		o.metrics.RecordSagaStarted(string(sagaType))
	}
	o.appendTimeline(ctx, state, Event{Kind: "created", At: now})
	o.sagaLogger(state).Info("saga created")
	return state, true, nil
}

// Execute создаёт (или находит) сагу и доводит её до конечного состояния либо до остановки.
func (o *Orchestrator) Execute(ctx context.Context, sagaType domain.SagaType, businessID string, payload any) (domain.SagaState, error) {
	state, _, err := o.Begin(ctx, sagaType, businessID, payload)
	if err != nil {
		return domain.SagaState{}, err
	}
	return o.Run(ctx, state.ID)
}

// Run продолжает сагу с сохранённого места. Конечные и остановленные саги возвращаются без изменений.
// Отмена ctx останавливает исполнение без компенсации: сага остаётся пригодной для продолжения.
func (o *Orchestrator) Run(ctx context.Context, sagaID string) (domain.SagaState, error) {
	state, err := o.sagas.Get(ctx, sagaID)
	if err != nil {
		return domain.SagaState{}, err
	}
	effects := Resume(state)
	if len(effects) == 0 {
		return state, nil
	}
	return o.drive(ctx, state, effects)
}

// Retry снимает флаг Stuck и продолжает компенсацию.
func (o *Orchestrator) Retry(ctx context.Context, sagaID string) (domain.SagaState, error) {
	state, err := o.sagas.Get(ctx, sagaID)
	if err != nil {
		return domain.SagaState{}, err
	}
	o.sagaLogger(state).Info("operator retry requested")
	return o.drive(ctx, state, []Effect{{Kind: EffectAdvance, Event: EventOperatorRetry}})
}

// Get возвращает состояние саги.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (domain.SagaState, error) {
	return o.sagas.Get(ctx, sagaID)
}

// ListStuck возвращает саги, ожидающие оператора.
func (o *Orchestrator) ListStuck(ctx context.Context, limit int) ([]domain.SagaState, error) {
	return o.sagas.ListStuck(ctx, limit)
}

// Timeline возвращает журнал переходов саги.
func (o *Orchestrator) Timeline(ctx context.Context, sagaID string) ([]domain.TimelineEvent, error) {
	return o.timeline.List(ctx, sagaID)
}

func (o *Orchestrator) drive(ctx context.Context, state domain.SagaState, effects []Effect) (domain.SagaState, error) {
	if o.metrics != nil {
		o.metrics.RecordSagaInFlightStarted()
		defer o.metrics.RecordSagaInFlightFinished()
	}

	req, err := decodeRequest(state)
	if err != nil {
		return state, err
	}
	// Сохранение завершённого шага не должно теряться из-за остановки процесса.
	persistCtx := context.WithoutCancel(ctx)

	queue := effects
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		effect := queue[0]
		queue = queue[1:]

		var ev Event
		switch effect.Kind {
		case EffectAdvance:
			ev = Event{Kind: effect.Event, At: o.now()}
		case EffectRunStep:
			ev = o.runStep(ctx, state, req, effect.Step)
		case EffectCompensate:
			ev = o.compensate(ctx, state, req, effect.Step)
		case EffectPublish:
			o.publish(state, effect.EventType)
			continue
		case EffectNotifyOperator:
			o.notifyOperator(state, effect.Step)
			continue
		case EffectFinish:
			o.sagaLogger(state).WithField("status", state.Status).Info("saga finished")
			continue
		default:
			return state, fmt.Errorf("unknown saga effect %q", effect.Kind)
		}

		// Остановка процесса во время вызова не считается отказом шага.
		if err := ctx.Err(); err != nil && effect.Kind != EffectAdvance {
			return state, err
		}

		next, more, err := Transition(state, ev)
		if err != nil {
			return state, err
		}
		if err := o.sagas.Save(persistCtx, next); err != nil {
			return state, fmt.Errorf("save saga %s: %w", state.ID, err)
		}
		next.Version++
		o.appendTimeline(persistCtx, next, ev)
		o.observe(state, next, ev)
		state = next
		queue = append(more, queue...)
	}
	return state, nil
}

func (o *Orchestrator) runStep(ctx context.Context, state domain.SagaState, req domain.CheckoutRequest, step domain.SagaStep) Event {
	logger := o.sagaLogger(state).WithField("step", step)
	action, target, ok := o.catalogue.Action(step)
	if !ok {
		return Event{Kind: EventStepFailed, Step: step, Err: fmt.Sprintf("no action registered for step %q", step), At: o.now()}
	}

	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", state.ID),
		attribute.String("saga.type", string(state.Type)),
		attribute.String("saga.step", string(step)),
		attribute.String("saga.collaborator", target),
	))
	defer span.End()

	stepCtx := ctx
	if o.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()
	}

	sc := StepContext{State: state, Request: req}
	breaker := o.breakers[target]
	var outputs map[string]string
	started := time.Now()
	err := o.cfg.Retry.Do(stepCtx, logger, domain.IsRetryable, func(ctx context.Context) error {
		call := func() error {
			out, err := action(ctx, sc)
			if err == nil {
				outputs = out
			}
			return err
		}
		if breaker == nil {
			return call()
		}
		return breaker.Execute(call)
	})

	timedOut := false
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		timedOut = true
		err = fmt.Errorf("%w: %s after %s: %v", domain.ErrStepTimeout, step, o.cfg.StepTimeout, err)
	}

	result := "ok"
	switch {
	case timedOut:
		result = "timeout"
	case err != nil:
		result = "error"
	}
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(step), result, time.Since(started))
	}
	span.SetAttributes(attribute.String("saga.step.result", result))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		entry := logger.WithError(err)
		if timedOut {
			entry.Warn("saga step timed out")
		} else {
			entry.Warn("saga step failed")
		}
		return Event{Kind: EventStepFailed, Step: step, Err: err.Error(), TimedOut: timedOut, At: o.now()}
	}

	logger.Debug("saga step succeeded")
	return Event{Kind: EventStepSucceeded, Step: step, Outputs: outputs, At: o.now()}
}

func (o *Orchestrator) compensate(ctx context.Context, state domain.SagaState, req domain.CheckoutRequest, step domain.SagaStep) Event {
	logger := o.sagaLogger(state).WithField("step", step)
	ctx, span := o.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("saga.id", state.ID),
		attribute.String("saga.step", string(step)),
	))
	defer span.End()

	started := time.Now()
	err := o.executor.Execute(ctx, step, StepContext{State: state, Request: req})
	result := "compensated"
	if err != nil {
		result = "compensation_failed"
	}
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(step), result, time.Since(started))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Error("compensation exhausted retries")
		return Event{Kind: EventCompensationExhausted, Step: step, Err: err.Error(), At: o.now()}
	}
	logger.Info("step compensated")
	return Event{Kind: EventCompensationSucceeded, Step: step, At: o.now()}
}

// observe обновляет метрики по смене статуса.
func (o *Orchestrator) observe(prev, next domain.SagaState, ev Event) {
	if o.metrics == nil {
		return
	}
	sagaType := string(next.Type)
	switch {
	case prev.Status != next.Status && next.Status == domain.SagaStatusFailed:
		o.metrics.RecordSagaFailed(sagaType, string(ev.Step))
	case prev.Status != next.Status && next.Status == domain.SagaStatusCompleted:
		o.metrics.RecordSagaCompleted(sagaType)
		o.metrics.RecordSagaDuration(sagaType, next.UpdatedAt.Sub(next.StartedAt))
	case prev.Status != next.Status && next.Status == domain.SagaStatusCompensated:
		o.metrics.RecordSagaCompensated(sagaType)
		o.metrics.RecordSagaDuration(sagaType, next.UpdatedAt.Sub(next.StartedAt))
	case !prev.Stuck && next.Stuck:
		o.metrics.RecordSagaStuck(sagaType)
	}
}

func (o *Orchestrator) appendTimeline(ctx context.Context, state domain.SagaState, ev Event) {
	if o.timeline == nil {
		return
	}
	entry := domain.TimelineEvent{
		SagaID:   state.ID,
		Kind:     string(ev.Kind),
		Step:     ev.Step,
		Status:   state.Status,
		Version:  state.Version,
		Reason:   ev.Err,
		TimedOut: ev.TimedOut,
		Occurred: ev.At,
	}
	if _, err := o.timeline.Append(ctx, entry); err != nil {
		o.sagaLogger(state).WithError(err).Warn("failed to append timeline event")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordTimelineEvent()
	}
}

// publish кладёт событие саги в outbox. Идентификатор события детерминирован версией,
// поэтому повтор после перезапуска не создаёт дубликатов.
func (o *Orchestrator) publish(state domain.SagaState, eventType domain.EventType) {
	o.enqueue(state, domain.TopicSagaEvents, eventType, string(eventType))
}

func (o *Orchestrator) notifyOperator(state domain.SagaState, step domain.SagaStep) {
	o.sagaLogger(state).WithFields(log.Fields{
		"step":  step,
		"error": state.LastError,
	}).Error("saga compensation stuck, operator action required")
	o.enqueue(state, domain.TopicOperatorQueue, domain.EventSagaCompensationStuck, "operator")
}

func (o *Orchestrator) enqueue(state domain.SagaState, topic string, eventType domain.EventType, idPart string) {
	if o.outbox == nil {
		return
	}
	logger := o.sagaLogger(state).WithFields(log.Fields{"event_type": eventType, "topic": topic})

	env, err := domain.NewEnvelope(eventType, state.BusinessID, domain.SagaEvent{
		SagaID:     state.ID,
		SagaType:   state.Type,
		BusinessID: state.BusinessID,
		Status:     state.Status,
		Step:       state.CurrentStep,
		Error:      state.LastError,
	})
	if err != nil {
		logger.WithError(err).Error("failed to encode saga event")
		return
	}
	env.EventID = state.ID + ":" + idPart + ":" + strconv.FormatInt(state.Version, 10)
	env.OccurredAt = state.UpdatedAt

	msg, err := env.OutboxMessage(topic, "saga")
	if err != nil {
		logger.WithError(err).Error("failed to build outbox message")
		return
	}
	if _, err := o.outbox.Enqueue(msg); err != nil {
		logger.WithError(err).Error("failed to enqueue saga event")
		return
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

func (o *Orchestrator) sagaLogger(state domain.SagaState) *log.Entry {
	return o.logger.WithFields(log.Fields{
		"saga_id":     state.ID,
		"saga_type":   state.Type,
		"business_id": state.BusinessID,
	})
}

func decodeRequest(state domain.SagaState) (domain.CheckoutRequest, error) {
	var req domain.CheckoutRequest
	if len(state.Payload) > 0 && string(state.Payload) != "null" {
		if err := json.Unmarshal(state.Payload, &req); err != nil {
			return req, fmt.Errorf("decode saga payload: %w", err)
		}
	}
	if req.OrderID == "" {
		req.OrderID = state.BusinessID
	}
	return req, nil
}
