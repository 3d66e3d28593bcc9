package saga

import (
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// EventKind: входное событие машины состояний саги.
type EventKind string

const (
	EventStart                 EventKind = "start"
	EventStepSucceeded         EventKind = "step-succeeded"
	EventStepFailed            EventKind = "step-failed"
	EventCompensationStarted   EventKind = "compensation-started"
	EventCompensationSucceeded EventKind = "compensation-succeeded"
	EventCompensationExhausted EventKind = "compensation-exhausted"
	EventOperatorRetry         EventKind = "operator-retry"
)

// Event: результат шага или управляющая команда.
type Event struct {
	Kind    EventKind
	Step    domain.SagaStep
	Outputs map[string]string
	Err     string
	// TimedOut отличает таймаут от явного отказа; на переходы не влияет.
	TimedOut bool
	At       time.Time
}

// EffectKind: побочный эффект, исполняемый вне машины состояний.
type EffectKind string

const (
	// EffectAdvance: применить к саге Effect.Event без внешних вызовов.
	EffectAdvance        EffectKind = "advance"
	EffectRunStep        EffectKind = "run-step"
	EffectCompensate     EffectKind = "compensate"
	EffectPublish        EffectKind = "publish"
	EffectNotifyOperator EffectKind = "notify-operator"
	EffectFinish         EffectKind = "finish"
)

// Effect описывает действие, которое должен выполнить оркестратор.
type Effect struct {
	Kind      EffectKind
	Step      domain.SagaStep
	EventType domain.EventType
	Event     EventKind
}

// Transition: чистая функция переходов: (state, event) -> (state', effects).
// Входное состояние не изменяется.
func Transition(state domain.SagaState, ev Event) (domain.SagaState, []Effect, error) {
	if state.Status.Terminal() {
		return state, nil, domain.ErrSagaTerminal
	}

	next := state.Clone()
	next.UpdatedAt = ev.At
	steps := state.Type.Steps()
	if len(steps) == 0 {
		return state, nil, domain.ErrUnknownSagaType
	}

	switch ev.Kind {
	case EventStart:
		if state.Status != domain.SagaStatusStarted {
			return state, nil, transitionError(state, ev)
		}
		next.Status = domain.SagaStatusInProgress
		next.CurrentStep = steps[0]
		return next, []Effect{
			{Kind: EffectPublish, EventType: domain.EventSagaStarted},
			{Kind: EffectRunStep, Step: steps[0]},
		}, nil

	case EventStepSucceeded:
		if state.Status != domain.SagaStatusInProgress || ev.Step != expectedStep(state, steps) {
			return state, nil, transitionError(state, ev)
		}
		next.CompletedSteps = append(next.CompletedSteps, ev.Step)
		mergeOutputs(&next, ev.Outputs)
		if len(next.CompletedSteps) == len(steps) {
			next.Status = domain.SagaStatusCompleted
			next.CurrentStep = ""
			completedAt := ev.At
			next.CompletedAt = &completedAt
			return next, []Effect{
				{Kind: EffectPublish, EventType: domain.EventSagaCompleted},
				{Kind: EffectFinish},
			}, nil
		}
		next.CurrentStep = steps[len(next.CompletedSteps)]
		return next, []Effect{{Kind: EffectRunStep, Step: next.CurrentStep}}, nil

	case EventStepFailed:
		if state.Status != domain.SagaStatusInProgress || ev.Step != expectedStep(state, steps) {
			return state, nil, transitionError(state, ev)
		}
		next.Status = domain.SagaStatusFailed
		next.LastError = ev.Err
		return next, []Effect{
			{Kind: EffectPublish, EventType: domain.EventSagaFailed},
			{Kind: EffectAdvance, Event: EventCompensationStarted},
		}, nil

	case EventCompensationStarted:
		if state.Status != domain.SagaStatusFailed {
			return state, nil, transitionError(state, ev)
		}
		next.Status = domain.SagaStatusCompensating
		return next, continueCompensation(&next, ev.At), nil

	case EventCompensationSucceeded:
		if state.Status != domain.SagaStatusCompensating || state.Stuck || ev.Step != firstPending(state) {
			return state, nil, transitionError(state, ev)
		}
		next.CompensatedSteps = append(next.CompensatedSteps, ev.Step)
		return next, continueCompensation(&next, ev.At), nil

	case EventCompensationExhausted:
		if state.Status != domain.SagaStatusCompensating || state.Stuck || ev.Step != firstPending(state) {
			return state, nil, transitionError(state, ev)
		}
		next.Stuck = true
		next.CurrentStep = ev.Step
		next.LastError = ev.Err
		return next, []Effect{
			{Kind: EffectPublish, EventType: domain.EventSagaCompensationStuck},
			{Kind: EffectNotifyOperator, Step: ev.Step},
		}, nil

	case EventOperatorRetry:
		if state.Status != domain.SagaStatusCompensating || !state.Stuck {
			return state, nil, transitionError(state, ev)
		}
		next.Stuck = false
		return next, continueCompensation(&next, ev.At), nil
	}

	return state, nil, transitionError(state, ev)
}

// Resume возвращает эффекты, с которых продолжается сага после перезапуска процесса.
// Выполненные шаги не повторяются; начатая компенсация не пропускается.
func Resume(state domain.SagaState) []Effect {
	if state.Status.Terminal() || state.Stuck {
		return nil
	}
	steps := state.Type.Steps()

	switch state.Status {
	case domain.SagaStatusStarted:
		return []Effect{{Kind: EffectAdvance, Event: EventStart}}
	case domain.SagaStatusInProgress:
		if len(state.CompletedSteps) >= len(steps) {
			return nil
		}
		return []Effect{{Kind: EffectRunStep, Step: steps[len(state.CompletedSteps)]}}
	case domain.SagaStatusFailed:
		return []Effect{{Kind: EffectAdvance, Event: EventCompensationStarted}}
	case domain.SagaStatusCompensating:
		if step := firstPending(state); step != "" {
			return []Effect{{Kind: EffectCompensate, Step: step}}
		}
	}
	return nil
}

// continueCompensation планирует следующую компенсацию или завершает сагу.
func continueCompensation(next *domain.SagaState, at time.Time) []Effect {
	if step := firstPending(*next); step != "" {
		next.CurrentStep = step
		return []Effect{{Kind: EffectCompensate, Step: step}}
	}
	next.Status = domain.SagaStatusCompensated
	next.CurrentStep = ""
	completedAt := at
	next.CompletedAt = &completedAt
	return []Effect{
		{Kind: EffectPublish, EventType: domain.EventSagaCompensated},
		{Kind: EffectFinish},
	}
}

func expectedStep(state domain.SagaState, steps []domain.SagaStep) domain.SagaStep {
	if len(state.CompletedSteps) >= len(steps) {
		return ""
	}
	return steps[len(state.CompletedSteps)]
}

func firstPending(state domain.SagaState) domain.SagaStep {
	pending := state.PendingCompensations()
	if len(pending) == 0 {
		return ""
	}
	return pending[0]
}

func mergeOutputs(state *domain.SagaState, outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	if state.Outputs == nil {
		state.Outputs = make(map[string]string, len(outputs))
	}
	for k, v := range outputs {
		state.Outputs[k] = v
	}
}

func transitionError(state domain.SagaState, ev Event) error {
	return fmt.Errorf("%w: %s on %s (step=%q)", domain.ErrSagaTransition, ev.Kind, state.Status, ev.Step)
}
