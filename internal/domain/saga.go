package domain

import (
	"time"
)

// SagaType определяет фиксированную последовательность шагов.
type SagaType string

const (
	SagaTypeCheckout      SagaType = "CHECKOUT"
	SagaTypeCancellation  SagaType = "CANCELLATION"
	SagaTypeAuthorization SagaType = "AUTHORIZATION"
)

// SagaStatus — статус экземпляра саги.
type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusInProgress   SagaStatus = "IN_PROGRESS"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusFailed       SagaStatus = "FAILED"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
)

// Terminal: после COMPLETED и COMPENSATED состояние неизменяемо.
func (s SagaStatus) Terminal() bool {
	return s == SagaStatusCompleted || s == SagaStatusCompensated
}

// SagaStep: идентификатор шага саги (используется в метриках, логах и таблице компенсаций).
type SagaStep string

const (
	StepValidateProducts    SagaStep = "validate-products"
	StepReserveInventory    SagaStep = "reserve-inventory"
	StepApplyDiscounts      SagaStep = "apply-discounts"
	StepCreateOrder         SagaStep = "create-order"
	StepProcessPayment      SagaStep = "process-payment"
	StepConfirmReservation  SagaStep = "confirm-reservation"
	StepAwardLoyaltyPoints  SagaStep = "award-loyalty-points"
	StepReleaseReservation  SagaStep = "release-reservation"
	StepRefundPayment       SagaStep = "refund-payment"
	StepRevokeLoyaltyPoints SagaStep = "revoke-loyalty-points"
	StepCancelOrder         SagaStep = "cancel-order"
	StepAuthorizePayment    SagaStep = "authorize-payment"
)

var sagaSteps = map[SagaType][]SagaStep{
	SagaTypeCheckout: {
		StepValidateProducts,
		StepReserveInventory,
		StepApplyDiscounts,
		StepCreateOrder,
		StepProcessPayment,
		StepConfirmReservation,
		StepAwardLoyaltyPoints,
	},
	SagaTypeCancellation: {
		StepReleaseReservation,
		StepRefundPayment,
		StepRevokeLoyaltyPoints,
		StepCancelOrder,
	},
	SagaTypeAuthorization: {
		StepValidateProducts,
		StepReserveInventory,
		StepAuthorizePayment,
	},
}

// Steps возвращает копию последовательности шагов для типа саги.
func (t SagaType) Steps() []SagaStep {
	steps := sagaSteps[t]
	return append([]SagaStep(nil), steps...)
}

// Valid проверяет, что тип саги поддерживается.
func (t SagaType) Valid() bool {
	_, ok := sagaSteps[t]
	return ok
}

// SagaState: сохраняемое состояние экземпляра саги.
type SagaState struct {
	ID               string
	Type             SagaType
	BusinessID       string
	Status           SagaStatus
	CurrentStep      SagaStep
	CompletedSteps   []SagaStep
	CompensatedSteps []SagaStep
	LastError        string
	// Stuck: компенсация исчерпала попытки, сага ждёт оператора.
	Stuck       bool
	Payload     []byte
	Outputs     map[string]string
	Version     int64
	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Clone возвращает глубокую копию состояния.
func (s SagaState) Clone() SagaState {
	dst := s
	dst.CompletedSteps = append([]SagaStep(nil), s.CompletedSteps...)
	dst.CompensatedSteps = append([]SagaStep(nil), s.CompensatedSteps...)
	dst.Payload = append([]byte(nil), s.Payload...)
	if s.Outputs != nil {
		dst.Outputs = make(map[string]string, len(s.Outputs))
		for k, v := range s.Outputs {
			dst.Outputs[k] = v
		}
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		dst.CompletedAt = &at
	}
	return dst
}

// CompletedPrefix проверяет, что выполненные шаги: префикс последовательности типа.
func (s SagaState) CompletedPrefix() bool {
	steps := s.Type.Steps()
	if len(s.CompletedSteps) > len(steps) {
		return false
	}
	for i, step := range s.CompletedSteps {
		if steps[i] != step {
			return false
		}
	}
	return true
}

// PendingCompensations возвращает выполненные, но ещё не компенсированные шаги в обратном порядке.
func (s SagaState) PendingCompensations() []SagaStep {
	done := make(map[SagaStep]bool, len(s.CompensatedSteps))
	for _, step := range s.CompensatedSteps {
		done[step] = true
	}
	result := make([]SagaStep, 0, len(s.CompletedSteps))
	for i := len(s.CompletedSteps) - 1; i >= 0; i-- {
		if !done[s.CompletedSteps[i]] {
			result = append(result, s.CompletedSteps[i])
		}
	}
	return result
}

// Output возвращает результат шага по ключу.
func (s SagaState) Output(key string) string {
	if s.Outputs == nil {
		return ""
	}
	return s.Outputs[key]
}
