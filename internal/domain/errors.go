package domain

import (
	"context"
	"errors"
)

var (
	// ErrProductRequired: не указан идентификатор товара.
	ErrProductRequired = errors.New("product_id is required")
	// ErrCustomerRequired: не указан идентификатор клиента.
	ErrCustomerRequired = errors.New("customer_id is required")
	// ErrInvalidQuantity: количество в резерве должно быть положительным.
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
	// ErrInvalidKind — неизвестный тип резерва.
	ErrInvalidKind = errors.New("unknown reservation kind")
	// ErrInvalidWindow: окончание планируемого окна раньше начала.
	ErrInvalidWindow = errors.New("planned window end must be after start")
	// ErrInvalidDuration: продление на неположительный интервал или в прошлое.
	ErrInvalidDuration = errors.New("invalid duration")
	// ErrProductNotFound: для товара нет складского учёта.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock: доступного остатка не хватает для резерва.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrReservationNotFound: резерв не найден.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationExists: резерв с таким идентификатором уже существует.
	ErrReservationExists = errors.New("reservation already exists")
	// ErrInvalidState — переход статуса резерва запрещён.
	ErrInvalidState = errors.New("invalid reservation state")
	// ErrVersionConflict: запись изменена конкурентно (optimistic locking).
	ErrVersionConflict = errors.New("version conflict")
	// ErrLedgerInvariant: нарушен инвариант available+reserved == total. Никогда не глотается.
	ErrLedgerInvariant = errors.New("stock ledger invariant violated")

	// ErrSagaNotFound: состояние саги не найдено.
	ErrSagaNotFound = errors.New("saga not found")
	// ErrSagaExists: сага данного типа для бизнес-идентификатора уже создана.
	ErrSagaExists = errors.New("saga already exists")
	// ErrSagaTerminal: сага в конечном статусе, изменения запрещены.
	ErrSagaTerminal = errors.New("saga is in terminal state")
	// ErrSagaTransition: событие не применимо к текущему состоянию саги.
	ErrSagaTransition = errors.New("invalid saga transition")
	// ErrUnknownSagaType — тип саги не поддерживается.
	ErrUnknownSagaType = errors.New("unknown saga type")
	// ErrBusinessIDRequired: не указан бизнес-идентификатор саги.
	ErrBusinessIDRequired = errors.New("business_id is required")

	// ErrStepTimeout: шаг не уложился в отведённое время.
	ErrStepTimeout = errors.New("saga step timed out")
	// ErrCollaboratorTemporary: временная ошибка внешнего сервиса, можно повторить.
	ErrCollaboratorTemporary = errors.New("collaborator temporary error")
	// ErrCollaboratorRejected: внешний сервис отклонил операцию (бизнес-ошибка).
	ErrCollaboratorRejected = errors.New("collaborator rejected request")
	// ErrCircuitOpen: вызовы к внешнему сервису временно заблокированы.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrEventInFlight — событие с тем же ключом обрабатывается другим обработчиком.
	ErrEventInFlight = errors.New("event is being processed")
)

// Коды ошибок для внешних протоколов.
const (
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeProductNotFound   = "PRODUCT_NOT_FOUND"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidState      = "INVALID_STATE"
	CodeConflict          = "CONFLICT"
	CodeValidation        = "VALIDATION"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

// ErrorCode сопоставляет ошибку с кодом для REST/gRPC ответов.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrProductNotFound):
		return CodeProductNotFound
	case errors.Is(err, ErrReservationNotFound), errors.Is(err, ErrSagaNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrSagaTerminal), errors.Is(err, ErrSagaTransition):
		return CodeInvalidState
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrSagaExists), errors.Is(err, ErrReservationExists),
		errors.Is(err, ErrIdempotencyKeyTaken), errors.Is(err, ErrIdempotencyHashMismatch):
		return CodeConflict
	case errors.Is(err, ErrProductRequired), errors.Is(err, ErrCustomerRequired),
		errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidKind),
		errors.Is(err, ErrInvalidWindow), errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrBusinessIDRequired), errors.Is(err, ErrUnknownSagaType),
		errors.Is(err, ErrIdempotencyKeyRequired):
		return CodeValidation
	case errors.Is(err, ErrCollaboratorTemporary), errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrStepTimeout):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsRetryable сообщает, имеет ли смысл повторять вызов внешнего сервиса.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCollaboratorRejected) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrCollaboratorTemporary) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrCircuitOpen)
}
