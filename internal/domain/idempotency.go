package domain

import (
	"errors"
	"strings"
	"time"
)

// DefaultIdempotencyTTL: срок хранения ключа, если заявка его не задала.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus: состояние захваченного ключа.
type IdempotencyStatus string

const (
	// IdempotencyInFlight: ключ захвачен, обработка идёт.
	IdempotencyInFlight IdempotencyStatus = "in_flight"
	// IdempotencyCompleted: обработка успешна, ответ сохранён для повторов.
	IdempotencyCompleted IdempotencyStatus = "completed"
	// IdempotencyRejected: бизнес-отказ, повтор получает тот же отказ.
	IdempotencyRejected IdempotencyStatus = "rejected"
)

var (
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
	// ErrIdempotencyKeyTaken: ключ уже захвачен тем же запросом.
	ErrIdempotencyKeyTaken = errors.New("idempotency key is already taken")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// Valid сообщает, что статус известен хранилищам.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyInFlight, IdempotencyCompleted, IdempotencyRejected:
		return true
	default:
		return false
	}
}

// IdempotencyClaim: заявка на захват ключа.
type IdempotencyClaim struct {
	Key         string
	RequestHash string
	ExpiresAt   time.Time
}

// Normalize обрезает пробелы и подставляет срок по умолчанию.
func (c IdempotencyClaim) Normalize(now time.Time) (IdempotencyClaim, error) {
	c.Key = strings.TrimSpace(c.Key)
	c.RequestHash = strings.TrimSpace(c.RequestHash)
	if c.Key == "" {
		return IdempotencyClaim{}, ErrIdempotencyKeyRequired
	}
	if c.RequestHash == "" {
		return IdempotencyClaim{}, ErrIdempotencyRequestHashRequired
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = now.Add(DefaultIdempotencyTTL)
	}
	return c, nil
}

// IdempotencyOutcome: итог обработки, который видят повторы.
// Code: HTTP-статус или код gRPC, в зависимости от транспорта.
type IdempotencyOutcome struct {
	Status IdempotencyStatus
	Code   int
	Body   []byte
}

// Completed: успешный итог.
func Completed(code int, body []byte) IdempotencyOutcome {
	return IdempotencyOutcome{Status: IdempotencyCompleted, Code: code, Body: body}
}

// Rejected: бизнес-отказ.
func Rejected(code int, body []byte) IdempotencyOutcome {
	return IdempotencyOutcome{Status: IdempotencyRejected, Code: code, Body: body}
}

// IdempotencyRecord: состояние ключа в хранилище.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      IdempotencyStatus
	Code        int
	Body        []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewInFlightRecord — запись, которую хранилище создаёт при успешном захвате.
func NewInFlightRecord(claim IdempotencyClaim, now time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		Key:         claim.Key,
		RequestHash: claim.RequestHash,
		Status:      IdempotencyInFlight,
		ExpiresAt:   claim.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Resolved: итог уже записан.
func (r IdempotencyRecord) Resolved() bool {
	return r.Status == IdempotencyCompleted || r.Status == IdempotencyRejected
}

// Expired: срок ключа истёк, его можно захватить заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Abandoned: захват висит in_flight дольше after, обработчик, вероятно, упал.
func (r IdempotencyRecord) Abandoned(now time.Time, after time.Duration) bool {
	return r.Status == IdempotencyInFlight && now.Sub(r.UpdatedAt) > after
}

// ClaimConflict: ошибка, которую получает заявка с хэшем requestHash на занятый ключ.
func (r IdempotencyRecord) ClaimConflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyTaken
}

// Resolve применяет итог к записи. Тело копируется.
func (r IdempotencyRecord) Resolve(outcome IdempotencyOutcome, now time.Time) IdempotencyRecord {
	r.Status = outcome.Status
	r.Code = outcome.Code
	r.Body = append([]byte(nil), outcome.Body...)
	r.UpdatedAt = now
	return r
}

// Clone копирует тело ответа.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.Body = append([]byte(nil), r.Body...)
	return r
}
