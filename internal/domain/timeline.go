package domain

import "time"

// TimelineEvent: запись журнала переходов саги.
// Seq назначает хранилище: порядок записей внутри саги совпадает с порядком Append.
type TimelineEvent struct {
	SagaID   string
	Seq      int64
	Kind     string
	Step     SagaStep
	Status   SagaStatus
	Version  int64
	Reason   string
	TimedOut bool
	Occurred time.Time
}
