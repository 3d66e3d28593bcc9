package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// TimelineRepository пишет журнал переходов саг в saga_timeline.
// Seq: BIGSERIAL, поэтому порядок List совпадает с порядком вставки.
type TimelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository создаёт журнал поверх пула Store.
func NewTimelineRepository(store *Store) *TimelineRepository {
	return &TimelineRepository{db: store.DB()}
}

func (r *TimelineRepository) Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, error) {
	if event.SagaID == "" {
		return domain.TimelineEvent{}, errors.New("timeline event requires saga id")
	}
	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO saga_timeline (saga_id, kind, step, status, saga_version, reason, timed_out, occurred)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`, event.SagaID, event.Kind, string(event.Step), string(event.Status),
		event.Version, event.Reason, event.TimedOut, event.Occurred,
	).Scan(&event.Seq)
	if err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("append timeline of saga %s: %w", event.SagaID, err)
	}
	return event, nil
}

func (r *TimelineRepository) List(ctx context.Context, sagaID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, saga_id, kind, step, status, saga_version, reason, timed_out, occurred
		FROM saga_timeline
		WHERE saga_id = $1
		ORDER BY seq
	`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("list timeline of saga %s: %w", sagaID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var (
			ev     domain.TimelineEvent
			step   string
			status string
		)
		if err := rows.Scan(&ev.Seq, &ev.SagaID, &ev.Kind, &step, &status, &ev.Version, &ev.Reason, &ev.TimedOut, &ev.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline of saga %s: %w", sagaID, err)
		}
		ev.Step = domain.SagaStep(step)
		ev.Status = domain.SagaStatus(status)
		ev.Occurred = ev.Occurred.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
