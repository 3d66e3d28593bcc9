package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const sagaColumns = `
	id, saga_type, business_id, status, current_step, completed_steps, compensated_steps,
	last_error, stuck, payload, outputs, version, started_at, updated_at, completed_at`

type sagaRepository struct {
	db *sql.DB
}

// NewSagaRepository создаёт PostgreSQL-реализацию SagaRepository.
func NewSagaRepository(store *Store) domain.SagaRepository {
	return &sagaRepository{db: store.DB()}
}

func (r *sagaRepository) Create(ctx context.Context, state domain.SagaState) error {
	if state.BusinessID == "" {
		return domain.ErrBusinessIDRequired
	}
	if !state.Type.Valid() {
		return domain.ErrUnknownSagaType
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	state.Version = 1

	args, err := sagaArgs(state)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO saga_states (`+sagaColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, args...); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSagaExists
		}
		return fmt.Errorf("insert saga: %w", err)
	}
	return nil
}

func (r *sagaRepository) Get(ctx context.Context, id string) (domain.SagaState, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *sagaRepository) GetByBusinessID(ctx context.Context, sagaType domain.SagaType, businessID string) (domain.SagaState, error) {
	return r.getOne(ctx, `WHERE saga_type = $1 AND business_id = $2`, string(sagaType), businessID)
}

// Save применяет изменения, если версия совпадает с сохранённой, и увеличивает её.
func (r *sagaRepository) Save(ctx context.Context, state domain.SagaState) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	completed, err := json.Marshal(nonNilSteps(state.CompletedSteps))
	if err != nil {
		return fmt.Errorf("marshal completed steps: %w", err)
	}
	compensated, err := json.Marshal(nonNilSteps(state.CompensatedSteps))
	if err != nil {
		return fmt.Errorf("marshal compensated steps: %w", err)
	}
	outputs, err := json.Marshal(nonNilOutputs(state.Outputs))
	if err != nil {
		return fmt.Errorf("marshal saga outputs: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE saga_states
		SET status = $3,
		    current_step = $4,
		    completed_steps = $5,
		    compensated_steps = $6,
		    last_error = $7,
		    stuck = $8,
		    outputs = $9,
		    completed_at = $10,
		    updated_at = $11,
		    version = version + 1
		WHERE id = $1 AND version = $2
	`,
		state.ID, state.Version, string(state.Status), string(state.CurrentStep),
		completed, compensated, state.LastError, state.Stuck, outputs,
		state.CompletedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("saga rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := r.Get(ctx, state.ID); getErr != nil {
			return getErr
		}
		return domain.ErrVersionConflict
	}
	return nil
}

// ListUnfinished возвращает нетерминальные саги без флага stuck, старые первыми.
func (r *sagaRepository) ListUnfinished(ctx context.Context, limit int) ([]domain.SagaState, error) {
	return r.list(ctx, `
		WHERE status NOT IN ($1, $2) AND NOT stuck
		ORDER BY started_at, id
		LIMIT $3`, string(domain.SagaStatusCompleted), string(domain.SagaStatusCompensated), limitOrAll(limit))
}

// ListStuck возвращает саги, ожидающие оператора.
func (r *sagaRepository) ListStuck(ctx context.Context, limit int) ([]domain.SagaState, error) {
	return r.list(ctx, `
		WHERE status NOT IN ($1, $2) AND stuck
		ORDER BY started_at, id
		LIMIT $3`, string(domain.SagaStatusCompleted), string(domain.SagaStatusCompensated), limitOrAll(limit))
}

func (r *sagaRepository) getOne(ctx context.Context, where string, args ...any) (domain.SagaState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	state, err := scanSaga(r.db.QueryRowContext(ctx, `SELECT `+sagaColumns+` FROM saga_states `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SagaState{}, domain.ErrSagaNotFound
	}
	return state, err
}

func (r *sagaRepository) list(ctx context.Context, where string, args ...any) ([]domain.SagaState, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+sagaColumns+` FROM saga_states `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SagaState, 0)
	for rows.Next() {
		state, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sagas: %w", err)
	}
	return result, nil
}

func sagaArgs(s domain.SagaState) ([]any, error) {
	completed, err := json.Marshal(nonNilSteps(s.CompletedSteps))
	if err != nil {
		return nil, fmt.Errorf("marshal completed steps: %w", err)
	}
	compensated, err := json.Marshal(nonNilSteps(s.CompensatedSteps))
	if err != nil {
		return nil, fmt.Errorf("marshal compensated steps: %w", err)
	}
	outputs, err := json.Marshal(nonNilOutputs(s.Outputs))
	if err != nil {
		return nil, fmt.Errorf("marshal saga outputs: %w", err)
	}
	var payload any
	if len(s.Payload) > 0 {
		payload = string(s.Payload)
	}
	return []any{
		s.ID, string(s.Type), s.BusinessID, string(s.Status), string(s.CurrentStep),
		completed, compensated, s.LastError, s.Stuck, payload, outputs,
		s.Version, s.StartedAt, s.UpdatedAt, s.CompletedAt,
	}, nil
}

func scanSaga(row rowScanner) (domain.SagaState, error) {
	var (
		s                             domain.SagaState
		sagaType, status, currentStep string
		completed, compensated        []byte
		payload, outputs              []byte
		completedAt                   sql.NullTime
	)
	err := row.Scan(
		&s.ID, &sagaType, &s.BusinessID, &status, &currentStep, &completed, &compensated,
		&s.LastError, &s.Stuck, &payload, &outputs, &s.Version, &s.StartedAt, &s.UpdatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SagaState{}, err
		}
		return domain.SagaState{}, fmt.Errorf("scan saga: %w", err)
	}

	s.Type = domain.SagaType(sagaType)
	s.Status = domain.SagaStatus(status)
	s.CurrentStep = domain.SagaStep(currentStep)
	if err := json.Unmarshal(completed, &s.CompletedSteps); err != nil {
		return domain.SagaState{}, fmt.Errorf("decode completed steps: %w", err)
	}
	if err := json.Unmarshal(compensated, &s.CompensatedSteps); err != nil {
		return domain.SagaState{}, fmt.Errorf("decode compensated steps: %w", err)
	}
	if err := json.Unmarshal(outputs, &s.Outputs); err != nil {
		return domain.SagaState{}, fmt.Errorf("decode saga outputs: %w", err)
	}
	if len(payload) > 0 {
		s.Payload = payload
	}
	s.StartedAt = s.StartedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.CompletedAt = nullTime(completedAt)
	return s, nil
}

func nonNilSteps(steps []domain.SagaStep) []domain.SagaStep {
	if steps == nil {
		return []domain.SagaStep{}
	}
	return steps
}

func nonNilOutputs(outputs map[string]string) map[string]string {
	if outputs == nil {
		return map[string]string{}
	}
	return outputs
}

var _ domain.SagaRepository = (*sagaRepository)(nil)
