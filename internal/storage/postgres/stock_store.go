package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const reservationColumns = `
	id, product_id, customer_id, reference, quantity, kind, status, notes, cancel_reason,
	planned_start, planned_end, created_at, expires_at, confirmed_at, cancelled_at, version`

// queryer: общее подмножество *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// StockStore: PostgreSQL-реализация StockStore и ReservationRepository.
// Критическая секция товара: транзакция с advisory-lock по product_id и
// SELECT ... FOR UPDATE строки остатков.
type StockStore struct {
	db *sql.DB
}

// NewStockStore создаёт хранилище остатков и резервов.
func NewStockStore(store *Store) *StockStore {
	return &StockStore{db: store.DB()}
}

// InProductTx выполняет fn в транзакции, эксклюзивной для productID.
func (s *StockStore) InProductTx(ctx context.Context, productID string, fn func(tx domain.StockTx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stock tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	// строки остатков может ещё не быть, поэтому сначала advisory-lock
	if _, err = sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, productID); err != nil {
		return fmt.Errorf("lock product %s: %w", productID, err)
	}

	tx := &stockTx{ctx: ctx, tx: sqlTx, productID: productID}
	ledger, err := scanLedger(sqlTx.QueryRowContext(ctx, `
		SELECT product_id, available, reserved, version, updated_at
		FROM stock_ledgers
		WHERE product_id = $1
		FOR UPDATE
	`, productID))
	switch {
	case err == nil:
		tx.ledger = &ledger
	case errors.Is(err, domain.ErrProductNotFound):
		err = nil
	default:
		return err
	}

	if err = fn(tx); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit stock tx: %w", err)
	}
	return nil
}

// referenceLockClass: первый ключ двухключевого advisory-lock для бизнес-идентификаторов.
// Пространство двух int4-ключей не пересекается с bigint-ключами блокировок товаров.
const referenceLockClass = 0x636b74

// WithReferenceLock держит сессионный advisory-lock по reference на выделенном соединении,
// пока выполняется fn. Транзакции товаров внутри fn идут через другие соединения пула.
func (s *StockStore) WithReferenceLock(ctx context.Context, reference string, fn func(ctx context.Context) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire reference lock connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1, hashtext($2))`, referenceLockClass, reference); err != nil {
		return fmt.Errorf("lock reference %s: %w", reference, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1, hashtext($2))`, referenceLockClass, reference)
	}()

	return fn(ctx)
}

// SetStock задаёт общее количество товара, сохраняя reserved.
func (s *StockStore) SetStock(ctx context.Context, productID string, total int64) (domain.StockLedger, error) {
	if strings.TrimSpace(productID) == "" {
		return domain.StockLedger{}, domain.ErrProductRequired
	}
	if total < 0 {
		return domain.StockLedger{}, domain.ErrInvalidQuantity
	}

	var result domain.StockLedger
	err := s.InProductTx(ctx, productID, func(tx domain.StockTx) error {
		ledger, err := tx.Ledger()
		if err != nil {
			ledger = domain.StockLedger{ProductID: productID}
		}
		if total < ledger.Reserved {
			return domain.ErrInsufficientStock
		}
		ledger.Available = total - ledger.Reserved
		if err := tx.SaveLedger(ledger); err != nil {
			return err
		}
		result, err = tx.Ledger()
		return err
	})
	if err != nil {
		return domain.StockLedger{}, err
	}
	return result, nil
}

// GetLedger возвращает учёт остатков товара.
func (s *StockStore) GetLedger(ctx context.Context, productID string) (domain.StockLedger, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return scanLedger(s.db.QueryRowContext(ctx, `
		SELECT product_id, available, reserved, version, updated_at
		FROM stock_ledgers
		WHERE product_id = $1
	`, productID))
}

// Get возвращает резерв по идентификатору.
func (s *StockStore) Get(ctx context.Context, id string) (domain.StockReservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return getReservation(ctx, s.db, `WHERE id = $1`, id)
}

// ListByReference возвращает резервы бизнес-идентификатора в порядке создания.
func (s *StockStore) ListByReference(ctx context.Context, reference string) ([]domain.StockReservation, error) {
	if reference == "" {
		return []domain.StockReservation{}, nil
	}
	return s.list(ctx, `WHERE reference = $1 ORDER BY created_at, id`, reference)
}

// ListExpired возвращает PENDING-резервы, срок которых истёк к now.
func (s *StockStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.StockReservation, error) {
	return s.list(ctx, `
		WHERE status = $1 AND expires_at <= $2
		ORDER BY created_at, id
		LIMIT $3`, string(domain.ReservationStatusPending), now, limitOrAll(limit))
}

// ListExpiring возвращает PENDING-резервы, истекающие в (now, until].
func (s *StockStore) ListExpiring(ctx context.Context, now, until time.Time, limit int) ([]domain.StockReservation, error) {
	return s.list(ctx, `
		WHERE status = $1 AND expires_at > $2 AND expires_at <= $3
		ORDER BY created_at, id
		LIMIT $4`, string(domain.ReservationStatusPending), now, until, limitOrAll(limit))
}

// ActiveQuantity суммирует PENDING и CONFIRMED резервы товара.
func (s *StockStore) ActiveQuantity(ctx context.Context, productID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0)
		FROM stock_reservations
		WHERE product_id = $1 AND status IN ($2, $3)
	`, productID, string(domain.ReservationStatusPending), string(domain.ReservationStatusConfirmed)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum active reservations: %w", err)
	}
	return total, nil
}

func (s *StockStore) list(ctx context.Context, where string, args ...any) ([]domain.StockReservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM stock_reservations `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StockReservation, 0)
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", err)
	}
	return result, nil
}

// stockTx пишет сразу в SQL-транзакцию; откат делает InProductTx.
type stockTx struct {
	ctx       context.Context
	tx        *sql.Tx
	productID string
	ledger    *domain.StockLedger
}

func (t *stockTx) Ledger() (domain.StockLedger, error) {
	if t.ledger == nil {
		return domain.StockLedger{}, domain.ErrProductNotFound
	}
	return *t.ledger, nil
}

func (t *stockTx) SaveLedger(ledger domain.StockLedger) error {
	if err := ledger.Check(); err != nil {
		return err
	}
	ledger.ProductID = t.productID
	ledger.UpdatedAt = time.Now().UTC()

	var (
		res sql.Result
		err error
	)
	if t.ledger == nil {
		ledger.Version = 1
		res, err = t.tx.ExecContext(t.ctx, `
			INSERT INTO stock_ledgers (product_id, available, reserved, version, updated_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (product_id) DO NOTHING
		`, ledger.ProductID, ledger.Available, ledger.Reserved, ledger.Version, ledger.UpdatedAt)
	} else {
		if ledger.Version != t.ledger.Version {
			return domain.ErrVersionConflict
		}
		ledger.Version++
		res, err = t.tx.ExecContext(t.ctx, `
			UPDATE stock_ledgers
			SET available = $2, reserved = $3, version = $4, updated_at = $5
			WHERE product_id = $1 AND version = $6
		`, ledger.ProductID, ledger.Available, ledger.Reserved, ledger.Version, ledger.UpdatedAt, ledger.Version-1)
	}
	if err != nil {
		if pgCode(err) == pgCheckViolation {
			return fmt.Errorf("%w: %v", domain.ErrLedgerInvariant, err)
		}
		return fmt.Errorf("save stock ledger: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected == 0 {
		return domain.ErrVersionConflict
	}

	t.ledger = &ledger
	return nil
}

func (t *stockTx) Reservation(id string) (domain.StockReservation, error) {
	return getReservation(t.ctx, t.tx, `WHERE id = $1 AND product_id = $2`, id, t.productID)
}

func (t *stockTx) CreateReservation(r domain.StockReservation) error {
	if r.ProductID != t.productID {
		return domain.ErrProductRequired
	}
	r.Version = 1
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO stock_reservations (`+reservationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		r.ID, r.ProductID, r.CustomerID, r.Reference, r.Quantity, string(r.Kind), string(r.Status),
		r.Notes, r.CancelReason, r.PlannedStart, r.PlannedEnd, r.CreatedAt, r.ExpiresAt,
		r.ConfirmedAt, r.CancelledAt, r.Version,
	)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return domain.ErrReservationExists
		case pgForeignKeyMissing:
			return domain.ErrProductNotFound
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (t *stockTx) SaveReservation(r domain.StockReservation) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE stock_reservations
		SET status = $3,
		    cancel_reason = $4,
		    expires_at = $5,
		    confirmed_at = $6,
		    cancelled_at = $7,
		    notes = $8,
		    version = version + 1
		WHERE id = $1 AND product_id = $9 AND version = $2
	`, r.ID, r.Version, string(r.Status), r.CancelReason, r.ExpiresAt, r.ConfirmedAt, r.CancelledAt, r.Notes, t.productID)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reservation rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := t.Reservation(r.ID); getErr != nil {
			return getErr
		}
		return domain.ErrVersionConflict
	}
	return nil
}

func (t *stockTx) Enqueue(msg domain.OutboxMessage) error {
	_, err := enqueueOutbox(t.ctx, t.tx, msg)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedger(row rowScanner) (domain.StockLedger, error) {
	var l domain.StockLedger
	if err := row.Scan(&l.ProductID, &l.Available, &l.Reserved, &l.Version, &l.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockLedger{}, domain.ErrProductNotFound
		}
		return domain.StockLedger{}, fmt.Errorf("scan stock ledger: %w", err)
	}
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func getReservation(ctx context.Context, q queryer, where string, args ...any) (domain.StockReservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM stock_reservations `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockReservation{}, domain.ErrReservationNotFound
	}
	return r, err
}

func scanReservation(row rowScanner) (domain.StockReservation, error) {
	var (
		r                        domain.StockReservation
		kind, status             string
		plannedStart, plannedEnd sql.NullTime
		confirmedAt, cancelledAt sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.ProductID, &r.CustomerID, &r.Reference, &r.Quantity, &kind, &status, &r.Notes, &r.CancelReason,
		&plannedStart, &plannedEnd, &r.CreatedAt, &r.ExpiresAt, &confirmedAt, &cancelledAt, &r.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StockReservation{}, err
		}
		return domain.StockReservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	r.Kind = domain.ReservationKind(kind)
	r.Status = domain.ReservationStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	r.PlannedStart = nullTime(plannedStart)
	r.PlannedEnd = nullTime(plannedEnd)
	r.ConfirmedAt = nullTime(confirmedAt)
	r.CancelledAt = nullTime(cancelledAt)
	return r, nil
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

var (
	_ domain.StockStore            = (*StockStore)(nil)
	_ domain.ReservationRepository = (*StockStore)(nil)
)
