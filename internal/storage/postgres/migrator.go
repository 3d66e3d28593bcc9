package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// ключ advisory-lock, общий для всех реплик checkout
	migrationLockKey = int64(0x636b6f7574)
	versionTableDDL  = `
CREATE TABLE IF NOT EXISTS checkout_schema_versions (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    checksum TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	statusTimeout = 5 * time.Second
)

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// Migration: версия схемы: скрипты наката и отката.
type Migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

// ID: имя версии в формате 0001_name.
func (m Migration) ID() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationState — состояние схемы для команды status.
// Drifted перечисляет применённые версии, чей up-скрипт изменился после наката.
type MigrationState struct {
	Version int64
	Applied int
	Pending []string
	Drifted []string
}

// Migrator накатывает и откатывает встроенные миграции checkout-схемы.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
	err        error
}

// Migrator возвращает мигратор поверх встроенных скриптов.
func (s *Store) Migrator() *Migrator {
	if s == nil || s.db == nil {
		return &Migrator{err: errStoreClosed}
	}
	migrations, err := parseMigrations(migrationsFS)
	return &Migrator{db: s.db, migrations: migrations, err: err}
}

// Up применяет steps ожидающих версий, steps=0 применяет все.
// Изменённый после наката скрипт блокирует дальнейший накат.
func (m *Migrator) Up(ctx context.Context, steps int) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		if drifted := driftedVersions(m.migrations, applied); len(drifted) > 0 {
			return fmt.Errorf("migrations changed after apply: %s", strings.Join(drifted, ", "))
		}
		for _, mig := range planUp(m.migrations, applied, steps) {
			if err := runStep(ctx, conn, mig, true); err != nil {
				return err
			}
		}
		return nil
	})
}

// Down откатывает steps последних версий; steps<=0 откатывает одну.
func (m *Migrator) Down(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := loadApplied(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planDown(m.migrations, applied, steps)
		if err != nil {
			return err
		}
		for _, mig := range plan {
			if err := runStep(ctx, conn, mig, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Status не берёт lock и не меняет схему, кроме создания служебной таблицы.
func (m *Migrator) Status(ctx context.Context) (MigrationState, error) {
	if m.err != nil {
		return MigrationState{}, m.err
	}

	queryCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	if _, err := m.db.ExecContext(queryCtx, versionTableDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure version table: %w", err)
	}
	applied, err := loadApplied(queryCtx, m.db)
	if err != nil {
		return MigrationState{}, err
	}
	return buildState(m.migrations, applied), nil
}

func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if m.err != nil {
		return m.err
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, versionTableDDL); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	return fn(conn)
}

func runStep(ctx context.Context, conn *sql.Conn, mig Migration, up bool) (err error) {
	direction, script := "down", mig.Down
	if up {
		direction, script = "up", mig.Up
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, mig.ID(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("%s %s: %w", direction, mig.ID(), err)
	}
	if up {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO checkout_schema_versions (version, name, checksum)
			VALUES ($1, $2, $3)
		`, mig.Version, mig.Name, mig.Checksum)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM checkout_schema_versions WHERE version = $1`, mig.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s %s: %w", direction, mig.ID(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, mig.ID(), err)
	}
	return nil
}

// loadApplied возвращает checksum по версии.
func loadApplied(ctx context.Context, q interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}) (map[int64]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM checkout_schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]string)
	for rows.Next() {
		var (
			version  int64
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema versions: %w", err)
	}
	return applied, nil
}

func planUp(migrations []Migration, applied map[int64]string, steps int) []Migration {
	var plan []Migration
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		plan = append(plan, mig)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

func planDown(migrations []Migration, applied map[int64]string, steps int) ([]Migration, error) {
	known := make(map[int64]Migration, len(migrations))
	for _, mig := range migrations {
		known[mig.Version] = mig
	}

	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	if len(versions) > steps {
		versions = versions[:steps]
	}

	plan := make([]Migration, 0, len(versions))
	for _, version := range versions {
		mig, ok := known[version]
		if !ok {
			return nil, fmt.Errorf("cannot roll back unknown schema version %d", version)
		}
		plan = append(plan, mig)
	}
	return plan, nil
}

func driftedVersions(migrations []Migration, applied map[int64]string) []string {
	var drifted []string
	for _, mig := range migrations {
		if sum, ok := applied[mig.Version]; ok && sum != mig.Checksum {
			drifted = append(drifted, mig.ID())
		}
	}
	return drifted
}

func buildState(migrations []Migration, applied map[int64]string) MigrationState {
	state := MigrationState{Applied: len(applied)}
	for version := range applied {
		if version > state.Version {
			state.Version = version
		}
	}
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; !ok {
			state.Pending = append(state.Pending, mig.ID())
		}
	}
	state.Drifted = driftedVersions(migrations, applied)
	return state
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql.
func parseMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := entry.Name()
		version, name, up, err := parseMigrationName(file)
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, file))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration %s is empty", file)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			byVersion[version] = mig
		}
		if mig.Name != name {
			return nil, fmt.Errorf("version %d has conflicting names %q and %q", version, mig.Name, name)
		}

		target := &mig.Down
		if up {
			target = &mig.Up
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate script %s", file)
		}
		*target = body
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" || mig.Down == "" {
			return nil, fmt.Errorf("migration %s needs both up and down scripts", mig.ID())
		}
		sum := sha256.Sum256([]byte(mig.Up))
		mig.Checksum = hex.EncodeToString(sum[:])
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

func parseMigrationName(file string) (version int64, name string, up bool, err error) {
	stem, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false, fmt.Errorf("invalid migration file name: %s", file)
	}
	switch {
	case strings.HasSuffix(stem, ".up"):
		stem, up = strings.TrimSuffix(stem, ".up"), true
	case strings.HasSuffix(stem, ".down"):
		stem = strings.TrimSuffix(stem, ".down")
	default:
		return 0, "", false, fmt.Errorf("invalid migration file name: %s", file)
	}

	digits, name, ok := strings.Cut(stem, "_")
	if !ok || digits == "" || name == "" || !validMigrationName(name) {
		return 0, "", false, fmt.Errorf("invalid migration file name: %s", file)
	}
	version, err = strconv.ParseInt(digits, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("invalid migration version in %s", file)
	}
	return version, name, up, nil
}

func validMigrationName(name string) bool {
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
