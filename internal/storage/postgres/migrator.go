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
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// migrationLockKey — ключ pg_advisory_lock, общий для всех экземпляров кухни.
const migrationLockKey = int64(0x6b69746368656e)

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''`

//go:embed sql/migrations/*.sql
var migrationsFS embed.FS

// 0001_kitchen_catalog.up.sql
var migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// ErrMigrationDrift — применённая миграция отличается от встроенной в бинарник.
var ErrMigrationDrift = errors.New("applied migration differs from embedded one")

type migration struct {
	Version  int64
	Name     string
	Up       string
	Down     string
	Checksum string
}

// migrationPlan — встроенные миграции по возрастанию версии.
type migrationPlan []migration

func (p migrationPlan) find(version int64) (migration, bool) {
	i, ok := slices.BinarySearchFunc(p, version, func(m migration, v int64) int {
		switch {
		case m.Version < v:
			return -1
		case m.Version > v:
			return 1
		}
		return 0
	})
	if !ok {
		return migration{}, false
	}
	return p[i], true
}

// parseMigrations читает пары NNNN_name.up.sql / NNNN_name.down.sql из sql/migrations.
func parseMigrations(fsys fs.FS) (migrationPlan, error) {
	files, err := fs.Glob(fsys, "sql/migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFileName.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration version in %s: %w", base, err)
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", base, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, parts[2])
		}

		target := &m.Up
		if parts[3] == "down" {
			target = &m.Down
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = body
	}

	plan := make(migrationPlan, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migration %d_%s must have both up and down files", m.Version, m.Name)
		}
		sum := sha256.Sum256([]byte(m.Up))
		m.Checksum = hex.EncodeToString(sum[:])
		plan = append(plan, *m)
	}
	slices.SortFunc(plan, func(a, b migration) int { return int(a.Version - b.Version) })
	return plan, nil
}

// appliedMigration — строка schema_migrations.
type appliedMigration struct {
	Version   int64
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// MigrationEntry — состояние одной встроенной миграции.
type MigrationEntry struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Drifted — тело up-миграции изменилось после применения.
	Drifted bool
}

// MigrationState описывает состояние схемы.
type MigrationState struct {
	// Version — максимальная применённая версия, 0 для пустой базы.
	Version int64
	Applied int
	// Available — количество миграций, встроенных в бинарник.
	Available int
	Entries   []MigrationEntry
}

// Pending возвращает число ещё не применённых миграций.
func (m MigrationState) Pending() int {
	return max(m.Available-m.Applied, 0)
}

// Drifted возвращает версии, применённые с другим телом.
func (m MigrationState) Drifted() []int64 {
	var out []int64
	for _, e := range m.Entries {
		if e.Drifted {
			out = append(out, e.Version)
		}
	}
	return out
}

// MigrateUp применяет steps миграций, 0 означает все.
// Если применённая миграция изменилась, ничего не применяется и возвращается ErrMigrationDrift.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	plan, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		applied, err := readApplied(ctx, conn)
		if err != nil {
			return err
		}
		if err := checkDrift(plan, applied); err != nil {
			return err
		}

		done := 0
		for _, m := range plan {
			if steps > 0 && done >= steps {
				break
			}
			if _, ok := applied[m.Version]; ok {
				continue
			}
			err := inMigrationTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, m.Up); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
					m.Version, m.Name, m.Checksum)
				return err
			})
			if err != nil {
				return fmt.Errorf("migrate up %d_%s: %w", m.Version, m.Name, err)
			}
			done++
		}
		return nil
	})
}

// MigrateDown откатывает steps последних миграций; steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	plan, err := parseMigrations(migrationsFS)
	if err != nil {
		return err
	}
	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		applied, err := readApplied(ctx, conn)
		if err != nil {
			return err
		}
		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		for _, version := range versions[:min(steps, len(versions))] {
			m, ok := plan.find(version)
			if !ok {
				return fmt.Errorf("cannot roll back unknown migration version %d", version)
			}
			err := inMigrationTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, m.Down); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, m.Version)
				return err
			})
			if err != nil {
				return fmt.Errorf("migrate down %d_%s: %w", m.Version, m.Name, err)
			}
		}
		return nil
	})
}

// MigrationStatus сравнивает встроенные миграции с schema_migrations.
func (s *Store) MigrationStatus(ctx context.Context) (MigrationState, error) {
	if s == nil || s.db == nil {
		return MigrationState{}, errors.New("postgres store is not initialized")
	}
	plan, err := parseMigrations(migrationsFS)
	if err != nil {
		return MigrationState{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return MigrationState{}, fmt.Errorf("acquire db connection: %w", storeError(err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(queryCtx, schemaMigrationsDDL); err != nil {
		return MigrationState{}, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	applied, err := readApplied(queryCtx, conn)
	if err != nil {
		return MigrationState{}, err
	}
	return buildState(plan, applied), nil
}

func buildState(plan migrationPlan, applied map[int64]appliedMigration) MigrationState {
	state := MigrationState{Available: len(plan), Applied: len(applied)}
	for version := range applied {
		state.Version = max(state.Version, version)
	}
	for _, m := range plan {
		entry := MigrationEntry{Version: m.Version, Name: m.Name}
		if a, ok := applied[m.Version]; ok {
			entry.Applied = true
			entry.AppliedAt = a.AppliedAt
			entry.Drifted = a.Checksum != "" && a.Checksum != m.Checksum
		}
		state.Entries = append(state.Entries, entry)
	}
	return state
}

// checkDrift сверяет контрольные суммы. Пустая сумма — строка из версии без checksum, не проверяется.
func checkDrift(plan migrationPlan, applied map[int64]appliedMigration) error {
	for _, m := range plan {
		a, ok := applied[m.Version]
		if ok && a.Checksum != "" && a.Checksum != m.Checksum {
			return fmt.Errorf("migration %d_%s: %w", m.Version, m.Name, ErrMigrationDrift)
		}
	}
	return nil
}

// withMigrationLock держит advisory lock на отдельном соединении, пока выполняется fn.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", storeError(err))
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", storeError(err))
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return fn(conn)
}

func inMigrationTx(ctx context.Context, conn *sql.Conn, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func readApplied(ctx context.Context, conn *sql.Conn) (map[int64]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var a appliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[a.Version] = a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}
