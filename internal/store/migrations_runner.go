package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/migrations"
)

// PgxPool represents the subset of pgxpool.Pool used by migration helpers.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// migrationLockKey serializes concurrent replicas applying the schema.
const migrationLockKey int64 = 0x63616c636f7265

// ApplyMigrations brings the schema up to date with the embedded migrations.
// A database that has objects but no schema_migrations table is assumed to
// carry the initial migration already.
func ApplyMigrations(ctx context.Context, pool PgxPool, log zerolog.Logger) error {
	names, err := migrationNames(migrations.Files)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	tracked, err := queryBool(ctx, pool, `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema='public' AND table_name='schema_migrations'
)`)
	if err != nil {
		return fmt.Errorf("check migration table: %w", err)
	}

	if !tracked {
		var tables int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`).Scan(&tables); err != nil {
			return fmt.Errorf("count tables: %w", err)
		}
		if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		if tables > 0 {
			log.Warn().Str("version", names[0]).Msg("existing schema without tracking, marking initial migration applied")
			if err := markApplied(ctx, pool, names[0]); err != nil {
				return err
			}
		}
	}

	for _, name := range names {
		applied, err := queryBool(ctx, pool, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		if err := runMigration(ctx, pool, name); err != nil {
			return err
		}
		log.Info().Str("version", name).Msg("applied migration")
	}
	return nil
}

func migrationNames(files fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func queryBool(ctx context.Context, pool PgxPool, q string, args ...any) (bool, error) {
	var v bool
	err := pool.QueryRow(ctx, q, args...).Scan(&v)
	return v, err
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func markApplied(ctx context.Context, db execer, name string) error {
	const q = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
	if _, err := db.Exec(ctx, q, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

// runMigration applies one file in its own transaction under an advisory lock.
func runMigration(ctx context.Context, pool PgxPool, name string) error {
	contents, err := migrations.Files.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migration %s: %w", name, err)
	}
	var done bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, name).Scan(&done); err != nil {
		return fmt.Errorf("recheck migration %s: %w", name, err)
	}
	if done {
		return tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if err := markApplied(ctx, tx, name); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
