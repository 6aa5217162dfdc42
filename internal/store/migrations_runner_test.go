package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/migrations"
)

var (
	reTracked      = regexp.MustCompile(`table_name='schema_migrations'`)
	reCountTables  = regexp.MustCompile(`COUNT\(\*\) FROM information_schema.tables`)
	reVersionCheck = regexp.MustCompile(`schema_migrations WHERE version=\$1`)
	reCreateTable  = regexp.MustCompile(`CREATE TABLE IF NOT EXISTS schema_migrations`)
	reRecord       = regexp.MustCompile(`INSERT INTO schema_migrations`)
	reLock         = regexp.MustCompile(`pg_advisory_xact_lock`)
)

const (
	initMigration    = "001_init.sql"
	sharingMigration = "002_sharing.sql"
)

func versionApplied(name string, applied bool) queryExpectation {
	return queryExpectation{expect: reVersionCheck, args: []any{name}, value: applied}
}

// applyTx scripts a transaction that runs the migration whose body contains marker.
func applyTx(name, marker string) *mockTx {
	return &mockTx{
		execs: []execExpectation{
			{expect: reLock, args: []any{migrationLockKey}},
			{expect: regexp.MustCompile(regexp.QuoteMeta(marker))},
			{expect: reRecord, args: []any{name}},
		},
		queries: []queryExpectation{versionApplied(name, false)},
	}
}

func TestApplyMigrationsOnEmptyDatabase(t *testing.T) {
	txs := []*mockTx{
		applyTx(initMigration, "-- Initial schema for calcore"),
		applyTx(sharingMigration, "-- Delegation grants and scheduling inbox retention"),
	}
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: reTracked, value: false},
			{expect: reCountTables, value: 0},
			versionApplied(initMigration, false),
			versionApplied(sharingMigration, false),
		},
		execs: []execExpectation{{expect: reCreateTable}},
		txs:   txs,
	}

	if err := ApplyMigrations(context.Background(), pool, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	pool.assertDone()
	for i, tx := range txs {
		tx.assertDone()
		if !tx.committed {
			t.Fatalf("migration %d was not committed", i+1)
		}
	}
}

func TestApplyMigrationsAdoptsUntrackedSchema(t *testing.T) {
	tx := applyTx(sharingMigration, "-- Delegation grants")
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: reTracked, value: false},
			{expect: reCountTables, value: 3},
			versionApplied(initMigration, true),
			versionApplied(sharingMigration, false),
		},
		execs: []execExpectation{
			{expect: reCreateTable},
			{expect: reRecord, args: []any{initMigration}},
		},
		txs: []*mockTx{tx},
	}

	if err := ApplyMigrations(context.Background(), pool, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	pool.assertDone()
	tx.assertDone()
}

func TestApplyMigrationsUpToDate(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: reTracked, value: true},
			versionApplied(initMigration, true),
			versionApplied(sharingMigration, true),
		},
	}
	if err := ApplyMigrations(context.Background(), pool, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	pool.assertDone()
}

// A replica that loses the advisory lock race finds the version recorded
// once it holds the lock and commits without replaying the file.
func TestApplyMigrationsLosesRaceToOtherReplica(t *testing.T) {
	tx := &mockTx{
		execs:   []execExpectation{{expect: reLock, args: []any{migrationLockKey}}},
		queries: []queryExpectation{versionApplied(sharingMigration, true)},
	}
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: reTracked, value: true},
			versionApplied(initMigration, true),
			versionApplied(sharingMigration, false),
		},
		txs: []*mockTx{tx},
	}
	if err := ApplyMigrations(context.Background(), pool, zerolog.Nop()); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	pool.assertDone()
	tx.assertDone()
	if !tx.committed {
		t.Fatalf("expected the empty transaction to commit")
	}
}

func TestMigrationNamesAreOrdered(t *testing.T) {
	names, err := migrationNames(migrations.Files)
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if len(names) != 2 || names[0] != initMigration || names[1] != sharingMigration {
		t.Fatalf("unexpected migration order %v", names)
	}
}
