package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(Files, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(entries))
	}
	for _, e := range entries {
		data, err := Files.ReadFile(e.Name())
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if !strings.HasPrefix(string(data), "-- ") {
			t.Errorf("%s should start with a description comment", e.Name())
		}
	}
}

func TestInitMigrationDeclaresSyncTokenDefault(t *testing.T) {
	data, err := Files.ReadFile("001_init.sql")
	if err != nil {
		t.Fatalf("expected embedded migration, got error: %v", err)
	}
	if !strings.Contains(string(data), "sync_token BIGINT NOT NULL DEFAULT 1") {
		t.Fatalf("new collections must start at sync token 1")
	}
}
