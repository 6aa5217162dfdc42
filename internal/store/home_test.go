package store_test

import (
	"context"
	"testing"

	"github.com/jw6ventures/calcore/internal/store"
	"github.com/jw6ventures/calcore/internal/store/memory"
)

func TestEnsureHomeCreatesDefaults(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.EnsureHome(ctx, "alice"); err != nil {
		t.Fatalf("EnsureHome returned error: %v", err)
	}

	cals, err := s.Collections.ListByOwner(ctx, "alice", store.HomeCalendars)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if len(cals) != 3 {
		t.Fatalf("expected events, inbox and outbox, got %d collections", len(cals))
	}
	books, _ := s.Collections.ListByOwner(ctx, "alice", store.HomeAddressBooks)
	if len(books) != 2 {
		t.Fatalf("expected contacts and collected address books, got %d", len(books))
	}
	for _, c := range append(cals, books...) {
		if c.SyncToken != 1 {
			t.Fatalf("collection %s starts at token %d", c.URI, c.SyncToken)
		}
	}
}

func TestEnsureHomeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	for i := 0; i < 3; i++ {
		if err := s.EnsureHome(ctx, "bob"); err != nil {
			t.Fatalf("EnsureHome run %d: %v", i, err)
		}
	}
	inbox, err := s.Collections.Get(ctx, "bob", store.HomeCalendars, store.DefaultInboxURI)
	if err != nil {
		t.Fatalf("inbox missing: %v", err)
	}
	if inbox.Kind != store.KindInbox {
		t.Fatalf("expected inbox kind, got %s", inbox.Kind)
	}
	cals, _ := s.Collections.ListByOwner(ctx, "bob", store.HomeCalendars)
	if len(cals) != 3 {
		t.Fatalf("expected no duplicates, got %d calendars", len(cals))
	}
}

func TestHealthCheckWithoutDatabase(t *testing.T) {
	if err := memory.New().HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected nil health error, got %v", err)
	}
}
