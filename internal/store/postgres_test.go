package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errPrecondition = errors.New("precondition failed")

func TestItemPutBumpsTokenAndRecordsChange(t *testing.T) {
	now := time.Now()
	tx := &mockTx{
		queries: []queryExpectation{
			{expect: regexp.MustCompile("SELECT sync_token FROM collections WHERE id=\\$1 FOR UPDATE"), args: []any{int64(7)}, value: int64(4)},
			{expect: regexp.MustCompile("FROM items WHERE collection_id=\\$1 AND name=\\$2"), args: []any{int64(7), "a.ics"}, err: pgx.ErrNoRows},
			{expect: regexp.MustCompile("UPDATE collections SET sync_token=sync_token\\+1"), args: []any{int64(7)}, value: int64(5)},
			{expect: regexp.MustCompile("INSERT INTO items"), value: []any{int64(1), int64(7), "a.ics", "uid-1", "BEGIN:VCALENDAR", "abc", "text/calendar", now}},
		},
		execs: []execExpectation{
			{expect: regexp.MustCompile("INSERT INTO changes"), args: []any{int64(7), int64(5), "a.ics", "added", "abc"}},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	repo := &itemRepo{pool: pool}

	var sawCurrent bool
	res, err := repo.Put(context.Background(), Item{CollectionID: 7, Name: "a.ics", UID: "uid-1", Data: "BEGIN:VCALENDAR", ETag: "abc", ContentType: "text/calendar"},
		func(current *Item) error {
			sawCurrent = current != nil
			return nil
		})
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if sawCurrent {
		t.Fatalf("expected precondition to see an absent item")
	}
	if !res.Created || res.SyncToken != 5 {
		t.Fatalf("expected created item at token 5, got %+v", res)
	}
	if res.Item.ETag != "abc" {
		t.Fatalf("unexpected etag %q", res.Item.ETag)
	}
	pool.assertDone()
	tx.assertDone()
	if !tx.committed {
		t.Fatalf("expected commit")
	}
}

func TestItemPutPreconditionLeavesStoreUntouched(t *testing.T) {
	now := time.Now()
	tx := &mockTx{
		queries: []queryExpectation{
			{expect: regexp.MustCompile("FOR UPDATE"), value: int64(9)},
			{expect: regexp.MustCompile("FROM items WHERE collection_id=\\$1 AND name=\\$2"), value: []any{int64(1), int64(7), "a.ics", "uid-1", "OLD", "old", "text/calendar", now}},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	repo := &itemRepo{pool: pool}

	_, err := repo.Put(context.Background(), Item{CollectionID: 7, Name: "a.ics", Data: "NEW", ETag: "new"},
		func(current *Item) error {
			if current == nil || current.ETag != "old" {
				t.Fatalf("expected existing item, got %+v", current)
			}
			return errPrecondition
		})
	if !errors.Is(err, errPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	tx.assertDone()
	if tx.committed || !tx.rolled {
		t.Fatalf("expected rollback without commit")
	}
}

func TestItemPutMissingCollection(t *testing.T) {
	tx := &mockTx{
		queries: []queryExpectation{
			{expect: regexp.MustCompile("FOR UPDATE"), err: pgx.ErrNoRows},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	repo := &itemRepo{pool: pool}

	if _, err := repo.Put(context.Background(), Item{CollectionID: 3, Name: "x.ics"}, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestItemDeleteRunsPreconditionBeforeNotFound(t *testing.T) {
	tx := &mockTx{
		queries: []queryExpectation{
			{expect: regexp.MustCompile("FOR UPDATE"), value: int64(2)},
			{expect: regexp.MustCompile("FROM items WHERE collection_id=\\$1 AND name=\\$2"), err: pgx.ErrNoRows},
		},
	}
	pool := &mockPool{t: t, txs: []*mockTx{tx}}
	repo := &itemRepo{pool: pool}

	_, err := repo.Delete(context.Background(), 3, "gone.ics", func(current *Item) error {
		return errPrecondition
	})
	if !errors.Is(err, errPrecondition) {
		t.Fatalf("expected precondition error to win over not found, got %v", err)
	}
}

func TestCollectionCreateDuplicate(t *testing.T) {
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("INSERT INTO collections"), err: &pgconn.PgError{Code: "23505"}},
		},
	}
	repo := &collectionRepo{pool: pool}
	_, err := repo.Create(context.Background(), Collection{OwnerID: "alice", URI: "events", Kind: KindCalendar})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	pool.assertDone()
}

func TestCollectionDeleteMissing(t *testing.T) {
	pool := &mockPool{
		t: t,
		execs: []execExpectation{
			{expect: regexp.MustCompile("DELETE FROM collections WHERE id=\\$1"), args: []any{int64(11)}, rows: 0},
		},
	}
	repo := &collectionRepo{pool: pool}
	if err := repo.Delete(context.Background(), 11); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPrincipalGetByEmailNormalizes(t *testing.T) {
	now := time.Now()
	pool := &mockPool{
		t: t,
		queries: []queryExpectation{
			{expect: regexp.MustCompile("ANY\\(emails\\)"), args: []any{"bob@example.com"}, value: []any{"bob", []string{"bob@example.com"}, "Bob", false, now}},
		},
	}
	repo := &principalRepo{pool: pool}
	p, err := repo.GetByEmail(context.Background(), "mailto:Bob@Example.com")
	if err != nil {
		t.Fatalf("GetByEmail returned error: %v", err)
	}
	if p.ID != "bob" || p.PrimaryEmail() != "bob@example.com" {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestApplyUpdateReturnsPreviousValues(t *testing.T) {
	c := &Collection{DisplayName: "Work", Props: Properties{{Namespace: "http://apple.com/ns/ical/", Name: "calendar-color", Value: "#ff0000"}}}
	old := ApplyUpdate(c, PropertyUpdate{
		Set: []Property{
			{Namespace: NamespaceDAV, Name: "displayname", Value: "Home"},
			{Namespace: "http://apple.com/ns/ical/", Name: "calendar-color", Value: "#00ff00"},
		},
		Remove: []Property{{Namespace: "urn:example", Name: "missing"}},
	})
	if len(old) != 3 {
		t.Fatalf("expected 3 previous values, got %d", len(old))
	}
	if old[0].Value != "Work" || old[1].Value != "#ff0000" || old[2].Value != "" {
		t.Fatalf("unexpected previous values %+v", old)
	}
	if c.DisplayName != "Home" {
		t.Fatalf("expected display name update, got %q", c.DisplayName)
	}
	if v, _ := c.Props.Get("http://apple.com/ns/ical/", "calendar-color"); v != "#00ff00" {
		t.Fatalf("expected color update, got %q", v)
	}
}
