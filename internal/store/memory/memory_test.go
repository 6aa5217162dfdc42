package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calcore/internal/store"
)

func newCalendar(t *testing.T, s *store.Store) *store.Collection {
	t.Helper()
	c, err := s.Collections.Create(context.Background(), store.Collection{OwnerID: "alice", URI: "work", Kind: store.KindCalendar})
	require.NoError(t, err)
	return c
}

func TestTokenAdvancesOncePerMutation(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)
	require.EqualValues(t, 1, c.SyncToken)

	res, err := s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "a.ics", ETag: "1"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.EqualValues(t, 2, res.SyncToken)

	res, err = s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "a.ics", ETag: "2"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "1", res.Previous.ETag)

	_, c, err = s.Collections.UpdateProperties(ctx, c.ID, store.PropertyUpdate{Set: []store.Property{{Namespace: "urn:x", Name: "color", Value: "red"}}})
	require.NoError(t, err)
	assert.EqualValues(t, 4, c.SyncToken)

	del, err := s.Items.Delete(ctx, c.ID, "a.ics", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 5, del.SyncToken)

	changes, err := s.Changes.Since(ctx, c.ID, 1)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, store.ChangeAdded, changes[0].Kind)
	assert.Equal(t, store.ChangeUpdated, changes[1].Kind)
	assert.Equal(t, store.ChangeDeleted, changes[2].Kind)
	assert.EqualValues(t, 5, changes[2].Version)
}

func TestConcurrentPutsNeverShareAToken(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)

	const writers = 32
	tokens := make(chan int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: fmt.Sprintf("%d.ics", i)}, nil)
			if err == nil {
				tokens <- res.SyncToken
			}
		}(i)
	}
	wg.Wait()
	close(tokens)

	seen := map[int64]bool{}
	for tok := range tokens {
		assert.False(t, seen[tok], "token %d issued twice", tok)
		seen[tok] = true
	}
	assert.Len(t, seen, writers)
	got, err := s.Collections.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1+writers, got.SyncToken)
}

func TestFailedPreconditionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)
	_, err := s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "a.ics", Data: "one"}, nil)
	require.NoError(t, err)

	boom := errors.New("mismatch")
	_, err = s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "a.ics", Data: "two"}, func(*store.Item) error { return boom })
	require.ErrorIs(t, err, boom)

	it, err := s.Items.Get(ctx, c.ID, "a.ics")
	require.NoError(t, err)
	assert.Equal(t, "one", it.Data)
	got, _ := s.Collections.GetByID(ctx, c.ID)
	assert.EqualValues(t, 2, got.SyncToken)
}

func TestDeleteMissingReportsPreconditionFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)

	boom := errors.New("precondition")
	_, err := s.Items.Delete(ctx, c.ID, "none.ics", func(cur *store.Item) error {
		assert.Nil(t, cur)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Items.Delete(ctx, c.ID, "none.ics", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCollectionUniquenessAndCascade(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)

	_, err := s.Collections.Create(ctx, store.Collection{OwnerID: "alice", URI: "work", Kind: store.KindCalendar})
	require.ErrorIs(t, err, store.ErrExists)

	// Same URI under the address book home is a different collection.
	_, err = s.Collections.Create(ctx, store.Collection{OwnerID: "alice", URI: "work", Kind: store.KindAddressBook})
	require.NoError(t, err)

	src := c.ID
	sub, err := s.Collections.Create(ctx, store.Collection{OwnerID: "bob", URI: "alice-work", Kind: store.KindCalendar, Type: store.TypeSubscription, SourceID: &src, ReadOnly: true})
	require.NoError(t, err)
	subs, err := s.Collections.ListBySource(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)

	_, err = s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "a.ics"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Collections.Delete(ctx, c.ID))
	_, err = s.Items.Get(ctx, c.ID, "a.ics")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	db := NewDB()
	s := NewStore(db)
	c, err := s.Collections.Create(ctx, store.Collection{OwnerID: "alice", URI: "inbox", Kind: store.KindInbox})
	require.NoError(t, err)

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return old })
	_, err = s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "old.ics"}, nil)
	require.NoError(t, err)
	db.SetClock(func() time.Time { return old.Add(48 * time.Hour) })
	_, err = s.Items.Put(ctx, store.Item{CollectionID: c.ID, Name: "new.ics"}, nil)
	require.NoError(t, err)

	removed, err := s.Items.DeleteOlderThan(ctx, c.ID, old.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old.ics"}, removed)
	items, _ := s.Items.List(ctx, c.ID)
	require.Len(t, items, 1)
	assert.Equal(t, "new.ics", items[0].Name)
}

func TestPropertiesAreNotShared(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)
	_, _, err := s.Collections.UpdateProperties(ctx, c.ID, store.PropertyUpdate{Set: []store.Property{{Namespace: "urn:x", Name: "a", Value: "1"}}})
	require.NoError(t, err)

	got, _ := s.Collections.GetByID(ctx, c.ID)
	got.Props[0].Value = "mutated"
	again, _ := s.Collections.GetByID(ctx, c.ID)
	v, _ := again.Props.Get("urn:x", "a")
	assert.Equal(t, "1", v)
}

func TestGrantsAndPrincipals(t *testing.T) {
	ctx := context.Background()
	s := New()
	c := newCalendar(t, s)

	_, err := s.Principals.Upsert(ctx, store.Principal{ID: "bob", Emails: []string{"Bob@Example.com"}})
	require.NoError(t, err)
	p, err := s.Principals.GetByEmail(ctx, "mailto:bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.ID)

	require.NoError(t, s.Grants.Set(ctx, store.Grant{CollectionID: c.ID, GranteeID: "bob", Right: store.GrantReadWrite}))
	grants, err := s.Grants.ListForGrantee(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, store.GrantReadWrite, grants[0].Right)

	require.NoError(t, s.Grants.Delete(ctx, c.ID, "bob"))
	require.ErrorIs(t, s.Grants.Delete(ctx, c.ID, "bob"), store.ErrNotFound)
}
