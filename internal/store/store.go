package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Home is the top-level tree a collection lives under.
type Home string

const (
	HomeCalendars    Home = "calendars"
	HomeAddressBooks Home = "addressbooks"
)

// Home returns the tree the kind is addressed under.
func (k CollectionKind) Home() Home {
	if k == KindAddressBook {
		return HomeAddressBooks
	}
	return HomeCalendars
}

// Pinger is implemented by backends with a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store aggregates the resource repositories.
type Store struct {
	db Pinger

	Principals  PrincipalRepository
	Collections CollectionRepository
	Items       ItemRepository
	Changes     ChangeRepository
	Grants      GrantRepository
}

// New wires PostgreSQL repositories over a shared connection pool.
func New(pool *pgxpool.Pool) *Store {
	return newPostgresStore(pool)
}

func newPostgresStore(pool dbPool) *Store {
	return &Store{
		db:          pool,
		Principals:  &principalRepo{pool: pool},
		Collections: &collectionRepo{pool: pool},
		Items:       &itemRepo{pool: pool},
		Changes:     &changeRepo{pool: pool},
		Grants:      &grantRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	defer observeDB(ctx, "db.healthcheck")()
	return s.db.Ping(ctx)
}

type defaultCollection struct {
	uri         string
	kind        CollectionKind
	displayName string
}

var defaultCollections = []defaultCollection{
	{uri: DefaultCalendarURI, kind: KindCalendar, displayName: "Events"},
	{uri: DefaultInboxURI, kind: KindInbox, displayName: "Inbox"},
	{uri: DefaultOutboxURI, kind: KindOutbox, displayName: "Outbox"},
	{uri: DefaultAddressBookURI, kind: KindAddressBook, displayName: "Contacts"},
	{uri: CollectedContactsURI, kind: KindAddressBook, displayName: "Collected addresses"},
}

// EnsureHome creates the default calendar, scheduling boxes and address books
// of a principal. Concurrent callers racing on the same home are tolerated.
func (s *Store) EnsureHome(ctx context.Context, principalID string) error {
	for _, def := range defaultCollections {
		_, err := s.Collections.Get(ctx, principalID, def.kind.Home(), def.uri)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = s.Collections.Create(ctx, Collection{
			OwnerID:     principalID,
			URI:         def.uri,
			Kind:        def.kind,
			Type:        TypeOwned,
			DisplayName: def.displayName,
		})
		if err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}
	return nil
}
