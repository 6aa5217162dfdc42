package store

import (
	"context"
	"time"
)

// PrincipalRepository persists principals mirrored from provisioning.
type PrincipalRepository interface {
	GetByID(ctx context.Context, id string) (*Principal, error)
	GetByEmail(ctx context.Context, email string) (*Principal, error)
	Upsert(ctx context.Context, p Principal) (*Principal, error)
}

// CollectionRepository handles collection lifecycle and collection-level token bumps.
type CollectionRepository interface {
	Get(ctx context.Context, ownerID string, home Home, uri string) (*Collection, error)
	GetByID(ctx context.Context, id int64) (*Collection, error)
	ListByOwner(ctx context.Context, ownerID string, home Home) ([]Collection, error)
	ListBySource(ctx context.Context, sourceID int64) ([]Collection, error)
	ListPublic(ctx context.Context, ownerID string, home Home) ([]Collection, error)
	ListByKind(ctx context.Context, kind CollectionKind) ([]Collection, error)
	Create(ctx context.Context, c Collection) (*Collection, error)
	// UpdateProperties applies the update atomically, bumps the sync token once
	// and returns the previous values of every touched property.
	UpdateProperties(ctx context.Context, id int64, update PropertyUpdate) (Properties, *Collection, error)
	SetPublicRight(ctx context.Context, id int64, right PublicRight) (*Collection, error)
	Delete(ctx context.Context, id int64) error
}

// ItemRepository stores items; every write bumps the owning collection's token by one.
type ItemRepository interface {
	Get(ctx context.Context, collectionID int64, name string) (*Item, error)
	List(ctx context.Context, collectionID int64) ([]Item, error)
	ListByNames(ctx context.Context, collectionID int64, names []string) ([]Item, error)
	ListByUID(ctx context.Context, collectionID int64, uid string) ([]Item, error)
	Put(ctx context.Context, item Item, check Precondition) (*PutResult, error)
	Delete(ctx context.Context, collectionID int64, name string, check Precondition) (*DeleteResult, error)
	// DeleteOlderThan removes items last modified before cutoff, one token bump
	// per item, and returns the removed names.
	DeleteOlderThan(ctx context.Context, collectionID int64, cutoff time.Time) ([]string, error)
}

// ChangeRepository reads the append-only change log.
type ChangeRepository interface {
	Since(ctx context.Context, collectionID int64, version int64) ([]Change, error)
}

// GrantRepository stores delegation grants.
type GrantRepository interface {
	List(ctx context.Context, collectionID int64) ([]Grant, error)
	ListForGrantee(ctx context.Context, granteeID string) ([]Grant, error)
	Get(ctx context.Context, collectionID int64, granteeID string) (*Grant, error)
	Set(ctx context.Context, grant Grant) error
	Delete(ctx context.Context, collectionID int64, granteeID string) error
}
