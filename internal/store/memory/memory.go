// Package memory is an in-process implementation of the store repositories,
// used by tests and by the APP_STORE=memory development mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jw6ventures/calcore/internal/store"
)

// DB holds all state behind one lock; a per-collection mutex orders token bumps.
type DB struct {
	mu sync.RWMutex

	principals  map[string]*store.Principal
	collections map[int64]*store.Collection
	items       map[int64]map[string]*store.Item
	changes     map[int64][]store.Change
	grants      map[int64]map[string]store.Grant

	locks sync.Map // int64 -> *sync.Mutex

	nextCollection int64
	nextItem       int64
	now            func() time.Time
}

// New returns an empty store.
func New() *store.Store {
	return NewStore(NewDB())
}

// NewDB returns empty state that can be shared by several Store views.
func NewDB() *DB {
	return &DB{
		principals:  make(map[string]*store.Principal),
		collections: make(map[int64]*store.Collection),
		items:       make(map[int64]map[string]*store.Item),
		changes:     make(map[int64][]store.Change),
		grants:      make(map[int64]map[string]store.Grant),
		now:         time.Now,
	}
}

// NewStore exposes db through the store repository interfaces.
func NewStore(db *DB) *store.Store {
	return &store.Store{
		Principals:  principalRepo{db},
		Collections: collectionRepo{db},
		Items:       itemRepo{db},
		Changes:     changeRepo{db},
		Grants:      grantRepo{db},
	}
}

// SetClock overrides the time source, for retention tests.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	db.now = now
	db.mu.Unlock()
}

func (db *DB) collectionLock(id int64) *sync.Mutex {
	l, _ := db.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func cloneCollection(c *store.Collection) *store.Collection {
	out := *c
	out.Props = c.Props.Clone()
	if c.SourceID != nil {
		id := *c.SourceID
		out.SourceID = &id
	}
	return &out
}

func clonePrincipal(p *store.Principal) *store.Principal {
	out := *p
	out.Emails = append([]string(nil), p.Emails...)
	return &out
}

type principalRepo struct{ db *DB }

func (r principalRepo) GetByID(ctx context.Context, id string) (*store.Principal, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	p, ok := r.db.principals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (r principalRepo) GetByEmail(ctx context.Context, email string) (*store.Principal, error) {
	email = store.NormalizeEmail(email)
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, p := range r.db.principals {
		for _, e := range p.Emails {
			if e == email {
				return clonePrincipal(p), nil
			}
		}
	}
	return nil, store.ErrNotFound
}

func (r principalRepo) Upsert(ctx context.Context, p store.Principal) (*store.Principal, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	emails := make([]string, 0, len(p.Emails))
	for _, e := range p.Emails {
		if e = store.NormalizeEmail(e); e != "" {
			emails = append(emails, e)
		}
	}
	p.Emails = emails
	if existing, ok := r.db.principals[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = r.db.now()
	}
	r.db.principals[p.ID] = clonePrincipal(&p)
	return clonePrincipal(&p), nil
}

type collectionRepo struct{ db *DB }

func (r collectionRepo) Get(ctx context.Context, ownerID string, home store.Home, uri string) (*store.Collection, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	for _, c := range r.db.collections {
		if c.OwnerID == ownerID && c.Kind.Home() == home && c.URI == uri {
			return cloneCollection(c), nil
		}
	}
	return nil, store.ErrNotFound
}

func (r collectionRepo) GetByID(ctx context.Context, id int64) (*store.Collection, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	c, ok := r.db.collections[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCollection(c), nil
}

func (r collectionRepo) filter(keep func(*store.Collection) bool) []store.Collection {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Collection
	for _, c := range r.db.collections {
		if keep(c) {
			out = append(out, *cloneCollection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].URI == out[j].URI {
			return out[i].ID < out[j].ID
		}
		return out[i].URI < out[j].URI
	})
	return out
}

func (r collectionRepo) ListByOwner(ctx context.Context, ownerID string, home store.Home) ([]store.Collection, error) {
	return r.filter(func(c *store.Collection) bool {
		return c.OwnerID == ownerID && c.Kind.Home() == home
	}), nil
}

func (r collectionRepo) ListBySource(ctx context.Context, sourceID int64) ([]store.Collection, error) {
	return r.filter(func(c *store.Collection) bool {
		return c.IsSubscription() && *c.SourceID == sourceID
	}), nil
}

func (r collectionRepo) ListPublic(ctx context.Context, ownerID string, home store.Home) ([]store.Collection, error) {
	return r.filter(func(c *store.Collection) bool {
		return c.OwnerID == ownerID && c.Kind.Home() == home && c.Type == store.TypeOwned && c.PublicRight != store.PublicNone
	}), nil
}

func (r collectionRepo) ListByKind(ctx context.Context, kind store.CollectionKind) ([]store.Collection, error) {
	return r.filter(func(c *store.Collection) bool { return c.Kind == kind }), nil
}

func (r collectionRepo) Create(ctx context.Context, c store.Collection) (*store.Collection, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, existing := range r.db.collections {
		if existing.OwnerID == c.OwnerID && existing.Kind.Home() == c.Kind.Home() && existing.URI == c.URI {
			return nil, store.ErrExists
		}
	}
	r.db.nextCollection++
	c.ID = r.db.nextCollection
	if c.Type == "" {
		c.Type = store.TypeOwned
	}
	c.SyncToken = 1
	c.CreatedAt = r.db.now()
	c.UpdatedAt = c.CreatedAt
	saved := cloneCollection(&c)
	r.db.collections[c.ID] = saved
	r.db.items[c.ID] = make(map[string]*store.Item)
	return cloneCollection(saved), nil
}

func (r collectionRepo) UpdateProperties(ctx context.Context, id int64, update store.PropertyUpdate) (store.Properties, *store.Collection, error) {
	lock := r.db.collectionLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.collections[id]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	next := cloneCollection(c)
	old := store.ApplyUpdate(next, update)
	next.SyncToken++
	next.UpdatedAt = r.db.now()
	r.db.collections[id] = next
	return old, cloneCollection(next), nil
}

func (r collectionRepo) SetPublicRight(ctx context.Context, id int64, right store.PublicRight) (*store.Collection, error) {
	lock := r.db.collectionLock(id)
	lock.Lock()
	defer lock.Unlock()

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.collections[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c.PublicRight = right
	c.SyncToken++
	c.UpdatedAt = r.db.now()
	return cloneCollection(c), nil
}

func (r collectionRepo) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.collections[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.collections, id)
	delete(r.db.items, id)
	delete(r.db.changes, id)
	delete(r.db.grants, id)
	return nil
}

type itemRepo struct{ db *DB }

func cloneItem(it *store.Item) *store.Item {
	if it == nil {
		return nil
	}
	out := *it
	return &out
}

func (r itemRepo) Get(ctx context.Context, collectionID int64, name string) (*store.Item, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	it, ok := r.db.items[collectionID][name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneItem(it), nil
}

func (r itemRepo) collect(collectionID int64, keep func(*store.Item) bool) []store.Item {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Item
	for _, it := range r.db.items[collectionID] {
		if keep(it) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r itemRepo) List(ctx context.Context, collectionID int64) ([]store.Item, error) {
	return r.collect(collectionID, func(*store.Item) bool { return true }), nil
}

func (r itemRepo) ListByNames(ctx context.Context, collectionID int64, names []string) ([]store.Item, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	return r.collect(collectionID, func(it *store.Item) bool { return wanted[it.Name] }), nil
}

func (r itemRepo) ListByUID(ctx context.Context, collectionID int64, uid string) ([]store.Item, error) {
	return r.collect(collectionID, func(it *store.Item) bool { return it.UID == uid }), nil
}

// bump must be called with db.mu held for writing.
func (r itemRepo) bump(c *store.Collection, name string, kind store.ChangeKind, etag string) int64 {
	c.SyncToken++
	c.UpdatedAt = r.db.now()
	r.db.changes[c.ID] = append(r.db.changes[c.ID], store.Change{
		CollectionID: c.ID,
		Version:      c.SyncToken,
		Name:         name,
		Kind:         kind,
		ETag:         etag,
		CreatedAt:    c.UpdatedAt,
	})
	return c.SyncToken
}

func (r itemRepo) Put(ctx context.Context, item store.Item, check store.Precondition) (*store.PutResult, error) {
	lock := r.db.collectionLock(item.CollectionID)
	lock.Lock()
	defer lock.Unlock()

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.collections[item.CollectionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	current := cloneItem(r.db.items[c.ID][item.Name])
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}

	kind := store.ChangeAdded
	if current != nil {
		kind = store.ChangeUpdated
		item.ID = current.ID
	} else {
		r.db.nextItem++
		item.ID = r.db.nextItem
	}
	token := r.bump(c, item.Name, kind, item.ETag)
	item.LastModified = c.UpdatedAt
	r.db.items[c.ID][item.Name] = cloneItem(&item)
	return &store.PutResult{Item: cloneItem(&item), Previous: current, Created: current == nil, SyncToken: token}, nil
}

func (r itemRepo) Delete(ctx context.Context, collectionID int64, name string, check store.Precondition) (*store.DeleteResult, error) {
	lock := r.db.collectionLock(collectionID)
	lock.Lock()
	defer lock.Unlock()

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.collections[collectionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	current := cloneItem(r.db.items[collectionID][name])
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}
	if current == nil {
		return nil, store.ErrNotFound
	}
	delete(r.db.items[collectionID], name)
	token := r.bump(c, name, store.ChangeDeleted, "")
	return &store.DeleteResult{Previous: current, SyncToken: token}, nil
}

func (r itemRepo) DeleteOlderThan(ctx context.Context, collectionID int64, cutoff time.Time) ([]string, error) {
	lock := r.db.collectionLock(collectionID)
	lock.Lock()
	defer lock.Unlock()

	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.collections[collectionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	var removed []string
	for name, it := range r.db.items[collectionID] {
		if it.LastModified.Before(cutoff) {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		delete(r.db.items[collectionID], name)
		r.bump(c, name, store.ChangeDeleted, "")
	}
	return removed, nil
}

type changeRepo struct{ db *DB }

func (r changeRepo) Since(ctx context.Context, collectionID int64, version int64) ([]store.Change, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Change
	for _, ch := range r.db.changes[collectionID] {
		if ch.Version > version {
			out = append(out, ch)
		}
	}
	return out, nil
}

type grantRepo struct{ db *DB }

func (r grantRepo) List(ctx context.Context, collectionID int64) ([]store.Grant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Grant
	for _, g := range r.db.grants[collectionID] {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GranteeID < out[j].GranteeID })
	return out, nil
}

func (r grantRepo) ListForGrantee(ctx context.Context, granteeID string) ([]store.Grant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	var out []store.Grant
	for _, byGrantee := range r.db.grants {
		if g, ok := byGrantee[granteeID]; ok {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectionID < out[j].CollectionID })
	return out, nil
}

func (r grantRepo) Get(ctx context.Context, collectionID int64, granteeID string) (*store.Grant, error) {
	r.db.mu.RLock()
	defer r.db.mu.RUnlock()
	g, ok := r.db.grants[collectionID][granteeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &g, nil
}

func (r grantRepo) Set(ctx context.Context, grant store.Grant) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.collections[grant.CollectionID]; !ok {
		return store.ErrNotFound
	}
	if r.db.grants[grant.CollectionID] == nil {
		r.db.grants[grant.CollectionID] = make(map[string]store.Grant)
	}
	grant.Right = store.GrantRight(strings.ToLower(string(grant.Right)))
	if existing, ok := r.db.grants[grant.CollectionID][grant.GranteeID]; ok {
		grant.CreatedAt = existing.CreatedAt
	} else {
		grant.CreatedAt = r.db.now()
	}
	r.db.grants[grant.CollectionID][grant.GranteeID] = grant
	return nil
}

func (r grantRepo) Delete(ctx context.Context, collectionID int64, granteeID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.grants[collectionID][granteeID]; !ok {
		return store.ErrNotFound
	}
	delete(r.db.grants[collectionID], granteeID)
	return nil
}
