package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// dbPool is the subset of pgxpool.Pool the repositories use.
type dbPool interface {
	PgxPool
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// principalRepo implements PrincipalRepository.
type principalRepo struct {
	pool dbPool
}

const principalColumns = `id, emails, display_name, is_admin, created_at`

func scanPrincipal(row pgx.Row) (*Principal, error) {
	var p Principal
	if err := row.Scan(&p.ID, &p.Emails, &p.DisplayName, &p.Admin, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *principalRepo) GetByID(ctx context.Context, id string) (*Principal, error) {
	defer observeDB(ctx, "principals.get_by_id")()
	p, err := scanPrincipal(r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal %s: %w", id, err)
	}
	return p, nil
}

func (r *principalRepo) GetByEmail(ctx context.Context, email string) (*Principal, error) {
	defer observeDB(ctx, "principals.get_by_email")()
	const q = `SELECT ` + principalColumns + ` FROM principals WHERE $1 = ANY(emails) LIMIT 1`
	p, err := scanPrincipal(r.pool.QueryRow(ctx, q, NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal by email: %w", err)
	}
	return p, nil
}

func (r *principalRepo) Upsert(ctx context.Context, p Principal) (*Principal, error) {
	defer observeDB(ctx, "principals.upsert")()
	emails := make([]string, 0, len(p.Emails))
	for _, e := range p.Emails {
		if e = NormalizeEmail(e); e != "" {
			emails = append(emails, e)
		}
	}
	const q = `INSERT INTO principals (id, emails, display_name, is_admin)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET emails=EXCLUDED.emails, display_name=EXCLUDED.display_name, is_admin=EXCLUDED.is_admin
RETURNING ` + principalColumns
	saved, err := scanPrincipal(r.pool.QueryRow(ctx, q, p.ID, emails, p.DisplayName, p.Admin))
	if err != nil {
		return nil, fmt.Errorf("upsert principal %s: %w", p.ID, err)
	}
	return saved, nil
}

// collectionRepo implements CollectionRepository.
type collectionRepo struct {
	pool dbPool
}

const collectionColumns = `id, owner_id, uri, kind, type, display_name, props, public_right, source_id, read_only, sync_token, created_at, updated_at`

func scanCollection(row pgx.Row) (*Collection, error) {
	var (
		c                      Collection
		kind, typ, publicRight string
		props                  []byte
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.URI, &kind, &typ, &c.DisplayName, &props, &publicRight, &c.SourceID, &c.ReadOnly, &c.SyncToken, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = CollectionKind(kind)
	c.Type = CollectionType(typ)
	c.PublicRight = PublicRight(publicRight)
	if len(props) > 0 {
		if err := json.Unmarshal(props, &c.Props); err != nil {
			return nil, fmt.Errorf("decode properties of collection %d: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (r *collectionRepo) listQuery(ctx context.Context, op, q string, args ...any) ([]Collection, error) {
	defer observeDB(ctx, op)()
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *collectionRepo) Get(ctx context.Context, ownerID string, home Home, uri string) (*Collection, error) {
	defer observeDB(ctx, "collections.get")()
	const q = `SELECT ` + collectionColumns + ` FROM collections WHERE owner_id=$1 AND home=$2 AND uri=$3`
	c, err := scanCollection(r.pool.QueryRow(ctx, q, ownerID, string(home), uri))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s/%s: %w", ownerID, uri, err)
	}
	return c, nil
}

func (r *collectionRepo) GetByID(ctx context.Context, id int64) (*Collection, error) {
	defer observeDB(ctx, "collections.get_by_id")()
	c, err := scanCollection(r.pool.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %d: %w", id, err)
	}
	return c, nil
}

func (r *collectionRepo) ListByOwner(ctx context.Context, ownerID string, home Home) ([]Collection, error) {
	const q = `SELECT ` + collectionColumns + ` FROM collections WHERE owner_id=$1 AND home=$2 ORDER BY uri`
	return r.listQuery(ctx, "collections.list_by_owner", q, ownerID, string(home))
}

func (r *collectionRepo) ListBySource(ctx context.Context, sourceID int64) ([]Collection, error) {
	const q = `SELECT ` + collectionColumns + ` FROM collections WHERE source_id=$1 AND type='subscription' ORDER BY id`
	return r.listQuery(ctx, "collections.list_by_source", q, sourceID)
}

func (r *collectionRepo) ListPublic(ctx context.Context, ownerID string, home Home) ([]Collection, error) {
	const q = `SELECT ` + collectionColumns + ` FROM collections
WHERE owner_id=$1 AND home=$2 AND type='owned' AND public_right <> '' ORDER BY uri`
	return r.listQuery(ctx, "collections.list_public", q, ownerID, string(home))
}

func (r *collectionRepo) ListByKind(ctx context.Context, kind CollectionKind) ([]Collection, error) {
	const q = `SELECT ` + collectionColumns + ` FROM collections WHERE kind=$1 ORDER BY id`
	return r.listQuery(ctx, "collections.list_by_kind", q, string(kind))
}

func (r *collectionRepo) Create(ctx context.Context, c Collection) (*Collection, error) {
	defer observeDB(ctx, "collections.create")()
	if c.Type == "" {
		c.Type = TypeOwned
	}
	props, err := json.Marshal(c.Props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	if c.Props == nil {
		props = []byte("[]")
	}
	const q = `INSERT INTO collections (owner_id, home, uri, kind, type, display_name, props, public_right, source_id, read_only)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + collectionColumns
	saved, err := scanCollection(r.pool.QueryRow(ctx, q,
		c.OwnerID, string(c.Kind.Home()), c.URI, string(c.Kind), string(c.Type), c.DisplayName,
		props, string(c.PublicRight), c.SourceID, c.ReadOnly))
	if isUniqueViolation(err) {
		return nil, ErrExists
	}
	if err != nil {
		return nil, fmt.Errorf("create collection %s/%s: %w", c.OwnerID, c.URI, err)
	}
	return saved, nil
}

func (r *collectionRepo) UpdateProperties(ctx context.Context, id int64, update PropertyUpdate) (Properties, *Collection, error) {
	defer observeDB(ctx, "collections.update_properties")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin property update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanCollection(tx.QueryRow(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock collection %d: %w", id, err)
	}

	old := ApplyUpdate(current, update)
	props, err := json.Marshal(current.Props)
	if err != nil {
		return nil, nil, fmt.Errorf("encode properties: %w", err)
	}
	if current.Props == nil {
		props = []byte("[]")
	}
	const q = `UPDATE collections SET display_name=$2, props=$3, sync_token=sync_token+1, updated_at=NOW()
WHERE id=$1 RETURNING ` + collectionColumns
	saved, err := scanCollection(tx.QueryRow(ctx, q, id, current.DisplayName, props))
	if err != nil {
		return nil, nil, fmt.Errorf("update collection %d: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit property update: %w", err)
	}
	return old, saved, nil
}

func (r *collectionRepo) SetPublicRight(ctx context.Context, id int64, right PublicRight) (*Collection, error) {
	defer observeDB(ctx, "collections.set_public_right")()
	const q = `UPDATE collections SET public_right=$2, sync_token=sync_token+1, updated_at=NOW()
WHERE id=$1 RETURNING ` + collectionColumns
	saved, err := scanCollection(r.pool.QueryRow(ctx, q, id, string(right)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set public right on %d: %w", id, err)
	}
	return saved, nil
}

func (r *collectionRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "collections.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM collections WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete collection %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// itemRepo implements ItemRepository.
type itemRepo struct {
	pool dbPool
}

const itemColumns = `id, collection_id, name, uid, data, etag, content_type, last_modified`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	if err := row.Scan(&it.ID, &it.CollectionID, &it.Name, &it.UID, &it.Data, &it.ETag, &it.ContentType, &it.LastModified); err != nil {
		return nil, err
	}
	return &it, nil
}

func getItem(ctx context.Context, q queryRower, collectionID int64, name string) (*Item, error) {
	it, err := scanItem(q.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE collection_id=$1 AND name=$2`, collectionID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return it, err
}

func (r *itemRepo) Get(ctx context.Context, collectionID int64, name string) (*Item, error) {
	defer observeDB(ctx, "items.get")()
	it, err := getItem(ctx, r.pool, collectionID, name)
	if err != nil {
		return nil, fmt.Errorf("get item %d/%s: %w", collectionID, name, err)
	}
	if it == nil {
		return nil, ErrNotFound
	}
	return it, nil
}

func (r *itemRepo) listQuery(ctx context.Context, op, q string, args ...any) ([]Item, error) {
	defer observeDB(ctx, op)()
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (r *itemRepo) List(ctx context.Context, collectionID int64) ([]Item, error) {
	return r.listQuery(ctx, "items.list", `SELECT `+itemColumns+` FROM items WHERE collection_id=$1 ORDER BY name`, collectionID)
}

func (r *itemRepo) ListByNames(ctx context.Context, collectionID int64, names []string) ([]Item, error) {
	if len(names) == 0 {
		return nil, nil
	}
	const q = `SELECT ` + itemColumns + ` FROM items WHERE collection_id=$1 AND name = ANY($2) ORDER BY name`
	return r.listQuery(ctx, "items.list_by_names", q, collectionID, names)
}

func (r *itemRepo) ListByUID(ctx context.Context, collectionID int64, uid string) ([]Item, error) {
	const q = `SELECT ` + itemColumns + ` FROM items WHERE collection_id=$1 AND uid=$2 ORDER BY name`
	return r.listQuery(ctx, "items.list_by_uid", q, collectionID, uid)
}

// lockCollection takes the row lock that serializes token bumps of one collection.
func lockCollection(ctx context.Context, tx pgx.Tx, collectionID int64) error {
	var token int64
	err := tx.QueryRow(ctx, `SELECT sync_token FROM collections WHERE id=$1 FOR UPDATE`, collectionID).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock collection %d: %w", collectionID, err)
	}
	return nil
}

func bumpToken(ctx context.Context, tx pgx.Tx, collectionID int64, name string, kind ChangeKind, etag string) (int64, error) {
	var token int64
	const q = `UPDATE collections SET sync_token=sync_token+1, updated_at=NOW() WHERE id=$1 RETURNING sync_token`
	if err := tx.QueryRow(ctx, q, collectionID).Scan(&token); err != nil {
		return 0, fmt.Errorf("bump sync token of %d: %w", collectionID, err)
	}
	const ins = `INSERT INTO changes (collection_id, version, name, kind, etag) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, ins, collectionID, token, name, string(kind), etag); err != nil {
		return 0, fmt.Errorf("record change of %d: %w", collectionID, err)
	}
	return token, nil
}

func (r *itemRepo) Put(ctx context.Context, item Item, check Precondition) (*PutResult, error) {
	defer observeDB(ctx, "items.put")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin item put: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockCollection(ctx, tx, item.CollectionID); err != nil {
		return nil, err
	}
	current, err := getItem(ctx, tx, item.CollectionID, item.Name)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", item.Name, err)
	}
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}

	kind := ChangeAdded
	if current != nil {
		kind = ChangeUpdated
	}
	token, err := bumpToken(ctx, tx, item.CollectionID, item.Name, kind, item.ETag)
	if err != nil {
		return nil, err
	}

	const q = `INSERT INTO items (collection_id, name, uid, data, etag, content_type, last_modified)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (collection_id, name) DO UPDATE SET uid=EXCLUDED.uid, data=EXCLUDED.data, etag=EXCLUDED.etag,
	content_type=EXCLUDED.content_type, last_modified=NOW()
RETURNING ` + itemColumns
	saved, err := scanItem(tx.QueryRow(ctx, q, item.CollectionID, item.Name, item.UID, item.Data, item.ETag, item.ContentType))
	if err != nil {
		return nil, fmt.Errorf("save item %s: %w", item.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit item put: %w", err)
	}
	return &PutResult{Item: saved, Previous: current, Created: current == nil, SyncToken: token}, nil
}

func (r *itemRepo) Delete(ctx context.Context, collectionID int64, name string, check Precondition) (*DeleteResult, error) {
	defer observeDB(ctx, "items.delete")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin item delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockCollection(ctx, tx, collectionID); err != nil {
		return nil, err
	}
	current, err := getItem(ctx, tx, collectionID, name)
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", name, err)
	}
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}
	if current == nil {
		return nil, ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM items WHERE collection_id=$1 AND name=$2`, collectionID, name); err != nil {
		return nil, fmt.Errorf("delete item %s: %w", name, err)
	}
	token, err := bumpToken(ctx, tx, collectionID, name, ChangeDeleted, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit item delete: %w", err)
	}
	return &DeleteResult{Previous: current, SyncToken: token}, nil
}

func (r *itemRepo) DeleteOlderThan(ctx context.Context, collectionID int64, cutoff time.Time) ([]string, error) {
	defer observeDB(ctx, "items.delete_older_than")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin retention: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockCollection(ctx, tx, collectionID); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `DELETE FROM items WHERE collection_id=$1 AND last_modified < $2 RETURNING name`, collectionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire items of %d: %w", collectionID, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("expire items of %d: %w", collectionID, err)
	}
	for _, name := range names {
		if _, err := bumpToken(ctx, tx, collectionID, name, ChangeDeleted, ""); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit retention: %w", err)
	}
	return names, nil
}

// changeRepo implements ChangeRepository.
type changeRepo struct {
	pool dbPool
}

func (r *changeRepo) Since(ctx context.Context, collectionID int64, version int64) ([]Change, error) {
	defer observeDB(ctx, "changes.since")()
	const q = `SELECT collection_id, version, name, kind, etag, created_at FROM changes
WHERE collection_id=$1 AND version > $2 ORDER BY version`
	rows, err := r.pool.Query(ctx, q, collectionID, version)
	if err != nil {
		return nil, fmt.Errorf("list changes of %d: %w", collectionID, err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var (
			ch   Change
			kind string
		)
		if err := rows.Scan(&ch.CollectionID, &ch.Version, &ch.Name, &kind, &ch.ETag, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		ch.Kind = ChangeKind(kind)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// grantRepo implements GrantRepository.
type grantRepo struct {
	pool dbPool
}

func (r *grantRepo) scan(rows pgx.Rows) ([]Grant, error) {
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		var (
			g     Grant
			right string
		)
		if err := rows.Scan(&g.CollectionID, &g.GranteeID, &right, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Right = GrantRight(right)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *grantRepo) List(ctx context.Context, collectionID int64) ([]Grant, error) {
	defer observeDB(ctx, "grants.list")()
	rows, err := r.pool.Query(ctx, `SELECT collection_id, grantee_id, rights, created_at FROM grants WHERE collection_id=$1 ORDER BY grantee_id`, collectionID)
	if err != nil {
		return nil, fmt.Errorf("list grants of %d: %w", collectionID, err)
	}
	return r.scan(rows)
}

func (r *grantRepo) ListForGrantee(ctx context.Context, granteeID string) ([]Grant, error) {
	defer observeDB(ctx, "grants.list_for_grantee")()
	rows, err := r.pool.Query(ctx, `SELECT collection_id, grantee_id, rights, created_at FROM grants WHERE grantee_id=$1 ORDER BY collection_id`, granteeID)
	if err != nil {
		return nil, fmt.Errorf("list grants for %s: %w", granteeID, err)
	}
	return r.scan(rows)
}

func (r *grantRepo) Get(ctx context.Context, collectionID int64, granteeID string) (*Grant, error) {
	defer observeDB(ctx, "grants.get")()
	var (
		g     Grant
		right string
	)
	err := r.pool.QueryRow(ctx, `SELECT collection_id, grantee_id, rights, created_at FROM grants WHERE collection_id=$1 AND grantee_id=$2`,
		collectionID, granteeID).Scan(&g.CollectionID, &g.GranteeID, &right, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant: %w", err)
	}
	g.Right = GrantRight(right)
	return &g, nil
}

func (r *grantRepo) Set(ctx context.Context, grant Grant) error {
	defer observeDB(ctx, "grants.set")()
	const q = `INSERT INTO grants (collection_id, grantee_id, rights) VALUES ($1, $2, $3)
ON CONFLICT (collection_id, grantee_id) DO UPDATE SET rights=EXCLUDED.rights`
	if _, err := r.pool.Exec(ctx, q, grant.CollectionID, grant.GranteeID, strings.ToLower(string(grant.Right))); err != nil {
		return fmt.Errorf("set grant: %w", err)
	}
	return nil
}

func (r *grantRepo) Delete(ctx context.Context, collectionID int64, granteeID string) error {
	defer observeDB(ctx, "grants.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM grants WHERE collection_id=$1 AND grantee_id=$2`, collectionID, granteeID)
	if err != nil {
		return fmt.Errorf("delete grant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
