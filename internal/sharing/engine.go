package sharing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jw6ventures/calcore/internal/store"
)

var (
	// ErrForbidden is returned when the principal lacks the needed privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrReadOnly is returned for writes against a read-only subscription.
	ErrReadOnly = errors.New("subscription is read-only")
	// ErrInvalidRight is returned for unknown public or delegation rights.
	ErrInvalidRight = errors.New("invalid right")
)

// Engine evaluates and mutates collection sharing state.
type Engine struct {
	store *store.Store
	log   zerolog.Logger
}

func NewEngine(st *store.Store, log zerolog.Logger) *Engine {
	return &Engine{store: st, log: log.With().Str("component", "sharing").Logger()}
}

// Privileges returns the effective privileges of principalID on c.
func (e *Engine) Privileges(ctx context.Context, principalID string, c *store.Collection) (PrivilegeSet, error) {
	if principalID == c.OwnerID {
		return Effective(principalID, c, nil), nil
	}
	g, err := e.store.Grants.Get(ctx, c.ID, principalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load grant: %w", err)
	}
	return Effective(principalID, c, g), nil
}

// Require fails with ErrForbidden unless principalID holds priv on c.
func (e *Engine) Require(ctx context.Context, principalID string, c *store.Collection, priv Privilege) error {
	privs, err := e.Privileges(ctx, principalID, c)
	if err != nil {
		return err
	}
	if !privs.Has(priv) {
		return ErrForbidden
	}
	return nil
}

// ACL returns the collection's access control list.
func (e *Engine) ACL(ctx context.Context, c *store.Collection) ([]ACE, error) {
	grants, err := e.store.Grants.List(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	return BuildACL(c, grants), nil
}

// ParsePublicRight accepts "", "none", "read" and "write" as well as the
// Clark-notation privilege names some clients send.
func ParsePublicRight(s string) (store.PublicRight, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return store.PublicNone, nil
	case "read", "{dav:}read":
		return store.PublicRead, nil
	case "write", "{dav:}write":
		return store.PublicWrite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRight, s)
}

// SetPublicRight replaces the mutable public entry of the ACL. Only the owner
// or an administration delegate may change it.
func (e *Engine) SetPublicRight(ctx context.Context, principalID string, c *store.Collection, right store.PublicRight) (*store.Collection, []ACE, error) {
	if err := e.Require(ctx, principalID, c, PrivShare); err != nil {
		return nil, nil, err
	}
	if c.IsSubscription() {
		return nil, nil, ErrForbidden
	}
	updated, err := e.store.Collections.SetPublicRight(ctx, c.ID, right)
	if err != nil {
		return nil, nil, err
	}
	acl, err := e.ACL(ctx, updated)
	if err != nil {
		return nil, nil, err
	}
	e.log.Info().Int64("collection", c.ID).Str("right", string(right)).Msg("public right changed")
	return updated, acl, nil
}

// ParseGrantRight accepts the delegation rights.
func ParseGrantRight(s string) (store.GrantRight, error) {
	switch store.GrantRight(strings.ToLower(strings.TrimSpace(s))) {
	case store.GrantRead:
		return store.GrantRead, nil
	case store.GrantReadWrite, "write":
		return store.GrantReadWrite, nil
	case store.GrantAdministration, "admin":
		return store.GrantAdministration, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRight, s)
}

// GrantDelegation gives granteeID the right on c.
func (e *Engine) GrantDelegation(ctx context.Context, principalID string, c *store.Collection, granteeID string, right store.GrantRight) error {
	if err := e.Require(ctx, principalID, c, PrivShare); err != nil {
		return err
	}
	if c.IsSubscription() || granteeID == c.OwnerID {
		return ErrForbidden
	}
	if grantPrivileges(right) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidRight, right)
	}
	if err := e.store.Grants.Set(ctx, store.Grant{CollectionID: c.ID, GranteeID: granteeID, Right: right}); err != nil {
		return fmt.Errorf("store grant: %w", err)
	}
	e.log.Info().Int64("collection", c.ID).Str("grantee", granteeID).Str("right", string(right)).Msg("delegation granted")
	return nil
}

// RevokeDelegation removes a delegation. Revoking an absent grant succeeds.
func (e *Engine) RevokeDelegation(ctx context.Context, principalID string, c *store.Collection, granteeID string) error {
	if err := e.Require(ctx, principalID, c, PrivShare); err != nil {
		return err
	}
	if err := e.store.Grants.Delete(ctx, c.ID, granteeID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete grant: %w", err)
	}
	e.log.Info().Int64("collection", c.ID).Str("grantee", granteeID).Msg("delegation revoked")
	return nil
}

// SubscribeRequest describes a new subscription.
type SubscribeRequest struct {
	Subscriber  string
	Source      *store.Collection
	URI         string
	DisplayName string
	ReadOnly    bool
}

// Subscribe creates a mirrored copy of the source in the subscriber's home and
// copies the items that exist now. Later changes arrive through Mirror.
func (e *Engine) Subscribe(ctx context.Context, req SubscribeRequest) (*store.Collection, error) {
	src := req.Source
	if src.Kind != store.KindCalendar && src.Kind != store.KindAddressBook {
		return nil, ErrForbidden
	}
	if src.IsSubscription() || src.OwnerID == req.Subscriber {
		return nil, ErrForbidden
	}
	if err := e.Require(ctx, req.Subscriber, src, PrivRead); err != nil {
		return nil, err
	}
	if !req.ReadOnly {
		if err := e.Require(ctx, req.Subscriber, src, PrivWrite); err != nil {
			return nil, err
		}
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = src.DisplayName
	}
	sourceID := src.ID
	sub, err := e.store.Collections.Create(ctx, store.Collection{
		OwnerID:     req.Subscriber,
		URI:         req.URI,
		Kind:        src.Kind,
		Type:        store.TypeSubscription,
		DisplayName: displayName,
		Props:       src.Props.Clone(),
		SourceID:    &sourceID,
		ReadOnly:    req.ReadOnly,
	})
	if err != nil {
		return nil, err
	}

	items, err := e.store.Items.List(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("list source items: %w", err)
	}
	for _, it := range items {
		if err := e.copyItem(ctx, sub.ID, &it); err != nil {
			return nil, err
		}
	}
	e.log.Info().Int64("source", src.ID).Int64("subscription", sub.ID).Str("subscriber", req.Subscriber).Int("items", len(items)).Msg("subscribed")
	return e.store.Collections.GetByID(ctx, sub.ID)
}

// Unsubscribe removes the subscriber's copy. The source is never touched.
func (e *Engine) Unsubscribe(ctx context.Context, principalID string, sub *store.Collection) error {
	if !sub.IsSubscription() {
		return ErrForbidden
	}
	if sub.OwnerID != principalID {
		return ErrForbidden
	}
	return e.store.Collections.Delete(ctx, sub.ID)
}

// WriteTarget resolves the collection a write against c must land in. Writes
// to read-write subscriptions go to the source; read-only copies refuse them.
func (e *Engine) WriteTarget(ctx context.Context, principalID string, c *store.Collection) (*store.Collection, error) {
	if !c.IsSubscription() {
		if err := e.Require(ctx, principalID, c, PrivWrite); err != nil {
			return nil, err
		}
		return c, nil
	}
	if c.ReadOnly {
		return nil, ErrReadOnly
	}
	src, err := e.store.Collections.GetByID(ctx, *c.SourceID)
	if err != nil {
		return nil, fmt.Errorf("load subscription source: %w", err)
	}
	if err := e.Require(ctx, principalID, src, PrivWrite); err != nil {
		return nil, err
	}
	return src, nil
}

// Visible lists the collections of owner's home that viewer may see. Other
// principals see only owned collections they can read, never subscriptions.
func (e *Engine) Visible(ctx context.Context, viewer, owner string, home store.Home) ([]store.Collection, error) {
	cols, err := e.store.Collections.ListByOwner(ctx, owner, home)
	if err != nil {
		return nil, err
	}
	if viewer == owner {
		return cols, nil
	}
	var out []store.Collection
	for i := range cols {
		c := &cols[i]
		if c.Type != store.TypeOwned || c.Kind == store.KindInbox || c.Kind == store.KindOutbox {
			continue
		}
		privs, err := e.Privileges(ctx, viewer, c)
		if err != nil {
			return nil, err
		}
		if privs.Has(PrivRead) {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Delegated lists collections of home that were shared with principalID.
func (e *Engine) Delegated(ctx context.Context, principalID string, home store.Home) ([]store.Collection, error) {
	grants, err := e.store.Grants.ListForGrantee(ctx, principalID)
	if err != nil {
		return nil, err
	}
	var out []store.Collection
	for _, g := range grants {
		c, err := e.store.Collections.GetByID(ctx, g.CollectionID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if c.Kind.Home() == home {
			out = append(out, *c)
		}
	}
	return out, nil
}

// Public lists owner's collections carrying a public right, for viewers other
// than the owner.
func (e *Engine) Public(ctx context.Context, owner string, home store.Home) ([]store.Collection, error) {
	return e.store.Collections.ListPublic(ctx, owner, home)
}

// copyItem upserts src into the collection unless the copy already holds the
// same payload.
func (e *Engine) copyItem(ctx context.Context, collectionID int64, src *store.Item) error {
	current, err := e.store.Items.Get(ctx, collectionID, src.Name)
	if err == nil && current.ETag == src.ETag {
		return nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load mirrored item: %w", err)
	}
	_, err = e.store.Items.Put(ctx, store.Item{
		CollectionID: collectionID,
		Name:         src.Name,
		UID:          src.UID,
		Data:         src.Data,
		ETag:         src.ETag,
		ContentType:  src.ContentType,
	}, nil)
	if err != nil {
		return fmt.Errorf("mirror item %s: %w", src.Name, err)
	}
	return nil
}
