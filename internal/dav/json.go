package dav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
)

type halLink struct {
	Href string `json:"href"`
}

type inviteJSON struct {
	Href   string `json:"dav:href"`
	Access string `json:"access"`
}

type collectionJSON struct {
	Links       map[string]halLink `json:"_links"`
	ID          string             `json:"id"`
	Owner       string             `json:"owner"`
	Kind        string             `json:"kind"`
	Type        string             `json:"type"`
	DisplayName string             `json:"dav:name"`
	SyncToken   string             `json:"syncToken"`
	CTag        string             `json:"cs:getctag"`
	PublicRight string             `json:"publicRight,omitempty"`
	ReadOnly    bool               `json:"readOnly,omitempty"`
	Source      *halLink           `json:"calendarserver:source,omitempty"`
	Props       map[string]string  `json:"props,omitempty"`
	ACL         []sharing.ACE      `json:"acl,omitempty"`
	Invites     []inviteJSON       `json:"invite,omitempty"`
}

func jsonHref(href string) string {
	return strings.TrimSuffix(href, "/") + ".json"
}

func embeddedKey(home store.Home) string {
	if home == store.HomeAddressBooks {
		return "dav:addressbook"
	}
	return "dav:calendar"
}

func (h *Handler) collectionView(ctx context.Context, c *store.Collection) (collectionJSON, error) {
	view := collectionJSON{
		Links:       map[string]halLink{"self": {Href: jsonHref(collectionHref(c))}},
		ID:          c.URI,
		Owner:       c.OwnerID,
		Kind:        string(c.Kind),
		Type:        string(c.Type),
		DisplayName: c.DisplayName,
		SyncToken:   revision.CurrentToken(c),
		CTag:        c.CTag(),
		PublicRight: string(c.PublicRight),
		ReadOnly:    c.ReadOnly,
	}
	if len(c.Props) > 0 {
		view.Props = make(map[string]string, len(c.Props))
		for _, p := range c.Props {
			view.Props[xmlName{p.Namespace, p.Name}.String()] = p.Value
		}
	}
	if c.IsSubscription() {
		src, err := h.store.Collections.GetByID(ctx, *c.SourceID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return view, err
		}
		if src != nil {
			view.Source = &halLink{Href: jsonHref(collectionHref(src))}
		}
	}
	return view, nil
}

// listCollectionsJSON answers GET /{home}/{owner}.json.
func (h *Handler) listCollectionsJSON(w http.ResponseWriter, r *http.Request, p *store.Principal, t target) {
	ctx := r.Context()
	cols, err := h.sharing.Visible(ctx, p.ID, t.owner, t.home)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	query := r.URL.Query()
	if query.Get("sharedDelegations") == "true" {
		if t.owner != p.ID {
			h.fail(w, r, sharing.ErrForbidden)
			return
		}
		delegated, err := h.sharing.Delegated(ctx, p.ID, t.home)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		cols = append(cols, delegated...)
	}
	if query.Get("sharedPublic") == "true" {
		public, err := h.sharing.Public(ctx, t.owner, t.home)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		cols = append(cols, public...)
	}

	seen := make(map[int64]bool, len(cols))
	views := make([]collectionJSON, 0, len(cols))
	for i := range cols {
		c := &cols[i]
		if seen[c.ID] || c.Kind == store.KindOutbox {
			continue
		}
		seen[c.ID] = true
		view, err := h.collectionView(ctx, c)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_links":    map[string]halLink{"self": {Href: jsonHref(homeHref(t.home, t.owner))}},
		"_embedded": map[string]any{embeddedKey(t.home): views},
	})
}

// getCollectionJSON answers GET /{home}/{owner}/{uri}.json. The ACL and the
// invites are only shown to principals allowed to share the collection.
func (h *Handler) getCollectionJSON(w http.ResponseWriter, r *http.Request, p *store.Principal, c *store.Collection) {
	ctx := r.Context()
	view, err := h.collectionView(ctx, c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.sharing.Require(ctx, p.ID, c, sharing.PrivShare) == nil {
		if view.ACL, err = h.sharing.ACL(ctx, c); err != nil {
			h.fail(w, r, err)
			return
		}
		grants, err := h.store.Grants.List(ctx, c.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		for _, g := range grants {
			view.Invites = append(view.Invites, inviteJSON{Href: sharing.PrincipalHref(g.GranteeID), Access: string(g.Right)})
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type createCollectionRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"dav:name"`
	DisplayName string            `json:"displayname"`
	Description string            `json:"caldav:description"`
	Color       string            `json:"apple:color"`
	Source      json.RawMessage   `json:"calendarserver:source"`
	AltSource   string            `json:"source"`
	ReadOnly    *bool             `json:"readOnly"`
	Props       map[string]string `json:"props"`
}

// sourceHref accepts {"href": "..."} or a bare string.
func (req createCollectionRequest) sourceHref() string {
	if req.AltSource != "" {
		return req.AltSource
	}
	if len(req.Source) == 0 {
		return ""
	}
	var link halLink
	if err := json.Unmarshal(req.Source, &link); err == nil && link.Href != "" {
		return link.Href
	}
	var s string
	_ = json.Unmarshal(req.Source, &s)
	return s
}

// createCollectionJSON answers POST /{home}/{owner}.json: a new collection,
// or a subscription when a source is given.
func (h *Handler) createCollectionJSON(w http.ResponseWriter, r *http.Request, p *store.Principal, t target) {
	if t.owner != p.ID {
		http.Error(w, "collections can only be created in your own home", http.StatusMethodNotAllowed)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req createCollectionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if strings.ContainsAny(req.ID, "/\\") || strings.HasSuffix(req.ID, ".json") {
		h.fail(w, r, fmt.Errorf("%w: invalid collection id %q", errBadRequest, req.ID))
		return
	}
	displayName := req.Name
	if displayName == "" {
		displayName = req.DisplayName
	}
	ctx := r.Context()

	var c *store.Collection
	if href := req.sourceHref(); href != "" {
		src, err := h.sourceCollection(ctx, p, href)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if src.Kind.Home() != t.home {
			h.fail(w, r, fmt.Errorf("%w: source lives in another home", errBadRequest))
			return
		}
		readOnly := true
		if req.ReadOnly != nil {
			readOnly = *req.ReadOnly
		}
		c, err = h.sharing.Subscribe(ctx, sharing.SubscribeRequest{
			Subscriber:  p.ID,
			Source:      src,
			URI:         req.ID,
			DisplayName: displayName,
			ReadOnly:    readOnly,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
	} else {
		kind := store.KindCalendar
		if t.home == store.HomeAddressBooks {
			kind = store.KindAddressBook
		}
		var props store.Properties
		if req.Description != "" {
			if kind == store.KindAddressBook {
				props = props.Set(nsCardDAV, "addressbook-description", req.Description)
			} else {
				props = props.Set(nsCalDAV, "calendar-description", req.Description)
			}
		}
		if req.Color != "" {
			props = props.Set("http://apple.com/ns/ical/", "calendar-color", req.Color)
		}
		for clark, value := range req.Props {
			space, local := splitClark(clark)
			props = props.Set(space, local, value)
		}
		c, err = h.store.Collections.Create(ctx, store.Collection{
			OwnerID:     p.ID,
			URI:         req.ID,
			Kind:        kind,
			Type:        store.TypeOwned,
			DisplayName: displayName,
			Props:       props,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	hlog.FromRequest(r).Info().Int64("collection", c.ID).Str("type", string(c.Type)).Str("href", collectionHref(c)).Msg("collection created")
	view, err := h.collectionView(ctx, c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", jsonHref(collectionHref(c)))
	writeJSON(w, http.StatusCreated, view)
}

// sourceCollection resolves the collection a subscription points at.
func (h *Handler) sourceCollection(ctx context.Context, p *store.Principal, href string) (*store.Collection, error) {
	t, found := parsePath(href)
	if !found || t.uri == "" || t.name != "" {
		return nil, fmt.Errorf("%w: invalid source %q", errBadRequest, href)
	}
	c, _, err := h.loadCollection(ctx, p, t, sharing.PrivRead)
	return c, err
}

type shareEntry struct {
	Href           string `json:"dav:href"`
	Right          string `json:"right"`
	Read           bool   `json:"dav:read"`
	ReadWrite      bool   `json:"dav:read-write"`
	Administration bool   `json:"dav:administration"`
}

func (e shareEntry) right() string {
	switch {
	case e.Right != "":
		return e.Right
	case e.Administration:
		return string(store.GrantAdministration)
	case e.ReadWrite:
		return string(store.GrantReadWrite)
	case e.Read:
		return string(store.GrantRead)
	}
	return ""
}

type shareRequest struct {
	Share struct {
		Set    []shareEntry `json:"set"`
		Remove []shareEntry `json:"remove"`
	} `json:"share"`
}

// shareJSON answers POST /{home}/{owner}/{uri}.json with a share body.
// Grantees are addressed by mailto: href, email or principal href.
func (h *Handler) shareJSON(w http.ResponseWriter, r *http.Request, p *store.Principal, t target) {
	ctx := r.Context()
	c, _, err := h.loadCollection(ctx, p, t, sharing.PrivRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req shareRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	for _, entry := range req.Share.Set {
		grantee, err := h.lookupPrincipal(r, strings.TrimPrefix(entry.Href, "mailto:"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		right, err := sharing.ParseGrantRight(entry.right())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.sharing.GrantDelegation(ctx, p.ID, c, grantee.ID, right); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	for _, entry := range req.Share.Remove {
		grantee, err := h.lookupPrincipal(r, strings.TrimPrefix(entry.Href, "mailto:"))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.sharing.RevokeDelegation(ctx, p.ID, c, grantee.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type matchRequest struct {
	Match *struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"match"`
}

type itemJSON struct {
	Links map[string]halLink `json:"_links"`
	ETag  string             `json:"etag"`
	Data  json.RawMessage    `json:"data"`
}

// reportJSON answers REPORT /{home}/{owner}/{uri}.json. Calendar items can be
// narrowed to a time range; every item is returned as jCal or jCard.
func (h *Handler) reportJSON(w http.ResponseWriter, r *http.Request, p *store.Principal, t target) {
	ctx := r.Context()
	c, _, err := h.loadCollection(ctx, p, t, sharing.PrivRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req matchRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	var tr *caldata.TimeRange
	if req.Match != nil {
		parsed, err := caldata.ParseTimeRange(req.Match.Start, req.Match.End)
		if err != nil {
			h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		tr = &parsed
	}

	items, err := h.store.Items.List(ctx, c.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]itemJSON, 0, len(items))
	for i := range items {
		it := &items[i]
		var data []byte
		if c.Kind == store.KindAddressBook {
			card, err := carddata.Parse(it.Data)
			if err != nil {
				continue
			}
			data, err = carddata.MarshalJCard(card.Card)
			if err != nil {
				continue
			}
		} else {
			obj, err := caldata.Parse(it.Data)
			if err != nil {
				continue
			}
			if tr != nil && !obj.Overlaps(*tr) {
				continue
			}
			data, err = caldata.MarshalJCal(obj.Cal)
			if err != nil {
				continue
			}
		}
		out = append(out, itemJSON{
			Links: map[string]halLink{"self": {Href: itemHref(c, it.Name)}},
			ETag:  revision.Quote(it.ETag),
			Data:  data,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"_links":    map[string]halLink{"self": {Href: jsonHref(collectionHref(c))}},
		"_embedded": map[string]any{"dav:item": out},
	})
}
