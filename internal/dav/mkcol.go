package dav

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/store"
)

// mkcolRequest is the parsed body of MKCOL (extended) or MKCALENDAR.
type mkcolRequest struct {
	kind        store.CollectionKind
	typed       bool
	displayName string
	props       store.Properties
}

func parseMkcol(doc *etree.Document, root xmlName) (mkcolRequest, error) {
	var req mkcolRequest
	if doc == nil {
		return req, nil
	}
	if nameOf(doc.Root()) != root {
		return req, fmt.Errorf("%w: expected %s body", errBadRequest, root.Local)
	}
	for _, set := range children(doc.Root(), xmlName{nsDAV, "set"}) {
		for _, prop := range children(set, xmlName{nsDAV, "prop"}) {
			for _, el := range prop.ChildElements() {
				name := nameOf(el)
				switch name {
				case propResourceType:
					req.typed = true
					for _, rt := range el.ChildElements() {
						switch nameOf(rt) {
						case xmlName{nsCalDAV, "calendar"}:
							req.kind = store.KindCalendar
						case xmlName{nsCardDAV, "addressbook"}:
							req.kind = store.KindAddressBook
						}
					}
				case propDisplayName:
					req.displayName = el.Text()
				default:
					req.props = req.props.Set(name.Space, name.Local, innerXML(el))
				}
			}
		}
	}
	return req, nil
}

// Mkcol creates an address book or calendar from an extended MKCOL body.
// A plain MKCOL creates the collection type of the home it is issued in.
func (h *Handler) Mkcol(w http.ResponseWriter, r *http.Request) {
	h.makeCollection(w, r, xmlName{nsDAV, "mkcol"})
}

// Mkcalendar creates a calendar collection.
func (h *Handler) Mkcalendar(w http.ResponseWriter, r *http.Request) {
	h.makeCollection(w, r, xmlName{nsCalDAV, "mkcalendar"})
}

func (h *Handler) makeCollection(w http.ResponseWriter, r *http.Request, root xmlName) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	ctx := r.Context()
	switch {
	case t.uri == "":
		http.Error(w, "resource already exists", http.StatusMethodNotAllowed)
		return
	case t.owner != p.ID:
		http.Error(w, "collections can only be created in your own home", http.StatusMethodNotAllowed)
		return
	case t.name != "":
		_, err := h.store.Collections.Get(ctx, t.owner, t.home, t.uri)
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "parent collection does not exist", http.StatusConflict)
			return
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeDAVError(w, http.StatusForbidden, condValidResourceType)
		return
	case t.json:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	doc, err := readXML(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := parseMkcol(doc, root)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	want := store.KindCalendar
	if t.home == store.HomeAddressBooks {
		want = store.KindAddressBook
	}
	if root.Local == "mkcalendar" {
		req.kind, req.typed = store.KindCalendar, true
	}
	if !req.typed {
		req.kind = want
	}
	if req.kind != want {
		writeDAVError(w, http.StatusForbidden, condValidResourceType)
		return
	}

	c, err := h.store.Collections.Create(ctx, store.Collection{
		OwnerID:     p.ID,
		URI:         t.uri,
		Kind:        req.kind,
		Type:        store.TypeOwned,
		DisplayName: req.displayName,
		Props:       req.props,
	})
	if errors.Is(err, store.ErrExists) {
		writeDAVError(w, http.StatusMethodNotAllowed, condResourceMustBeNull)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("collection", c.ID).Str("href", collectionHref(c)).Str("kind", string(c.Kind)).Msg("collection created")
	w.Header().Set("Location", collectionHref(c))
	w.WriteHeader(http.StatusCreated)
}
