package dav

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
	"github.com/jw6ventures/calcore/internal/precondition"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
)

var condMaxAttendees = xmlName{nsCalDAV, "max-attendees-per-instance"}

// parentCollection loads the collection an item path lives in. A missing
// collection is a conflict; one the principal cannot read does not exist.
func (h *Handler) parentCollection(ctx context.Context, p *store.Principal, t target) (*store.Collection, error) {
	c, err := h.store.Collections.Get(ctx, t.owner, t.home, t.uri)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errConflict
	}
	if err != nil {
		return nil, err
	}
	if err := h.sharing.Require(ctx, p.ID, c, sharing.PrivRead); err != nil {
		if errors.Is(err, sharing.ErrForbidden) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

var errConflict = errors.New("parent collection does not exist")

// Put stores a calendar object or vCard. The body is validated, stored in
// canonical form and answered with its entity tag.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	switch {
	case t.nested:
		h.fail(w, r, errNestedCollection)
		return
	case t.name == "":
		w.Header().Set("Allow", t.kind.caps().allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	c, err := h.parentCollection(ctx, p, t)
	if errors.Is(err, errConflict) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if c.Kind == store.KindInbox || c.Kind == store.KindOutbox {
		http.Error(w, "scheduling collections are not writable", http.StatusForbidden)
		return
	}
	dst, err := h.sharing.WriteTarget(ctx, p.ID, c)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	item, cond, err := decodeItem(c.Kind, t.json, body)
	if err != nil {
		hlog.FromRequest(r).Info().Err(err).Str("path", r.URL.Path).Msg("rejected item payload")
		writeDAVError(w, statusForCondition(cond), cond)
		return
	}
	item.CollectionID = dst.ID
	item.Name = t.storedName()

	res, err := h.store.Items.Put(ctx, item, precondition.Guard(precondition.FromRequest(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", revision.Quote(res.Item.ETag))
	if res.Created {
		w.Header().Set("Location", itemHref(c, item.Name))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}

	col := *dst
	col.SyncToken = res.SyncToken
	h.publish(r, propagation.Event{
		Kind:       propagation.KindPut,
		Collection: col,
		SyncToken:  res.SyncToken,
		Name:       item.Name,
		Item:       res.Item,
		Previous:   res.Previous,
		Actor:      p.ID,
	})
}

func statusForCondition(cond xmlName) int {
	switch cond {
	case condMaxResourceSize, condCardMaxResourceSize, condMaxAttendees:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

// decodeItem validates a request body and returns the item to store, or the
// failed precondition.
func decodeItem(kind store.CollectionKind, jsonBody bool, body []byte) (store.Item, xmlName, error) {
	if kind == store.KindAddressBook {
		if len(body) > maxResourceSize {
			return store.Item{}, condCardMaxResourceSize, errRequestTooLarge
		}
		raw := string(body)
		if jsonBody {
			card, err := carddata.FromJCard(body)
			if err != nil {
				return store.Item{}, condValidAddressData, err
			}
			if raw, err = carddata.Encode(card); err != nil {
				return store.Item{}, condValidAddressData, err
			}
		}
		card, err := carddata.Parse(raw)
		if err != nil {
			return store.Item{}, condValidAddressData, err
		}
		data := revision.Canonicalize(raw)
		return store.Item{UID: card.UID(), Data: data, ETag: revision.ETag(data), ContentType: carddata.ContentType}, xmlName{}, nil
	}

	if len(body) > maxResourceSize {
		return store.Item{}, condMaxResourceSize, errRequestTooLarge
	}
	raw := string(body)
	if jsonBody {
		cal, err := caldata.FromJCal(body)
		if err != nil {
			return store.Item{}, condValidCalendarData, err
		}
		if raw, err = caldata.Encode(cal); err != nil {
			return store.Item{}, condValidCalendarData, err
		}
	}
	obj, err := caldata.Parse(raw)
	if err != nil {
		return store.Item{}, condValidCalendarData, err
	}
	if n := len(obj.Attendees()); n > caldavMaxAttendees {
		return store.Item{}, condMaxAttendees, fmt.Errorf("%d attendees exceed the limit of %d", n, caldavMaxAttendees)
	}
	data := revision.Canonicalize(raw)
	return store.Item{UID: obj.UID(), Data: data, ETag: revision.ETag(data), ContentType: caldata.ContentType}, xmlName{}, nil
}

// Delete removes an item, or a whole collection together with everything
// mirrored from it.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	switch {
	case t.nested:
		http.Error(w, "not found", http.StatusNotFound)
		return
	case t.uri == "":
		w.Header().Set("Allow", t.kind.caps().allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	case t.name == "":
		h.deleteCollection(w, r, p, t)
		return
	}

	ctx := r.Context()
	c, err := h.parentCollection(ctx, p, t)
	if errors.Is(err, errConflict) {
		err = store.ErrNotFound
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dst := c
	if c.Kind != store.KindInbox {
		if dst, err = h.sharing.WriteTarget(ctx, p.ID, c); err != nil {
			h.fail(w, r, err)
			return
		}
	} else if c.OwnerID != p.ID {
		h.fail(w, r, sharing.ErrForbidden)
		return
	}
	name := t.storedName()
	res, err := h.store.Items.Delete(ctx, dst.ID, name, precondition.Guard(precondition.FromRequest(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	col := *dst
	col.SyncToken = res.SyncToken
	h.publish(r, propagation.Event{
		Kind:       propagation.KindDelete,
		Collection: col,
		SyncToken:  res.SyncToken,
		Name:       name,
		Previous:   res.Previous,
		Actor:      p.ID,
	})
}

func (h *Handler) deleteCollection(w http.ResponseWriter, r *http.Request, p *store.Principal, t target) {
	ctx := r.Context()
	c, err := h.store.Collections.Get(ctx, t.owner, t.home, t.uri)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if c.OwnerID != p.ID {
		if err := h.sharing.Require(ctx, p.ID, c, sharing.PrivRead); err != nil {
			h.fail(w, r, store.ErrNotFound)
			return
		}
		h.fail(w, r, sharing.ErrForbidden)
		return
	}
	switch {
	case c.Kind == store.KindInbox || c.Kind == store.KindOutbox:
		http.Error(w, "scheduling collections cannot be deleted", http.StatusForbidden)
		return
	case c.IsSubscription():
		if err := h.sharing.Unsubscribe(ctx, p.ID, c); err != nil {
			h.fail(w, r, err)
			return
		}
		hlog.FromRequest(r).Info().Int64("collection", c.ID).Msg("unsubscribed")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.store.Collections.Delete(ctx, c.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("collection", c.ID).Str("href", collectionHref(c)).Msg("collection deleted")
	w.WriteHeader(http.StatusNoContent)
	h.publish(r, propagation.Event{
		Kind:       propagation.KindCollectionDelete,
		Collection: *c,
		SyncToken:  c.SyncToken,
		Actor:      p.ID,
	})
}
