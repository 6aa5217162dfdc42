package dav

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
)

// Get serves item payloads, collection exports and the JSON views.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
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
	case t.kind == KindCalendarHome || t.kind == KindAddressBookHome:
		if t.json {
			h.listCollectionsJSON(w, r, p, t)
			return
		}
		w.Header().Set("Allow", t.kind.caps().allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	case t.uri == "":
		w.Header().Set("Allow", t.kind.caps().allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, _, err := h.loadCollection(r.Context(), p, t, sharing.PrivRead)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if t.name == "" {
		if t.json {
			h.getCollectionJSON(w, r, p, c)
			return
		}
		h.export(w, r, c)
		return
	}

	it, err := h.store.Items.Get(r.Context(), c.ID, t.storedName())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	body, contentType := it.Data, it.ContentType
	if t.json {
		body, contentType, err = toJSONPayload(c, it)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}
	w.Header().Set("ETag", revision.Quote(it.ETag))
	if !it.LastModified.IsZero() {
		w.Header().Set("Last-Modified", it.LastModified.UTC().Format(http.TimeFormat))
	}
	if inm := r.Header.Get("If-None-Match"); inm != "" && etagListed(inm, it.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func etagListed(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || revision.Unquote(candidate) == etag {
			return true
		}
	}
	return false
}

// toJSONPayload converts a stored item to jCal or jCard.
func toJSONPayload(c *store.Collection, it *store.Item) (string, string, error) {
	if c.Kind == store.KindAddressBook {
		card, err := carddata.Parse(it.Data)
		if err != nil {
			return "", "", err
		}
		out, err := carddata.MarshalJCard(card.Card)
		return string(out), carddata.ContentTypeJCard, err
	}
	obj, err := caldata.ParseLoose(it.Data)
	if err != nil {
		return "", "", err
	}
	out, err := caldata.MarshalJCal(obj.Cal)
	return string(out), caldata.ContentTypeJCal, err
}

// export aggregates every item of the collection into one document. Stored
// objects that no longer parse are skipped and logged.
func (h *Handler) export(w http.ResponseWriter, r *http.Request, c *store.Collection) {
	if c.Kind == store.KindOutbox {
		w.Header().Set("Allow", KindOutbox.caps().allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	items, err := h.store.Items.List(r.Context(), c.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	objects := make(map[string]string, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		objects[it.Name] = it.Data
		order = append(order, it.Name)
	}

	var body, contentType, ext string
	var skipped []string
	if c.Kind == store.KindAddressBook {
		body, skipped = carddata.Export(objects, order)
		contentType, ext = carddata.ContentType, ".vcf"
	} else {
		body, skipped, err = caldata.Export(c.DisplayName, objects, order)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		contentType, ext = caldata.ContentType, ".ics"
	}
	if len(skipped) > 0 {
		hlog.FromRequest(r).Warn().Int64("collection", c.ID).Strs("skipped", skipped).Msg("export skipped unparseable items")
	}
	if _, ok := r.URL.Query()["export"]; ok {
		w.Header().Set("Content-Disposition", `attachment; filename="`+c.URI+ext+`"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", revision.Quote(c.CTag()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
