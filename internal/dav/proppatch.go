package dav

import (
	"net/http"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
)

// parsePropertyUpdate reads a DAV:propertyupdate body in document order.
func parsePropertyUpdate(doc *etree.Document) (store.PropertyUpdate, []xmlName, error) {
	var upd store.PropertyUpdate
	var names []xmlName
	if doc == nil || nameOf(doc.Root()) != (xmlName{nsDAV, "propertyupdate"}) {
		return upd, nil, errBadRequest
	}
	for _, op := range doc.Root().ChildElements() {
		opName := nameOf(op)
		for _, prop := range children(op, xmlName{nsDAV, "prop"}) {
			for _, el := range prop.ChildElements() {
				name := nameOf(el)
				names = append(names, name)
				switch opName {
				case xmlName{nsDAV, "set"}:
					upd.Set = append(upd.Set, store.Property{Namespace: name.Space, Name: name.Local, Value: innerXML(el)})
				case xmlName{nsDAV, "remove"}:
					upd.Remove = append(upd.Remove, store.Property{Namespace: name.Space, Name: name.Local})
				}
			}
		}
	}
	if len(names) == 0 {
		return upd, nil, errBadRequest
	}
	return upd, names, nil
}

// Proppatch updates collection properties atomically. Protected properties
// fail the whole request with no change applied. The 200 propstat carries
// each property's value from before the update.
func (h *Handler) Proppatch(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	if t.name != "" || t.uri == "" {
		http.Error(w, "properties of this resource cannot be changed", http.StatusForbidden)
		return
	}
	c, _, err := h.loadCollection(r.Context(), p, t, sharing.PrivWriteProperties)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := readXML(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	upd, names, err := parsePropertyUpdate(doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	href := collectionHref(c)
	var protected []xmlName
	for _, name := range names {
		if isProtected(name) {
			protected = append(protected, name)
		}
	}
	if len(protected) > 0 {
		found := make(map[int][]*etree.Element)
		for _, name := range names {
			code := http.StatusFailedDependency
			if isProtected(name) {
				code = http.StatusForbidden
			}
			found[code] = append(found[code], newElement(name))
		}
		hlog.FromRequest(r).Info().Str("href", href).Int("protected", len(protected)).Msg("proppatch refused")
		ms := &multistatus{}
		ms.add(response{href: href, propstats: groupPropstats(found)})
		writeMultiStatus(w, ms)
		return
	}

	old, _, err := h.store.Collections.UpdateProperties(r.Context(), c.ID, upd)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var props []*etree.Element
	for _, prop := range old {
		name := xmlName{prop.Namespace, prop.Name}
		if prop.Value == "" {
			props = append(props, newElement(name))
			continue
		}
		props = append(props, deadPropElement(name, prop.Value))
	}
	ms := &multistatus{}
	ms.add(response{href: href, propstats: []propstat{{props: props, status: http.StatusOK}}})
	writeMultiStatus(w, ms)
}
