package dav

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/hlog"
	"github.com/samber/mo"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
)

// errPropNotFound marks a property that is not defined on the resource.
var errPropNotFound = errors.New("property not defined")

// resolver computes one live property for a resource.
type resolver func(env *propEnv) mo.Result[*etree.Element]

// propEnv is the resource a multistatus response is built for.
type propEnv struct {
	ctx    context.Context
	h      *Handler
	viewer *store.Principal
	kind   ResourceKind
	href   string
	owner  string
	// principal is loaded for principal resources.
	principal *store.Principal
	col       *store.Collection
	privs     sharing.PrivilegeSet
	item      *store.Item
}

func notDefined() mo.Result[*etree.Element] {
	return mo.Err[*etree.Element](errPropNotFound)
}

func propOK(el *etree.Element) mo.Result[*etree.Element] {
	return mo.Ok(el)
}

func (env *propEnv) isCollection() bool {
	return env.col != nil && env.item == nil
}

func (env *propEnv) isCalendarFamily() bool {
	return env.isCollection() && env.col.Kind.IsCalendarFamily()
}

type liveProp struct {
	name    xmlName
	resolve resolver
	// allprop marks properties returned for DAV:allprop.
	allprop bool
	// writable live properties accept PROPPATCH.
	writable bool
}

var (
	propDisplayName  = xmlName{nsDAV, "displayname"}
	propResourceType = xmlName{nsDAV, "resourcetype"}
)

var propTable = []liveProp{
	{name: propResourceType, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		el := newElement(propResourceType)
		for _, rt := range env.kind.caps().resourceType {
			el.AddChild(newElement(rt))
		}
		return propOK(el)
	}},
	{name: propDisplayName, allprop: true, writable: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		switch {
		case env.isCollection():
			if env.col.DisplayName == "" {
				return notDefined()
			}
			return propOK(textElement(propDisplayName, env.col.DisplayName))
		case env.principal != nil:
			name := env.principal.DisplayName
			if name == "" {
				name = env.principal.ID
			}
			return propOK(textElement(propDisplayName, name))
		}
		return notDefined()
	}},
	{name: xmlName{nsDAV, "getetag"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.item == nil {
			return notDefined()
		}
		return propOK(textElement(xmlName{nsDAV, "getetag"}, revision.Quote(env.item.ETag)))
	}},
	{name: xmlName{nsDAV, "getcontenttype"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.item == nil {
			return notDefined()
		}
		return propOK(textElement(xmlName{nsDAV, "getcontenttype"}, env.item.ContentType))
	}},
	{name: xmlName{nsDAV, "getcontentlength"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.item == nil {
			return notDefined()
		}
		return propOK(textElement(xmlName{nsDAV, "getcontentlength"}, strconv.Itoa(env.item.Size())))
	}},
	{name: xmlName{nsDAV, "getlastmodified"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		switch {
		case env.item != nil && !env.item.LastModified.IsZero():
			return propOK(textElement(xmlName{nsDAV, "getlastmodified"}, env.item.LastModified.UTC().Format(http.TimeFormat)))
		case env.isCollection() && !env.col.UpdatedAt.IsZero():
			return propOK(textElement(xmlName{nsDAV, "getlastmodified"}, env.col.UpdatedAt.UTC().Format(http.TimeFormat)))
		}
		return notDefined()
	}},
	{name: xmlName{nsDAV, "sync-token"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCollection() || env.col.Kind == store.KindOutbox {
			return notDefined()
		}
		return propOK(textElement(xmlName{nsDAV, "sync-token"}, revision.CurrentToken(env.col)))
	}},
	{name: xmlName{nsCS, "getctag"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCollection() {
			return notDefined()
		}
		return propOK(textElement(xmlName{nsCS, "getctag"}, env.col.CTag()))
	}},
	{name: xmlName{nsDAV, "current-user-principal"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		return propOK(hrefElement(xmlName{nsDAV, "current-user-principal"}, principalHref(env.viewer.ID)))
	}},
	{name: xmlName{nsDAV, "owner"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.kind == KindRoot {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsDAV, "owner"}, principalHref(env.owner)))
	}},
	{name: xmlName{nsDAV, "principal-URL"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.principal == nil {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsDAV, "principal-URL"}, principalHref(env.principal.ID)))
	}},
	{name: xmlName{nsDAV, "principal-collection-set"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		return propOK(hrefElement(xmlName{nsDAV, "principal-collection-set"}, "/principals/users/"))
	}},
	{name: xmlName{nsDAV, "supported-report-set"}, allprop: true, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		reports := env.kind.caps().reports
		if len(reports) == 0 {
			return notDefined()
		}
		el := newElement(xmlName{nsDAV, "supported-report-set"})
		for _, name := range reports {
			sr := el.CreateElement("d:supported-report")
			sr.CreateElement("d:report").AddChild(newElement(name))
		}
		return propOK(el)
	}},
	{name: xmlName{nsDAV, "current-user-privilege-set"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		el := newElement(xmlName{nsDAV, "current-user-privilege-set"})
		privs := env.privs
		if privs == nil {
			privs = sharing.PrivilegeSet{sharing.PrivRead: true}
			if env.owner == env.viewer.ID {
				privs[sharing.PrivWrite] = true
			}
		}
		for _, priv := range privs.List() {
			el.CreateElement("d:privilege").AddChild(privilegeElement(priv))
		}
		return propOK(el)
	}},
	{name: xmlName{nsDAV, "acl"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCollection() {
			return notDefined()
		}
		if !env.privs.Has(sharing.PrivShare) {
			return mo.Err[*etree.Element](sharing.ErrForbidden)
		}
		acl, err := env.h.sharing.ACL(env.ctx, env.col)
		if err != nil {
			return mo.Err[*etree.Element](err)
		}
		return propOK(aclElement(acl))
	}},
	{name: xmlName{nsCS, "source"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCollection() || !env.col.IsSubscription() {
			return notDefined()
		}
		src, err := env.h.store.Collections.GetByID(env.ctx, *env.col.SourceID)
		if err != nil {
			return mo.Err[*etree.Element](err)
		}
		return propOK(hrefElement(xmlName{nsCS, "source"}, collectionHref(src)))
	}},
	{name: xmlName{nsCalDAV, "calendar-home-set"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.principal == nil {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsCalDAV, "calendar-home-set"}, homeHref(store.HomeCalendars, env.principal.ID)))
	}},
	{name: xmlName{nsCardDAV, "addressbook-home-set"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.principal == nil {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsCardDAV, "addressbook-home-set"}, homeHref(store.HomeAddressBooks, env.principal.ID)))
	}},
	{name: xmlName{nsCalDAV, "calendar-user-address-set"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.principal == nil {
			return notDefined()
		}
		hrefs := []string{principalHref(env.principal.ID)}
		for _, email := range env.principal.Emails {
			hrefs = append(hrefs, "mailto:"+email)
		}
		return propOK(hrefElement(xmlName{nsCalDAV, "calendar-user-address-set"}, hrefs...))
	}},
	{name: xmlName{nsCalDAV, "schedule-inbox-URL"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.principal == nil {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsCalDAV, "schedule-inbox-URL"}, homeHref(store.HomeCalendars, env.principal.ID)+store.DefaultInboxURI+"/"))
	}},
	{name: xmlName{nsCalDAV, "schedule-outbox-URL"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.principal == nil {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsCalDAV, "schedule-outbox-URL"}, homeHref(store.HomeCalendars, env.principal.ID)+store.DefaultOutboxURI+"/"))
	}},
	{name: xmlName{nsCalDAV, "schedule-default-calendar-URL"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if env.kind != KindInbox && env.principal == nil {
			return notDefined()
		}
		return propOK(hrefElement(xmlName{nsCalDAV, "schedule-default-calendar-URL"}, homeHref(store.HomeCalendars, env.owner)+store.DefaultCalendarURI+"/"))
	}},
	{name: xmlName{nsCalDAV, "supported-calendar-component-set"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCalendarFamily() {
			return notDefined()
		}
		el := newElement(xmlName{nsCalDAV, "supported-calendar-component-set"})
		comps := []string{"VEVENT", "VTODO", "VJOURNAL"}
		if env.col.Kind == store.KindOutbox {
			comps = append(comps, "VFREEBUSY")
		}
		for _, c := range comps {
			el.CreateElement("cal:comp").CreateAttr("name", c)
		}
		return propOK(el)
	}},
	{name: xmlName{nsCalDAV, "supported-calendar-data"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCalendarFamily() {
			return notDefined()
		}
		el := newElement(xmlName{nsCalDAV, "supported-calendar-data"})
		for _, ct := range []string{"text/calendar", caldata.ContentTypeJCal} {
			data := el.CreateElement("cal:calendar-data")
			data.CreateAttr("content-type", ct)
			data.CreateAttr("version", "2.0")
		}
		return propOK(el)
	}},
	{name: xmlName{nsCardDAV, "supported-address-data"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCollection() || env.col.Kind != store.KindAddressBook {
			return notDefined()
		}
		el := newElement(xmlName{nsCardDAV, "supported-address-data"})
		for _, v := range []struct{ ct, version string }{{"text/vcard", "3.0"}, {"text/vcard", "4.0"}, {carddata.ContentTypeJCard, "4.0"}} {
			data := el.CreateElement("card:address-data-type")
			data.CreateAttr("content-type", v.ct)
			data.CreateAttr("version", v.version)
		}
		return propOK(el)
	}},
	{name: xmlName{nsCalDAV, "max-resource-size"}, resolve: calendarLimit(xmlName{nsCalDAV, "max-resource-size"}, strconv.Itoa(maxResourceSize))},
	{name: xmlName{nsCalDAV, "min-date-time"}, resolve: calendarLimit(xmlName{nsCalDAV, "min-date-time"}, caldavMinDateTime)},
	{name: xmlName{nsCalDAV, "max-date-time"}, resolve: calendarLimit(xmlName{nsCalDAV, "max-date-time"}, caldavMaxDateTime)},
	{name: xmlName{nsCalDAV, "max-instances"}, resolve: calendarLimit(xmlName{nsCalDAV, "max-instances"}, strconv.Itoa(caldavMaxInstances))},
	{name: xmlName{nsCalDAV, "max-attendees-per-instance"}, resolve: calendarLimit(xmlName{nsCalDAV, "max-attendees-per-instance"}, strconv.Itoa(caldavMaxAttendees))},
	{name: xmlName{nsCardDAV, "max-resource-size"}, resolve: func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCollection() || env.col.Kind != store.KindAddressBook {
			return notDefined()
		}
		return propOK(textElement(xmlName{nsCardDAV, "max-resource-size"}, strconv.Itoa(maxResourceSize)))
	}},
}

func calendarLimit(name xmlName, value string) resolver {
	return func(env *propEnv) mo.Result[*etree.Element] {
		if !env.isCalendarFamily() {
			return notDefined()
		}
		return propOK(textElement(name, value))
	}
}

// liveProps indexes propTable by name.
var liveProps map[xmlName]liveProp

func init() {
	liveProps = make(map[xmlName]liveProp, len(propTable))
	for _, p := range propTable {
		liveProps[p.name] = p
	}
}

// isProtected reports whether PROPPATCH must refuse to touch the property.
func isProtected(name xmlName) bool {
	p, live := liveProps[name]
	return live && !p.writable
}

func privilegeElement(priv sharing.Privilege) *etree.Element {
	space, local := splitClark(string(priv))
	return newElement(xmlName{space, local})
}

// splitClark splits "{ns}local" notation.
func splitClark(s string) (string, string) {
	if strings.HasPrefix(s, "{") {
		if end := strings.Index(s, "}"); end > 0 {
			return s[1:end], s[end+1:]
		}
	}
	return "", s
}

func aclElement(acl []sharing.ACE) *etree.Element {
	el := newElement(xmlName{nsDAV, "acl"})
	for _, ace := range acl {
		a := el.CreateElement("d:ace")
		p := a.CreateElement("d:principal")
		if ace.Principal == sharing.Authenticated {
			p.CreateElement("d:authenticated")
		} else {
			p.CreateElement("d:href").SetText("/" + ace.Principal + "/")
		}
		a.CreateElement("d:grant").CreateElement("d:privilege").AddChild(privilegeElement(ace.Privilege))
		if ace.Protected {
			a.CreateElement("d:protected")
		}
	}
	return el
}

// resolve returns a live property, falling back to the dead property bag.
func (env *propEnv) resolve(name xmlName) mo.Result[*etree.Element] {
	if p, live := liveProps[name]; live {
		res := p.resolve(env)
		if res.IsOk() || !errors.Is(res.Error(), errPropNotFound) {
			return res
		}
	}
	if env.isCollection() {
		if v, found := env.col.Props.Get(name.Space, name.Local); found {
			return propOK(deadPropElement(name, v))
		}
	}
	return notDefined()
}

func (env *propEnv) deadNames() []xmlName {
	if !env.isCollection() {
		return nil
	}
	out := make([]xmlName, 0, len(env.col.Props))
	for _, p := range env.col.Props {
		out = append(out, xmlName{p.Namespace, p.Name})
	}
	return out
}

type propfindMode int

const (
	propModeAll propfindMode = iota
	propModeNames
	propModeProps
)

type propfindRequest struct {
	mode    propfindMode
	names   []xmlName
	include []xmlName
}

func parsePropfind(doc *etree.Document) (propfindRequest, error) {
	if doc == nil {
		return propfindRequest{mode: propModeAll}, nil
	}
	root := doc.Root()
	if nameOf(root) != (xmlName{nsDAV, "propfind"}) {
		return propfindRequest{}, errBadRequest
	}
	switch {
	case child(root, xmlName{nsDAV, "propname"}) != nil:
		return propfindRequest{mode: propModeNames}, nil
	case child(root, xmlName{nsDAV, "prop"}) != nil:
		return propfindRequest{mode: propModeProps, names: propNames(child(root, xmlName{nsDAV, "prop"}))}, nil
	}
	return propfindRequest{mode: propModeAll, include: propNames(child(root, xmlName{nsDAV, "include"}))}, nil
}

// response builds the multistatus entry for the requested properties.
func (env *propEnv) response(req propfindRequest) response {
	found := make(map[int][]*etree.Element)
	switch req.mode {
	case propModeNames:
		for _, p := range propTable {
			if p.resolve(env).IsOk() {
				found[http.StatusOK] = append(found[http.StatusOK], newElement(p.name))
			}
		}
		for _, name := range env.deadNames() {
			found[http.StatusOK] = append(found[http.StatusOK], newElement(name))
		}
	case propModeAll:
		seen := make(map[xmlName]bool)
		for _, p := range propTable {
			if !p.allprop {
				continue
			}
			seen[p.name] = true
			if el, err := p.resolve(env).Get(); err == nil {
				found[http.StatusOK] = append(found[http.StatusOK], el)
			}
		}
		for _, name := range env.deadNames() {
			if seen[name] {
				continue
			}
			seen[name] = true
			if el, err := env.resolve(name).Get(); err == nil {
				found[http.StatusOK] = append(found[http.StatusOK], el)
			}
		}
		for _, name := range req.include {
			if !seen[name] {
				env.collect(found, name)
			}
		}
	default:
		for _, name := range req.names {
			env.collect(found, name)
		}
	}
	return response{href: env.href, propstats: groupPropstats(found)}
}

func (env *propEnv) collect(found map[int][]*etree.Element, name xmlName) {
	el, err := env.resolve(name).Get()
	switch {
	case err == nil:
		found[http.StatusOK] = append(found[http.StatusOK], el)
	case errors.Is(err, errPropNotFound):
		found[http.StatusNotFound] = append(found[http.StatusNotFound], newElement(name))
	case errors.Is(err, sharing.ErrForbidden):
		found[http.StatusForbidden] = append(found[http.StatusForbidden], newElement(name))
	default:
		env.h.log.Error().Err(err).Str("href", env.href).Str("prop", name.String()).Msg("resolve property")
		found[http.StatusInternalServerError] = append(found[http.StatusInternalServerError], newElement(name))
	}
}

func parseDepth(header string) int {
	if strings.TrimSpace(header) == "0" {
		return 0
	}
	return 1
}

// Propfind serves PROPFIND. Depth infinity is answered as depth 1.
func (h *Handler) Propfind(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	if t.nested {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	doc, err := readXML(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := parsePropfind(doc)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	envs, err := h.propfindTargets(r.Context(), p, t, parseDepth(r.Header.Get("Depth")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ms := &multistatus{}
	for _, env := range envs {
		ms.add(env.response(req))
	}
	hlog.FromRequest(r).Debug().Str("path", r.URL.Path).Int("responses", len(ms.responses)).Msg("propfind")
	writeMultiStatus(w, ms)
}

// propfindTargets lists the resource and, at depth 1, its visible members.
func (h *Handler) propfindTargets(ctx context.Context, p *store.Principal, t target, depth int) ([]*propEnv, error) {
	base := propEnv{ctx: ctx, h: h, viewer: p, kind: t.kind, owner: t.owner}
	switch t.kind {
	case KindRoot:
		env := base
		env.href = "/"
		env.owner = p.ID
		return []*propEnv{&env}, nil

	case KindPrincipal:
		principal := p
		if t.owner != p.ID {
			other, err := h.store.Principals.GetByID(ctx, t.owner)
			if err != nil {
				return nil, err
			}
			principal = other
		}
		env := base
		env.href = principalHref(principal.ID)
		env.principal = principal
		return []*propEnv{&env}, nil

	case KindCalendarHome, KindAddressBookHome:
		env := base
		env.href = homeHref(t.home, t.owner)
		out := []*propEnv{&env}
		if depth == 0 {
			return out, nil
		}
		cols, err := h.sharing.Visible(ctx, p.ID, t.owner, t.home)
		if err != nil {
			return nil, err
		}
		for i := range cols {
			c := &cols[i]
			privs, err := h.sharing.Privileges(ctx, p.ID, c)
			if err != nil {
				return nil, err
			}
			out = append(out, h.collectionEnv(ctx, p, c, privs))
		}
		return out, nil
	}

	c, privs, err := h.loadCollection(ctx, p, t, sharing.PrivRead)
	if err != nil {
		return nil, err
	}
	if t.name != "" {
		it, err := h.store.Items.Get(ctx, c.ID, t.storedName())
		if err != nil {
			return nil, err
		}
		return []*propEnv{h.itemEnv(ctx, p, c, privs, it)}, nil
	}
	out := []*propEnv{h.collectionEnv(ctx, p, c, privs)}
	if depth == 0 {
		return out, nil
	}
	items, err := h.store.Items.List(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		out = append(out, h.itemEnv(ctx, p, c, privs, &items[i]))
	}
	return out, nil
}

func (h *Handler) collectionEnv(ctx context.Context, p *store.Principal, c *store.Collection, privs sharing.PrivilegeSet) *propEnv {
	return &propEnv{
		ctx:    ctx,
		h:      h,
		viewer: p,
		kind:   collectionKind(c),
		href:   collectionHref(c),
		owner:  c.OwnerID,
		col:    c,
		privs:  privs,
	}
}

func (h *Handler) itemEnv(ctx context.Context, p *store.Principal, c *store.Collection, privs sharing.PrivilegeSet, it *store.Item) *propEnv {
	return &propEnv{
		ctx:    ctx,
		h:      h,
		viewer: p,
		kind:   itemKind(c),
		href:   itemHref(c, it.Name),
		owner:  c.OwnerID,
		col:    c,
		privs:  privs,
		item:   it,
	}
}
