package dav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
	"github.com/jw6ventures/calcore/internal/textmatch"
)

var (
	propCalendarData = xmlName{nsCalDAV, "calendar-data"}
	propAddressData  = xmlName{nsCardDAV, "address-data"}
)

// reportProps is the DAV:prop element of a report, with the data
// properties parsed ahead so malformed requests fail before any output.
type reportProps struct {
	names    []xmlName
	calData  calendarDataRequest
	addrData addressDataRequest
}

func parseReportProps(root *etree.Element) (reportProps, error) {
	prop := child(root, xmlName{nsDAV, "prop"})
	if prop == nil {
		return reportProps{names: []xmlName{{nsDAV, "getetag"}}}, nil
	}
	rp := reportProps{names: propNames(prop)}
	var err error
	if el := child(prop, propCalendarData); el != nil {
		if rp.calData, err = parseCalendarData(el); err != nil {
			return rp, err
		}
	}
	if el := child(prop, propAddressData); el != nil {
		rp.addrData = parseAddressData(el)
	}
	return rp, nil
}

func (rp reportProps) response(env *propEnv) response {
	found := make(map[int][]*etree.Element)
	for _, name := range rp.names {
		var data string
		var err error
		switch name {
		case propCalendarData:
			data, err = rp.calData.render(env.item.Data)
		case propAddressData:
			data, err = rp.addrData.render(env.item.Data)
		default:
			env.collect(found, name)
			continue
		}
		if err != nil {
			env.h.log.Error().Err(err).Str("href", env.href).Msg("render item data")
			found[http.StatusInternalServerError] = append(found[http.StatusInternalServerError], newElement(name))
			continue
		}
		found[http.StatusOK] = append(found[http.StatusOK], textElement(name, data))
	}
	return response{href: env.href, propstats: groupPropstats(found)}
}

// tombstone answers a member that no longer exists: outer status 404 and the
// requested properties under 418.
func (rp reportProps) tombstone(href string) response {
	resp := response{href: href, status: http.StatusNotFound}
	if len(rp.names) > 0 {
		props := make([]*etree.Element, 0, len(rp.names))
		for _, name := range rp.names {
			props = append(props, newElement(name))
		}
		resp.propstats = []propstat{{props: props, status: http.StatusTeapot}}
	}
	return resp
}

// Report dispatches the collection reports.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	if t.uri == "" || t.name != "" {
		writeDAVError(w, http.StatusForbidden, condSupportedReport)
		return
	}
	if t.json {
		h.reportJSON(w, r, p, t)
		return
	}
	ctx := r.Context()
	c, privs, err := h.loadCollection(ctx, p, t, sharing.PrivReadFreeBusy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	doc, err := readXML(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if doc == nil {
		h.fail(w, r, fmt.Errorf("%w: empty report body", errBadRequest))
		return
	}
	root := doc.Root()
	name := nameOf(root)
	kind := collectionKind(c)
	if !kind.supportsReport(name) {
		hlog.FromRequest(r).Debug().Str("report", name.String()).Msg("unsupported report")
		writeDAVError(w, http.StatusForbidden, condSupportedReport)
		return
	}
	if name == reportFreeBusyQuery {
		h.freeBusyReport(w, r, c, root)
		return
	}
	if !privs.Has(sharing.PrivRead) {
		h.fail(w, r, store.ErrNotFound)
		return
	}
	rp, err := parseReportProps(root)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var ms *multistatus
	switch name {
	case reportSyncCollection:
		ms, err = h.syncCollection(ctx, p, c, privs, root, rp)
		if errors.Is(err, revision.ErrInvalidToken) {
			hlog.FromRequest(r).Info().Err(err).Int64("collection", c.ID).Msg("sync token rejected")
			writeDAVError(w, http.StatusForbidden, condValidSyncToken)
			return
		}
	case reportCalendarMultiget, reportAddressbookMultiget:
		ms, err = h.multiget(ctx, p, c, privs, root, rp)
	case reportCalendarQuery:
		var f caldata.CompFilter
		if f, err = parseCalendarFilter(root); err != nil {
			var limit dateLimitError
			if errors.As(err, &limit) {
				writeDAVError(w, http.StatusForbidden, limit.cond)
				return
			}
			writeDAVError(w, http.StatusBadRequest, condValidFilter)
			return
		}
		ms, err = h.calendarQuery(ctx, p, c, privs, f, rp)
	case reportAddressbookQuery:
		var q carddata.Query
		if q, err = parseAddressbookQuery(root); err != nil {
			hlog.FromRequest(r).Info().Err(err).Msg("addressbook-query rejected")
			writeDAVError(w, http.StatusBadRequest, condSupportedFilter)
			return
		}
		ms, err = h.addressbookQuery(ctx, p, c, privs, q, rp)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeMultiStatus(w, ms)
}

func (h *Handler) syncCollection(ctx context.Context, p *store.Principal, c *store.Collection, privs sharing.PrivilegeSet, root *etree.Element, rp reportProps) (*multistatus, error) {
	token := ""
	if el := child(root, xmlName{nsDAV, "sync-token"}); el != nil {
		token = strings.TrimSpace(el.Text())
	}
	current, entries, err := h.revisions.ChangesSince(ctx, c, token)
	if err != nil {
		return nil, err
	}
	ms := &multistatus{syncToken: revision.FormatToken(current)}
	var names []string
	for _, en := range entries {
		if !en.Deleted {
			names = append(names, en.Name)
		}
	}
	live, err := h.itemsByName(ctx, c, names)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		it, exists := live[en.Name]
		if en.Deleted || !exists {
			ms.add(rp.tombstone(itemHref(c, en.Name)))
			continue
		}
		ms.add(rp.response(h.itemEnv(ctx, p, c, privs, it)))
	}
	return ms, nil
}

func (h *Handler) itemsByName(ctx context.Context, c *store.Collection, names []string) (map[string]*store.Item, error) {
	out := make(map[string]*store.Item, len(names))
	if len(names) == 0 {
		return out, nil
	}
	items, err := h.store.Items.ListByNames(ctx, c.ID, names)
	if err != nil {
		return nil, err
	}
	for i := range items {
		out[items[i].Name] = &items[i]
	}
	return out, nil
}

// multiget answers calendar-multiget and addressbook-multiget. Hrefs outside
// the collection or naming missing members get a 404 response.
func (h *Handler) multiget(ctx context.Context, p *store.Principal, c *store.Collection, privs sharing.PrivilegeSet, root *etree.Element, rp reportProps) (*multistatus, error) {
	hrefs := children(root, xmlName{nsDAV, "href"})
	if len(hrefs) == 0 {
		return nil, fmt.Errorf("%w: multiget without href", errBadRequest)
	}
	var names []string
	for _, el := range hrefs {
		if name := memberName(c, el.Text()); name != "" {
			names = append(names, name)
		}
	}
	items, err := h.itemsByName(ctx, c, names)
	if err != nil {
		return nil, err
	}
	ms := &multistatus{}
	for _, el := range hrefs {
		href := strings.TrimSpace(el.Text())
		it, exists := items[memberName(c, href)]
		if !exists {
			ms.add(response{href: href, status: http.StatusNotFound})
			continue
		}
		ms.add(rp.response(h.itemEnv(ctx, p, c, privs, it)))
	}
	return ms, nil
}

// truncated marks a query answer cut at the result limit.
func truncated(c *store.Collection) response {
	return response{href: collectionHref(c), status: http.StatusInsufficientStorage}
}

func (h *Handler) calendarQuery(ctx context.Context, p *store.Principal, c *store.Collection, privs sharing.PrivilegeSet, f caldata.CompFilter, rp reportProps) (*multistatus, error) {
	items, err := h.store.Items.List(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	ms := &multistatus{}
	matched := 0
	for i := range items {
		obj, err := caldata.Parse(items[i].Data)
		if err != nil {
			h.log.Warn().Err(err).Int64("collection", c.ID).Str("name", items[i].Name).Msg("skipping unparseable calendar object")
			continue
		}
		if !obj.Match(f) {
			continue
		}
		if matched == maxQueryResults {
			ms.add(truncated(c))
			break
		}
		matched++
		ms.add(rp.response(h.itemEnv(ctx, p, c, privs, &items[i])))
	}
	return ms, nil
}

func (h *Handler) addressbookQuery(ctx context.Context, p *store.Principal, c *store.Collection, privs sharing.PrivilegeSet, q carddata.Query, rp reportProps) (*multistatus, error) {
	items, err := h.store.Items.List(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	limit := maxQueryResults
	if q.Limit > 0 && q.Limit < limit {
		limit = q.Limit
	}
	ms := &multistatus{}
	matched := 0
	for i := range items {
		card, err := carddata.Parse(items[i].Data)
		if err != nil {
			h.log.Warn().Err(err).Int64("collection", c.ID).Str("name", items[i].Name).Msg("skipping unparseable vCard")
			continue
		}
		if !q.Match(card.Card) {
			continue
		}
		if matched == limit {
			ms.add(truncated(c))
			break
		}
		matched++
		ms.add(rp.response(h.itemEnv(ctx, p, c, privs, &items[i])))
	}
	return ms, nil
}

func (h *Handler) freeBusyReport(w http.ResponseWriter, r *http.Request, c *store.Collection, root *etree.Element) {
	trEl := child(root, xmlName{nsCalDAV, "time-range"})
	if trEl == nil {
		h.fail(w, r, fmt.Errorf("%w: free-busy-query needs a time-range", errBadRequest))
		return
	}
	tr, err := parseTimeRangeElement(trEl)
	if err != nil {
		var limit dateLimitError
		if errors.As(err, &limit) {
			writeDAVError(w, http.StatusForbidden, limit.cond)
			return
		}
		h.fail(w, r, err)
		return
	}
	if tr.Start.IsZero() || tr.End.IsZero() {
		h.fail(w, r, fmt.Errorf("%w: free-busy-query needs start and end", errBadRequest))
		return
	}
	items, err := h.store.Items.List(r.Context(), c.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var busy []caldata.Period
	for _, it := range items {
		obj, err := caldata.Parse(it.Data)
		if err != nil {
			continue
		}
		busy = append(busy, obj.BusyPeriods(tr)...)
	}
	body, err := caldata.Encode(caldata.FreeBusyResult(tr, caldata.MergePeriods(busy)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", caldata.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// dateLimitError reports a time-range bound outside the advertised limits.
type dateLimitError struct {
	cond xmlName
}

func (e dateLimitError) Error() string {
	return "time-range outside supported limits: " + e.cond.Local
}

func parseTimeRangeElement(el *etree.Element) (caldata.TimeRange, error) {
	start, end := el.SelectAttrValue("start", ""), el.SelectAttrValue("end", "")
	if start == "" && end == "" {
		return caldata.TimeRange{}, fmt.Errorf("%w: time-range without bounds", errBadRequest)
	}
	tr, err := caldata.ParseTimeRange(start, end)
	if err != nil {
		return tr, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if !withinDateLimits(tr.Start) {
		return tr, dateLimitError{cond: condMinDateTime}
	}
	if !withinDateLimits(tr.End) {
		return tr, dateLimitError{cond: condMaxDateTime}
	}
	return tr, nil
}

func parseTextMatch(el *etree.Element) (textmatch.Matcher, error) {
	negate := strings.EqualFold(el.SelectAttrValue("negate-condition", "no"), "yes")
	return textmatch.New(el.Text(), el.SelectAttrValue("collation", ""), el.SelectAttrValue("match-type", ""), negate)
}

// parseCalendarFilter reads the CALDAV:filter of a calendar-query. The
// top-level comp-filter must name VCALENDAR.
func parseCalendarFilter(root *etree.Element) (caldata.CompFilter, error) {
	filter := child(root, xmlName{nsCalDAV, "filter"})
	comp := child(filter, xmlName{nsCalDAV, "comp-filter"})
	if comp == nil {
		return caldata.CompFilter{}, fmt.Errorf("%w: missing comp-filter", errBadRequest)
	}
	f, err := parseCompFilter(comp)
	if err != nil {
		return f, err
	}
	if f.Name != "VCALENDAR" {
		return f, fmt.Errorf("%w: top-level comp-filter must be VCALENDAR", errBadRequest)
	}
	return f, nil
}

func parseCompFilter(el *etree.Element) (caldata.CompFilter, error) {
	f := caldata.CompFilter{Name: strings.ToUpper(el.SelectAttrValue("name", ""))}
	if f.Name == "" {
		return f, fmt.Errorf("%w: comp-filter without name", errBadRequest)
	}
	if child(el, xmlName{nsCalDAV, "is-not-defined"}) != nil {
		f.IsNotDefined = true
		return f, nil
	}
	if trEl := child(el, xmlName{nsCalDAV, "time-range"}); trEl != nil {
		tr, err := parseTimeRangeElement(trEl)
		if err != nil {
			return f, err
		}
		f.TimeRange = &tr
	}
	for _, pe := range children(el, xmlName{nsCalDAV, "prop-filter"}) {
		pf, err := parsePropFilter(pe)
		if err != nil {
			return f, err
		}
		f.Props = append(f.Props, pf)
	}
	for _, ce := range children(el, xmlName{nsCalDAV, "comp-filter"}) {
		cf, err := parseCompFilter(ce)
		if err != nil {
			return f, err
		}
		f.Comps = append(f.Comps, cf)
	}
	return f, nil
}

func parsePropFilter(el *etree.Element) (caldata.PropFilter, error) {
	f := caldata.PropFilter{Name: strings.ToUpper(el.SelectAttrValue("name", ""))}
	if f.Name == "" {
		return f, fmt.Errorf("%w: prop-filter without name", errBadRequest)
	}
	if child(el, xmlName{nsCalDAV, "is-not-defined"}) != nil {
		f.IsNotDefined = true
		return f, nil
	}
	if trEl := child(el, xmlName{nsCalDAV, "time-range"}); trEl != nil {
		tr, err := parseTimeRangeElement(trEl)
		if err != nil {
			return f, err
		}
		f.TimeRange = &tr
	}
	if tm := child(el, xmlName{nsCalDAV, "text-match"}); tm != nil {
		m, err := parseTextMatch(tm)
		if err != nil {
			return f, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		f.TextMatch = &m
	}
	for _, pe := range children(el, xmlName{nsCalDAV, "param-filter"}) {
		pf := caldata.ParamFilter{Name: strings.ToUpper(pe.SelectAttrValue("name", ""))}
		if child(pe, xmlName{nsCalDAV, "is-not-defined"}) != nil {
			pf.IsNotDefined = true
		} else if tm := child(pe, xmlName{nsCalDAV, "text-match"}); tm != nil {
			m, err := parseTextMatch(tm)
			if err != nil {
				return f, fmt.Errorf("%w: %v", errBadRequest, err)
			}
			pf.TextMatch = &m
		}
		f.Params = append(f.Params, pf)
	}
	return f, nil
}

// parseAddressbookQuery reads the CARDDAV:filter and limit of an
// addressbook-query. A missing filter matches every card.
func parseAddressbookQuery(root *etree.Element) (carddata.Query, error) {
	q := carddata.Query{Test: carddata.TestAnyOf}
	if limit := child(child(root, xmlName{nsCardDAV, "limit"}), xmlName{nsCardDAV, "nresults"}); limit != nil {
		n, err := strconv.Atoi(strings.TrimSpace(limit.Text()))
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: invalid nresults %q", errBadRequest, limit.Text())
		}
		q.Limit = n
	}
	filter := child(root, xmlName{nsCardDAV, "filter"})
	if filter == nil {
		return q, nil
	}
	if test := filter.SelectAttrValue("test", ""); test != "" {
		if test != carddata.TestAnyOf && test != carddata.TestAllOf {
			return q, fmt.Errorf("%w: unknown test %q", errBadRequest, test)
		}
		q.Test = test
	}
	for _, pe := range children(filter, xmlName{nsCardDAV, "prop-filter"}) {
		pf := carddata.PropFilter{
			Name: strings.ToUpper(pe.SelectAttrValue("name", "")),
			Test: pe.SelectAttrValue("test", carddata.TestAnyOf),
		}
		if pf.Name == "" {
			return q, fmt.Errorf("%w: prop-filter without name", errBadRequest)
		}
		if child(pe, xmlName{nsCardDAV, "is-not-defined"}) != nil {
			pf.IsNotDefined = true
		}
		for _, tm := range children(pe, xmlName{nsCardDAV, "text-match"}) {
			m, err := parseTextMatch(tm)
			if err != nil {
				return q, fmt.Errorf("%w: %v", errBadRequest, err)
			}
			pf.TextMatches = append(pf.TextMatches, m)
		}
		for _, pa := range children(pe, xmlName{nsCardDAV, "param-filter"}) {
			param := carddata.ParamFilter{Name: strings.ToUpper(pa.SelectAttrValue("name", ""))}
			if child(pa, xmlName{nsCardDAV, "is-not-defined"}) != nil {
				param.IsNotDefined = true
			} else if tm := child(pa, xmlName{nsCardDAV, "text-match"}); tm != nil {
				m, err := parseTextMatch(tm)
				if err != nil {
					return q, fmt.Errorf("%w: %v", errBadRequest, err)
				}
				param.TextMatch = &m
			}
			pf.Params = append(pf.Params, param)
		}
		q.Filters = append(q.Filters, pf)
	}
	return q, nil
}
