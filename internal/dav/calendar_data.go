package dav

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/emersion/go-ical"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
)

// calendarComp is a comp element of a calendar-data request. Empty Props
// and Comps select everything at that level.
type calendarComp struct {
	Name  string
	Props []string
	Comps []calendarComp
}

// calendarDataRequest is a parsed CALDAV:calendar-data property request.
type calendarDataRequest struct {
	comp   *calendarComp
	expand *caldata.TimeRange
}

func parseCalendarComp(el *etree.Element) calendarComp {
	comp := calendarComp{Name: strings.ToUpper(el.SelectAttrValue("name", ""))}
	if child(el, xmlName{nsCalDAV, "allprop"}) == nil {
		for _, p := range children(el, xmlName{nsCalDAV, "prop"}) {
			comp.Props = append(comp.Props, strings.ToUpper(p.SelectAttrValue("name", "")))
		}
	}
	if child(el, xmlName{nsCalDAV, "allcomp"}) == nil {
		for _, c := range children(el, xmlName{nsCalDAV, "comp"}) {
			comp.Comps = append(comp.Comps, parseCalendarComp(c))
		}
	}
	return comp
}

// parseCalendarData reads the calendar-data element of a report's prop.
func parseCalendarData(el *etree.Element) (calendarDataRequest, error) {
	var req calendarDataRequest
	if el == nil {
		return req, nil
	}
	if c := child(el, xmlName{nsCalDAV, "comp"}); c != nil {
		comp := parseCalendarComp(c)
		if comp.Name != ical.CompCalendar {
			comp = calendarComp{Name: ical.CompCalendar, Comps: []calendarComp{comp}}
		}
		req.comp = &comp
	}
	if ex := child(el, xmlName{nsCalDAV, "expand"}); ex != nil {
		tr, err := caldata.ParseTimeRange(ex.SelectAttrValue("start", ""), ex.SelectAttrValue("end", ""))
		if err != nil {
			return req, fmt.Errorf("%w: expand: %v", errBadRequest, err)
		}
		if tr.Start.IsZero() || tr.End.IsZero() {
			return req, fmt.Errorf("%w: expand needs start and end", errBadRequest)
		}
		req.expand = &tr
	}
	return req, nil
}

// render applies expansion and component selection to a stored object.
func (req calendarDataRequest) render(raw string) (string, error) {
	if req.comp == nil && req.expand == nil {
		return raw, nil
	}
	obj, err := caldata.ParseLoose(raw)
	if err != nil {
		return "", err
	}
	if req.expand != nil {
		if obj, err = obj.Expand(*req.expand); err != nil {
			return "", err
		}
	}
	cal := obj.Cal
	if req.comp != nil {
		cal = &ical.Calendar{Component: pruneComponent(cal.Component, *req.comp)}
	}
	return caldata.Encode(cal)
}

func pruneComponent(comp *ical.Component, sel calendarComp) *ical.Component {
	out := ical.NewComponent(comp.Name)
	if len(sel.Props) == 0 {
		for name, props := range comp.Props {
			out.Props[name] = props
		}
	} else {
		for _, name := range sel.Props {
			if props, ok := comp.Props[name]; ok {
				out.Props[name] = props
			}
		}
	}
	for _, c := range comp.Children {
		if len(sel.Comps) == 0 {
			out.Children = append(out.Children, c)
			continue
		}
		for _, s := range sel.Comps {
			if strings.EqualFold(s.Name, c.Name) {
				out.Children = append(out.Children, pruneComponent(c, s))
				break
			}
		}
	}
	return out
}

// addressDataRequest is a parsed CARDDAV:address-data property request.
type addressDataRequest struct {
	props []string
}

func parseAddressData(el *etree.Element) addressDataRequest {
	var req addressDataRequest
	if el == nil || child(el, xmlName{nsCardDAV, "allprop"}) != nil {
		return req
	}
	for _, p := range children(el, xmlName{nsCardDAV, "prop"}) {
		req.props = append(req.props, p.SelectAttrValue("name", ""))
	}
	return req
}

func (req addressDataRequest) render(raw string) (string, error) {
	if len(req.props) == 0 {
		return raw, nil
	}
	card, err := carddata.Parse(raw)
	if err != nil {
		return "", err
	}
	return carddata.Encode(carddata.Select(card.Card, req.props))
}
