package caldata

import (
	"strings"

	"github.com/emersion/go-ical"

	"github.com/jw6ventures/calcore/internal/textmatch"
)

// CompFilter is a calendar-query comp-filter.
type CompFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	Props        []PropFilter
	Comps        []CompFilter
}

// PropFilter is a calendar-query prop-filter.
type PropFilter struct {
	Name         string
	IsNotDefined bool
	TimeRange    *TimeRange
	TextMatch    *textmatch.Matcher
	Params       []ParamFilter
}

// ParamFilter is a calendar-query param-filter.
type ParamFilter struct {
	Name         string
	IsNotDefined bool
	TextMatch    *textmatch.Matcher
}

// Match evaluates a top-level VCALENDAR comp-filter against the object.
func (o *Object) Match(f CompFilter) bool {
	return o.matchComp([]*ical.Component{o.Cal.Component}, f)
}

func (o *Object) matchComp(candidates []*ical.Component, f CompFilter) bool {
	var named []*ical.Component
	for _, c := range candidates {
		if strings.EqualFold(c.Name, f.Name) {
			named = append(named, c)
		}
	}
	if f.IsNotDefined {
		return len(named) == 0
	}
	for _, comp := range named {
		if o.compSatisfies(comp, f) {
			return true
		}
	}
	return false
}

func (o *Object) compSatisfies(comp *ical.Component, f CompFilter) bool {
	if f.TimeRange != nil {
		switch {
		case comp.Name == ical.CompCalendar:
		case isSchedulable(comp.Name):
			// Recurrence is evaluated over the whole object, overrides included.
			if !o.Overlaps(*f.TimeRange) {
				return false
			}
		default:
			if start, end, ok := Span(comp); ok && !f.TimeRange.Overlaps(start, end) {
				return false
			}
		}
	}
	for _, pf := range f.Props {
		if !matchProp(comp, pf) {
			return false
		}
	}
	for _, cf := range f.Comps {
		if !o.matchComp(comp.Children, cf) {
			return false
		}
	}
	return true
}

func isSchedulable(name string) bool {
	switch name {
	case ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy:
		return true
	}
	return false
}

func matchProp(comp *ical.Component, f PropFilter) bool {
	props := comp.Props.Values(strings.ToUpper(f.Name))
	if f.IsNotDefined {
		return len(props) == 0
	}
	if len(props) == 0 {
		return false
	}
	for i := range props {
		if propSatisfies(&props[i], f) {
			return true
		}
	}
	return false
}

func propSatisfies(p *ical.Prop, f PropFilter) bool {
	if f.TimeRange != nil {
		t, _, err := PropTime(p)
		if err != nil || !f.TimeRange.Contains(t) {
			return false
		}
	}
	if f.TextMatch != nil && !f.TextMatch.Match(p.Value) {
		return false
	}
	for _, pf := range f.Params {
		values := p.Params[strings.ToUpper(pf.Name)]
		if pf.IsNotDefined {
			if len(values) > 0 {
				return false
			}
			continue
		}
		if len(values) == 0 {
			return false
		}
		if pf.TextMatch != nil && !pf.TextMatch.MatchAny(values) {
			return false
		}
	}
	return true
}
