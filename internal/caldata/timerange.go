package caldata

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// maxInstances bounds recurrence expansion of a single object.
const maxInstances = 1000

// TimeRange is a half-open UTC interval [Start, End). A zero bound is open.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ParseTimeRange reads the CalDAV UTC form (20060102T150405Z) of both bounds.
func ParseTimeRange(start, end string) (TimeRange, error) {
	var tr TimeRange
	var err error
	if start != "" {
		if tr.Start, err = parseUTC(start); err != nil {
			return TimeRange{}, err
		}
	}
	if end != "" {
		if tr.End, err = parseUTC(end); err != nil {
			return TimeRange{}, err
		}
	}
	if !tr.Start.IsZero() && !tr.End.IsZero() && !tr.End.After(tr.Start) {
		return TimeRange{}, fmt.Errorf("time-range end %s is not after start %s", end, start)
	}
	return tr, nil
}

func parseUTC(s string) (time.Time, error) {
	for _, layout := range []string{"20060102T150405Z", time.RFC3339, "20060102"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid UTC time %q", s)
}

// Overlaps reports whether [start, end) intersects the range. Zero-length
// spans are treated as instants that overlap when start lies inside.
func (tr TimeRange) Overlaps(start, end time.Time) bool {
	if end.Before(start) {
		end = start
	}
	if end.Equal(start) {
		if !tr.Start.IsZero() && start.Before(tr.Start) {
			return false
		}
		return tr.End.IsZero() || start.Before(tr.End)
	}
	if !tr.End.IsZero() && !start.Before(tr.End) {
		return false
	}
	return tr.Start.IsZero() || end.After(tr.Start)
}

// Contains reports whether t lies inside the range.
func (tr TimeRange) Contains(t time.Time) bool {
	return tr.Overlaps(t, t)
}

// PropTime decodes a DATE or DATE-TIME property. Unknown TZIDs and floating
// times are read as UTC. allDay is true for DATE values.
func PropTime(p *ical.Prop) (t time.Time, allDay bool, err error) {
	if p == nil {
		return time.Time{}, false, fmt.Errorf("missing date property")
	}
	value := strings.TrimSpace(p.Value)
	if strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE") || len(value) == 8 {
		t, err := time.Parse("20060102", value)
		return t, true, err
	}
	if t, err := p.DateTime(time.UTC); err == nil {
		return t, false, nil
	}
	loc := time.UTC
	if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		}
	}
	for _, layout := range []string{"20060102T150405Z", "20060102T150405"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("invalid date-time %q", value)
}

// Span returns the start and end of a component's first instance.
// ok is false when the component carries no usable date.
func Span(comp *ical.Component) (start, end time.Time, ok bool) {
	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		if comp.Name == ical.CompToDo {
			if due, _, err := PropTime(comp.Props.Get(ical.PropDue)); err == nil {
				return due, due, true
			}
		}
		return time.Time{}, time.Time{}, false
	}
	start, allDay, err := PropTime(startProp)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	switch {
	case comp.Props.Get(ical.PropDateTimeEnd) != nil:
		end, _, err = PropTime(comp.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			end = start
		}
	case comp.Props.Get(ical.PropDue) != nil:
		end, _, err = PropTime(comp.Props.Get(ical.PropDue))
		if err != nil {
			end = start
		}
	case comp.Props.Get(ical.PropDuration) != nil:
		if d, err := comp.Props.Get(ical.PropDuration).Duration(); err == nil {
			end = start.Add(d)
		} else {
			end = start
		}
	case allDay:
		end = start.AddDate(0, 0, 1)
	default:
		end = start
	}
	if allDay && !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end, true
}

// Instance is one occurrence of a (possibly recurring) component.
type Instance struct {
	Start        time.Time
	End          time.Time
	RecurrenceID time.Time
	Component    *ical.Component
}

// Instances lists the occurrences of the object's master component and its
// overrides that overlap tr, in start order.
func (o *Object) Instances(tr TimeRange) ([]Instance, error) {
	master := o.Master()
	if master == nil {
		return nil, nil
	}
	overrides := make(map[int64]*ical.Component)
	for _, ov := range o.Overrides() {
		if rid, _, err := PropTime(ov.Props.Get(ical.PropRecurrenceID)); err == nil {
			overrides[rid.UTC().Unix()] = ov
		}
	}

	start, end, ok := Span(master)
	if !ok {
		// Undated components match any range.
		return []Instance{{Component: master}}, nil
	}
	duration := end.Sub(start)

	var starts []time.Time
	if master.Props.Get(ical.PropRecurrenceRule) == nil && master.Props.Get(ical.PropRecurrenceDates) == nil {
		starts = []time.Time{start}
	} else {
		set, err := recurrenceSet(master, start)
		if err != nil {
			return nil, err
		}
		after := start
		if !tr.Start.IsZero() {
			after = tr.Start.Add(-duration)
		}
		before := tr.End
		if before.IsZero() {
			before = after.AddDate(5, 0, 0)
		}
		it := set.Iterator()
		for occ, more := it(); more && len(starts) < maxInstances; occ, more = it() {
			if occ.Before(after) {
				continue
			}
			if !occ.Before(before) {
				break
			}
			starts = append(starts, occ)
		}
	}

	var out []Instance
	seen := make(map[int64]bool)
	for _, s := range starts {
		key := s.UTC().Unix()
		seen[key] = true
		inst := Instance{Start: s, End: s.Add(duration), RecurrenceID: s, Component: master}
		if ov, ok := overrides[key]; ok {
			if os, oe, ok := Span(ov); ok {
				inst.Start, inst.End = os, oe
			}
			inst.Component = ov
		}
		if isCancelled(inst.Component) && inst.Component != master {
			continue
		}
		if tr.Overlaps(inst.Start, inst.End) {
			out = append(out, inst)
		}
	}
	// Overrides moved into the range from an occurrence outside it.
	for key, ov := range overrides {
		if seen[key] {
			continue
		}
		if os, oe, ok := Span(ov); ok && tr.Overlaps(os, oe) {
			rid, _, _ := PropTime(ov.Props.Get(ical.PropRecurrenceID))
			out = append(out, Instance{Start: os, End: oe, RecurrenceID: rid, Component: ov})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// Overlaps reports whether any instance of the object overlaps tr.
func (o *Object) Overlaps(tr TimeRange) bool {
	inst, err := o.Instances(tr)
	return err == nil && len(inst) > 0
}

func recurrenceSet(master *ical.Component, start time.Time) (*rrule.Set, error) {
	set := &rrule.Set{}
	set.DTStart(start)
	if p := master.Props.Get(ical.PropRecurrenceRule); p != nil {
		opt, err := rrule.StrToROption(p.Value)
		if err != nil {
			return nil, fmt.Errorf("parse RRULE %q: %w", p.Value, err)
		}
		opt.Dtstart = start
		rule, err := rrule.NewRRule(*opt)
		if err != nil {
			return nil, fmt.Errorf("build RRULE %q: %w", p.Value, err)
		}
		set.RRule(rule)
	} else {
		set.RDate(start)
	}
	for _, t := range dateList(master, ical.PropRecurrenceDates, start.Location()) {
		set.RDate(t)
	}
	for _, t := range dateList(master, ical.PropExceptionDates, start.Location()) {
		set.ExDate(t)
	}
	return set, nil
}

// dateList collects every value of a multi-valued RDATE/EXDATE property.
func dateList(comp *ical.Component, name string, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range comp.Props.Values(name) {
		for _, v := range strings.Split(p.Value, ",") {
			single := ical.Prop{Name: p.Name, Params: p.Params, Value: strings.TrimSpace(v)}
			if single.Value == "" {
				continue
			}
			t, allDay, err := PropTime(&single)
			if err != nil {
				continue
			}
			if allDay {
				t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			}
			out = append(out, t)
		}
	}
	return out
}

func isCancelled(comp *ical.Component) bool {
	return strings.EqualFold(propValue(comp, ical.PropStatus), "CANCELLED")
}
