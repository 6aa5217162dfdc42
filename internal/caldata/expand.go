package caldata

import (
	"time"

	"github.com/emersion/go-ical"
)

// CloneComponent deep copies comp.
func CloneComponent(comp *ical.Component) *ical.Component {
	out := ical.NewComponent(comp.Name)
	for name, props := range comp.Props {
		for _, p := range props {
			cp := ical.Prop{Name: p.Name, Value: p.Value, Params: make(ical.Params, len(p.Params))}
			for k, v := range p.Params {
				cp.Params[k] = append([]string(nil), v...)
			}
			out.Props[name] = append(out.Props[name], cp)
		}
	}
	for _, child := range comp.Children {
		out.Children = append(out.Children, CloneComponent(child))
	}
	return out
}

// Expand rewrites the object into its individual occurrences within tr, each
// with UTC DTSTART/DTEND and, for recurring objects, a UTC RECURRENCE-ID.
// VTIMEZONE components are dropped since every time is absolute.
func (o *Object) Expand(tr TimeRange) (*Object, error) {
	instances, err := o.Instances(tr)
	if err != nil {
		return nil, err
	}
	master := o.Master()
	recurring := master != nil && (master.Props.Get(ical.PropRecurrenceRule) != nil || master.Props.Get(ical.PropRecurrenceDates) != nil || len(o.Overrides()) > 0)

	cal := NewCalendar()
	for _, inst := range instances {
		comp := CloneComponent(inst.Component)
		for _, name := range []string{ical.PropRecurrenceRule, ical.PropRecurrenceDates, ical.PropExceptionDates, ical.PropDuration} {
			comp.Props.Del(name)
		}
		if !inst.Start.IsZero() {
			setUTC(comp, ical.PropDateTimeStart, inst.Start)
			if comp.Name == ical.CompToDo && comp.Props.Get(ical.PropDue) != nil {
				comp.Props.Del(ical.PropDue)
				setUTC(comp, ical.PropDue, inst.End)
			} else {
				setUTC(comp, ical.PropDateTimeEnd, inst.End)
			}
		}
		if recurring && !inst.RecurrenceID.IsZero() {
			comp.Props.Del(ical.PropRecurrenceID)
			setUTC(comp, ical.PropRecurrenceID, inst.RecurrenceID)
		}
		cal.Children = append(cal.Children, comp)
	}
	return &Object{Cal: cal}, nil
}

func setUTC(comp *ical.Component, name string, t time.Time) {
	p := ical.NewProp(name)
	p.Value = t.UTC().Format("20060102T150405Z")
	comp.Props.Set(p)
}
