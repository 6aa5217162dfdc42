package caldata

import (
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/jw6ventures/calcore/internal/store"
)

// Period is a busy interval.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Type  string    `json:"type,omitempty"`
}

// BusyPeriods returns the busy time the object contributes within tr, clipped
// to the range. Transparent and cancelled events contribute nothing.
func (o *Object) BusyPeriods(tr TimeRange) []Period {
	master := o.Master()
	if master == nil || master.Name != ical.CompEvent {
		return nil
	}
	if strings.EqualFold(propValue(master, ical.PropTransparency), "TRANSPARENT") || isCancelled(master) {
		return nil
	}
	instances, err := o.Instances(tr)
	if err != nil {
		return nil
	}
	var out []Period
	for _, inst := range instances {
		if inst.Start.IsZero() {
			continue
		}
		p := Period{Start: inst.Start.UTC(), End: inst.End.UTC(), Type: "BUSY"}
		if strings.EqualFold(propValue(inst.Component, ical.PropStatus), "TENTATIVE") {
			p.Type = "BUSY-TENTATIVE"
		}
		if !tr.Start.IsZero() && p.Start.Before(tr.Start) {
			p.Start = tr.Start
		}
		if !tr.End.IsZero() && p.End.After(tr.End) {
			p.End = tr.End
		}
		out = append(out, p)
	}
	return out
}

// MergePeriods sorts and coalesces overlapping periods of the same type.
func MergePeriods(in []Period) []Period {
	if len(in) == 0 {
		return nil
	}
	ps := append([]Period(nil), in...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Start.Before(ps[j].Start) })
	out := []Period{ps[0]}
	for _, p := range ps[1:] {
		last := &out[len(out)-1]
		if p.Type == last.Type && !p.Start.After(last.End) {
			if p.End.After(last.End) {
				last.End = p.End
			}
			continue
		}
		out = append(out, p)
	}
	return out
}

// FreeBusyReply builds a VFREEBUSY REPLY for one attendee.
func FreeBusyReply(organizer, attendee, uid string, tr TimeRange, periods []Period) *ical.Calendar {
	cal := NewCalendar()
	cal.Props.SetText(ical.PropMethod, MethodReply)

	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetText(ical.PropUID, uid)
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	setUTC(fb, ical.PropDateTimeStart, tr.Start)
	setUTC(fb, ical.PropDateTimeEnd, tr.End)

	org := ical.NewProp(ical.PropOrganizer)
	org.Value = "mailto:" + organizer
	fb.Props.Set(org)
	att := ical.NewProp(ical.PropAttendee)
	att.Value = "mailto:" + attendee
	fb.Props.Set(att)

	for _, p := range MergePeriods(periods) {
		prop := ical.NewProp("FREEBUSY")
		if p.Type != "" && p.Type != "BUSY" {
			prop.Params.Set("FBTYPE", p.Type)
		}
		prop.Value = p.Start.UTC().Format("20060102T150405Z") + "/" + p.End.UTC().Format("20060102T150405Z")
		fb.Props.Add(prop)
	}
	cal.Children = append(cal.Children, fb)
	return cal
}

// FreeBusyResult builds the VFREEBUSY answer of a free-busy-query report.
func FreeBusyResult(tr TimeRange, periods []Period) *ical.Calendar {
	cal := NewCalendar()
	fb := ical.NewComponent(ical.CompFreeBusy)
	fb.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	setUTC(fb, ical.PropDateTimeStart, tr.Start)
	setUTC(fb, ical.PropDateTimeEnd, tr.End)
	for _, p := range MergePeriods(periods) {
		prop := ical.NewProp("FREEBUSY")
		if p.Type != "" && p.Type != "BUSY" {
			prop.Params.Set("FBTYPE", p.Type)
		}
		prop.Value = p.Start.UTC().Format("20060102T150405Z") + "/" + p.End.UTC().Format("20060102T150405Z")
		fb.Props.Add(prop)
	}
	cal.Children = append(cal.Children, fb)
	return cal
}

// FreeBusyRequest extracts the range, organizer and attendees of a
// VFREEBUSY REQUEST posted to an outbox.
func (o *Object) FreeBusyRequest() (tr TimeRange, uid, organizer string, attendees []string, ok bool) {
	for _, child := range o.Cal.Children {
		if child.Name != ical.CompFreeBusy {
			continue
		}
		start, _, err1 := PropTime(child.Props.Get(ical.PropDateTimeStart))
		end, _, err2 := PropTime(child.Props.Get(ical.PropDateTimeEnd))
		if err1 != nil || err2 != nil {
			return TimeRange{}, "", "", nil, false
		}
		for _, p := range child.Props.Values(ical.PropAttendee) {
			attendees = append(attendees, store.NormalizeEmail(p.Value))
		}
		return TimeRange{Start: start.UTC(), End: end.UTC()}, propValue(child, ical.PropUID), store.NormalizeEmail(propValue(child, ical.PropOrganizer)), attendees, true
	}
	return TimeRange{}, "", "", nil, false
}
