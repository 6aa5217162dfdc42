package caldata

import (
	"strconv"
	"strings"

	"github.com/emersion/go-ical"

	"github.com/jw6ventures/calcore/internal/store"
)

// iTIP methods.
const (
	MethodRequest = "REQUEST"
	MethodReply   = "REPLY"
	MethodCancel  = "CANCEL"
	MethodCounter = "COUNTER"
)

// Participation statuses.
const (
	PartStatNeedsAction = "NEEDS-ACTION"
	PartStatAccepted    = "ACCEPTED"
	PartStatDeclined    = "DECLINED"
	PartStatTentative   = "TENTATIVE"
)

const (
	paramPartStat       = "PARTSTAT"
	paramScheduleStatus = "SCHEDULE-STATUS"
	paramScheduleAgent  = "SCHEDULE-AGENT"
)

// ScheduleStatusDelivered is recorded on attendees whose reply was applied.
const ScheduleStatusDelivered = "2.0"

// Attendee is one ATTENDEE of a component.
type Attendee struct {
	Email    string
	PartStat string
	Name     string
}

// Organizer returns the normalized organizer address of the master component.
func (o *Object) Organizer() string {
	return store.NormalizeEmail(propValue(o.Master(), ical.PropOrganizer))
}

// Attendees returns the attendees of the master component. Attendees marked
// SCHEDULE-AGENT=CLIENT or NONE are handled by the client and skipped.
func (o *Object) Attendees() []Attendee {
	master := o.Master()
	if master == nil {
		return nil
	}
	var out []Attendee
	seen := make(map[string]bool)
	for _, p := range master.Props.Values(ical.PropAttendee) {
		email := store.NormalizeEmail(p.Value)
		if email == "" || seen[email] {
			continue
		}
		if agent := strings.ToUpper(p.Params.Get(paramScheduleAgent)); agent == "CLIENT" || agent == "NONE" {
			continue
		}
		seen[email] = true
		ps := strings.ToUpper(p.Params.Get(paramPartStat))
		if ps == "" {
			ps = PartStatNeedsAction
		}
		out = append(out, Attendee{Email: email, PartStat: ps, Name: p.Params.Get(ical.ParamCommonName)})
	}
	return out
}

// Attendee returns the attendee entry for email.
func (o *Object) Attendee(email string) (Attendee, bool) {
	email = store.NormalizeEmail(email)
	for _, a := range o.Attendees() {
		if a.Email == email {
			return a, true
		}
	}
	return Attendee{}, false
}

// IsScheduling reports whether the object names an organizer and attendees.
func (o *Object) IsScheduling() bool {
	return o.Organizer() != "" && len(o.Attendees()) > 0
}

// SetPartStat updates the attendee's PARTSTAT on every component, optionally
// stamping SCHEDULE-STATUS. It reports whether the attendee was found.
func (o *Object) SetPartStat(email, partStat, scheduleStatus string) bool {
	email = store.NormalizeEmail(email)
	found := false
	for _, comp := range o.Components() {
		props := comp.Props[ical.PropAttendee]
		for i := range props {
			if store.NormalizeEmail(props[i].Value) != email {
				continue
			}
			if props[i].Params == nil {
				props[i].Params = make(ical.Params)
			}
			props[i].Params.Set(paramPartStat, strings.ToUpper(partStat))
			if scheduleStatus != "" {
				props[i].Params.Set(paramScheduleStatus, scheduleStatus)
			}
			found = true
		}
	}
	return found
}

// Sequence returns the SEQUENCE of the master component.
func (o *Object) Sequence() int {
	n, _ := strconv.Atoi(propValue(o.Master(), ical.PropSequence))
	return n
}

// BumpSequence increments SEQUENCE on every component.
func (o *Object) BumpSequence() {
	for _, comp := range o.Components() {
		n, _ := strconv.Atoi(propValue(comp, ical.PropSequence))
		seq := ical.NewProp(ical.PropSequence)
		seq.Value = strconv.Itoa(n + 1)
		comp.Props.Set(seq)
	}
}

// SetStatus sets STATUS on every component.
func (o *Object) SetStatus(status string) {
	for _, comp := range o.Components() {
		comp.Props.SetText(ical.PropStatus, status)
	}
}

// WithMethod returns a copy suitable for an inbox: METHOD set on the calendar.
func (o *Object) WithMethod(method string) (*Object, error) {
	c, err := o.Clone()
	if err != nil {
		return nil, err
	}
	c.Cal.Props.SetText(ical.PropMethod, strings.ToUpper(method))
	return c, nil
}

// WithoutMethod returns a copy without METHOD, as stored in a calendar.
func (o *Object) WithoutMethod() (*Object, error) {
	c, err := o.Clone()
	if err != nil {
		return nil, err
	}
	c.Cal.Props.Del(ical.PropMethod)
	return c, nil
}

// ReplyFor builds the REPLY an attendee sends for the object, carrying only
// that attendee's entry.
func (o *Object) ReplyFor(email string) (*Object, error) {
	c, err := o.WithMethod(MethodReply)
	if err != nil {
		return nil, err
	}
	email = store.NormalizeEmail(email)
	for _, comp := range c.Components() {
		var keep []ical.Prop
		for _, p := range comp.Props[ical.PropAttendee] {
			if store.NormalizeEmail(p.Value) == email {
				keep = append(keep, p)
			}
		}
		comp.Props[ical.PropAttendee] = keep
	}
	return c, nil
}

// Snapshot is the part of an event that notification emails describe.
type Snapshot struct {
	Summary     string
	Location    string
	Description string
	DTStart     string
	DTEnd       string
}

// Snapshot captures the master component's notable fields.
func (o *Object) Snapshot() Snapshot {
	m := o.Master()
	return Snapshot{
		Summary:     propValue(m, ical.PropSummary),
		Location:    propValue(m, ical.PropLocation),
		Description: propValue(m, ical.PropDescription),
		DTStart:     propValue(m, ical.PropDateTimeStart),
		DTEnd:       propValue(m, ical.PropDateTimeEnd),
	}
}

// Change is one field difference between two snapshots.
type Change struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// Diff returns the fields that differ between prev and cur, keyed by
// lower-case field name.
func Diff(prev, cur Snapshot) map[string]Change {
	out := make(map[string]Change)
	add := func(key, a, b string) {
		if a != b {
			out[key] = Change{Previous: a, Current: b}
		}
	}
	add("summary", prev.Summary, cur.Summary)
	add("location", prev.Location, cur.Location)
	add("description", prev.Description, cur.Description)
	add("dtstart", prev.DTStart, cur.DTStart)
	add("dtend", prev.DTEnd, cur.DTEnd)
	return out
}
