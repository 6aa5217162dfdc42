// Package caldata parses and rewrites iCalendar objects: validation, time-range
// evaluation, recurrence expansion, export aggregation and jCal conversion.
package caldata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ProductID is stamped on calendars this server generates.
const ProductID = "-//calcore//calcore//EN"

// ContentType of stored calendar objects.
const ContentType = "text/calendar; charset=utf-8"

var (
	ErrInvalid    = errors.New("invalid calendar data")
	ErrMissingUID = errors.New("calendar object has no UID")
	ErrMixedUID   = errors.New("calendar object mixes UIDs")
)

// Object is one decoded calendar resource.
type Object struct {
	Cal *ical.Calendar
}

// Parse decodes and validates a stored calendar object. It must hold exactly
// one VCALENDAR whose scheduling components share a single UID.
func Parse(data string) (*Object, error) {
	cal, err := decode(data)
	if err != nil {
		return nil, err
	}
	obj := &Object{Cal: cal}
	if len(obj.Components()) == 0 {
		return nil, fmt.Errorf("%w: no calendar component", ErrInvalid)
	}
	if _, err := obj.uid(); err != nil {
		return nil, err
	}
	return obj, nil
}

// ParseLoose decodes without the UID rules, for iTIP and free-busy bodies.
func ParseLoose(data string) (*Object, error) {
	cal, err := decode(data)
	if err != nil {
		return nil, err
	}
	return &Object{Cal: cal}, nil
}

func decode(data string) (*ical.Calendar, error) {
	if strings.TrimSpace(data) == "" {
		return nil, fmt.Errorf("%w: empty body", ErrInvalid)
	}
	dec := ical.NewDecoder(strings.NewReader(data))
	cal, err := dec.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: more than one VCALENDAR", ErrInvalid)
	}
	return cal, nil
}

// Components returns the schedulable children, skipping VTIMEZONE.
func (o *Object) Components() []*ical.Component {
	var out []*ical.Component
	for _, child := range o.Cal.Children {
		switch child.Name {
		case ical.CompEvent, ical.CompToDo, ical.CompJournal, ical.CompFreeBusy:
			out = append(out, child)
		}
	}
	return out
}

// UID returns the shared UID of the object's components.
func (o *Object) UID() string {
	uid, _ := o.uid()
	return uid
}

func (o *Object) uid() (string, error) {
	var uid string
	for _, comp := range o.Components() {
		v := propValue(comp, ical.PropUID)
		if v == "" {
			if comp.Name == ical.CompFreeBusy {
				continue
			}
			return "", ErrMissingUID
		}
		if uid != "" && v != uid {
			return "", ErrMixedUID
		}
		uid = v
	}
	return uid, nil
}

// Method returns the iTIP METHOD, empty for stored resources.
func (o *Object) Method() string {
	return strings.ToUpper(propValue(o.Cal.Component, ical.PropMethod))
}

// Master returns the component without RECURRENCE-ID, or the first one.
func (o *Object) Master() *ical.Component {
	comps := o.Components()
	for _, comp := range comps {
		if comp.Props.Get(ical.PropRecurrenceID) == nil {
			return comp
		}
	}
	if len(comps) > 0 {
		return comps[0]
	}
	return nil
}

// Overrides returns the components carrying RECURRENCE-ID.
func (o *Object) Overrides() []*ical.Component {
	var out []*ical.Component
	for _, comp := range o.Components() {
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			out = append(out, comp)
		}
	}
	return out
}

// ComponentName returns the kind of the master component (VEVENT, VTODO, ...).
func (o *Object) ComponentName() string {
	if m := o.Master(); m != nil {
		return m.Name
	}
	return ""
}

// Timezones maps TZID to the VTIMEZONE components carried by the object.
func (o *Object) Timezones() map[string]*ical.Component {
	out := make(map[string]*ical.Component)
	for _, child := range o.Cal.Children {
		if child.Name == ical.CompTimezone {
			if id := propValue(child, ical.PropTimezoneID); id != "" {
				out[id] = child
			}
		}
	}
	return out
}

// Clone deep copies the object through an encode/decode cycle.
func (o *Object) Clone() (*Object, error) {
	s, err := o.Encode()
	if err != nil {
		return nil, err
	}
	return ParseLoose(s)
}

// Encode serializes the object, filling in the properties the encoder requires.
func (o *Object) Encode() (string, error) {
	return Encode(o.Cal)
}

// Encode serializes cal after adding PRODID, VERSION and DTSTAMP where missing.
func Encode(cal *ical.Calendar) (string, error) {
	if cal.Props.Get(ical.PropProductID) == nil {
		cal.Props.SetText(ical.PropProductID, ProductID)
	}
	if cal.Props.Get(ical.PropVersion) == nil {
		cal.Props.SetText(ical.PropVersion, "2.0")
	}
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent || child.Name == ical.CompToDo || child.Name == ical.CompJournal {
			if child.Props.Get(ical.PropDateTimeStamp) == nil {
				child.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
			}
		}
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return buf.String(), nil
}

// NewCalendar returns an empty VCALENDAR with the server PRODID.
func NewCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, ProductID)
	cal.Props.SetText(ical.PropVersion, "2.0")
	return cal
}

func propValue(comp *ical.Component, name string) string {
	if comp == nil {
		return ""
	}
	if p := comp.Props.Get(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

// Text returns a property value of comp, empty when absent.
func Text(comp *ical.Component, name string) string {
	return propValue(comp, name)
}
