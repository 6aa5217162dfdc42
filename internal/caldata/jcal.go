package caldata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-ical"
)

// ContentTypeJCal is the media type of jCal bodies.
const ContentTypeJCal = "application/calendar+json"

var dateTimeProps = map[string]bool{
	"DTSTART": true, "DTEND": true, "DUE": true, "RECURRENCE-ID": true,
	"EXDATE": true, "RDATE": true, "DTSTAMP": true, "CREATED": true,
	"LAST-MODIFIED": true, "COMPLETED": true,
}

var integerProps = map[string]bool{
	"SEQUENCE": true, "PRIORITY": true, "PERCENT-COMPLETE": true, "REPEAT": true,
}

// ToJCal converts a calendar into its jCal array form.
func ToJCal(cal *ical.Calendar) []any {
	return componentToJCal(cal.Component)
}

// MarshalJCal serializes a calendar as jCal JSON.
func MarshalJCal(cal *ical.Calendar) ([]byte, error) {
	return json.Marshal(ToJCal(cal))
}

func componentToJCal(comp *ical.Component) []any {
	names := make([]string, 0, len(comp.Props))
	for name := range comp.Props {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make([]any, 0, len(names))
	for _, name := range names {
		for _, p := range comp.Props[name] {
			props = append(props, propToJCal(p))
		}
	}
	children := make([]any, 0, len(comp.Children))
	for _, child := range comp.Children {
		children = append(children, componentToJCal(child))
	}
	return []any{strings.ToLower(comp.Name), props, children}
}

func propToJCal(p ical.Prop) []any {
	params := map[string]any{}
	for k, v := range p.Params {
		if strings.EqualFold(k, ical.ParamValue) {
			continue
		}
		if len(v) == 1 {
			params[strings.ToLower(k)] = v[0]
		} else {
			params[strings.ToLower(k)] = v
		}
	}
	name := strings.ToUpper(p.Name)
	typ, value := jcalValue(name, p)
	out := []any{strings.ToLower(name), params, typ}
	if name == "EXDATE" || name == "RDATE" {
		for _, v := range strings.Split(p.Value, ",") {
			out = append(out, formatJCalDate(strings.TrimSpace(v), typ))
		}
		return out
	}
	return append(out, value)
}

func jcalValue(name string, p ical.Prop) (string, any) {
	switch {
	case dateTimeProps[name]:
		typ := "date-time"
		if strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE") || len(strings.TrimSpace(p.Value)) == 8 {
			typ = "date"
		}
		return typ, formatJCalDate(p.Value, typ)
	case integerProps[name]:
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			return "integer", n
		}
	case name == "ORGANIZER" || name == "ATTENDEE":
		return "cal-address", p.Value
	case name == "DURATION":
		return "duration", p.Value
	case name == "URL":
		return "uri", p.Value
	case name == "RRULE":
		return "recur", recurToJCal(p.Value)
	}
	return "text", p.Value
}

// formatJCalDate turns 20240102T100000Z into 2024-01-02T10:00:00Z.
func formatJCalDate(v, typ string) string {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return v
	}
	date := v[0:4] + "-" + v[4:6] + "-" + v[6:8]
	if typ == "date" || len(v) < 15 {
		return date
	}
	return date + "T" + v[9:11] + ":" + v[11:13] + ":" + v[13:15] + v[15:]
}

func parseJCalDate(v string) string {
	return strings.NewReplacer("-", "", ":", "").Replace(v)
}

func recurToJCal(rule string) map[string]any {
	out := map[string]any{}
	for _, part := range strings.Split(rule, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(k))
		if strings.Contains(v, ",") {
			out[key] = strings.Split(v, ",")
			continue
		}
		if key == "count" || key == "interval" {
			if n, err := strconv.Atoi(v); err == nil {
				out[key] = n
				continue
			}
		}
		if key == "until" {
			out[key] = formatJCalDate(v, "date-time")
			continue
		}
		out[key] = v
	}
	return out
}

func recurFromJCal(v map[string]any) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i] == "freq" || keys[j] == "freq" {
			return keys[i] == "freq"
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var val string
		switch tv := v[k].(type) {
		case []any:
			items := make([]string, 0, len(tv))
			for _, item := range tv {
				items = append(items, scalarString(item))
			}
			val = strings.Join(items, ",")
		default:
			val = scalarString(tv)
		}
		if k == "until" {
			val = parseJCalDate(val)
		}
		parts = append(parts, strings.ToUpper(k)+"="+val)
	}
	return strings.Join(parts, ";")
}

func scalarString(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	default:
		return fmt.Sprint(tv)
	}
}

// FromJCal decodes a jCal document into a calendar.
func FromJCal(data []byte) (*ical.Calendar, error) {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	comp, err := componentFromJCal(raw)
	if err != nil {
		return nil, err
	}
	if comp.Name != ical.CompCalendar {
		return nil, fmt.Errorf("%w: top level component is %s", ErrInvalid, comp.Name)
	}
	return &ical.Calendar{Component: comp}, nil
}

func componentFromJCal(raw []any) (*ical.Component, error) {
	if len(raw) != 3 {
		return nil, fmt.Errorf("%w: component needs name, properties and children", ErrInvalid)
	}
	name, ok := raw[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: component name", ErrInvalid)
	}
	comp := ical.NewComponent(strings.ToUpper(name))

	props, _ := raw[1].([]any)
	for _, rp := range props {
		arr, ok := rp.([]any)
		if !ok || len(arr) < 4 {
			return nil, fmt.Errorf("%w: property in %s", ErrInvalid, name)
		}
		p, err := propFromJCal(arr)
		if err != nil {
			return nil, err
		}
		comp.Props.Add(p)
	}
	children, _ := raw[2].([]any)
	for _, rc := range children {
		arr, ok := rc.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: child of %s", ErrInvalid, name)
		}
		child, err := componentFromJCal(arr)
		if err != nil {
			return nil, err
		}
		comp.Children = append(comp.Children, child)
	}
	return comp, nil
}

func propFromJCal(arr []any) (*ical.Prop, error) {
	name, _ := arr[0].(string)
	typ, _ := arr[2].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: property name", ErrInvalid)
	}
	p := ical.NewProp(strings.ToUpper(name))
	if params, ok := arr[1].(map[string]any); ok {
		for k, v := range params {
			key := strings.ToUpper(k)
			switch tv := v.(type) {
			case []any:
				for _, item := range tv {
					p.Params.Add(key, scalarString(item))
				}
			default:
				p.Params.Set(key, scalarString(tv))
			}
		}
	}

	values := make([]string, 0, len(arr)-3)
	for _, v := range arr[3:] {
		switch tv := v.(type) {
		case map[string]any:
			values = append(values, recurFromJCal(tv))
		case string:
			if typ == "date" || typ == "date-time" {
				tv = parseJCalDate(tv)
			}
			values = append(values, tv)
		default:
			values = append(values, scalarString(tv))
		}
	}
	p.Value = strings.Join(values, ",")
	if typ == "date" {
		p.Params.Set(ical.ParamValue, "DATE")
	}
	return p, nil
}
