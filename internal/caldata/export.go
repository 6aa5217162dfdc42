package caldata

import (
	"github.com/emersion/go-ical"
)

// Export merges stored calendar objects into one VCALENDAR. Each VTIMEZONE
// referenced by a TZID parameter is emitted once; unreferenced ones are
// dropped. Objects that fail to parse are skipped and returned by name.
func Export(name string, objects map[string]string, order []string) (string, []string, error) {
	cal := NewCalendar()
	if name != "" {
		cal.Props.SetText("X-WR-CALNAME", name)
	}

	var skipped []string
	var components []*ical.Component
	zones := make(map[string]*ical.Component)
	var zoneOrder []string
	for _, key := range order {
		obj, err := ParseLoose(objects[key])
		if err != nil {
			skipped = append(skipped, key)
			continue
		}
		available := obj.Timezones()
		for _, comp := range obj.Components() {
			components = append(components, comp)
			for _, tzid := range referencedZones(comp) {
				if _, done := zones[tzid]; done {
					continue
				}
				if tz, ok := available[tzid]; ok {
					zones[tzid] = tz
					zoneOrder = append(zoneOrder, tzid)
				}
			}
		}
	}
	for _, tzid := range zoneOrder {
		cal.Children = append(cal.Children, zones[tzid])
	}
	cal.Children = append(cal.Children, components...)

	out, err := Encode(cal)
	return out, skipped, err
}

func referencedZones(comp *ical.Component) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(c *ical.Component)
	walk = func(c *ical.Component) {
		for _, props := range c.Props {
			for _, p := range props {
				if tzid := p.Params.Get(ical.ParamTimezoneID); tzid != "" && !seen[tzid] {
					seen[tzid] = true
					out = append(out, tzid)
				}
			}
		}
		for _, child := range c.Children {
			walk(child)
		}
	}
	walk(comp)
	return out
}
