package caldata

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calcore/internal/textmatch"
)

const simpleEvent = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:event-1\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240110T100000Z\r\n" +
	"DTEND:20240110T110000Z\r\n" +
	"SUMMARY:Planning\r\n" +
	"LOCATION:Room 1\r\n" +
	"ORGANIZER:mailto:alice@example.com\r\n" +
	"ATTENDEE;PARTSTAT=NEEDS-ACTION:mailto:Bob@Example.com\r\n" +
	"ATTENDEE;SCHEDULE-AGENT=CLIENT:mailto:carol@example.com\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

const weeklyEvent = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VTIMEZONE\r\n" +
	"TZID:Europe/Paris\r\n" +
	"BEGIN:STANDARD\r\n" +
	"DTSTART:19701025T030000\r\n" +
	"TZOFFSETFROM:+0200\r\n" +
	"TZOFFSETTO:+0100\r\n" +
	"END:STANDARD\r\n" +
	"END:VTIMEZONE\r\n" +
	"BEGIN:VTIMEZONE\r\n" +
	"TZID:Unused/Zone\r\n" +
	"BEGIN:STANDARD\r\n" +
	"DTSTART:19701025T030000\r\n" +
	"TZOFFSETFROM:+0200\r\n" +
	"TZOFFSETTO:+0100\r\n" +
	"END:STANDARD\r\n" +
	"END:VTIMEZONE\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:weekly-1\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART;TZID=Europe/Paris:20240101T090000\r\n" +
	"DTEND;TZID=Europe/Paris:20240101T100000\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=4\r\n" +
	"EXDATE;TZID=Europe/Paris:20240115T090000\r\n" +
	"SUMMARY:Standup\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func mustParse(t *testing.T, data string) *Object {
	t.Helper()
	obj, err := Parse(data)
	require.NoError(t, err)
	return obj
}

func utc(s string) time.Time {
	t, err := time.Parse("20060102T150405Z", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseValidates(t *testing.T) {
	obj := mustParse(t, simpleEvent)
	assert.Equal(t, "event-1", obj.UID())
	assert.Equal(t, ical.CompEvent, obj.ComponentName())

	_, err := Parse("")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = Parse(strings.Replace(simpleEvent, "UID:event-1\r\n", "", 1))
	assert.ErrorIs(t, err, ErrMissingUID)
	_, err = Parse("not a calendar")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTimeRangeIsHalfOpen(t *testing.T) {
	obj := mustParse(t, simpleEvent)

	// Ends exactly at DTSTART: no overlap.
	assert.False(t, obj.Overlaps(TimeRange{Start: utc("20240110T090000Z"), End: utc("20240110T100000Z")}))
	// Starts exactly at DTEND: no overlap.
	assert.False(t, obj.Overlaps(TimeRange{Start: utc("20240110T110000Z"), End: utc("20240110T120000Z")}))
	assert.True(t, obj.Overlaps(TimeRange{Start: utc("20240110T105959Z"), End: utc("20240110T120000Z")}))
	assert.True(t, obj.Overlaps(TimeRange{Start: utc("20240110T100000Z")}))
}

func TestParseTimeRangeRejectsInverted(t *testing.T) {
	_, err := ParseTimeRange("20240102T000000Z", "20240101T000000Z")
	assert.Error(t, err)
	tr, err := ParseTimeRange("20240101T000000Z", "")
	require.NoError(t, err)
	assert.True(t, tr.End.IsZero())
}

func TestRecurringInstancesHonourExdateAndZone(t *testing.T) {
	obj := mustParse(t, weeklyEvent)
	inst, err := obj.Instances(TimeRange{Start: utc("20240101T000000Z"), End: utc("20240201T000000Z")})
	require.NoError(t, err)
	require.Len(t, inst, 3)
	assert.Equal(t, utc("20240101T080000Z"), inst[0].Start.UTC())
	assert.Equal(t, utc("20240108T080000Z"), inst[1].Start.UTC())
	assert.Equal(t, utc("20240122T080000Z"), inst[2].Start.UTC())
}

func TestExpandRewritesToUTC(t *testing.T) {
	obj := mustParse(t, weeklyEvent)
	expanded, err := obj.Expand(TimeRange{Start: utc("20240105T000000Z"), End: utc("20240120T000000Z")})
	require.NoError(t, err)

	out, err := expanded.Encode()
	require.NoError(t, err)
	assert.NotContains(t, out, "RRULE")
	assert.NotContains(t, out, "VTIMEZONE")
	assert.Contains(t, out, "DTSTART:20240108T080000Z")
	assert.Contains(t, out, "RECURRENCE-ID:20240108T080000Z")
	assert.Equal(t, 1, strings.Count(out, "BEGIN:VEVENT"))
}

func TestOverrideReplacesOccurrence(t *testing.T) {
	data := strings.Replace(weeklyEvent, "END:VCALENDAR\r\n",
		"BEGIN:VEVENT\r\nUID:weekly-1\r\nDTSTAMP:20240101T000000Z\r\nRECURRENCE-ID;TZID=Europe/Paris:20240108T090000\r\n"+
			"DTSTART:20240108T150000Z\r\nDTEND:20240108T160000Z\r\nSUMMARY:Moved\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n", 1)
	obj := mustParse(t, data)
	inst, err := obj.Instances(TimeRange{Start: utc("20240108T000000Z"), End: utc("20240109T000000Z")})
	require.NoError(t, err)
	require.Len(t, inst, 1)
	assert.Equal(t, utc("20240108T150000Z"), inst[0].Start.UTC())
	assert.Equal(t, "Moved", Text(inst[0].Component, ical.PropSummary))
}

func TestExportIncludesReferencedZonesOnce(t *testing.T) {
	second := strings.Replace(weeklyEvent, "UID:weekly-1", "UID:weekly-2", 1)
	out, skipped, err := Export("Work", map[string]string{"a.ics": weeklyEvent, "b.ics": second, "c.ics": "garbage"}, []string{"a.ics", "b.ics", "c.ics"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c.ics"}, skipped)
	assert.Equal(t, 1, strings.Count(out, "BEGIN:VCALENDAR"))
	assert.Equal(t, 1, strings.Count(out, "TZID:Europe/Paris"))
	assert.NotContains(t, out, "Unused/Zone")
	assert.Equal(t, 2, strings.Count(out, "BEGIN:VEVENT"))
}

func TestJCalRoundTrip(t *testing.T) {
	obj := mustParse(t, weeklyEvent)
	raw, err := MarshalJCal(obj.Cal)
	require.NoError(t, err)

	var doc []any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "vcalendar", doc[0])

	cal, err := FromJCal(raw)
	require.NoError(t, err)
	back := &Object{Cal: cal}
	assert.Equal(t, "weekly-1", back.UID())
	start := back.Master().Props.Get(ical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, "20240101T090000", start.Value)
	assert.Equal(t, "Europe/Paris", start.Params.Get(ical.ParamTimezoneID))
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", back.Master().Props.Get(ical.PropRecurrenceRule).Value)
}

func TestFromJCalRejectsGarbage(t *testing.T) {
	_, err := FromJCal([]byte(`{"not":"an array"}`))
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = FromJCal([]byte(`["vevent", [], []]`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestAttendeesAndPartStat(t *testing.T) {
	obj := mustParse(t, simpleEvent)
	assert.Equal(t, "alice@example.com", obj.Organizer())
	att := obj.Attendees()
	require.Len(t, att, 1, "client-scheduled attendees are skipped")
	assert.Equal(t, "bob@example.com", att[0].Email)
	assert.Equal(t, PartStatNeedsAction, att[0].PartStat)

	require.True(t, obj.SetPartStat("mailto:BOB@example.com", PartStatAccepted, ScheduleStatusDelivered))
	a, ok := obj.Attendee("bob@example.com")
	require.True(t, ok)
	assert.Equal(t, PartStatAccepted, a.PartStat)
	assert.Equal(t, ScheduleStatusDelivered, obj.Master().Props.Get(ical.PropAttendee).Params.Get("SCHEDULE-STATUS"))

	obj.BumpSequence()
	obj.BumpSequence()
	assert.Equal(t, 2, obj.Sequence())
}

func TestReplyCarriesOnlyReplyingAttendee(t *testing.T) {
	obj := mustParse(t, simpleEvent)
	reply, err := obj.ReplyFor("bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, MethodReply, reply.Method())
	assert.Len(t, reply.Master().Props.Values(ical.PropAttendee), 1)
	assert.Len(t, obj.Master().Props.Values(ical.PropAttendee), 2, "source object untouched")
}

func TestDiff(t *testing.T) {
	prev := mustParse(t, simpleEvent).Snapshot()
	cur := prev
	cur.Summary = "Retro"
	cur.DTStart = "20240111T100000Z"
	changes := Diff(prev, cur)
	assert.Len(t, changes, 2)
	assert.Equal(t, Change{Previous: "Planning", Current: "Retro"}, changes["summary"])
	assert.Empty(t, Diff(prev, prev))
}

func TestBusyPeriods(t *testing.T) {
	obj := mustParse(t, simpleEvent)
	tr := TimeRange{Start: utc("20240110T103000Z"), End: utc("20240111T000000Z")}
	periods := obj.BusyPeriods(tr)
	require.Len(t, periods, 1)
	assert.Equal(t, tr.Start, periods[0].Start, "clipped to range")

	transparent := mustParse(t, strings.Replace(simpleEvent, "SUMMARY:Planning", "TRANSP:TRANSPARENT", 1))
	assert.Empty(t, transparent.BusyPeriods(tr))
	assert.Empty(t, obj.BusyPeriods(TimeRange{Start: utc("20250101T000000Z"), End: utc("20250102T000000Z")}))
}

func TestMergePeriods(t *testing.T) {
	merged := MergePeriods([]Period{
		{Start: utc("20240101T120000Z"), End: utc("20240101T130000Z"), Type: "BUSY"},
		{Start: utc("20240101T100000Z"), End: utc("20240101T121500Z"), Type: "BUSY"},
	})
	require.Len(t, merged, 1)
	assert.Equal(t, utc("20240101T100000Z"), merged[0].Start)
	assert.Equal(t, utc("20240101T130000Z"), merged[0].End)
}

func TestCompFilter(t *testing.T) {
	obj := mustParse(t, simpleEvent)
	contains, err := textmatch.New("plan", "", "contains", false)
	require.NoError(t, err)

	filter := CompFilter{Name: "VCALENDAR", Comps: []CompFilter{{
		Name:      "VEVENT",
		TimeRange: &TimeRange{Start: utc("20240110T000000Z"), End: utc("20240111T000000Z")},
		Props:     []PropFilter{{Name: "SUMMARY", TextMatch: &contains}},
	}}}
	assert.True(t, obj.Match(filter))

	filter.Comps[0].TimeRange = &TimeRange{Start: utc("20240201T000000Z"), End: utc("20240202T000000Z")}
	assert.False(t, obj.Match(filter))

	assert.False(t, obj.Match(CompFilter{Name: "VCALENDAR", Comps: []CompFilter{{Name: "VTODO"}}}))
	assert.True(t, obj.Match(CompFilter{Name: "VCALENDAR", Comps: []CompFilter{{Name: "VTODO", IsNotDefined: true}}}))
	assert.True(t, obj.Match(CompFilter{Name: "VCALENDAR", Comps: []CompFilter{{Name: "VEVENT", Props: []PropFilter{{Name: "RRULE", IsNotDefined: true}}}}}))

	partstat, _ := textmatch.New("NEEDS-ACTION", "", "equals", false)
	assert.True(t, obj.Match(CompFilter{Name: "VCALENDAR", Comps: []CompFilter{{Name: "VEVENT", Props: []PropFilter{{
		Name:   "ATTENDEE",
		Params: []ParamFilter{{Name: "PARTSTAT", TextMatch: &partstat}},
	}}}}}))
}

func TestFreeBusyReply(t *testing.T) {
	tr := TimeRange{Start: utc("20240110T000000Z"), End: utc("20240111T000000Z")}
	cal := FreeBusyReply("alice@example.com", "bob@example.com", "fb-1", tr, []Period{{Start: utc("20240110T100000Z"), End: utc("20240110T110000Z"), Type: "BUSY"}})
	out, err := Encode(cal)
	require.NoError(t, err)
	assert.Contains(t, out, "METHOD:REPLY")
	assert.Contains(t, out, "FREEBUSY:20240110T100000Z/20240110T110000Z")

	req, err := ParseLoose(strings.Replace(out, "METHOD:REPLY", "METHOD:REQUEST", 1))
	require.NoError(t, err)
	got, uid, organizer, attendees, ok := req.FreeBusyRequest()
	require.True(t, ok)
	assert.Equal(t, "fb-1", uid)
	assert.Equal(t, "alice@example.com", organizer)
	assert.Equal(t, []string{"bob@example.com"}, attendees)
	assert.Equal(t, tr, got)
}
