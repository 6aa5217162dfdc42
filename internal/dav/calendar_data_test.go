package dav

import (
	"strings"
	"testing"

	"github.com/beevik/etree"
)

const filterSample = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//Example//EN\r\n" +
	"BEGIN:VTIMEZONE\r\n" +
	"TZID:Europe/Berlin\r\n" +
	"BEGIN:STANDARD\r\n" +
	"DTSTART:19701025T030000\r\n" +
	"TZOFFSETFROM:+0200\r\n" +
	"TZOFFSETTO:+0100\r\n" +
	"END:STANDARD\r\n" +
	"END:VTIMEZONE\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:event-1\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"DTSTART:20240101T090000Z\r\n" +
	"DTEND:20240101T100000Z\r\n" +
	"SUMMARY:Test Event\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func calendarDataElement(t *testing.T, xml string) *etree.Element {
	t.Helper()
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		t.Fatalf("parse request: %v", err)
	}
	return doc.Root()
}

func renderCalendarData(t *testing.T, xml string) string {
	t.Helper()
	req, err := parseCalendarData(calendarDataElement(t, xml))
	if err != nil {
		t.Fatalf("parseCalendarData: %v", err)
	}
	out, err := req.render(filterSample)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	return out
}

func TestCalendarDataWithoutSelectionReturnsStoredData(t *testing.T) {
	out := renderCalendarData(t, `<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav"/>`)
	if out != filterSample {
		t.Fatalf("expected stored data unchanged, got: %s", out)
	}
}

func TestCalendarDataVCalendarOnlyKeepsAllComponents(t *testing.T) {
	out := renderCalendarData(t, `<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav"><C:comp name="VCALENDAR"/></C:calendar-data>`)
	for _, want := range []string{"BEGIN:VEVENT", "BEGIN:VTIMEZONE", "SUMMARY:Test Event"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestCalendarDataSelectsTimezoneOnly(t *testing.T) {
	out := renderCalendarData(t, `<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:comp name="VCALENDAR"><C:comp name="VTIMEZONE"/></C:comp>
</C:calendar-data>`)
	if strings.Contains(out, "BEGIN:VEVENT") {
		t.Fatalf("expected VEVENT to be stripped, got: %s", out)
	}
	if !strings.Contains(out, "BEGIN:STANDARD") {
		t.Fatalf("expected nested STANDARD to remain, got: %s", out)
	}
}

func TestCalendarDataFiltersProperties(t *testing.T) {
	out := renderCalendarData(t, `<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav">
  <C:comp name="VCALENDAR">
    <C:prop name="VERSION"/>
    <C:comp name="VEVENT"><C:prop name="UID"/><C:prop name="DTSTART"/></C:comp>
  </C:comp>
</C:calendar-data>`)
	if !strings.Contains(out, "UID:event-1") || !strings.Contains(out, "DTSTART:20240101T090000Z") {
		t.Fatalf("expected selected properties, got: %s", out)
	}
	if strings.Contains(out, "SUMMARY") || strings.Contains(out, "DTEND") {
		t.Fatalf("expected unselected properties removed, got: %s", out)
	}
	if strings.Contains(out, "VTIMEZONE") {
		t.Fatalf("expected unselected components removed, got: %s", out)
	}
}

func TestCalendarDataBareCompIsWrapped(t *testing.T) {
	out := renderCalendarData(t, `<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav"><C:comp name="VEVENT"/></C:calendar-data>`)
	if !strings.Contains(out, "BEGIN:VCALENDAR") || !strings.Contains(out, "BEGIN:VEVENT") {
		t.Fatalf("expected wrapped VEVENT, got: %s", out)
	}
	if strings.Contains(out, "VTIMEZONE") {
		t.Fatalf("expected VTIMEZONE removed, got: %s", out)
	}
}

func TestCalendarDataExpandNeedsBothBounds(t *testing.T) {
	_, err := parseCalendarData(calendarDataElement(t, `<C:calendar-data xmlns:C="urn:ietf:params:xml:ns:caldav"><C:expand start="20240101T000000Z"/></C:calendar-data>`))
	if err == nil {
		t.Fatal("expected error for open expand range")
	}
}

func TestAddressDataSelectsProperties(t *testing.T) {
	card := "BEGIN:VCARD\r\nVERSION:4.0\r\nUID:c1\r\nFN:Jane Doe\r\nEMAIL:jane@example.com\r\nTEL:+1555\r\nEND:VCARD\r\n"
	req := parseAddressData(calendarDataElement(t, `<A:address-data xmlns:A="urn:ietf:params:xml:ns:carddav"><A:prop name="EMAIL"/></A:address-data>`))
	out, err := req.render(card)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "EMAIL:jane@example.com") || !strings.Contains(out, "UID:c1") {
		t.Fatalf("expected EMAIL and UID kept, got: %s", out)
	}
	if strings.Contains(out, "TEL") {
		t.Fatalf("expected TEL removed, got: %s", out)
	}
}
