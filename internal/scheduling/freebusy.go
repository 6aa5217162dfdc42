package scheduling

import (
	"context"
	"fmt"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/store"
)

// CalendarBusy is the busy time one calendar contributes.
type CalendarBusy struct {
	Principal string           `json:"principal"`
	Calendar  string           `json:"calendar"`
	Busy      []caldata.Period `json:"busy"`
}

// FreeBusy returns the busy time of every owned calendar of principalID in
// tr. Events whose UID is listed in ignore are left out, so a client can ask
// for availability while moving one of those events.
func (e *Engine) FreeBusy(ctx context.Context, principalID string, tr caldata.TimeRange, ignore []string) ([]CalendarBusy, error) {
	skip := make(map[string]bool, len(ignore))
	for _, uid := range ignore {
		skip[uid] = true
	}
	cols, err := e.store.Collections.ListByOwner(ctx, principalID, store.HomeCalendars)
	if err != nil {
		return nil, fmt.Errorf("list calendars of %s: %w", principalID, err)
	}
	var out []CalendarBusy
	for _, c := range cols {
		if c.Kind != store.KindCalendar || c.Type != store.TypeOwned {
			continue
		}
		items, err := e.store.Items.List(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("list items of %d: %w", c.ID, err)
		}
		var busy []caldata.Period
		for _, it := range items {
			if skip[it.UID] {
				continue
			}
			obj, err := caldata.Parse(it.Data)
			if err != nil {
				continue
			}
			busy = append(busy, obj.BusyPeriods(tr)...)
		}
		out = append(out, CalendarBusy{Principal: principalID, Calendar: c.URI, Busy: caldata.MergePeriods(busy)})
	}
	return out, nil
}

// Schedule statuses of free-busy responses.
const (
	StatusSuccess     = "2.0;Success"
	StatusInvalidUser = "3.7;Invalid calendar user"
	StatusNoAccess    = "3.8;No authority"
)

// FreeBusyResponse is one recipient entry of a schedule-response.
type FreeBusyResponse struct {
	Recipient    string
	Status       string
	CalendarData string
}

// FreeBusyQuery answers a VFREEBUSY REQUEST posted to an outbox, one response
// per attendee.
func (e *Engine) FreeBusyQuery(ctx context.Context, req *caldata.Object) ([]FreeBusyResponse, error) {
	tr, uid, organizer, attendees, ok := req.FreeBusyRequest()
	if !ok {
		return nil, fmt.Errorf("%w: not a VFREEBUSY request", ErrInvalidMessage)
	}
	var out []FreeBusyResponse
	for _, email := range attendees {
		resp := FreeBusyResponse{Recipient: "mailto:" + email}
		p, err := e.principalByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		if p == nil {
			resp.Status = StatusInvalidUser
			out = append(out, resp)
			continue
		}
		cals, err := e.FreeBusy(ctx, p.ID, tr, nil)
		if err != nil {
			return nil, err
		}
		var busy []caldata.Period
		for _, c := range cals {
			busy = append(busy, c.Busy...)
		}
		data, err := caldata.Encode(caldata.FreeBusyReply(organizer, email, uid, tr, busy))
		if err != nil {
			return nil, err
		}
		resp.Status = StatusSuccess
		resp.CalendarData = data
		out = append(out, resp)
	}
	return out, nil
}
