package dav

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/scheduling"
	"github.com/jw6ventures/calcore/internal/store"
)

// Itip processes an explicit iTIP message. Clients that cannot send custom
// verbs use POST with X-Http-Method-Override: ITIP.
func (h *Handler) Itip(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	if h.scheduler == nil {
		http.Error(w, "scheduling is disabled", http.StatusNotImplemented)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var msg scheduling.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", scheduling.ErrInvalidMessage, err))
		return
	}
	if err := h.scheduler.Process(r.Context(), p, msg); err != nil {
		h.fail(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Str("method", msg.Method).Str("uid", msg.UID).Str("recipient", msg.Recipient).Msg("itip processed")
	w.WriteHeader(http.StatusNoContent)
}

// Post routes POST requests: JSON collection creation and sharing, and
// free-busy requests posted to an outbox.
func (h *Handler) Post(w http.ResponseWriter, r *http.Request) {
	p, authed := h.principal(w, r)
	if !authed {
		return
	}
	t, found := h.resolve(w, r)
	if !found {
		return
	}
	switch {
	case t.json && t.uri == "" && t.owner != "":
		h.createCollectionJSON(w, r, p, t)
	case t.json && t.name == "" && t.uri != "":
		h.shareJSON(w, r, p, t)
	case t.kind == KindOutbox && !t.json:
		h.outboxPost(w, r, p, t)
	default:
		w.Header().Set("Allow", t.kind.caps().allow)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// outboxPost answers a VFREEBUSY REQUEST with a schedule-response.
func (h *Handler) outboxPost(w http.ResponseWriter, r *http.Request, p *store.Principal, t target) {
	if t.owner != p.ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if h.scheduler == nil {
		http.Error(w, "scheduling is disabled", http.StatusNotImplemented)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	obj, err := caldata.ParseLoose(string(body))
	if err != nil {
		writeDAVError(w, http.StatusBadRequest, condValidCalendarData)
		return
	}
	_, _, organizer, _, isRequest := obj.FreeBusyRequest()
	if !isRequest {
		h.fail(w, r, fmt.Errorf("%w: outbox accepts VFREEBUSY requests only", errBadRequest))
		return
	}
	if !p.HasEmail(organizer) {
		h.fail(w, r, scheduling.ErrNotSender)
		return
	}
	responses, err := h.scheduler.FreeBusyQuery(r.Context(), obj)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("cal:schedule-response")
	root.CreateAttr("xmlns:d", nsDAV)
	root.CreateAttr("xmlns:cal", nsCalDAV)
	for _, resp := range responses {
		el := root.CreateElement("cal:response")
		el.CreateElement("cal:recipient").CreateElement("d:href").SetText(resp.Recipient)
		el.CreateElement("cal:request-status").SetText(resp.Status)
		if resp.CalendarData != "" {
			el.CreateElement("cal:calendar-data").SetText(resp.CalendarData)
		}
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = doc.WriteTo(w)
}

type freeBusyRequest struct {
	Start string   `json:"start"`
	End   string   `json:"end"`
	Users []string `json:"users"`
	UIDs  []string `json:"uids"`
}

type freeBusyUser struct {
	ID        string                    `json:"id"`
	Calendars []scheduling.CalendarBusy `json:"calendars"`
}

// FreeBusy answers the JSON bulk free-busy endpoint. Users are addressed by
// principal id or email; unknown users are left out.
func (h *Handler) FreeBusy(w http.ResponseWriter, r *http.Request) {
	if _, authed := h.principal(w, r); !authed {
		return
	}
	if h.scheduler == nil {
		http.Error(w, "scheduling is disabled", http.StatusNotImplemented)
		return
	}
	body, err := readDAVBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req freeBusyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	tr, err := caldata.ParseTimeRange(req.Start, req.End)
	if err != nil || tr.Start.IsZero() || tr.End.IsZero() {
		h.fail(w, r, fmt.Errorf("%w: start and end are required", errBadRequest))
		return
	}
	out := make([]freeBusyUser, 0, len(req.Users))
	for _, user := range req.Users {
		pr, err := h.lookupPrincipal(r, user)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		cals, err := h.scheduler.FreeBusy(r.Context(), pr.ID, tr, req.UIDs)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if cals == nil {
			cals = []scheduling.CalendarBusy{}
		}
		out = append(out, freeBusyUser{ID: pr.ID, Calendars: cals})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// lookupPrincipal resolves a principal id, email or principal href.
func (h *Handler) lookupPrincipal(r *http.Request, ref string) (*store.Principal, error) {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "@") {
		return h.store.Principals.GetByEmail(r.Context(), store.NormalizeEmail(ref))
	}
	ref = strings.Trim(ref, "/")
	ref = strings.TrimPrefix(ref, "principals/users/")
	return h.store.Principals.GetByID(r.Context(), ref)
}
