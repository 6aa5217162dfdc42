// Package dav serves the WebDAV, CalDAV and CardDAV protocol surface and its
// JSON (jCal/jCard, HAL) counterpart over one resource store.
package dav

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/jw6ventures/calcore/internal/auth"
	"github.com/jw6ventures/calcore/internal/caldata"
	"github.com/jw6ventures/calcore/internal/carddata"
	httperrors "github.com/jw6ventures/calcore/internal/http/errors"
	"github.com/jw6ventures/calcore/internal/precondition"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/revision"
	"github.com/jw6ventures/calcore/internal/scheduling"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
)

// Scheduler is the part of the scheduling engine requests drive directly.
type Scheduler interface {
	Process(ctx context.Context, actor *store.Principal, msg scheduling.Message) error
	FreeBusy(ctx context.Context, principalID string, tr caldata.TimeRange, ignore []string) ([]scheduling.CalendarBusy, error)
	FreeBusyQuery(ctx context.Context, req *caldata.Object) ([]scheduling.FreeBusyResponse, error)
}

// Options configures the Handler.
type Options struct {
	Store      *store.Store
	Sharing    *sharing.Engine
	Scheduling Scheduler
	Events     propagation.Enqueuer
	Logger     zerolog.Logger
}

// Handler serves WebDAV/CalDAV/CardDAV requests.
type Handler struct {
	store     *store.Store
	sharing   *sharing.Engine
	scheduler Scheduler
	events    propagation.Enqueuer
	revisions *revision.Engine
	log       zerolog.Logger
}

func NewHandler(opts Options) *Handler {
	events := opts.Events
	if events == nil {
		events = propagation.Discard{}
	}
	return &Handler{
		store:     opts.Store,
		sharing:   opts.Sharing,
		scheduler: opts.Scheduling,
		events:    events,
		revisions: revision.NewEngine(opts.Store.Changes),
		log:       opts.Logger.With().Str("component", "dav").Logger(),
	}
}

var errNestedCollection = errors.New("collections cannot be nested")

// fail maps err onto a status code. Unknown errors are logged and answered
// with a generic 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, precondition.ErrFailed):
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
	case errors.Is(err, sharing.ErrReadOnly):
		hlog.FromRequest(r).Info().Err(err).Msg("write to read-only subscription")
		http.Error(w, "subscription is read-only", http.StatusForbidden)
	case errors.Is(err, sharing.ErrForbidden), errors.Is(err, errNestedCollection):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, store.ErrExists):
		http.Error(w, "resource already exists", http.StatusMethodNotAllowed)
	case errors.Is(err, errRequestTooLarge):
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
	case errors.Is(err, sharing.ErrInvalidRight),
		errors.Is(err, errBadRequest),
		errors.Is(err, caldata.ErrInvalid),
		errors.Is(err, carddata.ErrInvalid):
		httperrors.BadRequestError(w, r, err, err.Error())
	case errors.Is(err, scheduling.ErrInvalidMessage):
		httperrors.BadRequestError(w, r, err, err.Error())
	case errors.Is(err, scheduling.ErrNotSender):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, scheduling.ErrUnknownRecipient):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		httperrors.InternalError(w, r, err, "dav request failed")
	}
}

// principal returns the authenticated principal. The auth middleware
// guarantees one on every route but OPTIONS.
func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (*store.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return nil, false
	}
	return p, true
}

// resolve parses the request path, answering 404 for unknown paths.
func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) (target, bool) {
	t, ok := parsePath(r.URL.Path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
	}
	return t, ok
}

// loadCollection loads the addressed collection and checks priv on it.
// Collections the principal cannot see at all are reported missing.
func (h *Handler) loadCollection(ctx context.Context, p *store.Principal, t target, priv sharing.Privilege) (*store.Collection, sharing.PrivilegeSet, error) {
	c, err := h.store.Collections.Get(ctx, t.owner, t.home, t.uri)
	if err != nil {
		return nil, nil, err
	}
	privs, err := h.sharing.Privileges(ctx, p.ID, c)
	if err != nil {
		return nil, nil, err
	}
	if !privs.Has(priv) {
		if !privs.Has(sharing.PrivRead) && priv != sharing.PrivReadFreeBusy {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, sharing.ErrForbidden
	}
	return c, privs, nil
}

// publish hands a committed write to the propagation worker. The write is
// durable whether or not the client is still connected, so the enqueue does
// not follow the request's cancellation and failures are only logged.
func (h *Handler) publish(r *http.Request, ev propagation.Event) {
	ev.Origin = propagation.OriginClient
	if err := h.events.Enqueue(context.WithoutCancel(r.Context()), ev); err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("collection", ev.Collection.ID).Str("name", ev.Name).Msg("propagation enqueue failed")
	}
}

// Options answers capability discovery without authentication.
func (h *Handler) Options(w http.ResponseWriter, r *http.Request) {
	allow := "OPTIONS, GET, HEAD, POST, PUT, DELETE, PROPFIND, PROPPATCH, MKCOL, MKCALENDAR, REPORT, ACL, ITIP"
	if t, ok := parsePath(r.URL.Path); ok && !t.nested {
		allow = t.kind.caps().allow
	}
	w.Header().Set("Allow", allow)
	w.Header().Set("DAV", "1, 2, 3, access-control, calendar-access, calendar-schedule, addressbook, extended-mkcol")
	w.Header().Set("Accept-Patch", "application/xml")
	w.WriteHeader(http.StatusNoContent)
}

// Head serves GET without a body.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request) {
	h.Get(&headWriter{ResponseWriter: w}, r)
}

type headWriter struct {
	http.ResponseWriter
}

func (w *headWriter) Write(b []byte) (int, error) {
	return len(b), nil
}
