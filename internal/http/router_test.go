package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jw6ventures/calcore/internal/auth"
	"github.com/jw6ventures/calcore/internal/broker"
	"github.com/jw6ventures/calcore/internal/dav"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/scheduling"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
	"github.com/jw6ventures/calcore/internal/store/memory"
)

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// fixedPrincipal authenticates every request as alice, or rejects requests
// without an Authorization header.
func fixedPrincipal(p *store.Principal) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func newRouter(t *testing.T, health HealthChecker) http.Handler {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	alice, err := st.Principals.Upsert(ctx, store.Principal{ID: "alice", Emails: []string{"alice@example.com"}})
	require.NoError(t, err)
	require.NoError(t, st.EnsureHome(ctx, alice.ID))
	sched := scheduling.NewEngine(scheduling.Options{Store: st, Publisher: &broker.Recorder{}, Events: propagation.Discard{}, Logger: zerolog.Nop()})
	h := dav.NewHandler(dav.Options{Store: st, Sharing: sharing.NewEngine(st, zerolog.Nop()), Scheduling: sched, Logger: zerolog.Nop()})
	return NewRouter(Options{DAV: h, Auth: fixedPrincipal(alice), Health: health, Logger: zerolog.Nop()})
}

func serve(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOperationalEndpoints(t *testing.T) {
	r := newRouter(t, healthFunc(func(context.Context) error { return nil }))
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/readyz", "").Code)

	down := newRouter(t, healthFunc(func(context.Context) error { return errors.New("down") }))
	assert.Equal(t, http.StatusServiceUnavailable, serve(down, http.MethodGet, "/readyz", "").Code)
}

func TestWellKnownRedirects(t *testing.T) {
	r := newRouter(t, nil)
	for _, method := range []string{http.MethodGet, "PROPFIND"} {
		rec := serve(r, method, "/.well-known/caldav", "")
		assert.Equal(t, http.StatusMovedPermanently, rec.Code)
		assert.Equal(t, "/", rec.Header().Get("Location"))
	}
}

func TestOptionsSkipsAuthentication(t *testing.T) {
	r := newRouter(t, nil)
	rec := serve(r, http.MethodOptions, "/calendars/alice/events/", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("DAV"), "calendar-access")

	rec = serve(r, "PROPFIND", "/calendars/alice/events/", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDAVVerbsAreRouted(t *testing.T) {
	r := newRouter(t, nil)
	rec := serve(r, "PROPFIND", "/calendars/alice/events/", "", "Authorization", "Basic x", "Depth", "0")
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	rec = serve(r, "MKCALENDAR", "/calendars/alice/work/", "", "Authorization", "Basic x")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestMethodOverrideHeader(t *testing.T) {
	r := newRouter(t, nil)
	rec := serve(r, http.MethodPost, "/calendars/alice/events/", "", "Authorization", "Basic x", "X-Http-Method-Override", "propfind", "Depth", "0")
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	rec = serve(r, http.MethodPost, "/calendars/alice/events/", "", "Authorization", "Basic x", "X-Http-Method-Override", "TRACE")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "unknown overrides fall through to POST")
}

func TestMethodOverrideReachesItip(t *testing.T) {
	r := newRouter(t, nil)
	forged := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\nBEGIN:VEVENT\r\n" +
		"UID:evt-1\r\nDTSTAMP:20250101T000000Z\r\nDTSTART:20250301T100000Z\r\n" +
		"ORGANIZER:mailto:bob@example.com\r\nATTENDEE:mailto:alice@example.com\r\n" +
		"END:VEVENT\r\nEND:VCALENDAR\r\n"
	body := `{"method":"REQUEST","uid":"evt-1","sender":"alice@example.com","recipient":"alice@example.com","ical":` + strconv.Quote(forged) + `}`

	rec := serve(r, http.MethodPost, "/calendars/alice/", body, "Authorization", "Basic x", "X-Http-Method-Override", "itip")
	assert.Equal(t, http.StatusForbidden, rec.Code, "the sender is not the organizer")

	rec = serve(r, http.MethodPost, "/calendars/alice/", "{", "Authorization", "Basic x", "X-Http-Method-Override", "ITIP")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
