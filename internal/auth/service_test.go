package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jw6ventures/calcore/internal/directory"
	"github.com/jw6ventures/calcore/internal/store"
	"github.com/jw6ventures/calcore/internal/store/memory"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

type countingHomes struct {
	calls atomic.Int32
	err   error
}

func (c *countingHomes) EnsureHome(ctx context.Context, principalID string) error {
	c.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return c.err
}

func newTestService(t *testing.T, homes HomeProvisioner) *Service {
	t.Helper()
	st := memory.New()
	ctx := context.Background()
	_, err := st.Principals.Upsert(ctx, store.Principal{ID: "u1", Emails: []string{"alice@example.com"}})
	require.NoError(t, err)
	_, err = st.Principals.Upsert(ctx, store.Principal{ID: "u2", Emails: []string{"bob@example.com"}})
	require.NoError(t, err)
	if homes == nil {
		homes = st
	}
	return NewService(Options{
		AdminUser:         "admin",
		AdminPasswordHash: hash(t, "admin-secret"),
		Verifier:          HashVerifier{"alice@example.com": hash(t, "alice-secret")},
		Directory:         directory.NewLocal(st.Principals),
		Homes:             homes,
		Logger:            zerolog.Nop(),
	})
}

func serve(svc *Service, req *http.Request) (*httptest.ResponseRecorder, *store.Principal, string) {
	var got *store.Principal
	var impersonator string
	h := svc.RequireDAVAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
		impersonator = ImpersonatorFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr, got, impersonator
}

func TestBasicAuth(t *testing.T) {
	svc := newTestService(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/calendars/u1/", nil)
	rr, _, _ := serve(svc, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	req = httptest.NewRequest(http.MethodGet, "/calendars/u1/", nil)
	req.SetBasicAuth("Alice@Example.com", "alice-secret")
	rr, p, imp := serve(svc, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "u1", p.ID)
	assert.Empty(t, imp)

	req = httptest.NewRequest(http.MethodGet, "/calendars/u1/", nil)
	req.SetBasicAuth("alice@example.com", "wrong")
	rr, _, _ = serve(svc, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code, "rejected credentials surface as 500")
}

func TestImpersonation(t *testing.T) {
	svc := newTestService(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/calendars/u2/", nil)
	req.SetBasicAuth("admin&bob@example.com", "admin-secret")
	rr, p, imp := serve(svc, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "u2", p.ID)
	assert.Equal(t, "admin", imp)

	req = httptest.NewRequest(http.MethodGet, "/calendars/u2/", nil)
	req.SetBasicAuth("admin&bob@example.com", "nope")
	rr, _, _ = serve(svc, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/calendars/u2/", nil)
	req.SetBasicAuth("root&bob@example.com", "admin-secret")
	rr, _, _ = serve(svc, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHomeProvisionedOnce(t *testing.T) {
	homes := &countingHomes{}
	svc := newTestService(t, homes)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.EnsureHome(context.Background(), "u1"))
		}()
	}
	wg.Wait()
	require.NoError(t, svc.EnsureHome(context.Background(), "u1"))
	assert.Equal(t, int32(1), homes.calls.Load())

	failing := newTestService(t, &countingHomes{err: errors.New("db down")})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice@example.com", "alice-secret")
	rr, _, _ := serve(failing, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHomeCreatedOnFirstRequest(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	_, err := st.Principals.Upsert(ctx, store.Principal{ID: "u1", Emails: []string{"alice@example.com"}})
	require.NoError(t, err)
	svc := NewService(Options{
		Verifier:  HashVerifier{"alice@example.com": hash(t, "pw")},
		Directory: directory.NewLocal(st.Principals),
		Homes:     st,
		Logger:    zerolog.Nop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("alice@example.com", "pw")
	rr, _, _ := serve(svc, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	cols, err := st.Collections.ListByOwner(ctx, "u1", store.HomeCalendars)
	require.NoError(t, err)
	assert.Len(t, cols, 3)
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func TestBearerAuth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	verifier, err := NewJWTVerifier(context.Background(), "https://issuer.test", "", key.Public())
	require.NoError(t, err)

	svc := newTestService(t, nil)
	svc.opts.Tokens = verifier

	exp := time.Now().Add(time.Hour).Unix()
	cases := []struct {
		name   string
		claims map[string]any
		want   string
	}{
		{"subject", map[string]any{"iss": "https://issuer.test", "sub": "u2", "exp": exp}, "u2"},
		{"email fallback", map[string]any{"iss": "https://issuer.test", "sub": "unknown", "email": "alice@example.com", "exp": exp}, "u1"},
		{"email only", map[string]any{"iss": "https://issuer.test", "email": "bob@example.com", "exp": exp}, "u2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, key, tc.claims))
			rr, p, _ := serve(svc, req)
			require.Equal(t, http.StatusNoContent, rr.Code)
			assert.Equal(t, tc.want, p.ID)
		})
	}

	stranger := httptest.NewRequest(http.MethodGet, "/", nil)
	stranger.Header.Set("Authorization", "Bearer "+signToken(t, key, map[string]any{"iss": "https://issuer.test", "email": "nobody@example.com", "exp": exp}))
	rr, p, _ := serve(svc, stranger)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Nil(t, p)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, other, map[string]any{"iss": "https://issuer.test", "sub": "u2", "exp": exp}))
	rr, _, _ = serve(svc, req)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

type fakeLDAP struct {
	binds   []string
	entries []*ldap.Entry
	bindErr error
	filter  string
}

func (f *fakeLDAP) Bind(username, password string) error {
	f.binds = append(f.binds, username)
	if username != "cn=svc" && password != "good" {
		return f.bindErr
	}
	return nil
}

func (f *fakeLDAP) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.filter = req.Filter
	return &ldap.SearchResult{Entries: f.entries}, nil
}

func (f *fakeLDAP) Close() {}

func TestLDAPVerifier(t *testing.T) {
	conn := &fakeLDAP{
		entries: []*ldap.Entry{{DN: "uid=alice,ou=people,dc=example,dc=com"}},
		bindErr: ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")),
	}
	v := NewLDAPVerifier(LDAPConfig{URL: "ldap://example", BindDN: "cn=svc", BindPassword: "x", BaseDN: "dc=example,dc=com"})
	v.dial = func(string) (ldapConn, error) { return conn, nil }

	require.NoError(t, v.Verify(context.Background(), "alice@example.com", "good"))
	assert.Equal(t, "(mail=alice@example.com)", conn.filter)
	assert.Equal(t, []string{"cn=svc", "uid=alice,ou=people,dc=example,dc=com"}, conn.binds)

	assert.ErrorIs(t, v.Verify(context.Background(), "alice@example.com", "bad"), ErrInvalidCredentials)
	assert.ErrorIs(t, v.Verify(context.Background(), "alice@example.com", ""), ErrInvalidCredentials)

	_ = v.Verify(context.Background(), "a*)(uid=*", "good")
	assert.Equal(t, `(mail=a\2a\29\28uid=\2a)`, conn.filter)

	conn.entries = nil
	assert.ErrorIs(t, v.Verify(context.Background(), "ghost@example.com", "good"), ErrInvalidCredentials)
}
