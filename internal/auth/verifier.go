package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by verifiers that reject a password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// CredentialVerifier checks a username/password pair against the identity backend.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) error
}

// HashVerifier checks passwords against bcrypt hashes keyed by lowercase username.
type HashVerifier map[string]string

func (v HashVerifier) Verify(_ context.Context, username, password string) error {
	hash, ok := v[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// LDAPConfig configures search-then-bind verification.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	// Filter is a printf pattern receiving the escaped username, e.g. "(mail=%s)".
	Filter string
}

// LDAPVerifier binds as a service account, looks the user's DN up and binds
// again with the supplied password.
type LDAPVerifier struct {
	cfg  LDAPConfig
	dial func(url string) (ldapConn, error)
}

type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close()
}

type ldapClient struct{ *ldap.Conn }

func (c ldapClient) Close() { c.Conn.Close() }

func NewLDAPVerifier(cfg LDAPConfig) *LDAPVerifier {
	if cfg.Filter == "" {
		cfg.Filter = "(mail=%s)"
	}
	return &LDAPVerifier{cfg: cfg, dial: func(url string) (ldapConn, error) {
		conn, err := ldap.DialURL(url)
		if err != nil {
			return nil, err
		}
		return ldapClient{conn}, nil
	}}
}

func (v *LDAPVerifier) searchRequest(username string) *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		v.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, 0, false,
		fmt.Sprintf(v.cfg.Filter, ldap.EscapeFilter(username)),
		[]string{"dn"},
		nil,
	)
}

func (v *LDAPVerifier) Verify(ctx context.Context, username, password string) error {
	if password == "" {
		// An empty password would be an unauthenticated bind.
		return ErrInvalidCredentials
	}
	conn, err := v.dial(v.cfg.URL)
	if err != nil {
		return fmt.Errorf("ldap dial: %w", err)
	}
	defer conn.Close()

	if v.cfg.BindDN != "" {
		if err := conn.Bind(v.cfg.BindDN, v.cfg.BindPassword); err != nil {
			return fmt.Errorf("ldap service bind: %w", err)
		}
	}
	res, err := conn.Search(v.searchRequest(username))
	if err != nil {
		return fmt.Errorf("ldap search: %w", err)
	}
	if len(res.Entries) != 1 {
		return ErrInvalidCredentials
	}
	if err := conn.Bind(res.Entries[0].DN, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("ldap user bind: %w", err)
	}
	return nil
}
