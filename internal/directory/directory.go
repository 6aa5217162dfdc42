// Package directory resolves principals from the provisioning system.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jw6ventures/calcore/internal/store"
)

// ErrNotFound is returned when no principal matches.
var ErrNotFound = errors.New("principal not found")

// Directory looks principals up by provisioning id or email address.
type Directory interface {
	ByID(ctx context.Context, id string) (*store.Principal, error)
	ByEmail(ctx context.Context, email string) (*store.Principal, error)
}

// Local serves principals already mirrored into the store.
type Local struct {
	principals store.PrincipalRepository
}

func NewLocal(principals store.PrincipalRepository) *Local {
	return &Local{principals: principals}
}

func (l *Local) ByID(ctx context.Context, id string) (*store.Principal, error) {
	p, err := l.principals.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, err
}

func (l *Local) ByEmail(ctx context.Context, email string) (*store.Principal, error) {
	p, err := l.principals.GetByEmail(ctx, store.NormalizeEmail(email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	return p, err
}

// RemoteConfig configures the provisioning API client.
type RemoteConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// Remote queries the provisioning API and mirrors every principal it returns
// into the local store, so later lookups and foreign keys resolve locally.
type Remote struct {
	baseURL    string
	client     *http.Client
	principals store.PrincipalRepository
	log        zerolog.Logger
}

// remotePrincipal is the provisioning API representation.
type remotePrincipal struct {
	ID          string   `json:"id"`
	Emails      []string `json:"emails"`
	DisplayName string   `json:"displayName"`
	Admin       bool     `json:"admin"`
}

// NewRemote builds the client. With client credentials configured every call
// carries an OAuth2 access token obtained from TokenURL.
func NewRemote(ctx context.Context, cfg RemoteConfig, principals store.PrincipalRepository, log zerolog.Logger) *Remote {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if cfg.ClientID != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(ctx)
		client.Timeout = timeout
	}
	return &Remote{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     client,
		principals: principals,
		log:        log.With().Str("component", "directory").Logger(),
	}
}

func (d *Remote) ByID(ctx context.Context, id string) (*store.Principal, error) {
	return d.fetch(ctx, "/principals/"+url.PathEscape(id))
}

func (d *Remote) ByEmail(ctx context.Context, email string) (*store.Principal, error) {
	return d.fetch(ctx, "/principals?email="+url.QueryEscape(store.NormalizeEmail(email)))
}

func (d *Remote) fetch(ctx context.Context, path string) (*store.Principal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("directory request %s: status %d", path, resp.StatusCode)
	}

	var rp remotePrincipal
	if err := json.NewDecoder(resp.Body).Decode(&rp); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	if rp.ID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	emails := make([]string, 0, len(rp.Emails))
	for _, e := range rp.Emails {
		if e = store.NormalizeEmail(e); e != "" {
			emails = append(emails, e)
		}
	}
	p, err := d.principals.Upsert(ctx, store.Principal{
		ID:          rp.ID,
		Emails:      emails,
		DisplayName: rp.DisplayName,
		Admin:       rp.Admin,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror principal %s: %w", rp.ID, err)
	}
	d.log.Debug().Str("principal", p.ID).Msg("principal mirrored from directory")
	return p, nil
}
