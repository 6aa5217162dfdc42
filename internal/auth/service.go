package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"github.com/jw6ventures/calcore/internal/directory"
	"github.com/jw6ventures/calcore/internal/store"
)

// ErrNoCredentials means the request carried no usable Authorization header.
var ErrNoCredentials = errors.New("authentication required")

// HomeProvisioner creates a principal's default collections.
type HomeProvisioner interface {
	EnsureHome(ctx context.Context, principalID string) error
}

// Options configures the Service.
type Options struct {
	AdminUser         string
	AdminPasswordHash string
	Verifier          CredentialVerifier
	Tokens            TokenVerifier
	Directory         directory.Directory
	Homes             HomeProvisioner
	Logger            zerolog.Logger
}

// Service authenticates DAV requests and lazily provisions principal homes.
type Service struct {
	opts Options
	log  zerolog.Logger

	provision   singleflight.Group
	provisioned sync.Map
}

func NewService(opts Options) *Service {
	return &Service{opts: opts, log: opts.Logger.With().Str("component", "auth").Logger()}
}

// Authenticate resolves the principal of a request. Basic credentials are
// either "email:password" or "admin&email:adminpassword"; Bearer tokens are
// JWTs whose sub or email claim names the principal.
func (s *Service) Authenticate(r *http.Request) (*store.Principal, string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, "", ErrNoCredentials
	}
	scheme, _, _ := strings.Cut(header, " ")
	ctx := r.Context()

	switch strings.ToLower(scheme) {
	case "basic":
		username, password, ok := r.BasicAuth()
		if !ok || username == "" {
			return nil, "", ErrNoCredentials
		}
		if admin, target, found := strings.Cut(username, "&"); found {
			if err := s.verifyAdmin(admin, password); err != nil {
				return nil, "", err
			}
			p, err := s.opts.Directory.ByEmail(ctx, target)
			if err != nil {
				return nil, "", fmt.Errorf("impersonate %s: %w", target, err)
			}
			return p, admin, nil
		}
		if s.opts.Verifier == nil {
			return nil, "", fmt.Errorf("%w: no credential backend", ErrInvalidCredentials)
		}
		if err := s.opts.Verifier.Verify(ctx, username, password); err != nil {
			return nil, "", err
		}
		p, err := s.opts.Directory.ByEmail(ctx, username)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %s: %w", username, err)
		}
		return p, "", nil
	case "bearer":
		if s.opts.Tokens == nil {
			return nil, "", fmt.Errorf("%w: bearer tokens are not accepted", ErrInvalidCredentials)
		}
		raw := strings.TrimSpace(header[len(scheme):])
		claims, err := s.opts.Tokens.VerifyToken(ctx, raw)
		if err != nil {
			return nil, "", err
		}
		if claims.Subject != "" {
			p, err := s.opts.Directory.ByID(ctx, claims.Subject)
			if err == nil {
				return p, "", nil
			}
			if !errors.Is(err, directory.ErrNotFound) || claims.Email == "" {
				return nil, "", err
			}
		}
		p, err := s.opts.Directory.ByEmail(ctx, claims.Email)
		if err != nil {
			return nil, "", err
		}
		return p, "", nil
	default:
		return nil, "", ErrNoCredentials
	}
}

func (s *Service) verifyAdmin(user, password string) error {
	if s.opts.AdminPasswordHash == "" || user != s.opts.AdminUser {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.opts.AdminPasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// EnsureHome provisions the principal's home once per process. Concurrent
// first requests for the same principal share one provisioning call.
func (s *Service) EnsureHome(ctx context.Context, principalID string) error {
	if s.opts.Homes == nil {
		return nil
	}
	if _, done := s.provisioned.Load(principalID); done {
		return nil
	}
	_, err, _ := s.provision.Do(principalID, func() (any, error) {
		if _, done := s.provisioned.Load(principalID); done {
			return nil, nil
		}
		if err := s.opts.Homes.EnsureHome(ctx, principalID); err != nil {
			return nil, err
		}
		s.provisioned.Store(principalID, true)
		s.log.Info().Str("principal", principalID).Msg("home provisioned")
		return nil, nil
	})
	return err
}

// RequireDAVAuth enforces authentication for DAV endpoints. Missing
// credentials yield 401; credentials the backend rejects, or a failing
// backend, yield 500.
func (s *Service) RequireDAVAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, impersonator, err := s.Authenticate(r)
		if errors.Is(err, ErrNoCredentials) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calcore"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("authentication failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if err := s.EnsureHome(r.Context(), p.ID); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("principal", p.ID).Msg("home provisioning failed")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		ctx := WithPrincipal(r.Context(), p)
		if impersonator != "" {
			ctx = WithImpersonator(ctx, impersonator)
		}
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("principal", p.ID)
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
