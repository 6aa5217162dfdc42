package main

import (
	"context"
	"crypto"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jw6ventures/calcore/internal/auth"
	"github.com/jw6ventures/calcore/internal/broker"
	"github.com/jw6ventures/calcore/internal/config"
	"github.com/jw6ventures/calcore/internal/contacts"
	"github.com/jw6ventures/calcore/internal/dav"
	"github.com/jw6ventures/calcore/internal/directory"
	httpserver "github.com/jw6ventures/calcore/internal/http"
	"github.com/jw6ventures/calcore/internal/http/ratelimit"
	"github.com/jw6ventures/calcore/internal/logging"
	"github.com/jw6ventures/calcore/internal/propagation"
	"github.com/jw6ventures/calcore/internal/scheduling"
	"github.com/jw6ventures/calcore/internal/sharing"
	"github.com/jw6ventures/calcore/internal/store"
	"github.com/jw6ventures/calcore/internal/store/memory"
)

// enqueueFunc adapts a function to propagation.Enqueuer.
type enqueueFunc func(context.Context, propagation.Event) error

func (f enqueueFunc) Enqueue(ctx context.Context, e propagation.Event) error { return f(ctx, e) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", "json", os.Stderr)
		l.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	log.Info().Str("addr", cfg.ListenAddr).Str("store", cfg.Store).Msg("starting calcore")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	publisher, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	authService, err := newAuthService(ctx, cfg, st, log)
	if err != nil {
		return err
	}

	var worker *propagation.Worker
	events := enqueueFunc(func(ctx context.Context, e propagation.Event) error { return worker.Enqueue(ctx, e) })

	shares := sharing.NewEngine(st, log)
	sched := scheduling.NewEngine(scheduling.Options{
		Store:     st,
		Publisher: publisher,
		Events:    events,
		Retention: cfg.InboxRetention,
		Logger:    log,
	})
	worker = propagation.NewWorker(propagation.Options{
		Shards:  cfg.Propagation.Workers,
		Retries: cfg.Propagation.Retries,
		Consumers: []propagation.Consumer{
			sharing.NewMirror(shares),
			sched,
			contacts.NewNotifier(publisher, log),
		},
		Logger: log,
	})

	limiter := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, 5*time.Minute, cfg.TrustedProxies)
	handler := httpserver.NewRouter(httpserver.Options{
		DAV: dav.NewHandler(dav.Options{
			Store:      st,
			Sharing:    shares,
			Scheduling: sched,
			Events:     worker,
			Logger:     log,
		}),
		Auth:    authService.RequireDAVAuth,
		Health:  st,
		Limiter: limiter,
		Metrics: cfg.PrometheusEnabled,
		Logger:  log,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// The worker outlives the HTTP server so writes accepted during shutdown
	// still propagate.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(workerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.RunRetention(gctx, time.Hour)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		return nil
	})
	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if ferr := worker.Flush(drainCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("propagation queue not drained")
	}
	stopWorker()
	if werr := <-workerDone; werr != nil {
		log.Error().Err(werr).Msg("propagation worker")
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*store.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn().Msg("using the in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := store.ApplyMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store.New(pool), pool.Close, nil
}

func openBroker(cfg *config.Config, log zerolog.Logger) (broker.Publisher, error) {
	if cfg.AMQP.URL == "" {
		return broker.Noop{}, nil
	}
	return broker.DialAMQP(cfg.AMQP.URL, cfg.AMQP.ExchangePrefix, log)
}

func newAuthService(ctx context.Context, cfg *config.Config, st *store.Store, log zerolog.Logger) (*auth.Service, error) {
	var verifier auth.CredentialVerifier = auth.HashVerifier(cfg.LocalUsers)
	if cfg.LDAPEnabled() {
		verifier = auth.NewLDAPVerifier(auth.LDAPConfig{
			URL:          cfg.LDAP.URL,
			BindDN:       cfg.LDAP.BindDN,
			BindPassword: cfg.LDAP.BindPassword,
			BaseDN:       cfg.LDAP.BaseDN,
			Filter:       cfg.LDAP.Filter,
		})
	}

	var tokens auth.TokenVerifier
	if cfg.JWTEnabled() {
		var keys []crypto.PublicKey
		if cfg.JWT.PublicKeyFile != "" {
			key, err := auth.LoadPublicKey(cfg.JWT.PublicKeyFile)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		v, err := auth.NewJWTVerifier(ctx, cfg.JWT.Issuer, cfg.JWT.JWKSURL, keys...)
		if err != nil {
			return nil, err
		}
		tokens = v
	}

	var dir directory.Directory = directory.NewLocal(st.Principals)
	if cfg.Directory.URL != "" {
		dir = directory.NewRemote(ctx, directory.RemoteConfig{
			BaseURL:      cfg.Directory.URL,
			ClientID:     cfg.Directory.ClientID,
			ClientSecret: cfg.Directory.ClientSecret,
			TokenURL:     cfg.Directory.TokenURL,
		}, st.Principals, log)
	}

	return auth.NewService(auth.Options{
		AdminUser:         cfg.Admin.User,
		AdminPasswordHash: cfg.Admin.PasswordHash,
		Verifier:          verifier,
		Tokens:            tokens,
		Directory:         dir,
		Homes:             st,
		Logger:            log,
	}), nil
}
