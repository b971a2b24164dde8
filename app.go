package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"goals-sync/api"
	"goals-sync/auth"
	"goals-sync/conflict"
	"goals-sync/domain"
	"goals-sync/storage"
	"goals-sync/syncer"
	"goals-sync/timeline"
	"goals-sync/widget"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    config
	logger *log.Logger

	local    *storage.Local
	remote   *storage.Remote
	redis    *redis.Client
	store    *widget.Store
	builder  *widget.Builder
	timeline *timeline.Scheduler
	resolver *conflict.Resolver
	sync     *syncer.Coordinator
	poller   *widget.Poller
	apiAuth  *auth.Auth
	jwks     *keyfunc.JWKS
	identity syncer.Identity

	unobserve func()
}

func newApp(cfg config, logger *log.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	local, err := storage.OpenLocal(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.local = local

	var backend syncer.Backend
	if cfg.RemoteEnabled() {
		remote, err := storage.NewRemote(storage.RemoteConfig{
			ConnectionString: cfg.StorageConnectionString,
			Tables:           cfg.Tables,
			NoticeQueue:      cfg.NoticeQueue,
		})
		if err != nil {
			return nil, fmt.Errorf("remote storage: %w", err)
		}
		a.remote = remote
		backend = remote
	}

	if cfg.RedisConnectionString != "" {
		opts, err := redisOptions(cfg.RedisConnectionString)
		if err != nil {
			return nil, err
		}
		a.redis = redis.NewClient(opts)
	}

	if err := a.setupAuth(); err != nil {
		return nil, err
	}
	identity, err := a.newIdentity()
	if err != nil {
		return nil, err
	}
	a.identity = identity

	shared := storage.NewShared(a.redis, cfg.AppGroup, local, logger)
	a.store = widget.NewStore(shared, logger)
	a.builder = widget.NewBuilder(local, a.store, identity, logger)
	a.timeline = timeline.New(local, a.builder, logger)
	a.resolver = conflict.New(local, a.store, identity, logger)
	a.sync = syncer.New(local, backend, identity, syncer.Config{
		Cooldown: cfg.SyncCooldown,
		DeviceID: cfg.DeviceID,
	}, logger)
	a.poller = widget.NewPoller(a.store, a.resolver, a.timeline, cfg.PollInterval, logger)

	a.unobserve = local.Observe(a.onChange)
	ok = true
	return a, nil
}

func (a *app) setupAuth() error {
	switch {
	case a.cfg.AuthSecret != "":
		au, err := auth.NewAuth(auth.Options{SharedSecret: []byte(a.cfg.AuthSecret), Audience: a.cfg.AuthAudience})
		if err != nil {
			return err
		}
		a.apiAuth = au
	case a.cfg.AuthDomain != "":
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", a.cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			return fmt.Errorf("jwks: %w", err)
		}
		a.jwks = jwks
		au, err := auth.NewAuth(auth.Options{
			JWKS:        jwks,
			Audience:    a.cfg.AuthAudience,
			Issuer:      "https://" + a.cfg.AuthDomain + "/",
			KeyCacheTTL: a.cfg.JWKSCacheTTL,
		})
		if err != nil {
			return err
		}
		a.apiAuth = au
	}
	return nil
}

func (a *app) newIdentity() (syncer.Identity, error) {
	if a.cfg.SessionToken != "" {
		if a.apiAuth == nil {
			return nil, errors.New("session token without auth configuration")
		}
		return auth.NewSessionIdentity(a.apiAuth, a.cfg.SessionToken), nil
	}
	return auth.StaticIdentity(a.cfg.UserID), nil
}

// onChange reacts to committed database writes. Local edits queue a push
// and force a refresh after a short quiet period; pulled changes wait for
// the refresh policy.
func (a *app) onChange(c domain.Change) {
	if c.Source == domain.ChangeRemote {
		a.timeline.ScheduleRemoteRefresh(a.cfg.RefreshDebounce)
		return
	}
	a.sync.ScheduleSync(a.cfg.SyncDebounce)
	a.timeline.ScheduleRefresh(a.cfg.RefreshDebounce)
}

func (a *app) authenticator() api.Authenticator {
	if a.apiAuth == nil {
		return nil
	}
	return a.apiAuth
}

func (a *app) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, api.Services{
		Sync:     a.sync,
		Timeline: a.timeline,
		Widget:   a.store,
		Checker:  a.resolver,
		Auth:     a.authenticator(),
		Identity: a.identity,
	}, a.logger)
	return e
}

// serve runs the scheduler, periodic sync, the completion poller and the
// HTTP server until ctx is done.
func (a *app) serve(ctx context.Context) error {
	if err := a.timeline.Initialize(ctx); err != nil {
		return fmt.Errorf("timeline: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.remote != nil {
		a.sync.ScheduleSync(0)
		go a.sync.Run(loopCtx, a.cfg.SyncInterval)
	}
	go a.poller.Run(loopCtx)

	e := a.router()
	errc := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.cfg.ListenAddr).Info("listening")
		errc <- e.Start(a.cfg.ListenAddr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	return e.Shutdown(shutdownCtx)
}

func (a *app) Close() {
	if a.unobserve != nil {
		a.unobserve()
	}
	if a.sync != nil {
		a.sync.Stop()
	}
	if a.timeline != nil {
		a.timeline.Stop()
	}
	if a.jwks != nil {
		a.jwks.EndBackground()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("close redis")
		}
	}
	if a.local != nil {
		if err := a.local.Close(); err != nil {
			a.logger.WithError(err).Warn("close database")
		}
	}
}
