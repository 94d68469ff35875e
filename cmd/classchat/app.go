package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edustream/classchat/auth"
	"github.com/edustream/classchat/config"
	"github.com/edustream/classchat/events"
	"github.com/edustream/classchat/history"
	"github.com/edustream/classchat/internal/sio"
	"github.com/edustream/classchat/logger"
	"github.com/edustream/classchat/metrics"
	"github.com/edustream/classchat/observability"
	"github.com/edustream/classchat/rooms"
	"github.com/edustream/classchat/session"
	"github.com/edustream/classchat/socket"
	"github.com/edustream/classchat/typing"
)

// app holds the collaborators shared by every session of one login.
type app struct {
	cfg     *config.Config
	log     logger.Logger
	metrics *metrics.Metrics
	tracing *observability.Tracing
	tokens  auth.TokenProvider

	router   *events.Router
	manager  *socket.Manager
	tracker  *rooms.Tracker
	cache    history.Cache
	history  *history.Client
	presence *typing.Presence

	metricsServer *http.Server
	cancel        context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(metrics.Config{EnableRuntime: true})
	}

	tracing, err := observability.NewTracing(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, err
	}

	a.tracing = tracing
	a.tokens = tokenProvider(cfg.Auth)

	a.router = events.NewRouter(events.Buffers{
		Messages: cfg.Events.MessageBuffer,
		Errors:   cfg.Events.ErrorBuffer,
		Typing:   cfg.Events.TypingBuffer,
		Rooms:    cfg.Events.RoomBuffer,
	}, log, a.metrics)

	sioCfg := sio.DefaultConfig(cfg.Server.BaseURL)
	sioCfg.Path = cfg.Transport.Path
	sioCfg.Reconnection = cfg.Transport.Reconnection
	sioCfg.ReconnectionAttempts = cfg.Transport.ReconnectionAttempts
	sioCfg.ReconnectionDelay = cfg.Transport.ReconnectionDelay
	sioCfg.Timeout = cfg.Transport.Timeout

	a.manager = socket.NewManager(socket.NewSIOFactory(sioCfg, log), a.router, log, a.metrics)
	a.tracker = rooms.NewTracker(a.manager, log)

	a.presence = typing.NewPresence(0, cfg.Typing.ReceiverExpiry, nil)
	a.manager.OnReset(a.presence.Reset)

	cache, err := history.NewCache(cfg.History.Cache, log)
	if err != nil {
		return nil, err
	}

	a.cache = cache

	a.history, err = history.New(history.Config{
		BaseURL:   cfg.Server.BaseURL,
		Timeout:   cfg.History.RequestTimeout,
		UserAgent: "classchat/" + version,
	}, a.tokens,
		history.WithCache(cache),
		history.WithLogger(log),
		history.WithMetrics(a.metrics),
		history.WithTracerProvider(tracing.Provider()),
	)
	if err != nil {
		_ = cache.Close()

		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.tracker.Start(runCtx, a.router)

	if a.metrics != nil {
		a.serveMetrics()
	}

	return a, nil
}

// tokenProvider prefers the environment, then the config value, then the
// token file.
func tokenProvider(cfg config.AuthConfig) auth.TokenProvider {
	providers := []auth.TokenProvider{auth.Env{Name: config.EnvToken}}

	if cfg.Token != "" {
		providers = append(providers, auth.NewStatic(cfg.Token))
	}

	if cfg.TokenFile != "" {
		providers = append(providers, auth.File{Path: cfg.TokenFile})
	}

	return auth.Chain(providers...)
}

func (a *app) newSession() *session.Controller {
	return session.New(session.Deps{
		Conn:     a.manager,
		Rooms:    a.tracker,
		Events:   a.router,
		History:  a.history,
		Tokens:   a.tokens,
		Presence: a.presence,
		Log:      a.log,
		Metrics:  a.metrics,
	}, session.Config{
		PageSize:       a.cfg.History.PageSize,
		LoadMoreLimit:  a.cfg.History.LoadMoreLimit,
		ConnectTimeout: a.cfg.Session.ConnectTimeout,
		TypingIdle:     a.cfg.Typing.IdleTimeout,
		TypingExpiry:   a.cfg.Typing.ReceiverExpiry,
	})
}

func (a *app) serveMetrics() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := a.manager.Status()
		if !status.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_, _ = fmt.Fprintln(w, strings.ToLower(status.State.String()))
	})

	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.log.Info("metrics listening", logger.String("addr", a.cfg.Metrics.Addr))

		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server failed", logger.Error(err))
		}
	}()
}

func (a *app) close() {
	a.manager.Close()
	a.router.Close()
	a.cancel()

	if err := a.cache.Close(); err != nil {
		a.log.Warn("history cache close failed", logger.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(ctx)
	}

	if err := a.tracing.Shutdown(ctx); err != nil {
		a.log.Warn("trace flush failed", logger.Error(err))
	}

	_ = a.log.Sync()
}
