// Package app wires the chatsync server runtime: config, logging, store and
// bus selection, the chat engine, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"chatsync/cmd/internal/api"
	"chatsync/cmd/internal/chat"
	"chatsync/cmd/internal/delivery"
	"chatsync/cmd/internal/metrics"
	"chatsync/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App is the chatsync server runtime. It owns every long-lived resource.
type App struct {
	cfg Config
	log Logger

	store  chat.Store
	dbPool *pgxpool.Pool
	bus    realtime.Bus

	metrics *metrics.Metrics
	tracker *delivery.Tracker
	fanout  *realtime.Fanout
	engine  *chat.Engine
	janitor *chat.Janitor

	api *api.Handler
	ws  *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	gwCfg, err := realtime.LoadGatewayConfig()
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	st, pool, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	bus, err := openBus(ctx, cfg, log, m)
	if err != nil {
		closeStore(st, pool)
		return nil, err
	}

	a, err := assemble(cfg, log, gwCfg, m, st, pool, bus)
	if err != nil {
		_ = bus.Close()
		closeStore(st, pool)
		return nil, err
	}
	return a, nil
}

// assemble builds the engine and the edges over already opened resources.
func assemble(cfg Config, log Logger, gwCfg realtime.GatewayConfig, m *metrics.Metrics, st chat.Store, pool *pgxpool.Pool, bus realtime.Bus) (*App, error) {
	var notifier realtime.Notifier
	if wh := realtime.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyTimeout); wh != nil {
		notifier = wh
		log.Info("notify.enabled", "timeout", cfg.NotifyTimeout)
	}

	tracker := delivery.NewTracker(cfg.TrackerCapacity)
	fanout := realtime.NewFanout(bus, notifier, log, m)

	deps := chat.Deps{
		Store:      st,
		Publisher:  fanout,
		Deliveries: tracker,
		Logger:     log,
		Metrics:    m,
		OpTimeout:  cfg.OpTimeout,
	}
	engine, err := chat.NewEngine(deps)
	if err != nil {
		return nil, err
	}
	janitor, err := chat.NewJanitor(deps, cfg.ArchiveRetention, cfg.JanitorInterval)
	if err != nil {
		return nil, err
	}

	apiHandler, err := api.NewHandler(log, engine)
	if err != nil {
		return nil, err
	}
	ws := realtime.NewWSGateway(log, gwCfg, bus, engine, tracker, m)

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		dbPool:  pool,
		bus:     bus,
		metrics: m,
		tracker: tracker,
		fanout:  fanout,
		engine:  engine,
		janitor: janitor,
		api:     apiHandler,
		ws:      ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.cfg.Store,
		"redis", a.cfg.RedisURL != "",
		"retention", a.cfg.ArchiveRetention,
	)

	bgCtx, stopBg := context.WithCancel(ctx)
	var bg sync.WaitGroup
	if a.janitor.Enabled() {
		bg.Add(1)
		go func() {
			defer bg.Done()
			a.janitor.Run(bgCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	stopBg()
	bg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	a.Close()
	a.log.Info("server.stopped")
	return runErr
}

// Close ends open sockets, waits for pending notifications, then releases
// the bus and the store. Run calls it on the way out.
func (a *App) Close() {
	a.ws.Shutdown()
	a.ws.Wait()
	a.fanout.Wait()

	if err := a.bus.Close(); err != nil {
		a.log.Error("bus.close.fail", "err", err)
	}
	closeStore(a.store, a.dbPool)
}

func closeStore(st chat.Store, pool *pgxpool.Pool) {
	if st != nil {
		_ = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
}
