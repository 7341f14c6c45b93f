// Package worker wires one refresh worker process: metadata and lake
// clients, claim manager, presence, metrics, the polling loop and an
// optional embedded scheduler.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/engine"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/logging"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metrics"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/presence"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/scheduler"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/ticker"
	workerloop "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/worker"
)

type App struct {
	Engine   *engine.Context
	Loop     *workerloop.Loop
	Logger   *zap.Logger
	Server   *http.Server
	Cron     *cron.Cron
	Presence presence.Tracker
	Config   config.Config
}

// Initialize builds the worker from the environment.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	cfg := config.FromEnv()

	workerID := fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
	logger = logger.With(zap.String("worker_id", workerID))

	meta, err := metadata.Open(ctx, logger, cfg.MetadataDSN)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	lk, err := lake.Open(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("lake: %w", err)
	}
	tracker, err := presence.New(cfg.RedisAddr, workerID, cfg.AssumedFleet, logger)
	if err != nil {
		return nil, fmt.Errorf("presence: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	eng := &engine.Context{
		Meta:     meta,
		Lake:     lk,
		Claims:   claims.NewManager(meta, logger, workerID, cfg.ClaimTimeout, cfg.HeartbeatInterval),
		Presence: tracker,
		Metrics:  m,
		Logger:   logger.With(zap.String("component", "engine")),
		Config:   cfg,
		WorkerID: workerID,
	}

	app := &App{
		Engine:   eng,
		Loop:     workerloop.NewLoop(eng, logger),
		Logger:   logger,
		Presence: tracker,
		Config:   cfg,
	}
	app.setupServer(reg)

	if cfg.SchedulerEmbedded {
		if err := app.setupScheduler(ctx, meta, lk, m); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupServer(reg *prometheus.Registry) {
	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")
	r.Handle("/metrics", metrics.Handler(reg)).Methods("GET")
	a.Server = &http.Server{Addr: a.Config.HTTPAddr, Handler: r}
}

// setupScheduler embeds a scheduler tick on the poll cadence; single-node
// deployments run everything in one process.
func (a *App) setupScheduler(ctx context.Context, meta *metadata.Store, lk *lake.Client, m *metrics.Metrics) error {
	sched := scheduler.New(meta, lk, a.Logger, m, a.Config)
	a.Cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", a.Config.PollInterval)
	_, err := a.Cron.AddFunc(spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, a.Config.PollInterval)
		defer cancel()
		if err := sched.Tick(tickCtx); err != nil {
			a.Logger.Error("scheduler tick failed", zap.Error(err))
		}
	})
	return err
}

// Start runs until ctx is cancelled, then shuts down gracefully.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()
	if a.Cron != nil {
		a.Cron.Start()
	}

	// Presence announcements ride the heartbeat cadence.
	if rt, ok := a.Presence.(*presence.RedisTracker); ok {
		go func() {
			_ = ticker.Every(ctx, a.Config.HeartbeatInterval, func(ctx context.Context) error {
				rt.Announce(ctx)
				return nil
			})
		}()
	}

	a.Logger.Info("worker started", zap.String("addr", a.Config.HTTPAddr))
	if err := a.Loop.Run(ctx); err != nil {
		a.Logger.Error("worker loop exited", zap.Error(err))
	}
	a.Stop()
}

func (a *App) Stop() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	_ = a.Presence.Close()
	_ = a.Engine.Lake.Close()
	_ = a.Engine.Meta.Close()
	a.Logger.Info("worker stopped")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
