// Package scheduler wires the standalone scheduler process: one logical
// scheduler per deployment driving the pending queue on a cron cadence.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/logging"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metadata"
	"github.com/BaardBouvet/dynamic-tables-ducklake/pkg/metrics"
	schedpkg "github.com/BaardBouvet/dynamic-tables-ducklake/pkg/scheduler"
)

type App struct {
	Scheduler *schedpkg.Scheduler
	Meta      *metadata.Store
	Lake      *lake.Client
	Cron      *cron.Cron
	Server    *http.Server
	Logger    *zap.Logger
	Config    config.Config
}

func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		panic(err)
	}
	cfg := config.FromEnv()

	meta, err := metadata.Open(ctx, logger, cfg.MetadataDSN)
	if err != nil {
		return nil, fmt.Errorf("metadata store: %w", err)
	}
	lk, err := lake.Open(ctx, logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("lake: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sched := schedpkg.New(meta, lk, logger, m, cfg)

	app := &App{
		Scheduler: sched,
		Meta:      meta,
		Lake:      lk,
		Logger:    logger,
		Config:    cfg,
	}

	app.Cron = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	spec := fmt.Sprintf("@every %s", cfg.PollInterval)
	if _, err := app.Cron.AddFunc(spec, func() {
		tickCtx, cancel := context.WithTimeout(ctx, cfg.PollInterval)
		defer cancel()
		if err := sched.Tick(tickCtx); err != nil {
			logger.Error("scheduler tick failed", zap.Error(err))
		}
	}); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")
	r.Handle("/metrics", metrics.Handler(reg)).Methods("GET")
	app.Server = &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	return app, nil
}

// Start runs an immediate first tick, then the cron cadence, until ctx is
// cancelled.
func (a *App) Start(ctx context.Context) {
	go func() { _ = a.Server.ListenAndServe() }()

	firstCtx, cancel := context.WithTimeout(ctx, a.Config.PollInterval)
	if err := a.Scheduler.Tick(firstCtx); err != nil {
		a.Logger.Error("initial scheduler tick failed", zap.Error(err))
	}
	cancel()

	a.Cron.Start()
	a.Logger.Info("scheduler started", zap.String("addr", a.Config.HTTPAddr))
	<-ctx.Done()
	a.Stop()
}

func (a *App) Stop() {
	<-a.Cron.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	_ = a.Lake.Close()
	_ = a.Meta.Close()
	a.Logger.Info("scheduler stopped")
}
