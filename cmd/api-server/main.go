package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/hospital-frontdesk/internal/api"
	"github.com/hackgods/hospital-frontdesk/internal/config"
	"github.com/hackgods/hospital-frontdesk/internal/logger"
	"github.com/hackgods/hospital-frontdesk/internal/wire"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	lg, err := logger.New("api-server", cfg.LogPath, cfg.LogDebug)
	if err != nil {
		log.Printf("failed to init logger: %v, falling back to production defaults", err)
		lg, _ = zap.NewProduction()
	}
	defer func() { _ = lg.Sync() }()

	lg.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("lock_ttl", cfg.LockTTL),
		zap.Duration("step_timeout", cfg.StepTimeout),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := wire.Wiring(rootCtx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to wire services", zap.Error(err))
	}
	defer app.Close(lg)

	router := api.NewRouter(api.RouterConfig{
		Appointments: app.Appointments,
		CheckIns:     app.CheckIns,
		Postgres:     app.Pool,
		Redis:        api.PingFunc(func(ctx context.Context) error { return app.Redis.Ping(ctx).Err() }),
		Logger:       lg,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// a check-in runs two remote steps plus reconciliation queries
		WriteTimeout: 4*cfg.StepTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server error", zap.Error(err))
		}
	}()

	<-rootCtx.Done()
	lg.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", zap.Error(err))
	}
}
