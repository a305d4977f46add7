package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rhoven/chatdesk/internal/broker"
	"github.com/rhoven/chatdesk/internal/server"
	"github.com/rhoven/chatdesk/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	kv, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	hub := server.NewHub(log)
	engine := broker.NewEngine(log, kv, hub, cfg.BrokerConfig())
	defer engine.Close()
	hub.SetDisconnectFunc(engine.Disconnect)

	go hub.Run()
	log.Info("hub started and ready to manage connections")

	// Presence entries left behind by a previous process are dead by
	// definition: no connection survives a restart.
	if err := engine.Reconcile(context.Background()); err != nil {
		return err
	}

	api := server.NewAPI(log, engine, hub)
	httpServer := server.CreateServer(cfg.Addr, server.SetupRoutes(api))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("server listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		if cfg.ReconcileInterval <= 0 {
			return nil
		}
		ticker := time.NewTicker(cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := engine.Reconcile(context.Background()); err != nil {
					log.Warn("presence reconciliation failed", zap.Error(err))
				}
			}
		}
	})

	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
			log.Warn("http server shutdown error", zap.Error(err))
		}
		if err := hub.Shutdown(shutdownTimeout); err != nil {
			log.Warn("hub shutdown error", zap.Error(err))
		}
		return nil
	})

	return group.Wait()
}
