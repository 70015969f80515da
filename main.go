package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradegate/internal/api"
	"tradegate/internal/events"
	"tradegate/internal/gateway"
	"tradegate/internal/history"
	"tradegate/pkg/config"
	"tradegate/pkg/crypto"
	"tradegate/pkg/db"
	"tradegate/pkg/exchanges/common"
	"tradegate/pkg/logger"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().WithError(err).Fatal("load configuration")
	}
	if err := logger.Configure(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput, cfg.LogMaxAgeDays); err != nil {
		logger.L().WithError(err).Fatal("configure logging")
	}
	log := logger.WithComponent("main")
	log.WithFields(logger.Fields{"port": cfg.Port, "db": cfg.DBPath}).Info("starting trading gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}
	queries := db.NewUserQueries(database.DB)

	keyring, err := crypto.LoadKeyring()
	if err != nil {
		log.WithError(err).Fatal("load encryption keyring")
	}

	limiter := common.NewRateLimiter(cfg.RateLimits)
	policy := common.NewCallPolicy(limiter)

	system := map[string]gateway.SystemCredential{}
	if cfg.SystemBybitKey != "" {
		system["bybit"] = gateway.SystemCredential{
			APIKey:    cfg.SystemBybitKey,
			APISecret: cfg.SystemBybitSecret,
		}
	}

	bus := events.NewBus()

	manager := gateway.NewManager(queries, keyring, gateway.NewDefaultFactory(policy), system, bus, gateway.DefaultConfig())
	manager.Start(ctx)
	defer manager.Stop()

	recorder := history.NewRecorder(queries)
	service := gateway.NewService(manager, recorder, bus)

	syncer := history.NewSyncer(service, recorder, queries, bus, cfg.HistorySyncInterval)
	go syncer.Run(ctx)

	server := api.NewServer(service, recorder, syncer, queries, keyring, bus, cfg.JWTSecret)
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: server.Router}

	go func() {
		log.WithFields(logger.Fields{"addr": httpServer.Addr}).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
}
