package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	trainsai "github.com/kennyphilp/trainsai"
	"github.com/kennyphilp/trainsai/cache"
	"github.com/kennyphilp/trainsai/darwin"
	"github.com/kennyphilp/trainsai/enrich"
	"github.com/kennyphilp/trainsai/resolve"
	"github.com/kennyphilp/trainsai/server"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to the push port and serve the cancellation API",
	Args:  cobra.NoArgs,
	Run:   serve,
}

func serve(cmd *cobra.Command, args []string) {
	log := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Error("configuration error")
		os.Exit(exitConfig)
	}

	store, err := openStorage(cfg)
	if err != nil {
		log.WithError(err).Error("opening schedule store")
		os.Exit(exitStore)
	}
	defer store.Close()

	resolver, err := resolve.NewResolver(store)
	if err != nil {
		log.WithError(err).Error("loading station index")
		os.Exit(exitStore)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := enrich.NewEngine(store, resolver, log, registry)

	maxAge, err := cfg.CacheMaxAge()
	if err != nil {
		log.WithError(err).Error("configuration error")
		os.Exit(exitConfig)
	}
	c := cache.New(cfg.Cache.MaxEntries, maxAge)

	client := darwin.NewClient(darwin.ClientConfig{
		Host:       cfg.Broker.Host,
		Port:       cfg.Broker.Port,
		User:       cfg.Broker.User,
		Password:   cfg.Broker.Password,
		Topic:      cfg.Broker.Topic,
		ClientID:   cfg.Broker.ClientID,
		Heartbeat:  cfg.Heartbeat(),
		MaxBackoff: cfg.BackoffMax(),
	}, log)

	pipeline := trainsai.NewPipeline(client, engine, c, store, cfg.Store.RetentionDays, log)

	srv := server.New(c, engine, store, client, registry, log, server.Options{
		Listen:             cfg.Server.Listen,
		RequestTimeout:     cfg.RequestTimeout(),
		CORSOrigins:        cfg.CORS.Origins,
		Development:        cfg.Server.Development,
		RateDefault:        cfg.RateLimit.Default,
		RateHealth:         cfg.RateLimit.Health,
		HealthCheckTimeout: cfg.HealthCheckTimeout(),
		HealthCacheTTL:     cfg.HealthCacheTTL(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- pipeline.Run(ctx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start()
	}()

	exit := exitOK
	pipelineStopped := false
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverDone:
		if err != nil {
			log.WithError(err).Error("http server failed")
			exit = exitRuntime
		}
	case err := <-pipelineDone:
		pipelineStopped = true
		if err != nil {
			log.WithError(err).Error("ingestion pipeline failed")
			exit = exitRuntime
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}

	if !pipelineStopped {
		select {
		case <-pipelineDone:
		case <-time.After(shutdownGrace):
			log.Warn("pipeline did not stop within grace period")
		}
	}

	log.Info("stopped")
	os.Exit(exit)
}
