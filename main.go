package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/alerts"
	"tickflow/auth"
	"tickflow/config"
	"tickflow/feed"
	"tickflow/instruments"
	"tickflow/internal/channel/views"
	"tickflow/internal/classify"
	"tickflow/internal/snapshot"
	"tickflow/logger"
	"tickflow/pipeline"
	"tickflow/publisher"
	"tickflow/sink"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	path := config.ResolveConfigPath(*configPath, "config/config.yml")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Tickflow.Name,
		"version":     cfg.Tickflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.InitCloudWatch("", "", cfg.Logging.DashboardName)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		log.WithError(err).Error("failed to create auth service")
		os.Exit(1)
	}
	defer authService.Close()

	tokens := classify.NewTokenMap()
	store := snapshot.NewStore()
	master := instruments.NewMaster(cfg.Instruments)
	viewChannels := views.NewChannels()
	defer viewChannels.Close()
	if cfg.Metrics.ChannelSize {
		viewChannels.StartReporter(ctx, 30*time.Second)
	}

	var out sink.Sink = sink.NewTableSink(cfg.Publish.Output)
	if len(cfg.Alerts) > 0 {
		engine, err := alerts.NewEngine(cfg.Alerts)
		if err != nil {
			log.WithError(err).Error("failed to compile alert rules")
			os.Exit(1)
		}
		out = alerts.NewSink(engine, out)
	}

	pub := publisher.New(cfg.Publish, cfg.Indices, cfg.Chain.StrikesPerSide, store, viewChannels, out)
	pipe := pipeline.New(cfg, tokens, store, master, pub)

	dial := feed.NewDialFunc(cfg.Feed.URL, cfg.Feed.PingInterval, feed.Callbacks{
		OnTicks: pipe.OnTicks,
	})
	authFn := func(ctx context.Context) (feed.Credentials, error) {
		accessToken, err := authService.EnsureValidTokens(ctx)
		if err != nil {
			return feed.Credentials{}, err
		}
		return feed.Credentials{APIKey: cfg.Auth.APIKey, AccessToken: accessToken}, nil
	}
	supervisor := feed.NewSupervisor(cfg.Feed.Reconnect, dial, authFn, feed.Hooks{
		OnConnected: pipe.HandleConnect,
	})

	if err := pipe.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pipeline")
		os.Exit(1)
	}
	if err := pub.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start publisher")
		os.Exit(1)
	}

	supervisorErr := make(chan error, 1)
	go func() {
		supervisorErr <- supervisor.Run(ctx)
	}()

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	supervisorDone := false
	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-supervisorErr:
		supervisorDone = true
		if err != nil {
			log.WithError(err).Error("feed supervisor terminated")
			exitCode = 1
		} else {
			log.Info("feed supervisor finished")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping publisher")
	pub.Stop()

	log.Info("stopping pipeline")
	pipe.Stop()

	done := make(chan struct{})
	go func() {
		if !supervisorDone {
			if err := <-supervisorErr; err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("supervisor exited with error during shutdown")
			}
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickflow stopped")
	os.Exit(exitCode)
}
