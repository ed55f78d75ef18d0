// Command history archives end-of-day OHLC candles for the configured
// indices (and their current futures when an instrument master URL is
// configured) to local parquet files and optionally S3.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/history"
	"tickflow/instruments"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

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

	if !cfg.History.Enabled {
		log.WithComponent("main").Error("history archiving is disabled in configuration")
		os.Exit(1)
	}

	archiver, err := history.NewArchiver(cfg.History, cfg.Tickflow.Version)
	if err != nil {
		log.WithError(err).Error("failed to create archiver")
		os.Exit(1)
	}

	ctx := context.Background()

	targets := make(map[uint32]string, len(cfg.Indices))
	for _, idx := range cfg.Indices {
		targets[idx.SpotToken] = idx.Name
	}

	// Current futures are archived too when the instrument master is
	// reachable; a failed fetch degrades to spot-only archiving.
	if cfg.Instruments.URL != "" {
		master := instruments.NewMaster(cfg.Instruments)
		if err := master.Fetch(ctx); err != nil {
			log.WithError(err).Warn("instrument master unavailable, archiving spot indices only")
		} else {
			now := time.Now()
			for _, idx := range cfg.Indices {
				if fut, ok := master.CurrentFuture(idx.DerivativePrefix, now); ok {
					targets[fut.Token] = fut.TradingSymbol
				}
			}
		}
	}

	log.WithComponent("main").WithFields(logger.Fields{"instruments": len(targets)}).Info("starting history archive run")

	if err := archiver.Archive(ctx, targets); err != nil {
		log.WithError(err).Error("history archive run failed")
		os.Exit(1)
	}

	log.WithComponent("main").Info("history archive run completed")
}
