package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"capital-router/internal/app"
	"capital-router/internal/config"
	"capital-router/internal/logging"
	sig "capital-router/internal/signal"
	"capital-router/internal/venue"
	"capital-router/internal/venue/paper"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded", zap.String("path", *configPath))

	// Paper adapters until a live venue protocol is plugged in.
	adapters := make(map[string]venue.Adapter, len(cfg.Venues))
	for _, name := range cfg.Venues {
		adapters[name] = paper.New(name)
	}
	feed := sig.NewFeed(cfg.Signals.URL, cfg.Signals.ReconnectDelay, cfg.Signals.PingInterval, log)

	application, err := app.New(cfg, log, adapters, feed)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}
	log.Info("app initialized", zap.Strings("venues", cfg.Venues))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
