package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/gemelolabs/gemelo-agent/internal/config"
	"github.com/gemelolabs/gemelo-agent/internal/pairing"
	"github.com/gemelolabs/gemelo-agent/internal/server"
	"github.com/gemelolabs/gemelo-agent/internal/storage"
)

func main() {
	// Optional .env for local runs; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg, "agent")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting gemelo-agent",
		"version", config.Version,
		"build_time", config.BuildTime,
		"debug", cfg.Debug,
	)

	botID := cfg.BotID
	if botID == "" {
		store, err := storage.NewStore(cfg.DataDir)
		if err != nil {
			logger.Error("failed to init storage", "err", err)
			os.Exit(1)
		}
		botID, err = store.BotID()
		if err != nil {
			logger.Error("failed to resolve bot id", "err", err)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	machine := pairing.New(cfg, botID, logger)
	defer machine.Close()

	// Mirror machine events into the log so progress is visible without
	// a subscriber of its own.
	events, unsubscribe := machine.Subscribe(64)
	defer unsubscribe()
	go func() {
		for evt := range events {
			logger.Info("machine event", "event", evt.Name, "payload", evt.Payload)
		}
	}()

	api := server.NewAPI(machine, logger)
	srv := server.NewServer(cfg.ControlPort, api, cfg.ControlToken)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	logger.Info("agent ready",
		"bot_id", botID,
		"base_url", cfg.BaseURL,
		"control_port", cfg.ControlPort,
	)
	machine.Start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutting down agent")
		machine.Stop()
	case err := <-errCh:
		logger.Error("control server exited", "err", err)
		machine.Stop()
		os.Exit(1)
	}
}
