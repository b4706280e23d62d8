// cmd/reaction-engine/main.go
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"multiverse-ripple/internal/config"
	"multiverse-ripple/internal/logging"
	"multiverse-ripple/services/reaction"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Name: "reaction-engine"})
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down reaction engine...")
		cancel()
	}()

	service, err := reaction.NewService(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize reaction engine", zap.Error(err))
	}

	service.Start(ctx)
	<-ctx.Done()

	stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := service.Stop(stopCtx); err != nil {
		logger.Warn("Shutdown finished with errors", zap.Error(err))
	}
}
