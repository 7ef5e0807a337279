package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"chatrelay/internal/app"
)

func main() {
	cfg, err := app.LoadServerConfig()
	if err != nil {
		exit(err)
	}
	addr := flag.String("addr", cfg.Addr, "server listen address")
	wsPath := flag.String("ws-path", cfg.WSPath, "websocket path")
	db := flag.String("db", cfg.DBPath, "sqlite database path")
	flag.Parse()
	cfg.Addr, cfg.WSPath, cfg.DBPath = *addr, *wsPath, *db

	logger, err := app.NewLogger(cfg.LogLevel, false)
	if err != nil {
		exit(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		exit(err)
	}
	logger.Info("chatrelay server listening", zap.String("addr", handle.Addr()), zap.String("ws_path", cfg.WSPath))
	if err := handle.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	os.Exit(1)
}
