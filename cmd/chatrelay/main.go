package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

func main() {
	mode, args := parseMode(os.Args[1:])

	serverCfg, err := app.LoadServerConfig()
	if err != nil {
		fatal(err)
	}
	clientCfg, err := app.LoadClientConfig()
	if err != nil {
		fatal(err)
	}

	flagSet := flag.NewFlagSet("chatrelay", flag.ExitOnError)
	addr := flagSet.String("addr", defaultAddrForMode(mode, serverCfg.Addr), "server listen address")
	wsPath := flagSet.String("ws-path", serverCfg.WSPath, "websocket path")
	db := flagSet.String("db", serverCfg.DBPath, "sqlite database path (defaults to a per-user path)")
	serverURL := flagSet.String("server", clientCfg.ServerURL, "server base URL (client mode)")
	username := flagSet.String("user", clientCfg.Username, "default username for the sign up prompt")
	logLevel := flagSet.String("log-level", serverCfg.LogLevel, "debug, info, warn or error")
	quiet := flagSet.Bool("quiet", false, "suppress informational logs")
	_ = flagSet.Parse(args)

	serverCfg.Addr = *addr
	serverCfg.WSPath = app.NormalizeWSPath(*wsPath)
	serverCfg.DBPath = *db
	serverCfg.LogLevel = *logLevel
	clientCfg.ServerURL = *serverURL
	clientCfg.WSPath = serverCfg.WSPath
	clientCfg.Username = *username

	if *quiet {
		serverCfg.LogLevel = "error"
	}
	if mode == modeLocal {
		// the TUI owns the terminal, keep the embedded server quiet
		serverCfg.Development = true
		if !*quiet && serverCfg.LogLevel == "info" {
			serverCfg.LogLevel = "warn"
		}
		if serverCfg.JWTSecret == "" {
			serverCfg.JWTSecret = randomSecret()
		}
	}

	logger, err := app.NewLogger(serverCfg.LogLevel, serverCfg.Development)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg, logger)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg, logger)
	default:
		err = app.RunClient(clientCfg)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func runServerMode(ctx context.Context, cfg app.ServerConfig, logger *zap.Logger) error {
	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("chatrelay server listening",
		zap.String("addr", handle.Addr()),
		zap.String("ws_path", cfg.WSPath),
		zap.String("db", cfg.DBPath),
	)
	return handle.Wait()
}

func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig, logger *zap.Logger) error {
	handle, err := app.RunServer(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = "http://" + handle.Addr()

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func defaultAddrForMode(mode, configured string) string {
	if mode == modeLocal {
		return "127.0.0.1:0"
	}
	return configured
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
	os.Exit(1)
}
