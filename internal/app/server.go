package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	intrnl "chatrelay/internal"
	"chatrelay/internal/auth"
	"chatrelay/internal/storage"
)

const (
	tokenIssuer      = "chatrelay"
	maintenanceEvery = 5 * time.Minute
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	relay  *intrnl.Server
	store  *storage.Store
	logger *zap.Logger
	done   chan struct{}
	stop   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
// Websockets are hijacked connections, so they are closed explicitly.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.relay.CloseConnections()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the SQLite store, runs migrations, wires the API and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL, tokenIssuer)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	server := intrnl.NewServer(intrnl.ServerOptions{
		Store:             store,
		Issuer:            issuer,
		Logger:            logger,
		WSPath:            cfg.WSPath,
		EditWindow:        cfg.EditWindow,
		SendBuffer:        cfg.SendBuffer,
		FrameRate:         cfg.FrameRate,
		FrameBurst:        cfg.FrameBurst,
		AuthRate:          cfg.AuthRate,
		AuthBurst:         cfg.AuthBurst,
		AnonymousPresence: cfg.AnonymousPresence,
		AllowedOrigins:    cfg.Origins(),
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		relay:  server,
		store:  store,
		logger: logger,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}

	go func() {
		if ctx == nil {
			return
		}
		select {
		case <-ctx.Done():
		case <-handle.stop:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", zap.Error(err))
		}
	}()

	go handle.maintain()
	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	close(h.stop)
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close error", zap.Error(err))
	}
	h.err = err
}

// maintain prunes idle limiter buckets and expired revocations.
func (h *ServerHandle) maintain() {
	ticker := time.NewTicker(maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			if n := h.relay.AuthLimiter().Sweep(); n > 0 {
				h.logger.Debug("swept idle rate limiter buckets", zap.Int("count", n))
			}
			purged, err := h.store.PurgeRevokedTokens(context.Background(), now)
			if err != nil {
				h.logger.Warn("purge revoked tokens", zap.Error(err))
				continue
			}
			if purged > 0 {
				h.logger.Debug("purged revoked tokens", zap.Int64("count", purged))
			}
		}
	}
}
