// Package main runs a participant node of a consortium. The node dials the
// coordinator, keeps reconnecting when the link drops, runs the local half
// of every pipeline it is asked to start and serves the same HTTP API as
// the coordinator so runs can be started and watched locally.
//
// Configuration:
//   - CONSORTIUM_CLIENT_ID: participant identifier (required)
//   - CONSORTIUM_REMOTE_URL / _REMOTE_PORT / _REMOTE_PROTOCOL / _REMOTE_PATHNAME:
//     where the coordinator listens (default ws://localhost:3300)
//   - CONSORTIUM_OPERATING_DIRECTORY: root of the run workspaces (default ./)
//   - CONSORTIUM_API_ADDR: HTTP API address (default :3401)
//   - CONSORTIUM_CONFIG: optional YAML file with the same settings
//
// Example usage:
//
//	CONSORTIUM_CLIENT_ID=site-a \
//	CONSORTIUM_REMOTE_URL=hub.example.org \
//	./node
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/consortium/internal/api"
	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/logging"
	"github.com/dreamware/consortium/internal/manager"
	"github.com/dreamware/consortium/internal/pipeline"
)

const defaultAPIAddr = ":3401"

func main() {
	cfg, err := config.Load(os.Getenv("CONSORTIUM_CONFIG"), config.WithMode(pipeline.ModeLocal))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal("node failed", zap.Error(err))
	}
	logger.Info("node stopped")
}

// serve runs the participant until ctx is done.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	m, err := manager.New(cfg, manager.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	addr := cfg.APIAddr
	if addr == "" {
		addr = defaultAPIAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(m, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", addr), zap.String("coordinator", m.Addr()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
