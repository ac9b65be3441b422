// Package main runs the coordinator node of a consortium: it accepts
// participant connections, aggregates their outputs for every run and
// serves the HTTP API used to start runs and watch them.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│               Coordinator                │
//	├──────────────────────────────────────────┤
//	│  Websocket transport (remote_port):      │
//	│    hello / register / run messages       │
//	├──────────────────────────────────────────┤
//	│  HTTP API (api_addr):                    │
//	│    POST /startPipeline                   │
//	│    GET  /runs/{id}/state | /events       │
//	│    GET  /clients, /health                │
//	└──────────────────────────────────────────┘
//
// Configuration comes from the YAML file named by CONSORTIUM_CONFIG and
// CONSORTIUM_* variables (see internal/config). The mode is always remote.
//
// Example usage:
//
//	CONSORTIUM_REMOTE_PORT=3300 CONSORTIUM_API_ADDR=:3400 ./coordinator
//
//	# submit a run to the coordinator and two participants
//	./coordinator submit -spec mean.yaml -clients site-a,site-b \
//	  http://localhost:3400 http://site-a:3401 http://site-b:3401
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dreamware/consortium/internal/api"
	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/logging"
	"github.com/dreamware/consortium/internal/manager"
	"github.com/dreamware/consortium/internal/pipeline"
)

// defaultAPIAddr is used when api_addr is not configured.
const defaultAPIAddr = ":3400"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "submit" {
		if err := submit(context.Background(), os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "submit:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(os.Getenv("CONSORTIUM_CONFIG"), config.WithMode(pipeline.ModeRemote))
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
		logger.Fatal("coordinator failed", zap.Error(err))
	}
	logger.Info("coordinator stopped")
}

// serve runs the coordinator until ctx is done.
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
		logger.Info("api listening", zap.String("addr", addr), zap.String("transport", m.Addr()))
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

// submit posts one run to every API URL given, coordinator first.
func submit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(out)
	specPath := fs.String("spec", "", "pipeline spec file (YAML or JSON)")
	clients := fs.String("clients", "", "comma separated participant IDs")
	runID := fs.String("run", "", "run ID (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *specPath == "" || fs.NArg() == 0 {
		return errors.New("usage: submit -spec FILE -clients a,b URL [URL...]")
	}

	data, err := os.ReadFile(*specPath)
	if err != nil {
		return err
	}
	spec, err := pipeline.ParseSpec(data)
	if err != nil {
		return err
	}

	req := api.RunRequest{ID: *runID, PipelineSnapshot: spec}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if *clients != "" {
		req.Clients = strings.Split(*clients, ",")
	}

	for _, url := range fs.Args() {
		if _, err := api.Submit(ctx, url, req); err != nil {
			return fmt.Errorf("%s: %w", url, err)
		}
		fmt.Fprintf(out, "submitted %s to %s\n", req.ID, url)
	}
	return nil
}
