package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/consortium/internal/config"
	"github.com/dreamware/consortium/internal/pipeline"
)

// TestServeStopsOnCancel verifies the node shuts down cleanly even when the
// coordinator is unreachable.
func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = pipeline.ModeLocal
	cfg.ClientID = "site-a"
	cfg.RemoteURL = "127.0.0.1"
	cfg.RemotePort = 1
	cfg.APIAddr = "127.0.0.1:0"
	cfg.OperatingDirectory = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zaptest.NewLogger(t)) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = pipeline.ModeLocal
	assert.Error(t, serve(context.Background(), cfg, zaptest.NewLogger(t)))
}
