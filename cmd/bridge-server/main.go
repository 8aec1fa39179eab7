// Command bridge-server runs the devtools bridge: a WebSocket listener for
// one browser agent and an HTTP/JSON-RPC endpoint for clients that want to
// drive it.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/workspace/devbridge/internal/bridge"
	"github.com/workspace/devbridge/internal/config"
	"github.com/workspace/devbridge/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to an optional TOML config file")
	flag.Parse()

	logging.Setup()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	slog.Info("starting devtools bridge", "host", cfg.Host, "port", cfg.Port)

	srv, err := bridge.New(cfg)
	if err != nil {
		log.Fatalf("failed to create bridge server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("bridge server error: %v", err)
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("error during shutdown", "error", err)
	}

	slog.Info("devtools bridge stopped")
}
