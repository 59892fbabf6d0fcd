package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/record-collab/pkg/otelhelper"
	"github.com/example/record-collab/pkg/replica"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx, "coordinator-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	listenAddr := envOrDefault("LISTEN_ADDR", ":3031")
	storagePath := envOrDefault("STORAGE_PATH", "")
	natsURL := envOrDefault("NATS_URL", "")
	natsUser := envOrDefault("NATS_USER", "coordinator-service")
	natsPass := envOrDefault("NATS_PASS", "coordinator-service-secret")

	slog.Info("Starting Coordinator Service", "listen", listenAddr, "storage", storagePath)

	// Replica store and directory, file-backed when STORAGE_PATH is set.
	var storage replica.Storage
	var backing directoryBacking
	if storagePath != "" {
		if err := os.MkdirAll(storagePath, 0o755); err != nil {
			slog.Error("Failed to create storage directory", "path", storagePath, "error", err)
			os.Exit(1)
		}
		bs, err := replica.OpenBolt(filepath.Join(storagePath, "documents.db"))
		if err != nil {
			slog.Error("Failed to open document storage", "error", err)
			os.Exit(1)
		}
		defer bs.Close()
		storage = bs

		bd, err := openBoltDirectory(filepath.Join(storagePath, "directory.db"))
		if err != nil {
			slog.Error("Failed to open directory backing", "error", err)
			os.Exit(1)
		}
		defer bd.close()
		backing = bd
	}

	store, err := replica.Open(coordinatorPeerID, storage)
	if err != nil {
		slog.Error("Failed to open replica store", "error", err)
		os.Exit(1)
	}

	dir, err := newDirectory(store, backing)
	if err != nil {
		slog.Error("Failed to initialize directory", "error", err)
		os.Exit(1)
	}
	presence := newPresence()
	relay := newRelay(store)

	// Optional NATS event bridge.
	var events *eventBridge
	if natsURL != "" {
		events, err = newEventBridge(natsURL, natsUser, natsPass, presence)
		if err != nil {
			slog.Error("Failed to connect event bridge", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Info("NATS_URL not set, event bridge disabled")
	}

	srv := newServer(dir, presence, relay, events)

	// Gauges for live connections and known records.
	meter := otel.Meter("coordinator-service")
	connGauge, _ := meter.Int64ObservableGauge("connected_clients",
		metric.WithDescription("Currently open websocket connections"))
	recordGauge, _ := meter.Int64ObservableGauge("directory_records",
		metric.WithDescription("Records with a minted replica"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connGauge, srv.liveConns.Load())
		o.ObserveInt64(recordGauge, int64(dir.size()))
		return nil
	}, connGauge, recordGauge)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)

	httpSrv := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		slog.Info("Coordinator ready", "listen", listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down coordinator service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	events.drain()
	slog.Info("Coordinator shutdown complete")
}
