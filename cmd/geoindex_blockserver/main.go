package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sushant-115/geoindex/config"
	"github.com/sushant-115/geoindex/core/indexing/spatial/geom"
	"github.com/sushant-115/geoindex/core/indexmanager"
	"github.com/sushant-115/geoindex/core/storage_engine/blockstore/remote"
	internaltelemetry "github.com/sushant-115/geoindex/internal/telemetry"
	"github.com/sushant-115/geoindex/pkg/logger"
	"github.com/sushant-115/geoindex/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	listenAddr  = flag.String("listen", "", "gRPC bind address, overrides server.listen_address")
	metricsAddr = flag.String("metrics_addr", "", "HTTP bind address for /metrics and /health")
)

const httpServerStopTimeout = 5 * time.Second

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("CRITICAL: %v", err)
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddress = *listenAddr
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer func() { _ = zlogger.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}
	metrics, err := internaltelemetry.NewBlockServerMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("failed to create block server metrics", zap.Error(err))
	}

	store, err := indexmanager.OpenStore(cfg.Server.Backing, zlogger)
	if err != nil {
		zlogger.Fatal("failed to open backing store", zap.Error(err))
	}

	srv := remote.NewServer[geom.Feature](store, zlogger, metrics)
	gs := grpc.NewServer(srv.ServerOptions()...)
	srv.Register(gs)

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		zlogger.Fatal("failed to listen", zap.String("address", cfg.Server.ListenAddress), zap.Error(err))
	}

	var httpServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		if tel.Handler != nil {
			mux.Handle("/metrics", tel.Handler)
		}
		httpServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		zlogger.Info("Received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		gs.GracefulStop()
	}()

	zlogger.Info("block server listening",
		zap.String("address", cfg.Server.ListenAddress),
		zap.String("backing", string(cfg.Server.Backing.Kind)))
	if err := gs.Serve(lis); err != nil {
		zlogger.Error("gRPC server stopped", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpServerStopTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			zlogger.Warn("http server shutdown failed", zap.Error(err))
		}
	}
	if err := store.Close(); err != nil {
		zlogger.Error("failed to close backing store", zap.Error(err))
	}
	if err := shutdown(ctx); err != nil {
		zlogger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	zlogger.Info("block server shut down gracefully")
}
