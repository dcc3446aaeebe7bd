package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shop/services/items/internal/config"
	"github.com/shop/services/items/internal/db"
	"github.com/shop/services/items/internal/events"
	grpcserver "github.com/shop/services/items/internal/grpc"
	"github.com/shop/services/items/internal/httpapi"
	"github.com/shop/services/items/internal/metrics"
	"github.com/shop/services/items/internal/repo"
	"github.com/shop/services/items/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n\n%s", err, config.Usage())
		os.Exit(2)
	}

	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	log.Info("Items service starting",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("db_driver", cfg.DBDriver),
	)

	store, closeStore, err := openStore(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("Failed to open item store", zap.Error(err))
	}
	defer closeStore.Close()

	var publisher events.ItemPublisher = events.NopPublisher{}
	if cfg.RabbitMQURL != "" {
		log.Info("Connecting to RabbitMQ")
		p, err := events.NewPublisher(cfg.RabbitMQURL, log)
		if err != nil {
			log.Warn("RabbitMQ unavailable, item events disabled", zap.Error(err))
		} else {
			publisher = p
		}
	}
	defer publisher.Close()

	// HTTP API
	gin.SetMode(cfg.GinMode)
	registry := metrics.NewRegistry()
	m := metrics.New(registry)
	handler := httpapi.NewHandler(store, publisher, m, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:      httpapi.NewRouter(handler, m, registry, log),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve HTTP", zap.Error(err))
		}
	}()

	// gRPC health
	grpcServer := grpcserver.NewServer(grpcserver.NewHealthServer(store, publisher, log), log)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCPort))
	if err != nil {
		log.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	go func() {
		log.Info("Starting gRPC server", zap.String("address", grpcListener.Addr().String()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Fatal("Failed to serve gRPC", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	grpcServer.GracefulStop()
	handler.Close()

	log.Info("Server stopped")
}

// openStore connects to the configured database, applies migrations and
// returns the repository with the handle that closes its pool.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (httpapi.ItemStore, io.Closer, error) {
	log.Info("Connecting to database...")

	if cfg.StoreBackend == config.BackendSQL {
		database, err := db.ConnectSQL(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return nil, nil, err
		}
		log.Info("Running database migrations...")
		if err := db.RunSQLMigrations(ctx, database, cfg.DBDriver); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		return repo.NewSQLItemRepository(database, log), database, nil
	}

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN, cfg.DBLogLevel)
	if err != nil {
		return nil, nil, err
	}
	log.Info("Running database migrations...")
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	return repo.NewItemRepository(database, log), database, nil
}
