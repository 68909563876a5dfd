package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline-sync-service/internal/api"
	"offline-sync-service/internal/changefeed"
	"offline-sync-service/internal/config"
	"offline-sync-service/internal/database"
	"offline-sync-service/internal/entity"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/store"
	"offline-sync-service/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP service",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	defer logger.Sync()
	if ctx == nil {
		ctx = context.Background()
	}

	logger.Log.Info("Starting offline sync service")

	stateStore, err := store.NewSQLStore(cfg.StateStorage)
	if err != nil {
		return fmt.Errorf("failed to init state store: %w", err)
	}
	defer stateStore.Close()

	repos, closeRepos, err := openRegistry(ctx, cfg.Entities)
	if err != nil {
		return fmt.Errorf("failed to init entity repositories: %w", err)
	}
	defer closeRepos()

	pool := sync.NewWorkerPool(cfg.Sync.Workers, cfg.Sync.QueueSize)
	pool.Start()
	defer pool.Stop()

	syncManager, err := sync.NewManager(cfg.Sync, stateStore, repos, pool)
	if err != nil {
		return fmt.Errorf("failed to init sync manager: %w", err)
	}
	defer syncManager.Close()

	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer scheduler.Stop()

	if cfg.ChangeFeed.Enabled {
		listener, err := changefeed.NewBinlogListener(cfg.ChangeFeed, stateStore)
		if err != nil {
			return fmt.Errorf("failed to init change feed: %w", err)
		}
		if err := listener.Start(); err != nil {
			return fmt.Errorf("failed to start change feed: %w", err)
		}
		defer listener.Stop()
	}

	handler := api.NewHandler(syncManager, cfg.Server)
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Log.Info("Shutting down server...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
	return nil
}

// openRegistry builds the entity repositories for the configured backend. The returned
// func releases whatever connection the backend holds.
func openRegistry(ctx context.Context, cfg config.EntitiesConfig) (entity.Registry, func(), error) {
	switch cfg.Backend {
	case "memory":
		logger.Log.Warn("Using in-memory entity repositories; data is lost on restart")
		return entity.NewMemoryRegistry(), func() {}, nil
	case "postgres":
		repos, pool, err := entity.NewPostgresRegistry(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repos, pool.Close, nil
	case "mysql", "sqlite":
		db, err := openEntityDatabase(cfg)
		if err != nil {
			return nil, nil, err
		}
		return entity.NewSQLRegistry(db.DB, string(db.Dialect)), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported entity backend %q", cfg.Backend)
	}
}

// openEntityDatabase opens a SQL entity backend. For sqlite the DSN is a file path.
func openEntityDatabase(cfg config.EntitiesConfig) (*database.Database, error) {
	switch cfg.Backend {
	case "sqlite":
		return database.Open(database.SQLite, database.SQLiteDSN(cfg.DSN))
	case "postgres":
		return database.Open(database.Postgres, cfg.DSN)
	}
	dsn, err := entity.MySQLDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return database.Open(database.MySQL, dsn)
}
