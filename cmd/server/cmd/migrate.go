package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"offline-sync-service/internal/database"
	"offline-sync-service/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations to the state store and SQL entity backend",
	RunE: func(_ *cobra.Command, _ []string) error {
		defer logger.Sync()

		db, err := database.NewDatabase(cfg.StateStorage)
		if err != nil {
			return fmt.Errorf("failed to open state storage: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return err
		}
		logger.Log.Info("State storage migrated", zap.String("type", cfg.StateStorage.Type))

		switch cfg.Entities.Backend {
		case "mysql", "sqlite", "postgres":
			edb, err := openEntityDatabase(cfg.Entities)
			if err != nil {
				return fmt.Errorf("failed to open entity database: %w", err)
			}
			defer edb.Close()
			if err := edb.Migrate(); err != nil {
				return err
			}
			logger.Log.Info("Entity database migrated", zap.String("backend", cfg.Entities.Backend))
		}
		return nil
	},
}
