package cmd

import (
	"fmt"

	"github.com/n1hub/deepmine/db"
	"github.com/n1hub/deepmine/internal/config"
	"github.com/n1hub/deepmine/internal/log"
)

// runMigrate applies pending database migrations and exits. Useful for
// deploy pipelines that migrate before rolling the server.
func runMigrate(logger log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied",
		"host", cfg.PostgresHost, "database", cfg.PostgresDBName)
	return nil
}
