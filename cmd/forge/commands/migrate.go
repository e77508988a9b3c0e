package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the SQLite database holding function records and deploy
history. The serve command migrates on start, so this is only needed to
prepare a database ahead of time.`,
		Example: `  # Migrate the configured database
  forge migrate

  # Migrate a specific file
  forge migrate --db /var/lib/fnforge/fnforge.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Store.SQLite.Path = dbPath
			}

			log.Info().Str("path", cfg.Store.SQLite.Path).Msg("Running migrations")

			db, err := openSQLite(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.HealthCheck(cmd.Context()); err != nil {
				return fmt.Errorf("database unhealthy after migration: %w", err)
			}
			fmt.Printf("✓ Database migrated: %s\n", cfg.Store.SQLite.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides store.sqlite.path)")

	return cmd
}
