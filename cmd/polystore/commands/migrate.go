package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polystore/polystore/pkg/stores"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run schema migrations for all SQLite databases",
		Long: `Apply the embedded schema migrations to every SQLite database in
the settings file. In-memory databases need no migrations and are
skipped.`,
		Example: `  polystore migrate --config ./polystore.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			migrated := 0
			for _, db := range settings.Databases {
				if db.Type != "sqlite" {
					continue
				}

				store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: db.Path})
				if err != nil {
					return fmt.Errorf("database %s: %w", db.Name, err)
				}
				if err := store.Init(ctx); err != nil {
					return fmt.Errorf("database %s: %w", db.Name, err)
				}
				if err := store.Migrate(ctx); err != nil {
					_ = store.Close()
					return fmt.Errorf("database %s: %w", db.Name, err)
				}
				if err := store.Close(); err != nil {
					return fmt.Errorf("database %s: %w", db.Name, err)
				}

				log.Info().Str("database", db.Name).Str("path", db.Path).Msg("Migrations applied")
				migrated++
			}

			if migrated == 0 {
				fmt.Println("No SQLite databases configured, nothing to migrate")
			} else {
				fmt.Printf("Migrated %d database(s)\n", migrated)
			}
			return nil
		},
	}
	return cmd
}
