package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/database"
)

func (c *CLI) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply mapping store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := database.Open(ctx, c.cfg.Database, c.logger)
			if err != nil {
				return err
			}

			migrations := database.NewMigrationService(c.logger, database.NewMigrationConfig(c.cfg.Database))
			err = migrations.Migrate(ctx, db, c.cfg.Database.Name)
			return errors.Join(err, db.Close())
		},
	}
}
