package db

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kashguard/go-train-infra/internal/app"
	"github.com/kashguard/go-train-infra/internal/config"
	"github.com/kashguard/go-train-infra/internal/training/storage"
	"github.com/kashguard/go-train-infra/internal/util/command"
)

func New() *cobra.Command {
	return command.NewSubcommandGroup("db",
		newMigrate(),
	)
}

func newMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the postgres tables for peers, sessions and epoch results",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.NewDB(config.DefaultServiceConfigFromEnv())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(cmd.Context(), db); err != nil {
				return errors.Wrap(err, "failed to migrate database")
			}
			log.Info().Msg("Database migrated")
			return nil
		},
	}
}
