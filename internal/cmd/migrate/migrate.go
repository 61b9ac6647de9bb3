package migrate

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/plannr/messaging-service/internal/config"
	registrymigrate "github.com/plannr/messaging-service/internal/registry/migrate"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their primary interface.
	_ "github.com/plannr/messaging-service/internal/plugin/store/mongo"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create collections and indexes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("MESSAGING_SERVICE_DB_URL"),
				Usage:    "Database connection URL",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-name",
				Sources: cli.EnvVars("MESSAGING_SERVICE_DB_NAME"),
				Usage:   "Database name",
				Value:   config.DefaultConfig().DBName,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("MESSAGING_SERVICE_DB_KIND"),
				Usage:   "Store backend (mongo)",
				Value:   "mongo",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DBName = cmd.String("db-name")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "migrators", registrymigrate.Names())
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
