package commands

import (
	"database/sql"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/fieldsync/internal/config"
	"github.com/tildaslashalef/fieldsync/internal/database"
	"github.com/tildaslashalef/fieldsync/internal/loggy"
	"github.com/tildaslashalef/fieldsync/internal/utils"
)

// MigrateCommand returns the CLI command for database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Manage database migrations",
		Hidden: true,
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadFromEnv("", "")
					if err != nil {
						return fmt.Errorf("failed to load configuration: %w", err)
					}

					utils.PrintInfo("Applying embedded migrations")
					version, err := migrateUp(cfg)
					if err != nil {
						utils.PrintError(err.Error())
						return err
					}
					utils.PrintSuccess(fmt.Sprintf("Database schema is at version %d", version))
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Revert the last migration",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := config.LoadFromEnv("", "")
					if err != nil {
						return fmt.Errorf("failed to load configuration: %w", err)
					}
					db, logger, err := openDatabase(cfg)
					if err != nil {
						return err
					}
					defer db.Close()

					steps := c.Int("steps")
					utils.PrintWarning(fmt.Sprintf("Reverting %d embedded migration(s)", steps))
					version, err := database.Revert(db, steps, logger)
					if err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return fmt.Errorf("failed to revert migrations: %w", err)
					}

					utils.PrintSuccess(fmt.Sprintf("Migration(s) reverted, schema is at version %d", version))
					return nil
				},
			},
		},
	}
}

// openDatabase opens the configured database without building the engine
func openDatabase(cfg *config.Config) (*sql.DB, *loggy.Logger, error) {
	logger := loggy.GetGlobalLogger()
	db, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, logger, nil
}
