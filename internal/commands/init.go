package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/fieldsync/internal/config"
	"github.com/tildaslashalef/fieldsync/internal/database"
	"github.com/tildaslashalef/fieldsync/internal/utils"
)

// InitCommand returns the CLI command for initializing fieldsync
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the fieldsync environment",
		Description: "Sets up the configuration directory and the local database. " +
			"Run it once after installing and again after upgrading to apply new migrations.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "reset-config",
				Usage: "Replace an existing .env with the sample, keeping a dated backup",
			},
		},
		Action: initAction,
	}
}

func initAction(c *cli.Context) error {
	utils.PrintHeading("Initializing fieldsync")

	configDir, err := config.DefaultConfigDir()
	if err != nil {
		utils.PrintError(err.Error())
		return err
	}
	utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

	configFilePath, err := config.SetupConfigDirectory(configDir, c.Bool("reset-config"))
	if err != nil {
		// the defaults still work without a file
		utils.PrintWarning(fmt.Sprintf("Failed to set up configuration files: %s", err))
	}

	cfg, err := config.LoadFromEnv(configDir, configFilePath)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	utils.PrintInfo("Applying database migrations...")
	applied, err := migrateUp(cfg)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
		return err
	}

	utils.PrintSuccess("fieldsync initialized successfully!")
	utils.PrintInfo(fmt.Sprintf("Database schema version: %d", applied))
	utils.PrintInfo("Configuration file: " + color.YellowString("%s", configFilePath))
	utils.PrintInfo("Database location: " + color.YellowString("%s", cfg.Database.Path))
	utils.PrintInfo("Log file location: " + color.YellowString("%s", cfg.Logging.Output))
	fmt.Println("")
	utils.PrintInfo("Point " + color.CyanString("FIELDSYNC_SERVER_URL") + " at your server, then run " +
		color.CyanString("fieldsync sync config --token <token>") + ".")
	return nil
}

func migrateUp(cfg *config.Config) (uint, error) {
	db, logger, err := openDatabase(cfg)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	version, err := database.Migrate(db, logger)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return version, nil
}
