package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/cmd/cli/commands"
	"github.com/jakechorley/shift-notifier/internal/config"
	"github.com/jakechorley/shift-notifier/pkg/metrics"
	"github.com/jakechorley/shift-notifier/pkg/utils/logging"
)

// noDatabase marks commands that run without opening the store
const noDatabase = "noDatabase"

var app = &commands.AppContext{}

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifier",
		Short: "Shift notifier - schedule and deliver shift notifications",
		Long:  `Schedules confirmation, reminder, update and cancellation notifications for shifts and delivers them over email and push.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
			if app.Logger != nil {
				_ = app.Logger.Sync()
			}
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&app.Env, "env", "e", "", "Environment (required: test, prod, etc.)")
	rootCmd.MarkPersistentFlagRequired("env")

	authorize := commands.AuthorizeGmailCmd(app)
	authorize.Annotations = map[string]string{noDatabase: "true"}
	issueToken := commands.IssueTokenCmd(app)
	issueToken.Annotations = map[string]string{noDatabase: "true"}

	rootCmd.AddCommand(commands.ServeCmd(app))
	rootCmd.AddCommand(commands.DispatchCmd(app))
	rootCmd.AddCommand(commands.ExpandRulesCmd(app))
	rootCmd.AddCommand(commands.NoticeCmd(app))
	rootCmd.AddCommand(commands.MigrateCmd(app))
	rootCmd.AddCommand(authorize)
	rootCmd.AddCommand(issueToken)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initApp sets up config, logger, metrics and the database
func initApp(cmd *cobra.Command) error {
	var err error
	app.Ctx = context.Background()

	app.Cfg, err = config.Load(app.Env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app.Logger, err = logging.InitLogger(app.Env, app.Cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	app.Logger.Info("Starting application", zap.String("environment", app.Env), zap.String("command", cmd.Name()))
	app.Logger.Debug("Configuration loaded successfully",
		zap.String("time_zone", app.Cfg.TimeZone),
		zap.String("database_driver", app.Cfg.Database.Driver))

	app.Registry = commands.NewRegistry()
	app.Metrics = metrics.New(app.Registry)

	if cmd.Annotations[noDatabase] == "true" {
		return nil
	}

	app.Logger.Info("Connecting to database", zap.String("driver", app.Cfg.Database.Driver))
	app.Database, err = commands.OpenDatabase(app.Ctx, app.Cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.Logger.Info("Database initialized successfully")

	return nil
}
