package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/services"
	"github.com/jakechorley/shift-notifier/pkg/server"
)

// cronLogger adapts zap to the cron.Logger interface
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}

// ServeCmd creates the serve command
func ServeCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled dispatch and rule expansion jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noCron, _ := cmd.Flags().GetBool("no-cron")

			ctx, stop := signal.NotifyContext(app.Ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := app.Database.RunMigrations(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			tz, renderer, err := app.Renderer()
			if err != nil {
				return err
			}

			dispatcher, err := app.NewDispatcher()
			if err != nil {
				return err
			}
			expander := services.NewRuleExpander(app.Database, renderer, app.Metrics, app.Logger)
			notifier := services.NewShiftNotifier(app.Database, tz, renderer, app.Metrics, app.Logger)

			deps := server.Deps{
				Dispatcher: dispatcher,
				Expander:   expander,
				RuleStore:  app.Database,
				Notifier:   notifier,
				Enqueuer:   app.Database,
				Renderer:   renderer,
				Gatherer:   app.Registry,
			}

			push, err := app.PushClient()
			if err != nil {
				return err
			}
			if push != nil {
				deps.Push = push
			}

			if !noCron {
				scheduler, err := scheduleJobs(ctx, app, dispatcher, expander)
				if err != nil {
					return err
				}
				scheduler.Start()
				defer func() {
					<-scheduler.Stop().Done()
					app.Logger.Info("Scheduler stopped")
				}()
			}

			fmt.Printf("\n✓ Notifier listening on :%d (time zone %s)\n\n", app.Cfg.Server.Port, app.Cfg.TimeZone)

			return server.New(app.Cfg, deps, app.Logger).Run(ctx)
		},
	}

	cmd.Flags().Bool("no-cron", false, "Serve HTTP only, rely on external triggers for dispatch and expansion")

	return cmd
}

// scheduleJobs registers the timer-driven dispatch and rule expansion jobs.
// Overlapping runs are skipped; overlapping dispatchers would still be safe.
func scheduleJobs(ctx context.Context, app *AppContext, dispatcher *services.Dispatcher, expander *services.RuleExpander) (*cron.Cron, error) {
	logger := app.Logger.With(zap.String("component", "scheduler"))
	cl := cronLogger{s: logger.Sugar()}

	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if spec := app.Cfg.Dispatch.Schedule; spec != "" {
		_, err := scheduler.AddFunc(spec, func() {
			if _, err := dispatcher.Run(ctx, app.DispatchOptions()); err != nil {
				logger.Error("Scheduled dispatch failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule dispatch: %w", err)
		}
		logger.Info("Scheduled dispatch", zap.String("schedule", spec))
	}

	if spec := app.Cfg.Rules.Schedule; spec != "" {
		_, err := scheduler.AddFunc(spec, func() {
			_, err := expander.ExpandActiveRules(ctx, app.Database, services.ExpandOptions{
				LookaheadDays: app.Cfg.Rules.LookaheadDays,
				NotifyHourUTC: app.Cfg.Rules.NotifyHourUTC,
				Now:           time.Now(),
			})
			if err != nil {
				logger.Error("Scheduled rule expansion failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule rule expansion: %w", err)
		}
		logger.Info("Scheduled rule expansion", zap.String("schedule", spec))
	}

	return scheduler, nil
}
