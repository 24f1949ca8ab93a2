package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/services"
)

// ExpandRulesCmd creates the expandRules command
func ExpandRulesCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expandRules",
		Short: "Generate daily reminders from the active recurring shift rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lookahead, _ := cmd.Flags().GetInt("days")
			notifyHour, _ := cmd.Flags().GetInt("hour")
			if !cmd.Flags().Changed("days") {
				lookahead = app.Cfg.Rules.LookaheadDays
			}
			if !cmd.Flags().Changed("hour") {
				notifyHour = app.Cfg.Rules.NotifyHourUTC
			}

			app.Logger.Debug("expandRules command", zap.Int("lookahead_days", lookahead), zap.Int("notify_hour_utc", notifyHour))

			_, renderer, err := app.Renderer()
			if err != nil {
				return err
			}

			expander := services.NewRuleExpander(app.Database, renderer, app.Metrics, app.Logger)
			result, err := expander.ExpandActiveRules(app.Ctx, app.Database, services.ExpandOptions{
				LookaheadDays: lookahead,
				NotifyHourUTC: notifyHour,
				Now:           time.Now(),
			})
			if err != nil {
				return fmt.Errorf("failed to expand rules: %w", err)
			}

			fmt.Printf("\n✓ Rule expansion complete\n\n")
			fmt.Printf("Rules evaluated: %d\n", result.RulesEvaluated)
			fmt.Printf("Days covered:    %d\n", result.Days)
			fmt.Printf("New reminders:   %d\n\n", result.Created)

			return nil
		},
	}

	cmd.Flags().Int("days", 0, fmt.Sprintf("Lookahead in days, 1-%d (default from config)", services.MaxLookaheadDays))
	cmd.Flags().Int("hour", 0, "UTC hour reminders are due, 0-23 (default from config)")

	return cmd
}
