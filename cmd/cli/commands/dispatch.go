package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// DispatchCmd creates the dispatch command
func DispatchCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver due notification requests once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxTotal, _ := cmd.Flags().GetInt("max")

			dispatcher, err := app.NewDispatcher()
			if err != nil {
				return err
			}

			opts := app.DispatchOptions()
			opts.MaxTotal = maxTotal

			app.Logger.Debug("dispatch command", zap.Int("max_total", maxTotal))

			result, err := dispatcher.Run(app.Ctx, opts)
			if err != nil {
				return fmt.Errorf("dispatch failed after %d rows: %w", result.Processed, err)
			}

			fmt.Printf("\n✓ Dispatch complete\n\n")
			fmt.Printf("Processed: %d\n", result.Processed)
			fmt.Printf("Sent:      %d\n", result.Sent)
			fmt.Printf("Failed:    %d\n", result.Failed)
			fmt.Printf("Duration:  %dms\n\n", result.DurationMs())

			return nil
		},
	}

	cmd.Flags().Int("max", 0, "Stop after this many rows (0 for no limit)")

	return cmd
}
