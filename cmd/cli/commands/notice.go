package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakechorley/shift-notifier/pkg/core/services"
)

// NoticeCmd creates the notice command
func NoticeCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notice <title> <body>",
		Short: "Queue an administrative notice for one or more users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, _ := cmd.Flags().GetStringSlice("user")
			test, _ := cmd.Flags().GetBool("test")

			_, renderer, err := app.Renderer()
			if err != nil {
				return err
			}

			result, err := services.SendNotice(app.Ctx, app.Database, renderer, app.Logger, services.Notice{
				UserIDs: users,
				Title:   args[0],
				Body:    args[1],
				Test:    test,
			}, time.Now())
			if err != nil {
				return fmt.Errorf("failed to queue notice: %w", err)
			}

			fmt.Printf("\n✓ Notice queued for %s\n", strings.Join(users, ", "))
			fmt.Printf("New requests: %d of %d\n\n", result.Created, len(users))
			fmt.Println("It will be delivered by the next dispatch run.")

			return nil
		},
	}

	cmd.Flags().StringSliceP("user", "u", nil, "User ID to notify (repeatable)")
	cmd.Flags().Bool("test", false, "Send as a channel test rather than an admin notice")
	cmd.MarkFlagRequired("user")

	return cmd
}
