package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jakechorley/shift-notifier/pkg/server/middleware"
)

// IssueTokenCmd creates the issueToken command
func IssueTokenCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issueToken <user_id>",
		Short: "Sign a JWT for the admin API or the push websocket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			if app.Cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwtSecret is not configured")
			}

			token, err := middleware.GenerateToken(app.Cfg.Server.JWTSecret, args[0], role, ttl)
			if err != nil {
				return err
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().String("role", middleware.RoleAdmin, "Role claim")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
