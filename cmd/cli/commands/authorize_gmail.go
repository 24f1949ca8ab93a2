package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jakechorley/shift-notifier/internal/config"
	"github.com/jakechorley/shift-notifier/pkg/utils"
)

// AuthorizeGmailCmd creates the authorizeGmail command
func AuthorizeGmailCmd(app *AppContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authorizeGmail",
		Short: "Run the browser OAuth flow and store a Gmail send token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")

			oauthCfg, err := config.LoadOAuthClientWithEnv(app.Env)
			if err != nil {
				return fmt.Errorf("failed to load OAuth client config: %w", err)
			}

			oauthConfig, err := utils.GetOAuthConfig(oauthCfg)
			if err != nil {
				return err
			}

			if reset {
				if err := utils.DeleteTokenFile(app.Env); err != nil {
					return err
				}
			}

			if _, err := utils.GetTokenWithFlow(app.Ctx, oauthConfig, app.Env, app.Logger); err != nil {
				return fmt.Errorf("failed to authorize: %w", err)
			}

			fmt.Printf("\n✓ Gmail authorized for env %q\n\n", app.Env)
			return nil
		},
	}

	cmd.Flags().Bool("reset", false, "Discard the stored token and authorize again")

	return cmd
}
