package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zjrosen/screenqueue/internal/log"
	"github.com/zjrosen/screenqueue/internal/session"
)

var (
	loginIDToken      string
	loginRefreshToken string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store credentials for the queue server",
	Long: `Store an id token (and optional refresh token) in the credentials file.

A running screenqueue notices the change and mounts the queue.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runLogin(cfg.Session.CredentialsPath, session.Tokens{
			IDToken:      loginIDToken,
			RefreshToken: loginRefreshToken,
		}, cmd.OutOrStdout())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := session.ClearTokens(cfg.Session.CredentialsPath); err != nil {
			return err
		}
		log.Info(log.CatSession, "Logged out", "path", cfg.Session.CredentialsPath)
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginIDToken, "id-token", "", "OpenID id token (required)")
	loginCmd.Flags().StringVar(&loginRefreshToken, "refresh-token", "", "refresh token")
	_ = loginCmd.MarkFlagRequired("id-token")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

// runLogin validates tokens before writing them so a bad paste never
// replaces working credentials.
func runLogin(path string, tokens session.Tokens, w io.Writer) error {
	login, err := session.LoginFromTokens(tokens)
	if err != nil {
		return err
	}
	if err := session.SaveTokens(path, tokens); err != nil {
		return err
	}
	who := login.User.Email
	if who == "" {
		who = login.User.Sub
	}
	_, _ = fmt.Fprintf(w, "Logged in as %s.\n", who)
	if !login.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(w, "Id token expires %s.\n", login.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
