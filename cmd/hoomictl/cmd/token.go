package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect the stored access token",
}

var tokenInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Ask Hoomi about the stored access token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info, err := hoomiClient.TokenInformation(cmd.Context(), nil)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Application:   %s\n", info.ApplicationID)
		if info.UserID != "" {
			fmt.Fprintf(out, "User:          %s\n", info.UserID)
		}
		fmt.Fprintf(out, "Issued:        %s\n", info.Issued.Format(time.RFC3339))
		if exp := info.Token.KnownExpiration(); exp != nil {
			fmt.Fprintf(out, "Expires:       %s\n", exp.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "Scopes:        %s\n", strings.Join(info.Token.KnownScopes(), " "))
		fmt.Fprintf(out, "Authenticated: %t\n", info.IssuedToAuthenticatedClient)
		return nil
	},
}

func init() {
	tokenCmd.AddCommand(tokenInfoCmd)
	rootCmd.AddCommand(tokenCmd)
}
