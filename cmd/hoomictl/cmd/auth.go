package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.pilab.hu/hoomi/appdata"
	"go.pilab.hu/hoomi/log"
)

var (
	loginScopes  []string
	loginTimeout time.Duration
	loginAddr    string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with Hoomi and store the access token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		addr := loginAddr
		if addr == "" {
			addr = appConfig.CallbackAddr
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen for the authorization redirect: %w", err)
		}

		srv := newCallbackServer(hoomiClient, registry, appLogger)
		srv.Listener = ln
		go func() {
			if err := srv.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(ctx, "callback server stopped", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		redirectURI := "http://" + ln.Addr().String() + callbackPath
		appLogger.Debug(ctx, "waiting for authorization redirect", log.Fields{"redirect_uri": redirectURI})

		authCtx, cancel := context.WithTimeout(ctx, loginTimeout)
		defer cancel()
		tok, err := hoomiClient.Authorize(authCtx, redirectURI, loginScopes)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Login successful.")
		if exp := tok.KnownExpiration(); exp != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Token expires at %s.\n", exp.Format(time.RFC3339))
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := hoomiClient.LogOut(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringSliceVar(&loginScopes, "scope",
		[]string{appdata.ScopeRead, appdata.ScopeWrite}, "scopes to request")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "how long to wait for the redirect")
	loginCmd.Flags().StringVar(&loginAddr, "addr", "", "callback listen address (overrides the configured one)")

	rootCmd.AddCommand(loginCmd, logoutCmd)
}
