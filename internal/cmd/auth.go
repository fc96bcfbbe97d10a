package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"aelita/internal/auth"
	"aelita/pkg/github"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
	Long:  "Sign in from the terminal so 'aelita repos' and 'aelita invite' can act as you",
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with GitHub",
	Long: `Sign in with the GitHub device flow.

You are shown a verification code and a URL; approve the request in the
browser and aelita records the resulting token for your principal, exactly
as a web sign-in does. The service is invite-only: a handle that was never
invited cannot sign in.

Examples:
  aelita auth login
  aelita auth login --no-browser --timeout 600`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the signed-in operator",
	RunE:  runLogout,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show who is signed in",
	RunE:  runStatus,
}

var (
	loginTimeout   int
	loginNoBrowser bool
)

func init() {
	loginCmd.Flags().IntVar(&loginTimeout, "timeout", 300, "Timeout in seconds for the authentication process")
	loginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the verification URL instead of opening a browser")

	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(statusCmd)
}

func printAuthError(cmd *cobra.Command, err error) bool {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		fmt.Fprintf(cmd.OutOrStdout(), "❌ %s%s\n", authErr.Message, authErr.GetTroubleshootingMessage())
		return true
	}
	return false
}

func runLogin(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(loginTimeout)*time.Second)
	defer cancel()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	opener := auth.BrowserOpener(auth.NewBrowserOpener())
	if loginNoBrowser {
		opener = auth.NoBrowser
	}
	oauth := github.OAuthConfig(a.cfg.GitHub.ClientID, a.cfg.GitHub.ClientSecret, "")
	manager, err := auth.NewManagerWithBrowserOpener(oauth, a.resolver, opener)
	if err != nil {
		return fmt.Errorf("failed to create authentication manager: %w", err)
	}

	isAuthenticated, err := manager.IsAuthenticated(ctx)
	if err != nil {
		if printAuthError(cmd, err) {
			return fmt.Errorf("authentication check failed")
		}
		return fmt.Errorf("failed to check authentication status: %w", err)
	}
	if isAuthenticated {
		if session, err := manager.GetStoredSession(); err == nil {
			fmt.Fprintf(out, "✅ Already signed in as %s\n", session.Username)
			fmt.Fprintln(out, "💡 Run 'aelita auth logout' first to switch accounts")
		}
		return nil
	}

	session, err := manager.Authenticate(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			fmt.Fprintf(out, "⏰ Authentication timed out after %d seconds\n", loginTimeout)
			fmt.Fprintln(out, "\nTroubleshooting steps:")
			fmt.Fprintln(out, "1. Try again with a longer timeout: --timeout 600")
			fmt.Fprintln(out, "2. Complete the browser authorization more quickly")
			return fmt.Errorf("authentication timeout")
		}
		if printAuthError(cmd, err) {
			return fmt.Errorf("authentication failed")
		}
		return fmt.Errorf("authentication failed: %w", err)
	}

	fmt.Fprintf(out, "\n🎉 Authentication successful!\n")
	fmt.Fprintf(out, "👤 Operator: %s\n", session.Username)
	fmt.Fprintln(out, "\n💡 You can now use 'aelita repos list' to see your repositories")
	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	manager, err := auth.NewManager(nil, nil)
	if err != nil {
		return err
	}
	if err := manager.ClearSession(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✅ Signed out")
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	manager, err := auth.NewManager(nil, a.resolver)
	if err != nil {
		return err
	}
	ok, err := manager.IsAuthenticated(ctx)
	if err != nil {
		if printAuthError(cmd, err) {
			return fmt.Errorf("authentication check failed")
		}
		return err
	}
	if !ok {
		fmt.Fprintln(out, "❌ Not signed in")
		fmt.Fprintln(out, "💡 Run 'aelita auth login' to sign in")
		return nil
	}

	session, err := manager.GetStoredSession()
	if err != nil {
		return err
	}
	p, err := a.resolver.PrincipalByHandle(ctx, session.Username)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ Signed in as %s\n", p.Username)
	fmt.Fprintf(out, "✉️  Invitations left: %d\n", p.InviteCount)
	fmt.Fprintf(out, "⏰ Since: %s\n", session.CreatedAt.Local().Format("2006-01-02 15:04:05 MST"))
	return nil
}
