package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"aelita/internal/identity"
)

var inviteCmd = &cobra.Command{
	Use:   "invite <handle>",
	Short: "Invite a GitHub user to sign in",
	Long: `Record an invitation for a GitHub handle, spending one of your invitations.

The invited user can then sign in on the web service or with
'aelita auth login'. Let them know; aelita sends no notification.`,
	Args: cobra.ExactArgs(1),
	RunE: runInvite,
}

var inviteAs string

func init() {
	inviteCmd.Flags().StringVar(&inviteAs, "as", "", "Sponsor handle (default: the signed-in operator)")
}

func runInvite(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	sponsor, err := a.operator(ctx, inviteAs)
	if err != nil {
		return err
	}

	err = a.resolver.RecordInvitation(ctx, sponsor, args[0])
	switch {
	case errors.Is(err, identity.ErrNoBudget):
		fmt.Fprintln(out, "❌ You're out of invites")
		return err
	case errors.Is(err, identity.ErrAlreadyInvited):
		fmt.Fprintln(out, "⚠️  This person is already invited")
		return nil
	case errors.Is(err, identity.ErrUnknownPrincipal):
		fmt.Fprintf(out, "❌ %s is no longer registered; run 'aelita auth login'\n", sponsor.Username)
		return err
	case err != nil:
		return err
	}

	fmt.Fprintln(out, "✅ Invitation recorded; now let them know!")
	fmt.Fprintf(out, "✉️  Invitations left: %d\n", sponsor.InviteCount)
	return nil
}
