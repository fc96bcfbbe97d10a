package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"aelita/internal/identity"
	"aelita/internal/store"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Deployment administration",
	Long: `Commands for whoever runs the deployment. They work directly on the
configuration store and need only bot.db_uri.`,
}

var seedInviteCmd = &cobra.Command{
	Use:   "seed-invite <handle>",
	Short: "Invite a handle without a sponsor",
	Long: `Record an invitation that no principal paid for. An invite-only deployment
starts empty, so the first operators are admitted this way.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeedInvite,
}

var grantInvitesCmd = &cobra.Command{
	Use:   "grant-invites <handle> <n>",
	Short: "Give a principal more invitations",
	Args:  cobra.ExactArgs(2),
	RunE:  runGrantInvites,
}

func init() {
	adminCmd.AddCommand(seedInviteCmd)
	adminCmd.AddCommand(grantInvitesCmd)
}

func runSeedInvite(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.resolver.SeedInvitation(ctx, args[0])
	if errors.Is(err, identity.ErrAlreadyInvited) {
		fmt.Fprintf(out, "⚠️  %s is already invited\n", args[0])
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %s may now sign in\n", args[0])
	return nil
}

func runGrantInvites(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return fmt.Errorf("invitation count must be a positive integer, got %q", args[1])
	}

	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.resolver.GrantBudget(ctx, args[0], n)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s has never signed in", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✅ %s now has %d invitations\n", p.Username, p.InviteCount)
	return nil
}
